/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package device

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// descriptor ring sizes requested from the driver; the driver may
// adjust them
const (
	DefaultTxDesc uint16 = 512
	DefaultRxDesc uint16 = 1024
)

// MaxRL bounds the per-port shaper table
const MaxRL = 16

// CNIQueue is the RX queue reserved for CNI/ARP traffic
const CNIQueue uint16 = 0

// linkDetectRetries x linkDetectInterval bounds link detection at ~5s
const (
	linkDetectRetries  = 50
	linkDetectInterval = 100 * time.Millisecond
)

const (
	timesyncRetries  = 10
	timesyncInterval = 10 * time.Millisecond
)

type txQueue struct {
	active        bool
	bps           uint64
	shaperMapping int
}

type rxQueue struct {
	active bool
	flow   Flow
	spec   *FlowSpec
}

// Port is one bound NIC interface with a fixed post-init queue layout
type Port struct {
	Name string
	Idx  int
	SIP  net.IP

	drv         Driver
	kind        PortKind
	features    Feature
	promiscuous bool

	maxTxQueues uint16
	maxRxQueues uint16
	nbTxDesc    uint16
	nbRxDesc    uint16
	linkSpeed   uint32

	txQueues []txQueue
	rxQueues []rxQueue

	shapers      []shaper
	rlRootActive bool

	// McastRestore, when set, is invoked on reset to replay multicast
	// subscriptions. Group management itself is external.
	McastRestore func(addrs []net.IP) error
	mcastAddrs   []net.IP

	inReset atomic.Bool
}

// PortParams configures a new Port
type PortParams struct {
	Name        string
	Idx         int
	SIP         net.IP
	MaxTxQueues uint16
	MaxRxQueues uint16
	Promiscuous bool
}

// NewPort wraps a driver into a managed port. Queue counts are fixed
// for the lifetime of the port.
func NewPort(drv Driver, p PortParams) *Port {
	port := &Port{
		Name:        p.Name,
		Idx:         p.Idx,
		SIP:         p.SIP,
		drv:         drv,
		kind:        drv.Kind(),
		features:    drv.Features(),
		promiscuous: p.Promiscuous,
		maxTxQueues: p.MaxTxQueues,
		maxRxQueues: p.MaxRxQueues,
		txQueues:    make([]txQueue, p.MaxTxQueues),
		rxQueues:    make([]rxQueue, p.MaxRxQueues),
		shapers:     make([]shaper, MaxRL),
	}
	for q := range port.txQueues {
		port.txQueues[q].shaperMapping = -1
	}
	return port
}

// Driver returns the underlying driver binding
func (p *Port) Driver() Driver { return p.drv }

// Kind returns the port function kind
func (p *Port) Kind() PortKind { return p.kind }

// Features returns the driver capability bitmap
func (p *Port) Features() Feature { return p.features }

// SocketID returns the NUMA socket the port is attached to
func (p *Port) SocketID() int { return p.drv.SocketID() }

// MACAddr returns the port's hardware address
func (p *Port) MACAddr() net.HardwareAddr { return p.drv.MACAddr() }

// LinkSpeedMbps returns the speed detected by DetectLink
func (p *Port) LinkSpeedMbps() uint32 { return p.linkSpeed }

// MaxTxQueues returns the fixed TX queue count
func (p *Port) MaxTxQueues() uint16 { return p.maxTxQueues }

// MaxRxQueues returns the fixed RX queue count
func (p *Port) MaxRxQueues() uint16 { return p.maxRxQueues }

// InReset reports whether a reset is in flight; the stats path reads
// this to suppress snapshots
func (p *Port) InReset() bool { return p.inReset.Load() }

// Configure negotiates queue counts, descriptor rings and packet-type
// hints with the driver
func (p *Port) Configure() error {
	conf := PortConf{
		RxTimestamp: p.features&FeatureRxTimestamp != 0,
	}
	if err := p.drv.Configure(p.maxRxQueues, p.maxTxQueues, conf); err != nil {
		return fmt.Errorf("%w: %v", ErrPortConfig, err)
	}

	nbRx, nbTx, err := p.drv.AdjustDescriptors(DefaultRxDesc, DefaultTxDesc)
	if err != nil {
		return fmt.Errorf("%w: adjusting descriptors: %v", ErrPortConfig, err)
	}
	p.nbRxDesc = nbRx
	p.nbTxDesc = nbTx

	// the engine requires hardware pre-classification: fewer than five
	// accepted hints would push dispatch into software
	supported := p.drv.SupportedPtypes(AllPtypes)
	if len(supported) < 5 {
		return fmt.Errorf("%w: only %d packet type hints supported", ErrPortConfig, len(supported))
	}
	if err := p.drv.SetPtypes(supported); err != nil {
		return fmt.Errorf("%w: setting packet types: %v", ErrPortConfig, err)
	}

	log.Infof("port %d(%s): tx_q %d with %d desc, rx_q %d with %d desc",
		p.Idx, p.Name, p.maxTxQueues, nbTx, p.maxRxQueues, nbRx)
	return nil
}

// Start sets up every descriptor ring and starts the port
func (p *Port) Start() error {
	deferredStart := p.features&FeatureRuntimeRxQueue != 0

	for q := uint16(0); q < p.maxRxQueues; q++ {
		if err := p.drv.RxQueueSetup(q, p.nbRxDesc, deferredStart); err != nil {
			return fmt.Errorf("%w: rx queue %d setup: %v", ErrPortStart, q, err)
		}
	}
	for q := uint16(0); q < p.maxTxQueues; q++ {
		if err := p.drv.TxQueueSetup(q, p.nbTxDesc); err != nil {
			return fmt.Errorf("%w: tx queue %d setup: %v", ErrPortStart, q, err)
		}
	}

	if err := p.drv.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrPortStart, err)
	}

	if p.promiscuous {
		log.Infof("port %d: enabling promiscuous mode", p.Idx)
		p.drv.PromiscuousEnable()
	}
	if err := p.drv.StatsReset(); err != nil {
		log.Warningf("port %d: stats reset failed: %v", p.Idx, err)
	}

	log.Infof("port %d: started, rx_defer %v", p.Idx, deferredStart)
	return nil
}

// DetectLink polls the physical link until it comes up, for about 5s
func (p *Port) DetectLink() error {
	for i := 0; i < linkDetectRetries; i++ {
		link := p.drv.Link()
		if link.Up {
			p.linkSpeed = link.SpeedMbps
			log.Infof("port %d: link speed %dg", p.Idx, link.SpeedMbps/1000)
			return nil
		}
		time.Sleep(linkDetectInterval)
	}
	return fmt.Errorf("port %d: %w", p.Idx, ErrNoLink)
}

// StartTimesync enables the PTP hardware clock and waits for it to tick
func (p *Port) StartTimesync() error {
	for i := 0; i < timesyncRetries; i++ {
		if err := p.drv.TimesyncEnable(); err != nil {
			return fmt.Errorf("port %d: timesync enable: %w", p.Idx, err)
		}
		ts, err := p.drv.TimesyncRead()
		if err != nil {
			return fmt.Errorf("port %d: timesync read: %w", p.Idx, err)
		}
		if !ts.IsZero() {
			log.Infof("port %d: timesync at %v after %d tries", p.Idx, ts, i+1)
			return nil
		}
		time.Sleep(timesyncInterval)
	}
	return fmt.Errorf("port %d: timesync clock never ticked", p.Idx)
}

// Stats reads the NIC counters
func (p *Port) Stats() (PortStats, error) {
	return p.drv.Stats()
}

// StatsReset zeroes the NIC counters
func (p *Port) StatsReset() error {
	return p.drv.StatsReset()
}

// AddMcast records a multicast subscription for reset replay
func (p *Port) AddMcast(ip net.IP) {
	p.mcastAddrs = append(p.mcastAddrs, ip)
}

// McastAddrs returns the recorded multicast subscriptions
func (p *Port) McastAddrs() []net.IP { return p.mcastAddrs }

// Reset recovers a port after e.g. a VF reconfiguration: the device is
// reset, reconfigured and restarted, the shaper table is cleared, and
// the snapshots are replayed in order: flows, then multicast. The
// caller re-applies rate limits when hardware pacing is active, and
// must only reset while the engine is stopped.
func (p *Port) Reset() error {
	p.inReset.Store(true)
	defer p.inReset.Store(false)

	if err := p.drv.Reset(); err != nil {
		return fmt.Errorf("%w: %v", ErrPortReset, err)
	}
	if err := p.Configure(); err != nil {
		return fmt.Errorf("%w: %v", ErrPortReset, err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrPortReset, err)
	}

	// shaper table does not survive a device reset
	for q := range p.txQueues {
		p.txQueues[q].shaperMapping = -1
	}
	p.rlRootActive = false
	p.shapers = make([]shaper, MaxRL)

	// replay RX steering
	for q := range p.rxQueues {
		spec := p.rxQueues[q].spec
		if spec == nil {
			continue
		}
		flow, err := p.createFlow(uint16(q), spec)
		if err != nil {
			return fmt.Errorf("%w: replaying flow on queue %d: %v", ErrPortReset, q, err)
		}
		p.rxQueues[q].flow = flow
	}

	if p.McastRestore != nil && len(p.mcastAddrs) > 0 {
		if err := p.McastRestore(p.mcastAddrs); err != nil {
			return fmt.Errorf("%w: replaying multicast: %v", ErrPortReset, err)
		}
	}
	return nil
}

// Stop stops the port
func (p *Port) Stop() error {
	return p.drv.Stop()
}

// Free stops and closes the port. Leftover flow rules are destroyed;
// a queue still marked active at this point is a session leak.
func (p *Port) Free() error {
	for q := range p.txQueues {
		if p.txQueues[q].active {
			log.Warningf("port %d: tx queue %d still active", p.Idx, q)
		}
	}
	for q := range p.rxQueues {
		if p.rxQueues[q].active {
			log.Warningf("port %d: rx queue %d still active", p.Idx, q)
		}
		p.destroyFlow(uint16(q))
	}

	if err := p.drv.Stop(); err != nil {
		log.Errorf("port %d: stop failed: %v", p.Idx, err)
	}
	if err := p.drv.Close(); err != nil {
		log.Errorf("port %d: close failed: %v", p.Idx, err)
	}
	log.Infof("port %d: freed", p.Idx)
	return nil
}
