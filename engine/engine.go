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

/*
Package engine assembles the transport: it owns the ports, the lcore
registry, the scheduler group and the sessions, and exposes the
create/start/stop/free lifecycle the applications drive.
*/

package engine

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/openmediakit/st2110/device"
	"github.com/openmediakit/st2110/lcore"
	"github.com/openmediakit/st2110/sched"
	"github.com/openmediakit/st2110/session"
)

// ErrInvalidArgument means the caller passed something unusable
var ErrInvalidArgument = errors.New("invalid argument")

type txAttach struct {
	sch   *sched.Scheduler
	port  *device.Port
	queue uint16
	quota int
}

type rxAttach struct {
	sch   *sched.Scheduler
	port  *device.Port
	queue uint16
	quota int
}

// Engine is one transport instance. All control-plane methods are
// serialized by the caller or internally; the data plane runs on the
// scheduler lcores.
type Engine struct {
	cfg Config

	// mu serializes the control plane against the stat reporter
	mu sync.Mutex

	ports    []*device.Port
	registry *lcore.Registry
	group    *sched.Group

	pacing  PacingWay
	started bool

	txSessions map[*session.TxSession]*txAttach
	rxSessions map[*session.RxSession]*rxAttach

	reporter *reporter
}

// New creates the engine: attaches the lcore registry, brings every
// port up (configure, start, link detect, timesync on PFs), installs
// the dummy RX flows and starts the stat reporter. On any failure all
// resources acquired so far are released in reverse order.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyLogLevel()

	e := &Engine{
		cfg:        cfg,
		pacing:     cfg.Pacing,
		txSessions: make(map[*session.TxSession]*txAttach),
		rxSessions: make(map[*session.RxSession]*rxAttach),
	}

	reg, err := lcore.New(cfg.Lcore)
	if err != nil {
		return nil, err
	}
	e.registry = reg

	undo := func() {
		for i := len(e.ports) - 1; i >= 0; i-- {
			_ = e.ports[i].Free()
		}
		_ = e.registry.Close()
	}

	for i := range cfg.Ports {
		pc := cfg.Ports[i]
		port := device.NewPort(pc.Driver, device.PortParams{
			Name:        pc.Name,
			Idx:         i,
			SIP:         pc.SIP.To4(),
			MaxTxQueues: uint16(cfg.TxSessionsMax + reservedTxQueues),
			MaxRxQueues: uint16(cfg.RxSessionsMax + reservedRxQueues),
			Promiscuous: cfg.Flags&FlagNicRxPromiscuous != 0,
		})
		if err := port.Configure(); err != nil {
			undo()
			return nil, err
		}
		if err := port.Start(); err != nil {
			undo()
			return nil, err
		}
		e.ports = append(e.ports, port)

		// some ports only detect link after start
		if err := port.DetectLink(); err != nil {
			undo()
			return nil, err
		}
		if port.Kind() == device.KindPF && port.Features()&device.FeatureTimesync != 0 {
			if err := port.StartTimesync(); err != nil {
				log.Warningf("port %d: running without timesync: %v", i, err)
			}
		}

		// queue 0 stays reserved for CNI/ARP
		if _, err := port.RequestRxQueue(nil); err != nil {
			undo()
			return nil, err
		}
		if err := port.InstallDummyFlows(); err != nil {
			undo()
			return nil, err
		}
	}

	e.group = sched.NewGroup(cfg.DataQuotaMbsPerSch)
	e.reporter = newReporter(e)
	e.reporter.start()

	log.Infof("engine: created with %d ports, pacing %s requested", len(e.ports), e.pacing)
	return e, nil
}

// schedSocket returns the NUMA socket scheduler lcores must come from
func (e *Engine) schedSocket() int {
	if e.cfg.Flags&FlagBindNuma != 0 {
		return e.ports[0].SocketID()
	}
	return -1
}

// Start latches the pacing way and launches the pinned workers.
// PacingAuto tries the NIC rate limiter on every port and falls back
// to software pacing when the hardware refuses.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	if e.pacing == PacingAuto || e.pacing == PacingRL {
		var err error
		for _, p := range e.ports {
			if err = p.ApplyRateLimit(); err != nil {
				break
			}
		}
		switch {
		case err == nil:
			e.pacing = PacingRL
		case e.cfg.Pacing == PacingAuto:
			log.Warningf("engine: hardware pacing unavailable, using tsc: %v", err)
			e.pacing = PacingTSC
		default:
			return err
		}
		log.Infof("engine: detected pacing way %s", e.pacing)
	}

	for s := range e.txSessions {
		s.SetTscPacing(e.pacing == PacingTSC)
	}

	if err := e.group.StartAll(e.registry, e.schedSocket()); err != nil {
		e.group.StopAll()
		return err
	}
	e.started = true
	log.Infof("engine: started")
	return nil
}

// Stop halts the pinned workers and releases their lcores. Sessions
// survive a stop/start cycle.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.started {
		return nil
	}
	e.group.StopAll()
	e.started = false
	log.Infof("engine: stopped")
	return nil
}

// Pacing returns the latched pacing way
func (e *Engine) Pacing() PacingWay { return e.pacing }

// Port returns a bound port by index
func (e *Engine) Port(i int) *device.Port { return e.ports[i] }

// CreateTxSession allocates a TX queue and scheduler share for the
// session and attaches it to the poll loop
func (e *Engine) CreateTxSession(portIdx int, ops session.TxOps) (*session.TxSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if portIdx < 0 || portIdx >= len(e.ports) {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArgument, portIdx)
	}
	if len(e.txSessions) >= e.cfg.TxSessionsMax {
		return nil, fmt.Errorf("%w: tx session limit %d reached", ErrInvalidArgument, e.cfg.TxSessionsMax)
	}
	port := e.ports[portIdx]

	if ops.DstMAC == nil {
		if mac := e.userTxMAC(portIdx); mac != nil {
			ops.DstMAC = mac
		}
	}

	quota, err := session.TxQuotaMbs(&ops)
	if err != nil {
		return nil, err
	}
	sch, err := e.group.Get(quota)
	if err != nil {
		return nil, err
	}

	bps, err := session.TxBandwidthBps(&ops)
	if err != nil {
		_ = e.group.Put(sch, quota)
		return nil, err
	}
	queue, err := port.RequestTxQueue(bps)
	if err != nil {
		_ = e.group.Put(sch, quota)
		return nil, err
	}

	s, err := session.NewTxSession(port, queue, ops)
	if err != nil {
		_ = port.FreeTxQueue(queue)
		_ = e.group.Put(sch, quota)
		return nil, err
	}
	s.SetTscPacing(e.pacing == PacingTSC)

	sch.AddTasklet(s)
	if e.started && !sch.Running() {
		if err := sch.Start(e.registry, e.schedSocket()); err != nil {
			sch.RemoveTasklet(s)
			_ = port.FreeTxQueue(queue)
			_ = e.group.Put(sch, quota)
			return nil, err
		}
	}

	e.txSessions[s] = &txAttach{sch: sch, port: port, queue: queue, quota: quota}
	log.Infof("engine: tx session %s on port %d queue %d, %d Mb/s",
		s.Name(), portIdx, queue, quota)
	return s, nil
}

// userTxMAC returns the configured destination MAC when the user flag
// for the port is set
func (e *Engine) userTxMAC(portIdx int) []byte {
	switch {
	case portIdx == 0 && e.cfg.Flags&FlagUserPTxMac != 0:
		return e.cfg.Ports[0].TxDstMAC
	case portIdx == 1 && e.cfg.Flags&FlagUserRTxMac != 0:
		return e.cfg.Ports[1].TxDstMAC
	}
	return nil
}

// FreeTxSession detaches and releases everything the session holds, in
// reverse acquisition order
func (e *Engine) FreeTxSession(s *session.TxSession) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freeTxLocked(s)
}

func (e *Engine) freeTxLocked(s *session.TxSession) error {
	at := e.txSessions[s]
	if at == nil {
		return fmt.Errorf("%w: unknown tx session", ErrInvalidArgument)
	}
	s.Stop()
	at.sch.RemoveTasklet(s)
	if err := at.port.FreeTxQueue(at.queue); err != nil {
		return err
	}
	if err := e.group.Put(at.sch, at.quota); err != nil {
		return err
	}
	delete(e.txSessions, s)
	return nil
}

// CreateRxSession installs the 5-tuple steering rule, allocates an RX
// queue and scheduler share and attaches the depacketizer to the poll
// loop
func (e *Engine) CreateRxSession(portIdx int, ops session.RxOps) (*session.RxSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if portIdx < 0 || portIdx >= len(e.ports) {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArgument, portIdx)
	}
	if len(e.rxSessions) >= e.cfg.RxSessionsMax {
		return nil, fmt.Errorf("%w: rx session limit %d reached", ErrInvalidArgument, e.cfg.RxSessionsMax)
	}
	port := e.ports[portIdx]

	udpPort := ops.UDPPort
	if udpPort == 0 {
		udpPort = uint16(10000 + ops.Idx)
		ops.UDPPort = udpPort
	}

	quota, err := session.RxQuotaMbs(&ops)
	if err != nil {
		return nil, err
	}
	sch, err := e.group.Get(quota)
	if err != nil {
		return nil, err
	}

	fs := &device.FlowSpec{
		SrcPort:   udpPort,
		DstPort:   udpPort,
		PortMatch: true,
	}
	if ops.IP.IsMulticast() {
		fs.DstIP = ops.IP.To4()
	} else {
		// unicast: match traffic from the remote source to this port
		fs.DstIP = ops.IP.To4()
		fs.SrcIP = port.SIP
	}

	queue, err := port.RequestRxQueue(fs)
	if err != nil {
		_ = e.group.Put(sch, quota)
		return nil, err
	}
	if ops.IP.IsMulticast() {
		port.AddMcast(ops.IP)
	}

	s, err := session.NewRxSession(port, queue, ops)
	if err != nil {
		_ = port.FreeRxQueue(queue)
		_ = e.group.Put(sch, quota)
		return nil, err
	}

	sch.AddTasklet(s)
	if e.started && !sch.Running() {
		if err := sch.Start(e.registry, e.schedSocket()); err != nil {
			sch.RemoveTasklet(s)
			_ = port.FreeRxQueue(queue)
			_ = e.group.Put(sch, quota)
			return nil, err
		}
	}

	e.rxSessions[s] = &rxAttach{sch: sch, port: port, queue: queue, quota: quota}
	log.Infof("engine: rx session %s on port %d queue %d, %d Mb/s",
		s.Name(), portIdx, queue, quota)
	return s, nil
}

// FreeRxSession detaches and releases everything the session holds
func (e *Engine) FreeRxSession(s *session.RxSession) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freeRxLocked(s)
}

func (e *Engine) freeRxLocked(s *session.RxSession) error {
	at := e.rxSessions[s]
	if at == nil {
		return fmt.Errorf("%w: unknown rx session", ErrInvalidArgument)
	}
	s.Stop()
	at.sch.RemoveTasklet(s)
	if err := at.port.FreeRxQueue(at.queue); err != nil {
		return err
	}
	if err := e.group.Put(at.sch, at.quota); err != nil {
		return err
	}
	delete(e.rxSessions, s)
	return nil
}

// ResetPort recovers a port, only while the engine is stopped. Flows
// and multicast replay inside the port reset; hardware rate limits are
// re-applied here when they are the active pacing way.
func (e *Engine) ResetPort(portIdx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("%w: reset requires the engine stopped", device.ErrPortReset)
	}
	if portIdx < 0 || portIdx >= len(e.ports) {
		return fmt.Errorf("%w: port %d", ErrInvalidArgument, portIdx)
	}
	port := e.ports[portIdx]
	if err := port.Reset(); err != nil {
		return err
	}
	if e.pacing == PacingRL {
		if err := port.ApplyRateLimit(); err != nil {
			return fmt.Errorf("%w: %v", device.ErrPortReset, err)
		}
	}
	return nil
}

// Close tears the engine down: reporter joined, leftover sessions
// freed, ports closed, registry detached
func (e *Engine) Close() error {
	// join the reporter before taking the lock: a running snapshot
	// contends on it
	e.reporter.stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.stopLocked()

	for s := range e.txSessions {
		if err := e.freeTxLocked(s); err != nil {
			log.Errorf("engine: freeing tx session: %v", err)
		}
	}
	for s := range e.rxSessions {
		if err := e.freeRxLocked(s); err != nil {
			log.Errorf("engine: freeing rx session: %v", err)
		}
	}

	for i := len(e.ports) - 1; i >= 0; i-- {
		_ = e.ports[i].Free()
	}
	if err := e.registry.Close(); err != nil {
		return err
	}
	log.Infof("engine: closed")
	return nil
}

// snapshotSessions copies the session sets for the reporter
func (e *Engine) snapshotSessions() ([]*session.TxSession, []*session.RxSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	txs := make([]*session.TxSession, 0, len(e.txSessions))
	for s := range e.txSessions {
		txs = append(txs, s)
	}
	rxs := make([]*session.RxSession, 0, len(e.rxSessions))
	for s := range e.rxSessions {
		rxs = append(rxs, s)
	}
	return txs, rxs
}
