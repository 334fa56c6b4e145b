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
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// LoopConfig configures a LoopDriver
type LoopConfig struct {
	Kind     PortKind
	SocketID int
	Features Feature
	MAC      net.HardwareAddr
	// TMUnsupported makes HierarchyCommit fail, like a NIC without a
	// traffic manager; the engine then falls back to TSC pacing
	TMUnsupported bool
}

type loopFlow struct {
	queue uint16
	spec  FlowSpec
}

type loopNode struct {
	parent    int64
	profileID uint32
	leaf      bool
}

// LoopDriver is an in-memory Driver, the moral equivalent of a ring
// PMD: transmitted frames are steered back through the flow rules of
// the driver itself or of a peered driver. It backs the sample apps
// and the package tests; a real NIC binding replaces it in production.
type LoopDriver struct {
	cfg  LoopConfig
	mac  net.HardwareAddr
	peer *LoopDriver

	mu        sync.Mutex
	started   bool
	timesync  bool
	nbRxQ     uint16
	nbTxQ     uint16
	rxRings   [][]Mbuf
	rxStarted []bool
	flows     map[*loopFlow]bool
	profiles  map[uint32]uint64
	nodes     map[uint32]loopNode
	stats     PortStats
	epoch     time.Time
}

// NewLoopDriver returns a started-from-scratch loop driver
func NewLoopDriver(cfg LoopConfig) *LoopDriver {
	mac := cfg.MAC
	if mac == nil {
		mac = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	return &LoopDriver{
		cfg:      cfg,
		mac:      mac,
		flows:    make(map[*loopFlow]bool),
		profiles: make(map[uint32]uint64),
		nodes:    make(map[uint32]loopNode),
	}
}

// Pair cross-connects two loop drivers: frames transmitted on one are
// steered into the RX queues of the other
func (d *LoopDriver) Pair(other *LoopDriver) {
	d.peer = other
	other.peer = d
}

// Kind implements Driver
func (d *LoopDriver) Kind() PortKind { return d.cfg.Kind }

// SocketID implements Driver
func (d *LoopDriver) SocketID() int { return d.cfg.SocketID }

// Features implements Driver
func (d *LoopDriver) Features() Feature { return d.cfg.Features }

// MACAddr implements Driver
func (d *LoopDriver) MACAddr() net.HardwareAddr { return d.mac }

// Configure implements Driver
func (d *LoopDriver) Configure(nbRxQ, nbTxQ uint16, conf PortConf) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("configure on started port")
	}
	d.nbRxQ = nbRxQ
	d.nbTxQ = nbTxQ
	d.rxRings = make([][]Mbuf, nbRxQ)
	d.rxStarted = make([]bool, nbRxQ)
	return nil
}

// AdjustDescriptors implements Driver
func (d *LoopDriver) AdjustDescriptors(nbRx, nbTx uint16) (uint16, uint16, error) {
	return nbRx, nbTx, nil
}

// SupportedPtypes implements Driver
func (d *LoopDriver) SupportedPtypes(mask []Ptype) []Ptype {
	out := make([]Ptype, len(mask))
	copy(out, mask)
	return out
}

// SetPtypes implements Driver
func (d *LoopDriver) SetPtypes(ptypes []Ptype) error { return nil }

// RxQueueSetup implements Driver
func (d *LoopDriver) RxQueueSetup(q, nbDesc uint16, deferredStart bool) error {
	if q >= d.nbRxQ {
		return fmt.Errorf("rx queue %d out of range", q)
	}
	d.mu.Lock()
	d.rxStarted[q] = !deferredStart
	d.mu.Unlock()
	return nil
}

// TxQueueSetup implements Driver
func (d *LoopDriver) TxQueueSetup(q, nbDesc uint16) error {
	if q >= d.nbTxQ {
		return fmt.Errorf("tx queue %d out of range", q)
	}
	return nil
}

// Start implements Driver
func (d *LoopDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

// Stop implements Driver
func (d *LoopDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

// Close implements Driver
func (d *LoopDriver) Close() error { return nil }

// Reset implements Driver
func (d *LoopDriver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.flows = make(map[*loopFlow]bool)
	d.profiles = make(map[uint32]uint64)
	d.nodes = make(map[uint32]loopNode)
	d.rxRings = nil
	d.rxStarted = nil
	return nil
}

// Link implements Driver: always up at 25G
func (d *LoopDriver) Link() LinkStatus {
	return LinkStatus{Up: true, SpeedMbps: 25000}
}

// PromiscuousEnable implements Driver
func (d *LoopDriver) PromiscuousEnable() {}

// Stats implements Driver
func (d *LoopDriver) Stats() (PortStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats, nil
}

// StatsReset implements Driver
func (d *LoopDriver) StatsReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = PortStats{}
	return nil
}

// TimesyncEnable implements Driver
func (d *LoopDriver) TimesyncEnable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.timesync {
		d.timesync = true
		d.epoch = time.Now()
	}
	return nil
}

// TimesyncRead implements Driver
func (d *LoopDriver) TimesyncRead() (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.timesync {
		return time.Time{}, fmt.Errorf("timesync not enabled")
	}
	return time.Now(), nil
}

// RxQueueStart implements Driver
func (d *LoopDriver) RxQueueStart(q uint16) error {
	if d.cfg.Features&FeatureRuntimeRxQueue == 0 {
		return fmt.Errorf("runtime rx queue start not supported")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(q) >= len(d.rxStarted) {
		return fmt.Errorf("rx queue %d out of range", q)
	}
	d.rxStarted[q] = true
	return nil
}

// RxBurst implements Driver
func (d *LoopDriver) RxBurst(q uint16, pkts []Mbuf) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(q) >= len(d.rxRings) {
		return 0
	}
	n := copy(pkts, d.rxRings[q])
	d.rxRings[q] = d.rxRings[q][n:]
	if len(d.rxRings[q]) == 0 {
		d.rxRings[q] = nil
	}
	for i := 0; i < n; i++ {
		d.stats.IPackets++
		d.stats.IBytes += uint64(len(pkts[i].Data))
	}
	return uint16(n)
}

// TxBurst implements Driver: every frame is steered into the peer (or
// this driver when unpaired) through its installed flow rules
func (d *LoopDriver) TxBurst(q uint16, pkts []Mbuf) uint16 {
	dst := d.peer
	if dst == nil {
		dst = d
	}
	d.mu.Lock()
	for i := range pkts {
		d.stats.OPackets++
		d.stats.OBytes += uint64(len(pkts[i].Data))
	}
	d.mu.Unlock()

	for i := range pkts {
		dst.deliver(pkts[i])
	}
	return uint16(len(pkts))
}

// deliver steers one Ethernet frame by its IPv4/UDP 5-tuple
func (d *LoopDriver) deliver(pkt Mbuf) {
	srcIP, dstIP, srcPort, dstPort, ok := parseUDP(pkt.Data)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for f := range d.flows {
		if !f.spec.matches(srcIP, dstIP, srcPort, dstPort) {
			continue
		}
		if int(f.queue) < len(d.rxRings) {
			c := Mbuf{Data: append([]byte(nil), pkt.Data...)}
			d.rxRings[f.queue] = append(d.rxRings[f.queue], c)
		}
		return
	}
}

func (f *FlowSpec) matches(srcIP, dstIP net.IP, srcPort, dstPort uint16) bool {
	if f.Multicast() {
		if !f.DstIP.Equal(dstIP) {
			return false
		}
	} else {
		// unicast rules match both addresses; the rule's DstIP is the
		// sender of the traffic we expect
		if !f.DstIP.Equal(srcIP) || !f.SrcIP.Equal(dstIP) {
			return false
		}
	}
	if f.PortMatch {
		return f.SrcPort == srcPort && f.DstPort == dstPort
	}
	return true
}

func parseUDP(frame []byte) (srcIP, dstIP net.IP, srcPort, dstPort uint16, ok bool) {
	if len(frame) < 14+20+8 {
		return
	}
	if binary.BigEndian.Uint16(frame[12:]) != 0x0800 {
		return
	}
	ihl := int(frame[14]&0x0f) * 4
	if frame[14+9] != 17 || len(frame) < 14+ihl+8 {
		return
	}
	srcIP = net.IP(frame[14+12 : 14+16])
	dstIP = net.IP(frame[14+16 : 14+20])
	udp := frame[14+ihl:]
	srcPort = binary.BigEndian.Uint16(udp)
	dstPort = binary.BigEndian.Uint16(udp[2:])
	ok = true
	return
}

// FlowValidate implements Driver
func (d *LoopDriver) FlowValidate(q uint16, fs *FlowSpec) error {
	if q >= d.nbRxQ {
		return fmt.Errorf("rx queue %d out of range", q)
	}
	if fs.DstIP == nil {
		return fmt.Errorf("flow without destination address")
	}
	return nil
}

// FlowCreate implements Driver
func (d *LoopDriver) FlowCreate(q uint16, fs *FlowSpec) (Flow, error) {
	if err := d.FlowValidate(q, fs); err != nil {
		return nil, err
	}
	f := &loopFlow{queue: q, spec: *fs}
	d.mu.Lock()
	d.flows[f] = true
	d.mu.Unlock()
	return f, nil
}

// FlowDestroy implements Driver
func (d *LoopDriver) FlowDestroy(f Flow) error {
	lf, good := f.(*loopFlow)
	if !good {
		return fmt.Errorf("foreign flow handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.flows[lf] {
		return fmt.Errorf("unknown flow")
	}
	delete(d.flows, lf)
	return nil
}

// FlowCount returns the number of installed rules
func (d *LoopDriver) FlowCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.flows)
}

// ShaperProfileAdd implements Driver
func (d *LoopDriver) ShaperProfileAdd(profileID uint32, bps uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.profiles[profileID]; dup {
		return fmt.Errorf("shaper profile %d exists", profileID)
	}
	d.profiles[profileID] = bps
	return nil
}

// ShaperProfileDelete implements Driver
func (d *LoopDriver) ShaperProfileDelete(profileID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, present := d.profiles[profileID]; !present {
		return fmt.Errorf("shaper profile %d not found", profileID)
	}
	delete(d.profiles, profileID)
	return nil
}

// NodeAdd implements Driver
func (d *LoopDriver) NodeAdd(nodeID uint32, parentID int64, profileID uint32, leaf bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.nodes[nodeID]; dup {
		return fmt.Errorf("node %d exists", nodeID)
	}
	d.nodes[nodeID] = loopNode{parent: parentID, profileID: profileID, leaf: leaf}
	return nil
}

// NodeDelete implements Driver
func (d *LoopDriver) NodeDelete(nodeID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, present := d.nodes[nodeID]; !present {
		return fmt.Errorf("node %d not found", nodeID)
	}
	delete(d.nodes, nodeID)
	return nil
}

// HierarchyCommit implements Driver
func (d *LoopDriver) HierarchyCommit() error {
	if d.cfg.TMUnsupported {
		return fmt.Errorf("traffic manager not supported")
	}
	return nil
}
