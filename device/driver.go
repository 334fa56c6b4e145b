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
Package device owns the poll-mode NIC: port lifecycle, hardware queue
allocation, RX flow steering and TX rate limiting. The NIC itself is
reached through the Driver interface, implemented by the PMD binding.
*/

package device

import (
	"net"
	"time"
)

// PortKind tells physical from virtual functions. VFs need the port
// stopped around traffic manager hierarchy commits.
type PortKind int

// port kinds
const (
	KindUnknown PortKind = iota
	KindPF
	KindVF
)

func (k PortKind) String() string {
	switch k {
	case KindPF:
		return "PF"
	case KindVF:
		return "VF"
	default:
		return "unknown"
	}
}

// Feature is a capability bitmap reported by the driver
type Feature uint32

// driver features
const (
	// FeatureRuntimeRxQueue means RX queues can be started and stopped
	// while the port is running
	FeatureRuntimeRxQueue Feature = 1 << iota
	// FeatureRxTimestamp means the NIC stamps received packets
	FeatureRxTimestamp
	// FeatureTimesync means the port carries a PTP hardware clock
	FeatureTimesync
)

// Ptype is an L2/L3/L4 classification hint the NIC can pre-compute
type Ptype uint32

// packet classification hints
const (
	PtypeEther Ptype = 1 << iota
	PtypeVLAN
	PtypeQinQ
	PtypeARP
	PtypeTimesync
	PtypeICMP
	PtypeIPv4
	PtypeUDP
	PtypeFrag
)

// AllPtypes is the hint set the engine negotiates at configure time
var AllPtypes = []Ptype{
	PtypeEther, PtypeVLAN, PtypeQinQ, PtypeARP, PtypeTimesync,
	PtypeICMP, PtypeIPv4, PtypeUDP, PtypeFrag,
}

// PortConf is the port-wide configuration applied at Configure time
type PortConf struct {
	RxTimestamp bool
}

// FlowSpec is a 5-tuple RX steering match. Proto is implicitly UDP.
// Unicast rules match (src, dst) addresses, multicast rules match the
// destination address only. PortMatch enables the L4 part; without it
// only the addresses are matched.
type FlowSpec struct {
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	PortMatch bool
}

// Multicast reports whether the rule steers a multicast destination
func (f *FlowSpec) Multicast() bool {
	return f.DstIP.IsMulticast()
}

// Flow is an opaque installed-rule handle returned by the driver
type Flow interface{}

// LinkStatus is the physical link state of a port
type LinkStatus struct {
	Up        bool
	SpeedMbps uint32
}

// PortStats are the raw NIC counters since the last reset
type PortStats struct {
	IBytes   uint64
	OBytes   uint64
	IPackets uint64
	OPackets uint64
	Imissed  uint64
	Ierrors  uint64
	Oerrors  uint64
	RxNombuf uint64
}

// Mbuf is one packet buffer exchanged with the driver. Data holds the
// full Ethernet frame.
type Mbuf struct {
	Data        []byte
	RxTimestamp uint64
}

// Driver is the poll-mode NIC binding for one port. Burst calls are
// non-blocking and must not be entered concurrently for the same queue;
// everything else is control plane and called with the engine stopped
// or from a single goroutine.
type Driver interface {
	Kind() PortKind
	SocketID() int
	Features() Feature
	MACAddr() net.HardwareAddr

	Configure(nbRxQ, nbTxQ uint16, conf PortConf) error
	AdjustDescriptors(nbRx, nbTx uint16) (uint16, uint16, error)
	SupportedPtypes(mask []Ptype) []Ptype
	SetPtypes(ptypes []Ptype) error
	RxQueueSetup(q, nbDesc uint16, deferredStart bool) error
	TxQueueSetup(q, nbDesc uint16) error

	Start() error
	Stop() error
	Close() error
	Reset() error

	Link() LinkStatus
	PromiscuousEnable()
	Stats() (PortStats, error)
	StatsReset() error
	TimesyncEnable() error
	TimesyncRead() (time.Time, error)
	RxQueueStart(q uint16) error

	RxBurst(q uint16, pkts []Mbuf) uint16
	TxBurst(q uint16, pkts []Mbuf) uint16

	FlowValidate(q uint16, fs *FlowSpec) error
	FlowCreate(q uint16, fs *FlowSpec) (Flow, error)
	FlowDestroy(f Flow) error

	ShaperProfileAdd(profileID uint32, bps uint64) error
	ShaperProfileDelete(profileID uint32) error
	NodeAdd(nodeID uint32, parentID int64, profileID uint32, leaf bool) error
	NodeDelete(nodeID uint32) error
	HierarchyCommit() error
}
