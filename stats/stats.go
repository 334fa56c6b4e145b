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
Package stats keeps the engine's counters. Sessions bump atomic
counters on the hot path; the reporter snapshots them periodically
(they are never reset) and mirrors the values into prometheus gauges.
*/

package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounters are the per-session hot-path counters
type SessionCounters struct {
	FramesSent     atomic.Uint64
	FramesReceived atomic.Uint64
	PktsBuilt      atomic.Uint64
	PktsReceived   atomic.Uint64
	InvalidOffsets atomic.Uint64
	EnqueueBusy    atomic.Uint64
}

// SessionSnapshot is one consistent read of the counters
type SessionSnapshot struct {
	FramesSent     uint64
	FramesReceived uint64
	PktsBuilt      uint64
	PktsReceived   uint64
	InvalidOffsets uint64
	EnqueueBusy    uint64
}

// Snapshot reads all counters at once
func (c *SessionCounters) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		FramesSent:     c.FramesSent.Load(),
		FramesReceived: c.FramesReceived.Load(),
		PktsBuilt:      c.PktsBuilt.Load(),
		PktsReceived:   c.PktsReceived.Load(),
		InvalidOffsets: c.InvalidOffsets.Load(),
		EnqueueBusy:    c.EnqueueBusy.Load(),
	}
}

// PortRates is one reporting interval of NIC activity
type PortRates struct {
	TxMbps   uint64
	RxMbps   uint64
	TxPkts   uint64
	RxPkts   uint64
	Imissed  uint64
	Ierrors  uint64
	Oerrors  uint64
	RxNombuf uint64
}

// Collector exports the latest reporter interval to prometheus
type Collector struct {
	txRate *prometheus.GaugeVec
	rxRate *prometheus.GaugeVec
	errs   *prometheus.GaugeVec
	frames *prometheus.GaugeVec
}

// NewCollector builds and registers the engine gauges
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		txRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "st2110_port_tx_mbps",
			Help: "Port egress rate over the last stat interval",
		}, []string{"port"}),
		rxRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "st2110_port_rx_mbps",
			Help: "Port ingress rate over the last stat interval",
		}, []string{"port"}),
		errs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "st2110_port_errors",
			Help: "Port error counters over the last stat interval",
		}, []string{"port", "kind"}),
		frames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "st2110_session_frames",
			Help: "Session frame counters since create",
		}, []string{"session", "dir"}),
	}
	for _, g := range []prometheus.Collector{c.txRate, c.rxRate, c.errs, c.frames} {
		if err := reg.Register(g); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObservePort publishes one port interval
func (c *Collector) ObservePort(port string, r PortRates) {
	c.txRate.WithLabelValues(port).Set(float64(r.TxMbps))
	c.rxRate.WithLabelValues(port).Set(float64(r.RxMbps))
	c.errs.WithLabelValues(port, "imissed").Set(float64(r.Imissed))
	c.errs.WithLabelValues(port, "ierrors").Set(float64(r.Ierrors))
	c.errs.WithLabelValues(port, "oerrors").Set(float64(r.Oerrors))
	c.errs.WithLabelValues(port, "rx_nombuf").Set(float64(r.RxNombuf))
}

// ObserveSession publishes one session's lifetime counters
func (c *Collector) ObserveSession(name string, s SessionSnapshot) {
	c.frames.WithLabelValues(name, "tx").Set(float64(s.FramesSent))
	c.frames.WithLabelValues(name, "rx").Set(float64(s.FramesReceived))
}
