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

package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/openmediakit/st2110/stats"
)

// reporter periodically snapshots NIC and session counters, computes
// interval rates, then resets the NIC counters. While any port is in
// reset the whole snapshot is skipped; a snapshot never causes a
// functional error.
type reporter struct {
	e      *Engine
	period time.Duration

	mu        sync.Mutex
	collector *stats.Collector

	stopCh chan struct{}
	done   chan struct{}
}

func newReporter(e *Engine) *reporter {
	period := e.cfg.DumpPeriod
	if period == 0 {
		period = DefaultDumpPeriod
	}
	return &reporter{e: e, period: period}
}

func (r *reporter) start() {
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	go r.run()
}

func (r *reporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.dump()
		}
	}
}

// stop cancels the alarm and joins the thread
func (r *reporter) stop() {
	close(r.stopCh)
	<-r.done
}

// RegisterMetrics exports the engine counters into a prometheus
// registry
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	c, err := stats.NewCollector(reg)
	if err != nil {
		return err
	}
	e.reporter.mu.Lock()
	e.reporter.collector = c
	e.reporter.mu.Unlock()
	return nil
}

func (r *reporter) dump() {
	for _, p := range r.e.ports {
		if p.InReset() {
			return
		}
	}

	r.mu.Lock()
	collector := r.collector
	r.mu.Unlock()

	secs := uint64(r.period / time.Second)
	if secs == 0 {
		secs = 1
	}

	log.Infof("* *    D E V   S T A T E   * *")
	if r.e.cfg.PtpGetTime != nil {
		log.Infof("PTP: %s", r.e.cfg.PtpTime())
	}
	for _, p := range r.e.ports {
		st, err := p.Stats()
		if err != nil {
			log.Errorf("stat: port %d counters unavailable: %v", p.Idx, err)
			continue
		}
		if err := p.StatsReset(); err != nil {
			log.Errorf("stat: port %d counter reset: %v", p.Idx, err)
		}

		rates := stats.PortRates{
			TxMbps:   st.OBytes * 8 / secs / 1000 / 1000,
			RxMbps:   st.IBytes * 8 / secs / 1000 / 1000,
			TxPkts:   st.OPackets,
			RxPkts:   st.IPackets,
			Imissed:  st.Imissed,
			Ierrors:  st.Ierrors,
			Oerrors:  st.Oerrors,
			RxNombuf: st.RxNombuf,
		}
		log.Infof("DEV(%d): Avr rate, tx: %d Mb/s, rx: %d Mb/s, pkts, tx: %d, rx: %d",
			p.Idx, rates.TxMbps, rates.RxMbps, rates.TxPkts, rates.RxPkts)
		log.Infof("DEV(%d): Status: imissed %d ierrors %d oerrors %d rx_nombuf %d",
			p.Idx, rates.Imissed, rates.Ierrors, rates.Oerrors, rates.RxNombuf)
		if collector != nil {
			collector.ObservePort(p.Name, rates)
		}
	}

	txs, rxs := r.e.snapshotSessions()
	for _, s := range txs {
		snap := s.Counters().Snapshot()
		log.Infof("TX_VIDEO_SESSION(%s): frames %d pkts %d", s.Name(), snap.FramesSent, snap.PktsBuilt)
		if collector != nil {
			collector.ObserveSession(s.Name(), snap)
		}
	}
	for _, s := range rxs {
		snap := s.Counters().Snapshot()
		log.Infof("RX_VIDEO_SESSION(%s): frames %d pkts %d busy %d bad_offset %d",
			s.Name(), snap.FramesReceived, snap.PktsReceived, snap.EnqueueBusy, snap.InvalidOffsets)
		if collector != nil {
			collector.ObserveSession(s.Name(), snap)
		}
	}

	if r.e.cfg.StatDumpCb != nil {
		r.e.cfg.StatDumpCb()
	}
	log.Infof("* *    E N D   S T A T E   * *")
}
