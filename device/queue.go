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

	log "github.com/sirupsen/logrus"
)

// flushBurst is the batch size used when draining stale RX packets
const flushBurst = 128

// dummy flow parameters: queues on NICs without runtime RX queue start
// must never sit in the default-drop state, so every idle queue gets a
// benign rule whose ports embed the queue index
const dummyFlowPortBase = 12345

var (
	dummyFlowDstIP = [4]byte{192, 168, 30, 188}
	dummyFlowSrcIP = [4]byte{192, 168, 30, 189}
)

// RequestTxQueue reserves the first inactive TX queue and records the
// session's target bitrate for the rate limiter
func (p *Port) RequestTxQueue(bps uint64) (uint16, error) {
	for q := range p.txQueues {
		if p.txQueues[q].active {
			continue
		}
		p.txQueues[q].active = true
		p.txQueues[q].bps = bps
		return uint16(q), nil
	}
	return 0, fmt.Errorf("port %d: tx: %w", p.Idx, ErrOutOfQueues)
}

// RequestRxQueue reserves the first inactive RX queue, replaces any
// stale rule on it with the given 5-tuple, starts the queue when the
// driver supports runtime start, and drains leftover packets.
// A nil spec reserves the queue without steering (CNI/system use).
func (p *Port) RequestRxQueue(spec *FlowSpec) (uint16, error) {
	for q := range p.rxQueues {
		if p.rxQueues[q].active {
			continue
		}

		p.destroyFlow(uint16(q))

		if spec != nil {
			flow, err := p.createFlow(uint16(q), spec)
			if err != nil {
				return 0, err
			}
			s := *spec
			p.rxQueues[q].flow = flow
			p.rxQueues[q].spec = &s
		}

		if p.features&FeatureRuntimeRxQueue != 0 {
			if err := p.drv.RxQueueStart(uint16(q)); err != nil {
				p.destroyFlow(uint16(q))
				return 0, fmt.Errorf("port %d: starting rx queue %d: %w", p.Idx, q, err)
			}
		}

		p.flushRxQueue(uint16(q))

		p.rxQueues[q].active = true
		return uint16(q), nil
	}
	return 0, fmt.Errorf("port %d: rx: %w", p.Idx, ErrOutOfQueues)
}

// FreeTxQueue marks a TX queue inactive
func (p *Port) FreeTxQueue(q uint16) error {
	if q >= p.maxTxQueues {
		return fmt.Errorf("port %d: invalid tx queue %d", p.Idx, q)
	}
	if !p.txQueues[q].active {
		return fmt.Errorf("port %d: tx queue %d is not allocated", p.Idx, q)
	}
	p.txQueues[q].active = false
	p.txQueues[q].bps = 0
	return nil
}

// FreeRxQueue marks an RX queue inactive and destroys its rule
func (p *Port) FreeRxQueue(q uint16) error {
	if q >= p.maxRxQueues {
		return fmt.Errorf("port %d: invalid rx queue %d", p.Idx, q)
	}
	if !p.rxQueues[q].active {
		return fmt.Errorf("port %d: rx queue %d is not allocated", p.Idx, q)
	}
	p.destroyFlow(q)
	p.rxQueues[q].active = false
	return nil
}

// TxQueueBps returns the recorded bitrate of an active TX queue
func (p *Port) TxQueueBps(q uint16) uint64 {
	if q >= p.maxTxQueues || !p.txQueues[q].active {
		return 0
	}
	return p.txQueues[q].bps
}

// createFlow validates and installs a 5-tuple rule; both failures
// surface as ErrFlowInstall
func (p *Port) createFlow(q uint16, spec *FlowSpec) (Flow, error) {
	if err := p.drv.FlowValidate(q, spec); err != nil {
		return nil, fmt.Errorf("port %d queue %d: validate: %w: %v", p.Idx, q, ErrFlowInstall, err)
	}
	flow, err := p.drv.FlowCreate(q, spec)
	if err != nil {
		return nil, fmt.Errorf("port %d queue %d: %w: %v", p.Idx, q, ErrFlowInstall, err)
	}
	return flow, nil
}

// destroyFlow removes the rule installed on q, if any
func (p *Port) destroyFlow(q uint16) {
	if p.rxQueues[q].flow == nil {
		return
	}
	if err := p.drv.FlowDestroy(p.rxQueues[q].flow); err != nil {
		log.Errorf("port %d: destroying flow on rx queue %d: %v", p.Idx, q, err)
	}
	p.rxQueues[q].flow = nil
	p.rxQueues[q].spec = nil
}

// flushRxQueue drains packets left over from a previous owner
func (p *Port) flushRxQueue(q uint16) {
	pkts := make([]Mbuf, flushBurst)
	loops := int(p.nbRxDesc) / flushBurst
	if loops == 0 {
		loops = 1
	}
	for i := 0; i < loops; i++ {
		if p.drv.RxBurst(q, pkts) == 0 {
			break
		}
	}
}

// InstallDummyFlows gives every idle non-CNI RX queue a benign rule so
// no queue is left in an indeterminate state. Only needed on NICs
// without runtime RX queue start.
func (p *Port) InstallDummyFlows() error {
	if p.features&FeatureRuntimeRxQueue != 0 {
		return nil
	}

	for q := uint16(0); q < p.maxRxQueues; q++ {
		if q == CNIQueue {
			continue
		}
		if p.rxQueues[q].flow != nil {
			continue
		}
		spec := &FlowSpec{
			DstIP:     dummyFlowDstIP[:],
			SrcIP:     dummyFlowSrcIP[:],
			SrcPort:   uint16(dummyFlowPortBase + int(q)),
			DstPort:   uint16(dummyFlowPortBase + int(q)),
			PortMatch: true,
		}
		flow, err := p.createFlow(q, spec)
		if err != nil {
			return fmt.Errorf("dummy flow for queue %d: %w", q, err)
		}
		p.rxQueues[q].flow = flow
		p.rxQueues[q].spec = spec
	}
	return nil
}
