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

// traffic manager node ids: leaves use the queue id, so the fixed ids
// start above the largest possible queue count
const (
	rlRootNodeID    uint32 = 1<<16 + 1
	rlDefaultNodeID uint32 = 1 << 16
	rlProfileIDBase uint32 = 1
)

// vfDefaultBps is applied to unconfigured queues on VFs, which require
// every queue to carry rate-limit configuration
const vfDefaultBps uint64 = 1024 * 1024 * 1024

type shaper struct {
	bps       uint64
	profileID uint32
	idx       int
}

// initRlRoot lazily creates the root and default nonleaf nodes the
// first time a shaper is added
func (p *Port) initRlRoot(profileID uint32) error {
	if p.rlRootActive {
		return nil
	}
	if err := p.drv.NodeAdd(rlRootNodeID, -1, profileID, false); err != nil {
		return fmt.Errorf("port %d: adding root node: %w: %v", p.Idx, ErrShaperInstall, err)
	}
	if err := p.drv.NodeAdd(rlDefaultNodeID, int64(rlRootNodeID), profileID, false); err != nil {
		return fmt.Errorf("port %d: adding default node: %w: %v", p.Idx, ErrShaperInstall, err)
	}
	p.rlRootActive = true
	return nil
}

// shaperAdd installs a new shaper profile for bps in the first free
// table slot
func (p *Port) shaperAdd(bps uint64) (*shaper, error) {
	for i := range p.shapers {
		if p.shapers[i].bps != 0 {
			continue
		}
		profileID := rlProfileIDBase + uint32(i)
		if err := p.drv.ShaperProfileAdd(profileID, bps); err != nil {
			return nil, fmt.Errorf("port %d: shaper profile %d: %w: %v", p.Idx, profileID, ErrShaperInstall, err)
		}
		if err := p.initRlRoot(profileID); err != nil {
			if derr := p.drv.ShaperProfileDelete(profileID); derr != nil {
				log.Errorf("port %d: deleting shaper profile %d: %v", p.Idx, profileID, derr)
			}
			return nil, err
		}
		log.Infof("port %d: bps %d on shaper %d", p.Idx, bps, profileID)
		p.shapers[i].bps = bps
		p.shapers[i].profileID = profileID
		p.shapers[i].idx = i
		return &p.shapers[i], nil
	}
	return nil, fmt.Errorf("port %d: shaper table full: %w", p.Idx, ErrShaperInstall)
}

// shaperGet interns shapers by bps: the same rate always maps to the
// same shaper profile
func (p *Port) shaperGet(bps uint64) (*shaper, error) {
	for i := range p.shapers {
		if p.shapers[i].bps == bps {
			return &p.shapers[i], nil
		}
	}
	return p.shaperAdd(bps)
}

// ApplyRateLimit walks the TX queues and rebuilds the token-bucket
// hierarchy: each active queue gets a leaf node parented to the default
// node with its interned shaper, then a single hierarchy commit. VFs
// are stopped around the commit and their runtime RX queues restarted.
// Only valid while the engine is stopped.
func (p *Port) ApplyRateLimit() error {
	if p.kind == KindVF && p.rlRootActive {
		// a VF cannot rebuild a live hierarchy, reset the whole port
		if err := p.Reset(); err != nil {
			return err
		}
	}

	for q := range p.txQueues {
		bps := uint64(0)
		if p.txQueues[q].active {
			bps = p.txQueues[q].bps
		}
		if bps == 0 && p.kind == KindVF {
			bps = vfDefaultBps
		}
		if bps == 0 && q == 0 {
			// give queue 0 a shaper even when nothing is configured so
			// a NIC without TM support is detected at commit time
			bps = vfDefaultBps
		}

		if p.txQueues[q].shaperMapping >= 0 {
			if err := p.drv.NodeDelete(uint32(q)); err != nil {
				return fmt.Errorf("port %d: deleting leaf node %d: %w: %v", p.Idx, q, ErrShaperInstall, err)
			}
			p.txQueues[q].shaperMapping = -1
		}

		if bps == 0 {
			continue
		}
		sh, err := p.shaperGet(bps)
		if err != nil {
			return err
		}
		if err := p.drv.NodeAdd(uint32(q), int64(rlDefaultNodeID), sh.profileID, true); err != nil {
			return fmt.Errorf("port %d: adding leaf node %d: %w: %v", p.Idx, q, ErrShaperInstall, err)
		}
		p.txQueues[q].shaperMapping = sh.idx
		log.Infof("port %d: tx queue %d linked to shaper %d", p.Idx, q, sh.profileID)
	}

	if p.kind == KindVF {
		if err := p.drv.Stop(); err != nil {
			return fmt.Errorf("port %d: stopping for commit: %w: %v", p.Idx, ErrShaperInstall, err)
		}
	}

	err := p.drv.HierarchyCommit()
	if err != nil {
		err = fmt.Errorf("port %d: hierarchy commit: %w: %v", p.Idx, ErrShaperInstall, err)
	}

	if p.kind == KindVF {
		if serr := p.drv.Start(); serr != nil {
			return fmt.Errorf("port %d: restarting after commit: %w: %v", p.Idx, ErrShaperInstall, serr)
		}
		if p.features&FeatureRuntimeRxQueue != 0 {
			for q := range p.rxQueues {
				if !p.rxQueues[q].active {
					continue
				}
				if serr := p.drv.RxQueueStart(uint16(q)); serr != nil {
					log.Errorf("port %d: restarting runtime rx queue %d: %v", p.Idx, q, serr)
				}
			}
		}
	}
	return err
}

// QueueShaperBps returns the bps of the shaper an active TX queue is
// mapped to, 0 when unmapped
func (p *Port) QueueShaperBps(q uint16) uint64 {
	if q >= p.maxTxQueues {
		return 0
	}
	m := p.txQueues[q].shaperMapping
	if m < 0 {
		return 0
	}
	return p.shapers[m].bps
}
