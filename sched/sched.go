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
Package sched groups sessions onto pinned poll-mode workers. A
scheduler owns one lcore and a bandwidth quota; sessions are tasklets
polled run-to-completion, so nothing inside a poll loop ever blocks.
*/

package sched

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/openmediakit/st2110/lcore"
)

// MaxSchedulers bounds the number of pinned workers per engine
const MaxSchedulers = 16

// DefaultQuotaMbs sizes one worker for ten 1080p60 sessions
const DefaultQuotaMbs = 10*2589 + 100

// ErrNoScheduler means quota could not be placed on any worker
var ErrNoScheduler = errors.New("no scheduler available")

// Tasklet is one unit of poll work, typically a session. Poll must
// never block and returns how much work it did; an all-idle pass makes
// the worker yield the core briefly.
type Tasklet interface {
	Name() string
	Poll() int
}

// Scheduler is one pinned worker: an lcore, a poll loop and a set of
// tasklets bounded by a bandwidth quota.
type Scheduler struct {
	idx        int
	quotaLimit int

	mu         sync.Mutex
	quotaUsed  int
	refCnt     int
	running    bool
	lcore      int
	registry   *lcore.Registry
	stop       chan struct{}
	done       chan struct{}

	tasklets atomic.Value // []Tasklet, copy-on-write
}

func newScheduler(idx, quotaLimit int) *Scheduler {
	s := &Scheduler{idx: idx, quotaLimit: quotaLimit, lcore: -1}
	s.tasklets.Store([]Tasklet{})
	return s
}

// Idx returns the scheduler's slot index
func (s *Scheduler) Idx() int { return s.idx }

// Lcore returns the pinned core, -1 when not started
func (s *Scheduler) Lcore() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lcore
}

// RefCnt returns the number of sessions attached
func (s *Scheduler) RefCnt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCnt
}

// QuotaUsed returns the placed bandwidth in Mb/s
func (s *Scheduler) QuotaUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaUsed
}

// Running reports whether the poll loop is live
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// addQuota reserves quota, failing when the worker is full
func (s *Scheduler) addQuota(mbs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotaUsed+mbs > s.quotaLimit {
		return fmt.Errorf("scheduler %d: quota %d + %d over limit %d",
			s.idx, s.quotaUsed, mbs, s.quotaLimit)
	}
	s.quotaUsed += mbs
	return nil
}

func (s *Scheduler) freeQuota(mbs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaUsed -= mbs
	if s.quotaUsed < 0 {
		s.quotaUsed = 0
	}
}

// AddTasklet attaches a tasklet to the poll loop
func (s *Scheduler) AddTasklet(t Tasklet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.tasklets.Load().([]Tasklet)
	next := make([]Tasklet, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, t)
	s.tasklets.Store(next)
}

// RemoveTasklet detaches a tasklet; the poll loop stops seeing it after
// its current pass
func (s *Scheduler) RemoveTasklet(t Tasklet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.tasklets.Load().([]Tasklet)
	next := make([]Tasklet, 0, len(cur))
	for _, x := range cur {
		if x != t {
			next = append(next, x)
		}
	}
	s.tasklets.Store(next)
}

// Start acquires an lcore from the registry and launches the pinned
// poll loop. socket limits lcore selection, -1 for any.
func (s *Scheduler) Start(reg *lcore.Registry, socket int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	lc, err := reg.Acquire(socket)
	if err != nil {
		return err
	}
	s.lcore = lc
	s.registry = reg
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.run()
	log.Infof("scheduler %d: started on lcore %d", s.idx, lc)
	return nil
}

// Stop signals the loop, waits for the worker to exit and releases the
// lcore
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registry.Release(s.lcore); err != nil {
		return err
	}
	log.Infof("scheduler %d: stopped, lcore %d released", s.idx, s.lcore)
	s.lcore = -1
	s.registry = nil
	return nil
}

// run is the poll loop: run-to-completion over all tasklets, yielding
// only when a full pass found no work
func (s *Scheduler) run() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := lcore.Pin(s.lcore); err != nil {
		log.Warningf("scheduler %d: %v", s.idx, err)
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}
		work := 0
		for _, t := range s.tasklets.Load().([]Tasklet) {
			work += t.Poll()
		}
		if work == 0 {
			runtime.Gosched()
		}
	}
}

// Group manages the scheduler slots of one engine
type Group struct {
	mu          sync.Mutex
	quotaPerSch int
	schedulers  [MaxSchedulers]*Scheduler
}

// NewGroup returns a group handing out schedulers with the given
// per-worker quota
func NewGroup(quotaPerSch int) *Group {
	if quotaPerSch <= 0 {
		quotaPerSch = DefaultQuotaMbs
	}
	return &Group{quotaPerSch: quotaPerSch}
}

// Get places quotaMbs on the first scheduler with room, allocating a
// new slot when none has; the scheduler's refcount is taken.
func (g *Group) Get(quotaMbs int) (*Scheduler, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.schedulers {
		if s == nil {
			continue
		}
		if err := s.addQuota(quotaMbs); err == nil {
			s.mu.Lock()
			s.refCnt++
			s.mu.Unlock()
			return s, nil
		}
	}

	for i := range g.schedulers {
		if g.schedulers[i] != nil {
			continue
		}
		s := newScheduler(i, g.quotaPerSch)
		if err := s.addQuota(quotaMbs); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.refCnt++
		s.mu.Unlock()
		g.schedulers[i] = s
		log.Infof("scheduler %d: allocated, quota %d/%d Mb/s", i, quotaMbs, g.quotaPerSch)
		return s, nil
	}
	return nil, ErrNoScheduler
}

// Put returns quota and drops a reference; the last reference stops
// and frees the scheduler
func (g *Group) Put(s *Scheduler, quotaMbs int) error {
	s.freeQuota(quotaMbs)

	g.mu.Lock()
	s.mu.Lock()
	s.refCnt--
	last := s.refCnt == 0
	if last {
		g.schedulers[s.idx] = nil
	}
	s.mu.Unlock()
	g.mu.Unlock()

	if !last {
		return nil
	}
	log.Infof("scheduler %d: refcount zero, freeing", s.idx)
	if used := s.QuotaUsed(); used != 0 {
		log.Errorf("scheduler %d: freed with %d Mb/s still placed", s.idx, used)
	}
	return s.Stop()
}

// Active returns the allocated schedulers in slot order
func (g *Group) Active() []*Scheduler {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Scheduler
	for _, s := range g.schedulers {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// StartAll starts every allocated scheduler
func (g *Group) StartAll(reg *lcore.Registry, socket int) error {
	for _, s := range g.Active() {
		if err := s.Start(reg, socket); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every allocated scheduler
func (g *Group) StopAll() {
	for _, s := range g.Active() {
		if err := s.Stop(); err != nil {
			log.Errorf("scheduler %d: stop: %v", s.Idx(), err)
		}
	}
}
