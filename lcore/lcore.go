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
Package lcore arbitrates CPU cores between engine processes on one
host. The claim bitmap lives in a System-V shared memory segment; every
access is serialized through an exclusive file lock so two engines can
never claim the same core.
*/

package lcore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxLcore bounds the bitmap, enough for current server parts
const MaxLcore = 128

// registry error conditions
var (
	ErrNoLcoreAvailable = errors.New("no lcore available")
	ErrShm              = errors.New("shared memory operation failed")
	ErrLock             = errors.New("file lock operation failed")
)

// shm layout: 8 byte used counter followed by MaxLcore claim bytes
const (
	shmUsedOff   = 0
	shmActiveOff = 8
	shmSize      = shmActiveOff + MaxLcore
)

// defaults shared by every engine on the host
const (
	DefaultKeyPath  = "/dev/null"
	DefaultKeyProj  = 21
	DefaultLockPath = "/var/run/st2110.lock"
)

// Config keys the shared segment and its lock. Zero values take the
// host-wide defaults; tests point them at private paths.
type Config struct {
	KeyPath  string
	KeyProj  int
	LockPath string
	// SocketOf maps an lcore to its NUMA socket; nil means socket 0
	// for every core
	SocketOf func(lcore int) int
	// NumLcores bounds the scan, MaxLcore if 0
	NumLcores int
}

// Registry is the attached per-process view of the shared claim bitmap
type Registry struct {
	cfg    Config
	shmID  int
	shm    []byte
	lockFd int
	held   map[int]bool
}

// ftok derives the System-V IPC key the way ftok(3) does
func ftok(path string, proj int) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return int(uint32(proj&0xff)<<24 | uint32(st.Dev&0xff)<<16 | uint32(st.Ino&0xffff)), nil
}

// New attaches (creating if needed) the shared lcore segment. The
// first attaching process zeroes it; see Close for teardown.
func New(cfg Config) (*Registry, error) {
	if cfg.KeyPath == "" {
		cfg.KeyPath = DefaultKeyPath
	}
	if cfg.KeyProj == 0 {
		cfg.KeyProj = DefaultKeyProj
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultLockPath
	}
	if cfg.NumLcores == 0 || cfg.NumLcores > MaxLcore {
		cfg.NumLcores = MaxLcore
	}

	r := &Registry{cfg: cfg, shmID: -1, lockFd: -1, held: make(map[int]bool)}

	if err := r.lock(); err != nil {
		return nil, err
	}
	defer r.unlock()

	key, err := ftok(cfg.KeyPath, cfg.KeyProj)
	if err != nil {
		return nil, fmt.Errorf("%w: ftok %s: %v", ErrShm, cfg.KeyPath, err)
	}
	shmID, err := unix.SysvShmGet(key, shmSize, 0666|unix.IPC_CREAT)
	if err != nil {
		return nil, fmt.Errorf("%w: shmget: %v", ErrShm, err)
	}
	shm, err := unix.SysvShmAttach(shmID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: shmat: %v", ErrShm, err)
	}

	var ds unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(shmID, unix.IPC_STAT, &ds); err != nil {
		_ = unix.SysvShmDetach(shm)
		return nil, fmt.Errorf("%w: shmctl stat: %v", ErrShm, err)
	}
	if ds.Nattch == 1 {
		// first user on the host, initialize the segment
		for i := range shm {
			shm[i] = 0
		}
	}

	r.shmID = shmID
	r.shm = shm
	log.Infof("lcore: shared segment %d attached, nattch %d", shmID, ds.Nattch)
	return r, nil
}

// lock takes the host-wide exclusive lock, creating the lock file on
// first use
func (r *Registry) lock() error {
	fd, err := unix.Open(r.cfg.LockPath, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLock, r.cfg.LockPath, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%w: flock: %v", ErrLock, err)
	}
	r.lockFd = fd
	return nil
}

func (r *Registry) unlock() {
	if r.lockFd < 0 {
		return
	}
	if err := unix.Flock(r.lockFd, unix.LOCK_UN); err != nil {
		log.Errorf("lcore: unlock failed: %v", err)
	}
	_ = unix.Close(r.lockFd)
	r.lockFd = -1
}

func (r *Registry) used() uint64 {
	return binary.LittleEndian.Uint64(r.shm[shmUsedOff:])
}

func (r *Registry) setUsed(v uint64) {
	binary.LittleEndian.PutUint64(r.shm[shmUsedOff:], v)
}

// Acquire claims the first free lcore on the given NUMA socket.
// Pass socket -1 to accept any socket.
func (r *Registry) Acquire(socket int) (int, error) {
	if r.shm == nil {
		return 0, fmt.Errorf("%w: registry not attached", ErrShm)
	}
	if err := r.lock(); err != nil {
		return 0, err
	}
	defer r.unlock()

	for lc := 0; lc < r.cfg.NumLcores; lc++ {
		if socket >= 0 && r.socketOf(lc) != socket {
			continue
		}
		if r.shm[shmActiveOff+lc] != 0 {
			continue
		}
		r.shm[shmActiveOff+lc] = 1
		r.setUsed(r.used() + 1)
		r.held[lc] = true
		log.Debugf("lcore: acquired %d", lc)
		return lc, nil
	}
	return 0, ErrNoLcoreAvailable
}

// Release returns a claimed lcore. Releasing a core that is not active
// is an error.
func (r *Registry) Release(lc int) error {
	if lc < 0 || lc >= r.cfg.NumLcores {
		return fmt.Errorf("invalid lcore %d", lc)
	}
	if r.shm == nil {
		return fmt.Errorf("%w: registry not attached", ErrShm)
	}
	if err := r.lock(); err != nil {
		return err
	}
	defer r.unlock()

	if r.shm[shmActiveOff+lc] == 0 {
		return fmt.Errorf("lcore %d is not active", lc)
	}
	r.shm[shmActiveOff+lc] = 0
	r.setUsed(r.used() - 1)
	delete(r.held, lc)
	return nil
}

// Active reports whether an lcore is claimed by any process
func (r *Registry) Active(lc int) bool {
	if r.shm == nil || lc < 0 || lc >= r.cfg.NumLcores {
		return false
	}
	return r.shm[shmActiveOff+lc] != 0
}

// Held returns the count of lcores claimed through this registry
func (r *Registry) Held() int { return len(r.held) }

func (r *Registry) socketOf(lc int) int {
	if r.cfg.SocketOf != nil {
		return r.cfg.SocketOf(lc)
	}
	return 0
}

// Close detaches from the segment; the last process to detach removes
// it. Cores still held by this process are complained about, not freed:
// a crash-free shutdown releases them through the schedulers first.
func (r *Registry) Close() error {
	if r.shm == nil {
		return nil
	}
	if err := r.lock(); err != nil {
		return err
	}
	defer r.unlock()

	for lc := range r.held {
		log.Warningf("lcore: %d still active at close", lc)
	}

	if err := unix.SysvShmDetach(r.shm); err != nil {
		return fmt.Errorf("%w: shmdt: %v", ErrShm, err)
	}
	r.shm = nil

	var ds unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(r.shmID, unix.IPC_STAT, &ds); err != nil {
		return fmt.Errorf("%w: shmctl stat: %v", ErrShm, err)
	}
	if ds.Nattch == 0 {
		// last user on the host removes the segment
		if _, err := unix.SysvShmCtl(r.shmID, unix.IPC_RMID, nil); err != nil {
			return fmt.Errorf("%w: shmctl rmid: %v", ErrShm, err)
		}
	}
	r.shmID = -1
	return nil
}

// Pin binds the calling goroutine's OS thread to the lcore. The
// goroutine must have called runtime.LockOSThread first.
func Pin(lc int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(lc)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pinning to lcore %d: %w", lc, err)
	}
	return nil
}

// NumCPU returns the number of schedulable cores on the host
func NumCPU() int {
	n := runtime.NumCPU()
	if n > MaxLcore {
		n = MaxLcore
	}
	return n
}
