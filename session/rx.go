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

package session

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/openmediakit/st2110/device"
	"github.com/openmediakit/st2110/rfc4175"
	"github.com/openmediakit/st2110/stats"
)

// ErrBusy means the delivery queue was full and the frame was dropped
// back to the pool
var ErrBusy = errors.New("delivery queue busy")

// RxMode selects what the session hands to the application
type RxMode int

// delivery modes
const (
	// RxModeFrame assembles full frames and queues them
	RxModeFrame RxMode = iota
	// RxModeRTP queues raw RFC 4175 datagrams
	RxModeRTP
)

// rxBurstMax bounds packets pulled per poll pass
const rxBurstMax = 128

// DefaultRtpRingSize is the RTP-level delivery ring depth
const DefaultRtpRingSize = 1024

// RxOps describes one receive session
type RxOps struct {
	Name   string
	Idx    int
	Width  int
	Height int
	Format rfc4175.Format

	// IP is the stream address: the multicast group, or the unicast
	// source the transmitter sends from
	IP      net.IP
	UDPPort uint16
	Mode    RxMode

	// FramebuffCnt sizes the assembly pool, delivery queue capacity
	// follows it
	FramebuffCnt int
	RtpRingSize  int

	// NotifyFrameReady overrides the built-in delivery queue in frame
	// mode; called from the poll loop, must not block. Return the
	// frame with PutFrame.
	NotifyFrameReady func(f *Frame)
	// NotifyRtpReady signals datagram arrival in RTP mode; called from
	// the poll loop, must not block
	NotifyRtpReady func()
}

// RxQuotaMbs is the scheduler quota of a session: the pixel data rate
// in Mb/s at the highest frame rate the session is expected to carry
func RxQuotaMbs(ops *RxOps) (int, error) {
	size, err := rfc4175.FrameSize(ops.Format, ops.Width, ops.Height)
	if err != nil {
		return 0, err
	}
	fps := rfc4175.FPS_P60
	bps := uint64(size) * 8 * uint64(fps.Num) / uint64(fps.Den)
	return int(bps/1000/1000) + 1, nil
}

// Frame is one framebuffer from the session pool
type Frame struct {
	Data      []byte
	Timestamp uint32
	recv      int
}

// RxSession reassembles RFC 4175 datagrams from its steered hardware
// queue into frames and delivers them to the application thread.
type RxSession struct {
	ops    RxOps
	port   *device.Port
	queue  uint16
	depkt  *rfc4175.Depacketizer
	burst  []device.Mbuf

	// poll-side assembly state
	assembling *Frame
	lastTS     uint32
	gotFirst   bool
	tsWarned   bool

	// delivery queue: single producer (poll loop), single consumer
	// (app thread); full when the producer catches the consumer
	mu      sync.Mutex
	cond    *sync.Cond
	qframes []*Frame
	qpIdx   int
	qcIdx   int
	pool    []*Frame
	rtpRing [][]byte
	rtpQp   int
	rtpQc   int
	stopped bool

	counters stats.SessionCounters
}

// NewRxSession builds a session bound to an allocated, flow-steered RX
// queue. The caller (the engine) owns queue and scheduler placement.
func NewRxSession(port *device.Port, queue uint16, ops RxOps) (*RxSession, error) {
	if ops.FramebuffCnt == 0 {
		ops.FramebuffCnt = 4
	}
	if ops.UDPPort == 0 {
		ops.UDPPort = uint16(10000 + ops.Idx)
	}
	if ops.RtpRingSize == 0 {
		ops.RtpRingSize = DefaultRtpRingSize
	}
	depkt, err := rfc4175.NewDepacketizer(ops.Width, ops.Height, ops.Format)
	if err != nil {
		return nil, err
	}

	s := &RxSession{
		ops:     ops,
		port:    port,
		queue:   queue,
		depkt:   depkt,
		burst:   make([]device.Mbuf, rxBurstMax),
		qframes: make([]*Frame, ops.FramebuffCnt),
		qcIdx:   ops.FramebuffCnt - 1,
		rtpRing: make([][]byte, ops.RtpRingSize),
		rtpQc:   ops.RtpRingSize - 1,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < ops.FramebuffCnt; i++ {
		s.pool = append(s.pool, &Frame{Data: make([]byte, depkt.FrameSize())})
	}
	return s, nil
}

// Name returns the session name
func (s *RxSession) Name() string { return s.ops.Name }

// Queue returns the assigned hardware RX queue
func (s *RxSession) Queue() uint16 { return s.queue }

// Counters exposes the session counters to the reporter
func (s *RxSession) Counters() *stats.SessionCounters { return &s.counters }

// FrameSize returns the session frame size in bytes
func (s *RxSession) FrameSize() int { return s.depkt.FrameSize() }

// Stop wakes and permanently releases the consumer
func (s *RxSession) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// getPoolFrame takes a framebuffer for assembly, nil when the
// application holds them all
func (s *RxSession) getPoolFrame() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pool) == 0 {
		return nil
	}
	f := s.pool[len(s.pool)-1]
	s.pool = s.pool[:len(s.pool)-1]
	f.recv = 0
	return f
}

// PutFrame returns a delivered frame to the pool
func (s *RxSession) PutFrame(f *Frame) {
	s.mu.Lock()
	s.pool = append(s.pool, f)
	s.mu.Unlock()
}

// enqueueFrame hands a completed frame to the consumer; on a full
// queue the newest frame is dropped, the NIC cannot be paused
func (s *RxSession) enqueueFrame(f *Frame) error {
	s.mu.Lock()
	if s.qpIdx == s.qcIdx {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.ops.Name, ErrBusy)
	}
	s.qframes[s.qpIdx] = f
	s.qpIdx++
	if s.qpIdx >= len(s.qframes) {
		s.qpIdx = 0
	}
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

// GetFrame blocks the application thread until a frame is deliverable,
// returning false on Stop
func (s *RxSession) GetFrame() (*Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return nil, false
		}
		next := s.qcIdx + 1
		if next >= len(s.qframes) {
			next = 0
		}
		if next != s.qpIdx {
			f := s.qframes[next]
			s.qcIdx = next
			return f, true
		}
		s.cond.Wait()
	}
}

// PollMbuf takes one raw datagram in RTP mode without blocking
func (s *RxSession) PollMbuf() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.rtpQc + 1
	if next >= len(s.rtpRing) {
		next = 0
	}
	if next == s.rtpQp {
		return nil, false
	}
	b := s.rtpRing[next]
	s.rtpQc = next
	return b, true
}

// WaitRtpReady blocks the application thread until a datagram is
// queued, returning false on Stop
func (s *RxSession) WaitRtpReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return false
		}
		next := s.rtpQc + 1
		if next >= len(s.rtpRing) {
			next = 0
		}
		if next != s.rtpQp {
			return true
		}
		s.cond.Wait()
	}
}

// enqueueRtp queues one raw datagram, dropping on overflow
func (s *RxSession) enqueueRtp(b []byte) error {
	s.mu.Lock()
	if s.rtpQp == s.rtpQc {
		s.mu.Unlock()
		return fmt.Errorf("session %s: rtp ring: %w", s.ops.Name, ErrBusy)
	}
	s.rtpRing[s.rtpQp] = b
	s.rtpQp++
	if s.rtpQp >= len(s.rtpRing) {
		s.rtpQp = 0
	}
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

// Poll drives the session from the scheduler: pull a burst from the
// hardware queue and run the depacketizer. Never blocks.
func (s *RxSession) Poll() int {
	n := int(s.port.Driver().RxBurst(s.queue, s.burst))
	for i := 0; i < n; i++ {
		payload, good := stripHeaders(s.burst[i].Data, s.ops.UDPPort)
		if !good {
			continue
		}
		s.counters.PktsReceived.Add(1)
		if s.ops.Mode == RxModeRTP {
			c := append([]byte(nil), payload...)
			if err := s.enqueueRtp(c); err != nil {
				s.counters.EnqueueBusy.Add(1)
			} else if s.ops.NotifyRtpReady != nil {
				s.ops.NotifyRtpReady()
			}
			continue
		}
		s.handleFramePacket(payload)
	}
	return n
}

// handleFramePacket scatter-copies one datagram into the assembly
// frame, completing frames on timestamp change or on a fully received
// marker packet
func (s *RxSession) handleFramePacket(payload []byte) {
	pkt, err := s.depkt.Parse(payload)
	if err != nil {
		if errors.Is(err, rfc4175.ErrInvalidOffset) {
			s.counters.InvalidOffsets.Add(1)
		}
		log.Debugf("rx %s: dropping datagram: %v", s.ops.Name, err)
		return
	}

	if s.gotFirst && pkt.Timestamp != s.lastTS {
		if pkt.Timestamp < s.lastTS && !s.tsWarned {
			// 32 bit wrap or an upstream glitch; treated as a new frame
			s.tsWarned = true
			log.Warningf("rx %s: timestamp moved backwards (%d -> %d)",
				s.ops.Name, s.lastTS, pkt.Timestamp)
		}
		s.completeFrame()
	}
	s.lastTS = pkt.Timestamp
	s.gotFirst = true

	if s.assembling == nil {
		s.assembling = s.getPoolFrame()
		if s.assembling == nil {
			// all framebuffers with the app, drop until one returns
			s.counters.EnqueueBusy.Add(1)
			return
		}
		s.assembling.Timestamp = pkt.Timestamp
	}
	for _, seg := range pkt.Segments {
		copy(s.assembling.Data[seg.ByteOffset:], seg.Data)
		s.assembling.recv += len(seg.Data)
	}
	if pkt.Marker && s.assembling.recv >= s.depkt.FrameSize() {
		s.completeFrame()
	}
}

// completeFrame delivers the current assembly frame
func (s *RxSession) completeFrame() {
	f := s.assembling
	s.assembling = nil
	if f == nil {
		return
	}
	s.counters.FramesReceived.Add(1)

	if s.ops.NotifyFrameReady != nil {
		s.ops.NotifyFrameReady(f)
		return
	}
	if err := s.enqueueFrame(f); err != nil {
		s.counters.EnqueueBusy.Add(1)
		s.PutFrame(f)
	}
}

// stripHeaders validates the eth+ipv4+udp encapsulation and returns
// the RTP datagram
func stripHeaders(frame []byte, dport uint16) ([]byte, bool) {
	if len(frame) < headerOverhead {
		return nil, false
	}
	if frame[12] != 0x08 || frame[13] != 0x00 {
		return nil, false
	}
	ihl := int(frame[14]&0x0f) * 4
	if ihl < 20 || frame[14+9] != 17 || len(frame) < 14+ihl+8 {
		return nil, false
	}
	udp := frame[14+ihl:]
	if uint16(udp[2])<<8|uint16(udp[3]) != dport {
		return nil, false
	}
	udpLen := int(udp[4])<<8 | int(udp[5])
	if udpLen < 8 || len(udp) < udpLen {
		return nil, false
	}
	return udp[8:udpLen], true
}
