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
Package session implements the ST 2110-20 video sessions: the TX
producer/consumer frame ring with its RFC 4175 packetizer, and the RX
depacketizer with its frame assembly and delivery queue. Sessions are
tasklets polled by a pinned scheduler; everything on the poll side is
non-blocking.
*/

package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"github.com/openmediakit/st2110/device"
	"github.com/openmediakit/st2110/rfc4175"
	"github.com/openmediakit/st2110/stats"
)

// DefaultFramebuffCnt is the TX frame ring depth
const DefaultFramebuffCnt = 3

// txBurstMax bounds packets per poll pass so one session cannot stall
// its scheduler
const txBurstMax = 128

// headerOverhead is eth+ip+udp bytes in front of every datagram
const headerOverhead = 14 + 20 + 8

// TxOps describes one transmit session
type TxOps struct {
	Name        string
	Idx         int
	Width       int
	Height      int
	Format      rfc4175.Format
	FPS         rfc4175.FrameRate
	PayloadType uint8
	SSRC        uint32

	// DIP is the destination, unicast or multicast
	DIP     net.IP
	UDPPort uint16
	DstMAC  net.HardwareAddr

	FramebuffCnt int

	// GetNextFrame and NotifyFrameDone override the built-in frame
	// ring when both are set. They are called from the poll loop and
	// must not block.
	GetNextFrame    func() (int, bool)
	NotifyFrameDone func(slot int)
}

// TxBandwidthBps estimates the on-wire rate of a session including all
// protocol overhead; the rate limiter shapes to this
func TxBandwidthBps(ops *TxOps) (uint64, error) {
	p, err := rfc4175.NewPacketizer(rfc4175.PacketizerConfig{
		Width:  ops.Width,
		Height: ops.Height,
		Format: ops.Format,
		FPS:    ops.FPS,
	})
	if err != nil {
		return 0, err
	}
	perFrame := uint64(p.FrameSize()) + uint64(p.PacketsPerFrame())*(headerOverhead+rfc4175.PayloadHeaderMinSize+12)
	return perFrame * 8 * uint64(ops.FPS.Num) / uint64(ops.FPS.Den), nil
}

// TxQuotaMbs is the scheduler quota of a session: the pixel data rate
// in Mb/s
func TxQuotaMbs(ops *TxOps) (int, error) {
	size, err := rfc4175.FrameSize(ops.Format, ops.Width, ops.Height)
	if err != nil {
		return 0, err
	}
	bps := uint64(size) * 8 * uint64(ops.FPS.Num) / uint64(ops.FPS.Den)
	return int(bps/1000/1000) + 1, nil
}

// TxSession packetizes frames produced by the application into RTP
// datagrams on its hardware TX queue.
type TxSession struct {
	ops   TxOps
	port  *device.Port
	queue uint16
	pkt   *rfc4175.Packetizer

	frames [][]byte

	// ring state: every slot is free, ready or in flight; one mutex
	// and condvar cover all of it
	mu      sync.Mutex
	cond    *sync.Cond
	ready   []bool
	free    []bool
	current int
	stopped bool

	// poll-side state, touched only by the scheduler
	pending  [][]byte
	pendSlot int
	hdr      []byte

	// TSC pacing: software inter-packet spacing when the NIC has no
	// rate limiter
	tscPacing bool
	pktTime   time.Duration
	nextSend  time.Time

	counters stats.SessionCounters
}

// NewTxSession builds a session bound to an allocated TX queue. The
// caller (the engine) owns queue and scheduler placement.
func NewTxSession(port *device.Port, queue uint16, ops TxOps) (*TxSession, error) {
	if ops.FramebuffCnt == 0 {
		ops.FramebuffCnt = DefaultFramebuffCnt
	}
	if ops.PayloadType == 0 {
		ops.PayloadType = rfc4175.DefaultPayloadType
	}
	if ops.UDPPort == 0 {
		ops.UDPPort = uint16(10000 + ops.Idx)
	}
	if (ops.GetNextFrame == nil) != (ops.NotifyFrameDone == nil) {
		return nil, fmt.Errorf("custom frame callbacks must be set together")
	}

	pkt, err := rfc4175.NewPacketizer(rfc4175.PacketizerConfig{
		Width:       ops.Width,
		Height:      ops.Height,
		Format:      ops.Format,
		FPS:         ops.FPS,
		PayloadType: ops.PayloadType,
		SSRC:        ops.SSRC,
	})
	if err != nil {
		return nil, err
	}

	s := &TxSession{
		ops:     ops,
		port:    port,
		queue:   queue,
		pkt:     pkt,
		frames:  make([][]byte, ops.FramebuffCnt),
		ready:   make([]bool, ops.FramebuffCnt),
		free:    make([]bool, ops.FramebuffCnt),
		current: -1,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := range s.frames {
		s.frames[i] = make([]byte, pkt.FrameSize())
		s.free[i] = true
	}
	if err := s.buildHeaderTemplate(); err != nil {
		return nil, err
	}
	s.pktTime = time.Duration(ops.FPS.FrameTimeNs() / uint64(pkt.PacketsPerFrame()))
	return s, nil
}

// buildHeaderTemplate serializes the eth+ip+udp prefix once; per
// packet only lengths and the IP checksum are patched
func (s *TxSession) buildHeaderTemplate() error {
	dstMAC := s.ops.DstMAC
	if dstMAC == nil {
		var err error
		dstMAC, err = DstMACForIP(s.ops.DIP)
		if err != nil {
			return err
		}
	}
	eth := layers.Ethernet{
		SrcMAC:       s.port.MACAddr(),
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    s.port.SIP,
		DstIP:    s.ops.DIP,
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(s.ops.UDPPort),
		DstPort: layers.UDPPort(s.ops.UDPPort),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, &ip, &udp); err != nil {
		return fmt.Errorf("serializing header template: %w", err)
	}
	// the Ethernet layer pads a payload-less frame to the 60 byte
	// minimum; only the headers in front go into the template
	raw := buf.Bytes()
	if len(raw) < headerOverhead {
		return fmt.Errorf("unexpected header template size %d", len(raw))
	}
	s.hdr = append([]byte(nil), raw[:headerOverhead]...)
	return nil
}

// DstMACForIP maps the destination address to an Ethernet destination:
// IPv4 link-scope mapping for multicast, callers provide unicast MACs
// (ARP/CNI is external)
func DstMACForIP(ip net.IP) (net.HardwareAddr, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("destination %s is not IPv4", ip)
	}
	if !ip.IsMulticast() {
		return nil, fmt.Errorf("no MAC for unicast %s: %w", ip, device.ErrNotFound)
	}
	return net.HardwareAddr{0x01, 0x00, 0x5e, v4[1] & 0x7f, v4[2], v4[3]}, nil
}

// Name returns the session name
func (s *TxSession) Name() string { return s.ops.Name }

// Queue returns the assigned hardware TX queue
func (s *TxSession) Queue() uint16 { return s.queue }

// Counters exposes the session counters to the reporter
func (s *TxSession) Counters() *stats.SessionCounters { return &s.counters }

// FrameSize returns the session frame size in bytes
func (s *TxSession) FrameSize() int { return s.pkt.FrameSize() }

// Framebuffer returns the pixel buffer of a ring slot
func (s *TxSession) Framebuffer(slot int) []byte { return s.frames[slot] }

// SetTscPacing switches software pacing on or off; the engine latches
// this once at start
func (s *TxSession) SetTscPacing(on bool) {
	s.tscPacing = on
}

// NextFreeSlot blocks the producer until a slot can be filled. Ready
// slots are drained before free ones are handed out, which is what
// keeps frames leaving in production order. Returns false on Stop.
func (s *TxSession) NextFreeSlot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return -1, false
		}
		hasReady := false
		for _, r := range s.ready {
			if r {
				hasReady = true
				break
			}
		}
		if !hasReady {
			for i := range s.free {
				if s.free[i] {
					s.free[i] = false
					return i, true
				}
			}
		}
		s.cond.Wait()
	}
}

// MarkReady hands a filled slot to the packetizer
func (s *TxSession) MarkReady(slot int) {
	s.mu.Lock()
	s.ready[slot] = true
	s.mu.Unlock()
}

// Stop wakes and permanently releases the producer
func (s *TxSession) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// getNextFrame is the non-blocking poll-side dequeue
func (s *TxSession) getNextFrame() (int, bool) {
	if s.ops.GetNextFrame != nil {
		return s.ops.GetNextFrame()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ready {
		if s.ready[i] {
			s.ready[i] = false
			s.current = i
			s.cond.Signal()
			return i, true
		}
	}
	return -1, false
}

// notifyFrameDone releases a fully transmitted slot, exactly once per
// successful getNextFrame
func (s *TxSession) notifyFrameDone(slot int) {
	s.counters.FramesSent.Add(1)
	if s.ops.NotifyFrameDone != nil {
		s.ops.NotifyFrameDone(slot)
		return
	}
	s.mu.Lock()
	s.free[slot] = true
	s.current = -1
	s.cond.Signal()
	s.mu.Unlock()
}

// Poll drives the session from the scheduler: pull a ready frame,
// packetize it, burst datagrams out under the pacing discipline.
// Never blocks.
func (s *TxSession) Poll() int {
	if len(s.pending) == 0 {
		slot, ok := s.getNextFrame()
		if !ok {
			return 0
		}
		s.pendSlot = slot
		frame := s.frames[slot]
		err := s.pkt.PacketizeFrame(frame, func(pkt []byte) error {
			d := make([]byte, len(s.hdr)+len(pkt))
			copy(d, s.hdr)
			copy(d[len(s.hdr):], pkt)
			patchIPUDPLengths(d, len(pkt))
			s.pending = append(s.pending, d)
			return nil
		})
		if err != nil {
			// geometry was validated at create, treat as fatal for the frame
			log.Errorf("tx %s: packetize: %v", s.ops.Name, err)
			s.pending = nil
			s.notifyFrameDone(slot)
			return 0
		}
		s.counters.PktsBuilt.Add(uint64(len(s.pending)))
		if s.tscPacing {
			s.nextSend = time.Now()
		}
	}

	sent := 0
	for sent < txBurstMax && len(s.pending) > 0 {
		if s.tscPacing {
			now := time.Now()
			if now.Before(s.nextSend) {
				break
			}
			s.nextSend = s.nextSend.Add(s.pktTime)
		}
		n := s.port.Driver().TxBurst(s.queue, []device.Mbuf{{Data: s.pending[0]}})
		if n == 0 {
			break
		}
		s.pending = s.pending[1:]
		sent++
	}

	if len(s.pending) == 0 && sent > 0 {
		s.notifyFrameDone(s.pendSlot)
	}
	return sent
}

// patchIPUDPLengths fixes up the template copy for this payload size
func patchIPUDPLengths(d []byte, payload int) {
	ipTotal := 20 + 8 + payload
	d[16] = byte(ipTotal >> 8)
	d[17] = byte(ipTotal)
	// IP header checksum over the fixed 20 bytes
	d[24] = 0
	d[25] = 0
	var sum uint32
	for i := 14; i < 34; i += 2 {
		sum += uint32(d[i])<<8 | uint32(d[i+1])
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + sum>>16
	}
	csum := ^uint16(sum)
	d[24] = byte(csum >> 8)
	d[25] = byte(csum)
	udpLen := 8 + payload
	d[38] = byte(udpLen >> 8)
	d[39] = byte(udpLen)
	// UDP checksum stays zero, legal over IPv4
	d[40] = 0
	d[41] = 0
}
