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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmediakit/st2110/device"
	"github.com/openmediakit/st2110/rfc4175"
)

func testTxOps(idx int) TxOps {
	return TxOps{
		Name:    "tx_video_test",
		Idx:     idx,
		Width:   64,
		Height:  8,
		Format:  rfc4175.FormatYUV422_10Bit,
		FPS:     rfc4175.FPS_P59_94,
		DIP:     net.IPv4(239, 168, 0, 1).To4(),
		UDPPort: uint16(10000 + idx),
	}
}

func testTxPort(t *testing.T) (*device.Port, *device.LoopDriver) {
	t.Helper()
	drv := device.NewLoopDriver(device.LoopConfig{})
	p := device.NewPort(drv, device.PortParams{
		Name:        "0000:af:00.1",
		SIP:         net.IPv4(192, 168, 0, 2).To4(),
		MaxTxQueues: 2,
		MaxRxQueues: 2,
	})
	require.NoError(t, p.Configure())
	require.NoError(t, p.Start())
	return p, drv
}

// loopRxQueue steers the session's multicast stream back into an RX
// queue of the same loop driver
func loopRxQueue(t *testing.T, p *device.Port, dip net.IP, port uint16) uint16 {
	t.Helper()
	q, err := p.RequestRxQueue(&device.FlowSpec{
		DstIP:     dip,
		SrcPort:   port,
		DstPort:   port,
		PortMatch: true,
	})
	require.NoError(t, err)
	return q
}

func (s *TxSession) ringCounts() (ready, free int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ready {
		if s.ready[i] {
			ready++
		}
		if s.free[i] {
			free++
		}
	}
	return
}

func TestTxRingInitialState(t *testing.T) {
	p, _ := testTxPort(t)
	q, err := p.RequestTxQueue(1000)
	require.NoError(t, err)
	s, err := NewTxSession(p, q, testTxOps(0))
	require.NoError(t, err)

	ready, free := s.ringCounts()
	require.Equal(t, 0, ready)
	require.Equal(t, 3, free)

	// nothing ready: the poll side sees no frame
	_, ok := s.getNextFrame()
	require.False(t, ok)
	require.Equal(t, 0, s.Poll())
}

func TestTxRingConservation(t *testing.T) {
	p, _ := testTxPort(t)
	q, err := p.RequestTxQueue(1000)
	require.NoError(t, err)
	s, err := NewTxSession(p, q, testTxOps(0))
	require.NoError(t, err)

	held := 0
	check := func() {
		ready, free := s.ringCounts()
		inFlight := 0
		s.mu.Lock()
		if s.current >= 0 {
			inFlight = 1
		}
		s.mu.Unlock()
		require.Equal(t, 3, ready+free+held+inFlight)
	}

	slot, ok := s.NextFreeSlot()
	require.True(t, ok)
	held++
	check()

	s.MarkReady(slot)
	held--
	check()

	got, ok := s.getNextFrame()
	require.True(t, ok)
	require.Equal(t, slot, got)
	check()

	s.notifyFrameDone(got)
	check()
	require.Equal(t, uint64(1), s.counters.FramesSent.Load())
}

func TestTxFrameOrderAndRoundTrip(t *testing.T) {
	p, drv := testTxPort(t)
	ops := testTxOps(0)
	q, err := p.RequestTxQueue(1000)
	require.NoError(t, err)
	rxq := loopRxQueue(t, p, ops.DIP, ops.UDPPort)

	s, err := NewTxSession(p, q, ops)
	require.NoError(t, err)

	// the producer can only stay ahead by one ready frame, so a
	// poller drains concurrently
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for s.counters.FramesSent.Load() < 3 {
			s.Poll()
		}
	}()

	// produce three distinct frames in order
	var produced [][]byte
	for i := 0; i < 3; i++ {
		slot, ok := s.NextFreeSlot()
		require.True(t, ok)
		fb := s.Framebuffer(slot)
		for j := range fb {
			fb[j] = byte(i + 1)
		}
		c := append([]byte(nil), fb...)
		produced = append(produced, c)
		s.MarkReady(slot)
	}

	select {
	case <-pollDone:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not drain the ring")
	}
	require.Equal(t, uint64(3), s.counters.FramesSent.Load())

	// reassemble everything that crossed the loop driver
	d, err := rfc4175.NewDepacketizer(ops.Width, ops.Height, ops.Format)
	require.NoError(t, err)
	byTS := map[uint32][]byte{}
	var tsOrder []uint32
	pkts := make([]device.Mbuf, 64)
	for {
		n := drv.RxBurst(rxq, pkts)
		if n == 0 {
			break
		}
		for _, m := range pkts[:n] {
			payload, good := stripHeaders(m.Data, ops.UDPPort)
			require.True(t, good)
			pkt, err := d.Parse(payload)
			require.NoError(t, err)
			if _, seen := byTS[pkt.Timestamp]; !seen {
				tsOrder = append(tsOrder, pkt.Timestamp)
				byTS[pkt.Timestamp] = make([]byte, d.FrameSize())
			}
			for _, seg := range pkt.Segments {
				copy(byTS[pkt.Timestamp][seg.ByteOffset:], seg.Data)
			}
		}
	}
	require.Len(t, tsOrder, 3)
	for i, ts := range tsOrder {
		require.Equal(t, produced[i], byTS[ts], "frame %d", i)
	}
}

func TestTxProducerBackpressure(t *testing.T) {
	p, _ := testTxPort(t)
	q, err := p.RequestTxQueue(1000)
	require.NoError(t, err)
	s, err := NewTxSession(p, q, testTxOps(0))
	require.NoError(t, err)

	// one frame marked ready
	slot0, ok := s.NextFreeSlot()
	require.True(t, ok)
	s.MarkReady(slot0)

	// drain-before-refill: while anything is ready the producer must
	// block, even though free slots remain
	got := make(chan int, 1)
	go func() {
		slot, ok := s.NextFreeSlot()
		if ok {
			got <- slot
		}
	}()
	select {
	case <-got:
		t.Fatal("producer got a slot while a frame is ready")
	case <-time.After(50 * time.Millisecond):
	}

	slot, ok := s.getNextFrame()
	require.True(t, ok)
	s.notifyFrameDone(slot)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("producer not woken by frame completion")
	}
}

func TestTxStopWakesProducer(t *testing.T) {
	p, _ := testTxPort(t)
	q, err := p.RequestTxQueue(1000)
	require.NoError(t, err)
	s, err := NewTxSession(p, q, testTxOps(0))
	require.NoError(t, err)

	// park a ready frame so the producer sleeps
	slot0, ok := s.NextFreeSlot()
	require.True(t, ok)
	s.MarkReady(slot0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := s.NextFreeSlot()
		require.False(t, ok)
	}()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	wg.Wait()

	// stop set before the wait: the producer must not sleep past it
	_, ok = s.NextFreeSlot()
	require.False(t, ok)
}

func TestTxCustomCallbacks(t *testing.T) {
	p, _ := testTxPort(t)
	ops := testTxOps(0)
	frameReady := true
	var done []int
	ops.GetNextFrame = func() (int, bool) {
		if frameReady {
			frameReady = false
			return 1, true
		}
		return -1, false
	}
	ops.NotifyFrameDone = func(slot int) { done = append(done, slot) }

	q, err := p.RequestTxQueue(1000)
	require.NoError(t, err)
	rxq := loopRxQueue(t, p, ops.DIP, ops.UDPPort)
	_ = rxq
	s, err := NewTxSession(p, q, ops)
	require.NoError(t, err)

	for i := 0; i < 100 && len(done) == 0; i++ {
		s.Poll()
	}
	require.Equal(t, []int{1}, done)
}

func TestTxBandwidth(t *testing.T) {
	ops := TxOps{
		Width:  1920,
		Height: 1080,
		Format: rfc4175.FormatYUV422_10Bit,
		FPS:    rfc4175.FPS_P59_94,
	}
	bps, err := TxBandwidthBps(&ops)
	require.NoError(t, err)
	// ~2.6 Gb/s on the wire for 1080p59.94 YUV 4:2:2 10 bit
	require.Greater(t, bps, uint64(2_480_000_000))
	require.Less(t, bps, uint64(2_700_000_000))

	mbs, err := TxQuotaMbs(&ops)
	require.NoError(t, err)
	require.Greater(t, mbs, 2400)
	require.Less(t, mbs, 2500)
}

func TestDstMACForIP(t *testing.T) {
	mac, err := DstMACForIP(net.IPv4(239, 168, 0, 1))
	require.NoError(t, err)
	require.Equal(t, net.HardwareAddr{0x01, 0x00, 0x5e, 0x28, 0x00, 0x01}, mac)

	_, err = DstMACForIP(net.IPv4(192, 168, 0, 1))
	require.Error(t, err)
}
