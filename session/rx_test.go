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
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmediakit/st2110/rfc4175"
)

func testRxOps(idx int) RxOps {
	return RxOps{
		Name:         "rx_video_test",
		Idx:          idx,
		Width:        64,
		Height:       8,
		Format:       rfc4175.FormatYUV422_10Bit,
		UDPPort:      uint16(10000 + idx),
		FramebuffCnt: 3,
	}
}

func newTestRxSession(t *testing.T, ops RxOps) *RxSession {
	t.Helper()
	p, _ := testTxPort(t)
	q, err := p.RequestRxQueue(nil)
	require.NoError(t, err)
	s, err := NewRxSession(p, q, ops)
	require.NoError(t, err)
	return s
}

// packetizeFrames renders frames into raw RTP datagrams
func packetizeFrames(t *testing.T, ops RxOps, frames ...[]byte) [][]byte {
	t.Helper()
	p, err := rfc4175.NewPacketizer(rfc4175.PacketizerConfig{
		Width:  ops.Width,
		Height: ops.Height,
		Format: ops.Format,
		FPS:    rfc4175.FPS_P59_94,
	})
	require.NoError(t, err)
	var out [][]byte
	for _, f := range frames {
		require.NoError(t, p.PacketizeFrame(f, func(pkt []byte) error {
			out = append(out, append([]byte(nil), pkt...))
			return nil
		}))
	}
	return out
}

func randFrame(size int, seed int64) []byte {
	f := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(f)
	return f
}

func TestRxAssembleAndDeliver(t *testing.T) {
	ops := testRxOps(0)
	s := newTestRxSession(t, ops)

	f0 := randFrame(s.FrameSize(), 1)
	f1 := randFrame(s.FrameSize(), 2)
	for _, pkt := range packetizeFrames(t, ops, f0, f1) {
		s.handleFramePacket(pkt)
	}
	require.Equal(t, uint64(2), s.counters.FramesReceived.Load())

	// delivered in timestamp order
	got0, ok := s.GetFrame()
	require.True(t, ok)
	require.Equal(t, f0, got0.Data)
	s.PutFrame(got0)

	got1, ok := s.GetFrame()
	require.True(t, ok)
	require.Equal(t, f1, got1.Data)
	s.PutFrame(got1)
}

func TestRxReorderedPackets(t *testing.T) {
	ops := testRxOps(0)
	s := newTestRxSession(t, ops)

	frame := randFrame(s.FrameSize(), 3)
	pkts := packetizeFrames(t, ops, frame)
	// hold back the marker packet so reordering cannot complete the
	// frame early, then shuffle the rest
	last := pkts[len(pkts)-1]
	rest := pkts[:len(pkts)-1]
	rand.New(rand.NewSource(11)).Shuffle(len(rest), func(i, j int) {
		rest[i], rest[j] = rest[j], rest[i]
	})
	for _, pkt := range rest {
		s.handleFramePacket(pkt)
	}
	s.handleFramePacket(last)

	got, ok := s.GetFrame()
	require.True(t, ok)
	require.Equal(t, frame, got.Data)
}

func TestRxQueueBusyDropsNewest(t *testing.T) {
	ops := testRxOps(0) // 3 slots: queue holds at most 2 frames
	s := newTestRxSession(t, ops)

	frames := [][]byte{
		randFrame(s.FrameSize(), 1),
		randFrame(s.FrameSize(), 2),
		randFrame(s.FrameSize(), 3),
	}
	for _, pkt := range packetizeFrames(t, ops, frames...) {
		s.handleFramePacket(pkt)
	}

	require.Equal(t, uint64(3), s.counters.FramesReceived.Load())
	require.Equal(t, uint64(1), s.counters.EnqueueBusy.Load())

	// the dropped frame went back to the pool, the first two deliver
	got, ok := s.GetFrame()
	require.True(t, ok)
	require.Equal(t, frames[0], got.Data)
	s.PutFrame(got)
	got, ok = s.GetFrame()
	require.True(t, ok)
	require.Equal(t, frames[1], got.Data)
	s.PutFrame(got)
}

func TestRxInvalidOffset(t *testing.T) {
	big := testRxOps(0)
	big.Height = 16
	s := newTestRxSession(t, testRxOps(0))

	// datagrams addressing a 16-row frame overflow an 8-row session
	frame := randFrame(64/2*5*16, 4)
	pkts := packetizeFrames(t, big, frame)
	s.handleFramePacket(pkts[len(pkts)/2])
	require.Equal(t, uint64(0), s.counters.FramesReceived.Load())
	require.NotZero(t, s.counters.InvalidOffsets.Load())
}

func TestRxTimestampDecrease(t *testing.T) {
	ops := testRxOps(0)
	s := newTestRxSession(t, ops)

	frame := randFrame(s.FrameSize(), 5)
	pkts := packetizeFrames(t, ops, frame, frame, frame)
	// frame 0 at ts 0, frame 1 at ts 1501: play frame 1 first, then
	// frame 0 so the timestamp moves backwards
	perFrame := len(pkts) / 3
	for _, pkt := range pkts[perFrame : 2*perFrame] {
		s.handleFramePacket(pkt)
	}
	for _, pkt := range pkts[:perFrame] {
		s.handleFramePacket(pkt)
	}
	// both completed: the decrease started a new frame
	require.Equal(t, uint64(2), s.counters.FramesReceived.Load())
	require.True(t, s.tsWarned)
}

func TestRxStopWakesConsumer(t *testing.T) {
	s := newTestRxSession(t, testRxOps(0))
	done := make(chan bool, 1)
	go func() {
		_, ok := s.GetFrame()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by stop")
	}
}

func TestRxRtpMode(t *testing.T) {
	ops := testRxOps(0)
	ops.Mode = RxModeRTP
	ops.RtpRingSize = 8
	notified := 0
	ops.NotifyRtpReady = func() { notified++ }
	s := newTestRxSession(t, ops)

	frame := randFrame(s.FrameSize(), 6)
	pkts := packetizeFrames(t, ops, frame)
	for _, pkt := range pkts {
		require.NoError(t, s.enqueueRtp(append([]byte(nil), pkt...)))
	}

	d, err := rfc4175.NewDepacketizer(ops.Width, ops.Height, ops.Format)
	require.NoError(t, err)
	out := make([]byte, d.FrameSize())
	for range pkts {
		require.True(t, s.WaitRtpReady())
		raw, ok := s.PollMbuf()
		require.True(t, ok)
		pkt, err := d.Parse(raw)
		require.NoError(t, err)
		for _, seg := range pkt.Segments {
			copy(out[seg.ByteOffset:], seg.Data)
		}
	}
	require.Equal(t, frame, out)
	_, ok := s.PollMbuf()
	require.False(t, ok)
}

func TestRxRtpRingBusy(t *testing.T) {
	ops := testRxOps(0)
	ops.Mode = RxModeRTP
	ops.RtpRingSize = 4
	s := newTestRxSession(t, ops)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.enqueueRtp([]byte{byte(i)}))
	}
	require.ErrorIs(t, s.enqueueRtp([]byte{9}), ErrBusy)
}
