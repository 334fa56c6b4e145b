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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmediakit/st2110/rfc4175"
)

func TestDumpFileName(t *testing.T) {
	require.Equal(t, "st_app2_1920_1080_0000_af_00-1.yuv",
		DumpFileName(2, 1920, 1080, "0000:af:00.1"))
}

func TestFrameWriterRolls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.yuv")
	w, err := NewFrameWriter(path, 100, 3)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	mk := func(b byte) []byte {
		f := make([]byte, 100)
		for i := range f {
			f[i] = b
		}
		return f
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, w.WriteFrame(mk(byte(i+1))))
	}
	// fourth frame wrapped onto slot 0
	require.Equal(t, mk(4), w.Frame(0))
	require.Equal(t, mk(2), w.Frame(1))
	require.Equal(t, mk(3), w.Frame(2))

	require.Error(t, w.WriteFrame(make([]byte, 99)))
}

func TestFrameWriterApplyPacket(t *testing.T) {
	const width, height = 64, 8
	ops := RxOps{Width: width, Height: height, Format: rfc4175.FormatYUV422_10Bit}
	frameSize, err := rfc4175.FrameSize(ops.Format, width, height)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "dump.yuv")
	w, err := NewFrameWriter(path, frameSize, 2)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	f0 := randFrame(frameSize, 21)
	f1 := randFrame(frameSize, 22)
	d, err := rfc4175.NewDepacketizer(width, height, ops.Format)
	require.NoError(t, err)
	pkts := packetizeFrames(t, ops, f0, f1)
	// permute within each frame: same-timestamp datagrams may arrive
	// in any order
	perFrame := len(pkts) / 2
	r := rand.New(rand.NewSource(33))
	r.Shuffle(perFrame, func(i, j int) { pkts[i], pkts[j] = pkts[j], pkts[i] })
	r.Shuffle(perFrame, func(i, j int) {
		pkts[perFrame+i], pkts[perFrame+j] = pkts[perFrame+j], pkts[perFrame+i]
	})
	for _, raw := range pkts {
		pkt, err := d.Parse(raw)
		require.NoError(t, err)
		require.NoError(t, w.ApplyPacket(pkt))
	}

	require.Equal(t, f0, w.Frame(0))
	require.Equal(t, f1, w.Frame(1))
}
