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
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/openmediakit/st2110/rfc4175"
)

// DumpFileName builds the conventional rolling dump file name for a
// session on a bus-addressed port
func DumpFileName(idx, width, height int, bus string) string {
	r := strings.NewReplacer(":", "_", ".", "-")
	return fmt.Sprintf("st_app%d_%d_%d_%s.yuv", idx, width, height, r.Replace(bus))
}

// FrameWriter stores received frames into a memory-mapped rolling
// file of fbCnt frame slots; the cursor wraps at the end
type FrameWriter struct {
	fd        int
	mem       []byte
	frameSize int
	cursor    int

	// RTP mode state: a new timestamp advances the cursor
	lastTS   uint32
	gotFirst bool
}

// NewFrameWriter creates (or truncates) path sized fbCnt*frameSize and
// maps it
func NewFrameWriter(path string, frameSize, fbCnt int) (*FrameWriter, error) {
	if frameSize <= 0 || fbCnt <= 0 {
		return nil, fmt.Errorf("invalid dump geometry %dx%d", frameSize, fbCnt)
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	size := frameSize * fbCnt
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("sizing %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	log.Infof("dump: %s mapped, %d frames of %d bytes", path, fbCnt, frameSize)
	return &FrameWriter{fd: fd, mem: mem, frameSize: frameSize}, nil
}

// WriteFrame copies one full frame at the cursor and advances it
func (w *FrameWriter) WriteFrame(data []byte) error {
	if len(data) != w.frameSize {
		return fmt.Errorf("frame size %d, expected %d", len(data), w.frameSize)
	}
	if w.cursor+w.frameSize > len(w.mem) {
		w.cursor = 0
	}
	copy(w.mem[w.cursor:], data)
	w.cursor += w.frameSize
	return nil
}

// ApplyPacket scatter-writes one parsed datagram at the cursor frame;
// a timestamp change moves the cursor to the next slot, wrapping at
// the mapped end
func (w *FrameWriter) ApplyPacket(pkt *rfc4175.Packet) error {
	if w.gotFirst && pkt.Timestamp != w.lastTS {
		w.cursor += w.frameSize
		if w.cursor+w.frameSize > len(w.mem) {
			w.cursor = 0
		}
	}
	w.lastTS = pkt.Timestamp
	w.gotFirst = true

	frame := w.mem[w.cursor : w.cursor+w.frameSize]
	for _, seg := range pkt.Segments {
		if seg.ByteOffset+len(seg.Data) > w.frameSize {
			return fmt.Errorf("segment at %d: %w", seg.ByteOffset, rfc4175.ErrInvalidOffset)
		}
		copy(frame[seg.ByteOffset:], seg.Data)
	}
	return nil
}

// Frame returns a read view of the slot at index i, for verification
func (w *FrameWriter) Frame(i int) []byte {
	off := i * w.frameSize
	return w.mem[off : off+w.frameSize]
}

// Close unmaps and closes the file
func (w *FrameWriter) Close() error {
	if w.mem != nil {
		if err := unix.Munmap(w.mem); err != nil {
			return err
		}
		w.mem = nil
	}
	if w.fd >= 0 {
		if err := unix.Close(w.fd); err != nil {
			return err
		}
		w.fd = -1
	}
	return nil
}
