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

package rfc4175

import (
	"fmt"

	"github.com/pion/rtp"
)

// FrameRate is an exact frame rate expressed as Num/Den frames per second
type FrameRate struct {
	Num int
	Den int
}

// common broadcast frame rates
var (
	FPS_P23_98 = FrameRate{24000, 1001}
	FPS_P24    = FrameRate{24, 1}
	FPS_P25    = FrameRate{25, 1}
	FPS_P29_97 = FrameRate{30000, 1001}
	FPS_P50    = FrameRate{50, 1}
	FPS_P59_94 = FrameRate{60000, 1001}
	FPS_P60    = FrameRate{60, 1}
)

// FrameTimeNs returns the duration of one frame in nanoseconds
func (r FrameRate) FrameTimeNs() uint64 {
	return uint64(1e9) * uint64(r.Den) / uint64(r.Num)
}

// DefaultMaxPayload is the pixel payload budget per datagram, sized so
// that a standard 1500 byte MTU fits eth+ip+udp+rtp+payload headers
const DefaultMaxPayload = 1200

// PacketizerConfig describes one video stream to slice into datagrams
type PacketizerConfig struct {
	Width       int
	Height      int
	Format      Format
	FPS         FrameRate
	PayloadType uint8
	SSRC        uint32
	// MaxPayload bounds pixel bytes per datagram, DefaultMaxPayload if 0
	MaxPayload int
}

// Packetizer slices whole frames into RFC 4175 RTP datagrams.
// Not safe for concurrent use: one packetizer belongs to one TX session.
type Packetizer struct {
	cfg        PacketizerConfig
	pg         PixelGroup
	rowBytes   int
	maxPayload int

	// 32 bit sequence: low 16 go to the RTP header, high 16 to the
	// extended sequence number of the payload header
	seq uint32
	// RTP timestamp in the 90kHz media clock, advanced per frame
	tmstamp uint32
	tsErr   int
}

// NewPacketizer validates the config and returns a packetizer
func NewPacketizer(cfg PacketizerConfig) (*Packetizer, error) {
	pg, err := GetPixelGroup(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width%pg.Coverage != 0 {
		return nil, fmt.Errorf("width %d not a multiple of pixel group coverage %d", cfg.Width, pg.Coverage)
	}
	if cfg.FPS.Num <= 0 || cfg.FPS.Den <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d/%d", cfg.FPS.Num, cfg.FPS.Den)
	}
	maxPayload := cfg.MaxPayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	// whole pixel groups only
	maxPayload -= maxPayload % pg.Size
	if maxPayload < pg.Size {
		return nil, fmt.Errorf("max payload %d below pixel group size %d", cfg.MaxPayload, pg.Size)
	}
	return &Packetizer{
		cfg:        cfg,
		pg:         pg,
		rowBytes:   cfg.Width / pg.Coverage * pg.Size,
		maxPayload: maxPayload,
	}, nil
}

// FrameSize returns the expected input frame size in bytes
func (p *Packetizer) FrameSize() int {
	return p.rowBytes * p.cfg.Height
}

// PacketsPerFrame returns how many datagrams one frame produces
func (p *Packetizer) PacketsPerFrame() int {
	total := p.FrameSize()
	n := 0
	for consumed := 0; consumed < total; n++ {
		consumed += p.packetBudget(consumed)
	}
	return n
}

// packetBudget returns how many payload bytes the packet starting at
// frame offset `consumed` will carry
func (p *Packetizer) packetBudget(consumed int) int {
	offBytes := consumed % p.rowBytes
	remain := p.rowBytes - offBytes
	if remain > p.maxPayload {
		return p.maxPayload
	}
	take := remain
	room := p.maxPayload - take
	room -= room % p.pg.Size
	row := consumed / p.rowBytes
	if room >= p.pg.Size && row+1 < p.cfg.Height {
		if room > p.rowBytes {
			room = p.rowBytes
		}
		take += room
	}
	return take
}

// PacketizeFrame slices one frame into datagrams and hands each fully
// marshalled datagram (RTP header included) to emit, in send order.
// The slice passed to emit is only valid for the duration of the call.
func (p *Packetizer) PacketizeFrame(frame []byte, emit func(pkt []byte) error) error {
	if len(frame) != p.FrameSize() {
		return fmt.Errorf("frame size %d, expected %d", len(frame), p.FrameSize())
	}

	consumed := 0
	total := len(frame)
	for consumed < total {
		row := consumed / p.rowBytes
		offBytes := consumed % p.rowBytes
		remain := p.rowBytes - offBytes

		var rows []SRD
		take1 := remain
		if take1 > p.maxPayload {
			take1 = p.maxPayload
		}
		rows = append(rows, SRD{
			Length:    uint16(take1),
			RowNumber: uint16(row),
			RowOffset: uint16(offBytes / p.pg.Size * p.pg.Coverage),
		})
		payload := take1

		// a finished row with leftover budget carries the head of the
		// next row behind a continuation header
		if take1 == remain {
			room := p.maxPayload - take1
			room -= room % p.pg.Size
			if room >= p.pg.Size && row+1 < p.cfg.Height {
				if room > p.rowBytes {
					room = p.rowBytes
				}
				rows = append(rows, SRD{
					Length:    uint16(room),
					RowNumber: uint16(row + 1),
					RowOffset: 0,
				})
				payload += room
			}
		}

		last := consumed+payload >= total
		hdr := rtp.Header{
			Version:        2,
			Marker:         last,
			PayloadType:    p.cfg.PayloadType,
			SequenceNumber: uint16(p.seq),
			Timestamp:      p.tmstamp,
			SSRC:           p.cfg.SSRC,
		}
		ph := PayloadHeader{
			ExtSeqNum: uint16(p.seq >> 16),
			Rows:      rows,
		}

		pkt := make([]byte, hdr.MarshalSize()+ph.WireSize()+payload)
		n, err := hdr.MarshalTo(pkt)
		if err != nil {
			return fmt.Errorf("marshalling RTP header: %w", err)
		}
		hn, err := ph.MarshalBinaryTo(pkt[n:])
		if err != nil {
			return fmt.Errorf("marshalling payload header: %w", err)
		}
		copy(pkt[n+hn:], frame[consumed:consumed+payload])

		if err := emit(pkt); err != nil {
			return err
		}
		p.seq++
		consumed += payload
	}

	// advance the media clock exactly one frame, spreading the
	// fractional remainder so a non-integer rate does not drift
	p.tsErr += MediaClockRate * p.cfg.FPS.Den
	p.tmstamp += uint32(p.tsErr / p.cfg.FPS.Num)
	p.tsErr %= p.cfg.FPS.Num
	return nil
}
