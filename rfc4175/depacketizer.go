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
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// ErrInvalidOffset means an SRD addressed pixels outside the frame
var ErrInvalidOffset = errors.New("RTP payload offset outside frame")

// Segment is one decoded row segment, addressed in frame bytes
type Segment struct {
	ByteOffset int
	Data       []byte
}

// Packet is one parsed RFC 4175 datagram
type Packet struct {
	SeqNum    uint32
	Timestamp uint32
	Marker    bool
	Segments  []Segment
}

// Depacketizer parses RFC 4175 datagrams back into frame segments.
// Not safe for concurrent use: one depacketizer belongs to one RX session.
type Depacketizer struct {
	width     int
	pg        PixelGroup
	frameSize int
}

// NewDepacketizer returns a depacketizer for the given stream geometry
func NewDepacketizer(width, height int, format Format) (*Depacketizer, error) {
	pg, err := GetPixelGroup(format)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	return &Depacketizer{
		width:     width,
		pg:        pg,
		frameSize: width * height * pg.Size / pg.Coverage,
	}, nil
}

// FrameSize returns the full frame size in bytes
func (d *Depacketizer) FrameSize() int {
	return d.frameSize
}

// Parse decodes one datagram. Segments reference the input buffer, no
// pixel data is copied. Out-of-frame SRDs return ErrInvalidOffset
// without any segment of the datagram being accepted.
func (d *Depacketizer) Parse(datagram []byte) (*Packet, error) {
	var hdr rtp.Header
	n, err := hdr.Unmarshal(datagram)
	if err != nil {
		return nil, fmt.Errorf("parsing RTP header: %w", err)
	}

	var ph PayloadHeader
	hn, err := ph.UnmarshalBinary(datagram[n:])
	if err != nil {
		return nil, err
	}

	pkt := &Packet{
		SeqNum:    uint32(ph.ExtSeqNum)<<16 | uint32(hdr.SequenceNumber),
		Timestamp: hdr.Timestamp,
		Marker:    hdr.Marker,
	}

	payload := datagram[n+hn:]
	pos := 0
	for _, r := range ph.Rows {
		offset := d.pg.ByteOffset(int(r.RowNumber), int(r.RowOffset), d.width)
		if offset+int(r.Length) > d.frameSize {
			return nil, fmt.Errorf("row %d offset %d length %d: %w",
				r.RowNumber, r.RowOffset, r.Length, ErrInvalidOffset)
		}
		if pos+int(r.Length) > len(payload) {
			return nil, fmt.Errorf("SRD length %d beyond datagram payload %d", r.Length, len(payload)-pos)
		}
		pkt.Segments = append(pkt.Segments, Segment{
			ByteOffset: offset,
			Data:       payload[pos : pos+int(r.Length)],
		})
		pos += int(r.Length)
	}
	return pkt, nil
}
