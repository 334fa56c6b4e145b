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

// all references are given for RFC 4175 and SMPTE ST 2110-20

import (
	"encoding/binary"
	"fmt"
)

// DefaultPayloadType is the RTP payload type for ST 2110-20 video
const DefaultPayloadType uint8 = 112

// MediaClockRate is the RTP media clock for uncompressed video, Hz
const MediaClockRate = 90000

const (
	// ContinuationBit in the SRD row offset signals that another SRD
	// header follows in the same datagram
	ContinuationBit uint16 = 0x8000
	// FieldBit in the SRD row number identifies the second field of an
	// interlaced frame
	FieldBit uint16 = 0x8000
)

// SRDHeaderSize is the size of one Sample Row Data header on the wire
const SRDHeaderSize = 6

// PayloadHeaderMinSize is extended sequence number plus one SRD header
const PayloadHeaderMinSize = 2 + SRDHeaderSize

// Format is an uncompressed video pixel format
type Format int

// supported pixel formats
const (
	FormatYUV422_10Bit Format = iota
	FormatYUV422_8Bit
	FormatYUV420_8Bit
	FormatRGB_8Bit
)

func (f Format) String() string {
	switch f {
	case FormatYUV422_10Bit:
		return "YUV_422_10bit"
	case FormatYUV422_8Bit:
		return "YUV_422_8bit"
	case FormatYUV420_8Bit:
		return "YUV_420_8bit"
	case FormatRGB_8Bit:
		return "RGB_8bit"
	default:
		return "unknown"
	}
}

// PixelGroup describes the atomic packing unit of a format:
// Size bytes cover Coverage pixels.
type PixelGroup struct {
	Size     int
	Coverage int
}

// GetPixelGroup returns the pixel group descriptor for the format
func GetPixelGroup(f Format) (PixelGroup, error) {
	switch f {
	case FormatYUV422_10Bit:
		return PixelGroup{Size: 5, Coverage: 2}, nil
	case FormatYUV422_8Bit:
		return PixelGroup{Size: 4, Coverage: 2}, nil
	case FormatYUV420_8Bit:
		return PixelGroup{Size: 6, Coverage: 4}, nil
	case FormatRGB_8Bit:
		return PixelGroup{Size: 3, Coverage: 1}, nil
	default:
		return PixelGroup{}, fmt.Errorf("no pixel group for format %d", int(f))
	}
}

// FrameSize returns the size in bytes of a full frame of the format
func FrameSize(f Format, width, height int) (int, error) {
	pg, err := GetPixelGroup(f)
	if err != nil {
		return 0, err
	}
	return width * height * pg.Size / pg.Coverage, nil
}

// ByteOffset converts a (row, offset-in-pixels) coordinate to a byte
// offset within the frame
func (pg PixelGroup) ByteOffset(row, offset, width int) int {
	return (row*width + offset) / pg.Coverage * pg.Size
}

// SRD is one Sample Row Data header: a contiguous segment of one row
type SRD struct {
	Length       uint16
	RowNumber    uint16
	FieldID      bool
	RowOffset    uint16
	Continuation bool
}

// PayloadHeader is the RFC 4175 payload header following the RTP header:
// a 16 bit extended sequence number and one or two SRD headers
type PayloadHeader struct {
	ExtSeqNum uint16
	Rows      []SRD
}

// WireSize returns the marshalled size of the payload header
func (p *PayloadHeader) WireSize() int {
	return 2 + len(p.Rows)*SRDHeaderSize
}

// MarshalBinaryTo marshals the payload header into b
func (p *PayloadHeader) MarshalBinaryTo(b []byte) (int, error) {
	if len(p.Rows) < 1 || len(p.Rows) > 2 {
		return 0, fmt.Errorf("payload header must carry 1 or 2 SRDs, got %d", len(p.Rows))
	}
	if len(b) < p.WireSize() {
		return 0, fmt.Errorf("not enough buffer to write payload header")
	}
	binary.BigEndian.PutUint16(b, p.ExtSeqNum)
	n := 2
	for i, r := range p.Rows {
		binary.BigEndian.PutUint16(b[n:], r.Length)
		rowNumber := r.RowNumber
		if r.FieldID {
			rowNumber |= FieldBit
		}
		binary.BigEndian.PutUint16(b[n+2:], rowNumber)
		rowOffset := r.RowOffset
		// continuation on the last SRD is what the marshalled bit says,
		// all earlier SRDs have it set implicitly
		if r.Continuation || i < len(p.Rows)-1 {
			rowOffset |= ContinuationBit
		}
		binary.BigEndian.PutUint16(b[n+4:], rowOffset)
		n += SRDHeaderSize
	}
	return n, nil
}

// UnmarshalBinary unmarshals the payload header from b and returns the
// number of bytes consumed
func (p *PayloadHeader) UnmarshalBinary(b []byte) (int, error) {
	if len(b) < PayloadHeaderMinSize {
		return 0, fmt.Errorf("not enough data to decode payload header")
	}
	p.ExtSeqNum = binary.BigEndian.Uint16(b)
	p.Rows = p.Rows[:0]
	n := 2
	for {
		if len(b) < n+SRDHeaderSize {
			return 0, fmt.Errorf("truncated SRD header at offset %d", n)
		}
		var r SRD
		r.Length = binary.BigEndian.Uint16(b[n:])
		rowNumber := binary.BigEndian.Uint16(b[n+2:])
		r.FieldID = rowNumber&FieldBit != 0
		r.RowNumber = rowNumber &^ FieldBit
		rowOffset := binary.BigEndian.Uint16(b[n+4:])
		r.Continuation = rowOffset&ContinuationBit != 0
		r.RowOffset = rowOffset &^ ContinuationBit
		n += SRDHeaderSize
		p.Rows = append(p.Rows, r)
		if !r.Continuation {
			break
		}
		if len(p.Rows) == 2 {
			break
		}
	}
	return n, nil
}
