// Copyright © 2023-2024 Wei Shen <shenwei356@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package twobit packs the reference text into 2-bit codes plus a mask of
// non-ACGT positions, the reference payload uploaded to accelerators.
package twobit

import (
	"encoding/binary"
	"errors"

	"github.com/RoaringBitmap/roaring/v2"
)

var be = binary.BigEndian

// Magic number for checking the payload format
var Magic = [8]byte{'2', 'b', 'i', 't', 'r', 'e', 'f', 's'}

// MainVersion is use for checking compatibility
var MainVersion uint8 = 0

// MinorVersion is less important
var MinorVersion uint8 = 1

// ErrInvalidFormat means invalid payload format.
var ErrInvalidFormat = errors.New("twobit: invalid binary format")

// ErrVersionMismatch means version mismatch between the payload and program
var ErrVersionMismatch = errors.New("twobit: version mismatch")

// ErrBrokenPayload means the payload is not complete.
var ErrBrokenPayload = errors.New("twobit: broken payload")

// Packed is a 2-bit packed sequence. Bases other than ACGT are stored
// as 'A' and marked in the mask, they are unpacked as 'N'.
type Packed struct {
	Len  int
	Data []byte

	mask *roaring.Bitmap
}

// Pack packs a sequence.
func Pack(s []byte) *Packed {
	n := len(s) >> 2
	m := len(s) & 3

	p := &Packed{
		Len:  len(s),
		Data: make([]byte, 0, n+1),
		mask: roaring.New(),
	}

	for i, b := range s {
		if !isACGT[b] {
			p.mask.Add(uint32(i))
		}
	}

	var j int
	for i := 0; i < n; i++ {
		j = i << 2
		p.Data = append(p.Data, base2bit[s[j]]<<6+base2bit[s[j+1]]<<4+base2bit[s[j+2]]<<2+base2bit[s[j+3]])
	}

	j = n << 2
	switch m {
	case 3:
		p.Data = append(p.Data, base2bit[s[j]]<<6+base2bit[s[j+1]]<<4+base2bit[s[j+2]]<<2)
	case 2:
		p.Data = append(p.Data, base2bit[s[j]]<<6+base2bit[s[j+1]]<<4)
	case 1:
		p.Data = append(p.Data, base2bit[s[j]]<<6)
	}

	p.mask.RunOptimize()
	return p
}

// Base returns the base at a position.
func (p *Packed) Base(i int) byte {
	if p.mask.Contains(uint32(i)) {
		return 'N'
	}
	return bit2base[p.Data[i>>2]>>(uint(3-i&3)<<1)&3]
}

// SubSeq unpacks bases [start, end) into buf, end is clamped to the sequence.
func (p *Packed) SubSeq(start, end int, buf []byte) []byte {
	buf = buf[:0]
	if end > p.Len {
		end = p.Len
	}
	if start < 0 {
		start = 0
	}
	for i := start; i < end; i++ {
		buf = append(buf, bit2base[p.Data[i>>2]>>(uint(3-i&3)<<1)&3])
	}
	if !p.mask.IsEmpty() && start < end {
		it := p.mask.Iterator()
		it.AdvanceIfNeeded(uint32(start))
		var v uint32
		for it.HasNext() {
			v = it.Next()
			if int(v) >= end {
				break
			}
			buf[int(v)-start] = 'N'
		}
	}
	return buf
}

// Bytes serializes the packed sequence.
//
// Layout:
//
//	magic [8]byte, version [8]byte
//	bases, data bytes, mask bytes: uint64
//	data, mask
func (p *Packed) Bytes() ([]byte, error) {
	mask, err := p.mask.ToBytes()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 40+len(p.Data)+len(mask))
	buf = append(buf, Magic[:]...)
	buf = append(buf, MainVersion, MinorVersion, 0, 0, 0, 0, 0, 0)
	buf = be.AppendUint64(buf, uint64(p.Len))
	buf = be.AppendUint64(buf, uint64(len(p.Data)))
	buf = be.AppendUint64(buf, uint64(len(mask)))
	buf = append(buf, p.Data...)
	buf = append(buf, mask...)
	return buf, nil
}

// Unpack parses a serialized payload. The data is not copied.
func Unpack(b []byte) (*Packed, error) {
	if len(b) < 40 {
		return nil, ErrBrokenPayload
	}
	if [8]byte(b[:8]) != Magic {
		return nil, ErrInvalidFormat
	}
	if b[8] != MainVersion {
		return nil, ErrVersionMismatch
	}

	bases := int(be.Uint64(b[16:24]))
	nData := int(be.Uint64(b[24:32]))
	nMask := int(be.Uint64(b[32:40]))
	if len(b) < 40+nData+nMask || nData != (bases+3)>>2 {
		return nil, ErrBrokenPayload
	}

	p := &Packed{
		Len:  bases,
		Data: b[40 : 40+nData],
		mask: roaring.New(),
	}
	if err := p.mask.UnmarshalBinary(b[40+nData : 40+nData+nMask]); err != nil {
		return nil, err
	}
	return p, nil
}

var isACGT [256]bool

func init() {
	for _, b := range []byte("ACGTacgt") {
		isACGT[b] = true
	}
}

var base2bit = [256]uint8{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var bit2base = [4]byte{'A', 'C', 'G', 'T'}
