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

package fmindex

import (
	"encoding/binary"
)

// PayloadMagic marks an index payload.
var PayloadMagic = [8]byte{'.', 'f', 'm', 'i', 'n', 'd', 'e', 'x'}

// Payload serializes the index structures needed on an accelerator:
// the BWT, the occurrence checkpoints and the sampled SA.
//
// Layout (little-endian):
//
//	magic [8]byte
//	n, rate, blocks, samples: uint64
//	C: (alphabet+1) * uint64
//	BWT: n bytes
//	checkpoints: blocks * alphabet * uint32
//	samples: samples * uint32
func (idx *FMIndex) Payload() []byte {
	n := len(idx.bwt)
	size := 8 + 4*8 + (alphabet+1)*8 + n + len(idx.occ)*alphabet*4 + len(idx.samples)*4
	buf := make([]byte, 0, size)

	buf = append(buf, PayloadMagic[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(idx.rate))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(idx.occ)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(idx.samples)))
	for _, v := range idx.c {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	buf = append(buf, idx.bwt...)
	for i := range idx.occ {
		for _, v := range idx.occ[i] {
			buf = binary.LittleEndian.AppendUint32(buf, v)
		}
	}
	for _, v := range idx.samples {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return buf
}
