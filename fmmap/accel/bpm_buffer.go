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

package accel

import (
	"encoding/binary"
	"fmt"

	"github.com/shenwei356/fmmap/fmmap/bpm"
)

var le = binary.LittleEndian

// Sizes of the records of the BPM layout.
//
//	header      numQueries, numEntries, numCandidates uint32, padding
//	query info  entry offset, entries, length uint32, padding
//	PEQ entry   NumCodes uint64
//	candidate   text position uint64, query, window length uint32
//	result      distance, end offset uint32
const (
	HeaderBytes    = 16
	QueryInfoBytes = 16
	CandidateBytes = 16
	ResultBytes    = 8
)

// MinBufferQueries is the number of queries of average shape
// the smallest buffer holds.
const MinBufferQueries = 1

func queryUnitBytes(avgQueryLength, candidatesPerQuery int) uint64 {
	return QueryInfoBytes +
		uint64(bpm.Entries(avgQueryLength))*bpm.EntryBytes +
		uint64(candidatesPerQuery)*(CandidateBytes+ResultBytes)
}

// MinBytesPerBuffer returns the size of the smallest usable buffer.
func MinBytesPerBuffer(avgQueryLength, candidatesPerQuery int) uint64 {
	return HeaderBytes + MinBufferQueries*queryUnitBytes(avgQueryLength, candidatesPerQuery)
}

type bpmLayout struct {
	maxQueries    int
	maxEntries    int
	maxCandidates int

	offQueries    uint64
	offEntries    uint64
	offCandidates uint64
	offResults    uint64

	numQueries    int
	numEntries    int
	numCandidates int

	// kernel scratch
	peq  []uint64
	cols []uint64
	text []byte
}

func (l *bpmLayout) layout(size uint64, avgQueryLength, candidatesPerQuery int) {
	var n uint64
	if size > HeaderBytes {
		n = (size - HeaderBytes) / queryUnitBytes(avgQueryLength, candidatesPerQuery)
	}
	l.maxQueries = int(n)
	l.maxEntries = l.maxQueries * bpm.Entries(avgQueryLength)
	l.maxCandidates = l.maxQueries * candidatesPerQuery

	l.offQueries = HeaderBytes
	l.offEntries = l.offQueries + uint64(l.maxQueries)*QueryInfoBytes
	l.offCandidates = l.offEntries + uint64(l.maxEntries)*bpm.EntryBytes
	l.offResults = l.offCandidates + uint64(l.maxCandidates)*CandidateBytes

	l.numQueries, l.numEntries, l.numCandidates = 0, 0, 0
}

// MaxQueries returns the query capacity.
func (b *Buffer) MaxQueries() int { return b.maxQueries }

// MaxCandidates returns the candidate capacity.
func (b *Buffer) MaxCandidates() int { return b.maxCandidates }

// MaxEntries returns the PEQ entry capacity.
func (b *Buffer) MaxEntries() int { return b.maxEntries }

func (b *Buffer) NumQueries() int    { return b.numQueries }
func (b *Buffer) NumEntries() int    { return b.numEntries }
func (b *Buffer) NumCandidates() int { return b.numCandidates }

// Clear resets the counters so the buffer can be filled again.
func (b *Buffer) Clear() error {
	if b.state == StateSubmitted {
		return ErrBufferState
	}
	b.numQueries, b.numEntries, b.numCandidates = 0, 0, 0
	b.state = StateEmpty
	return nil
}

// Fits tells whether numQueries queries with a total length of
// totalQueryLength and numCandidates candidates could still be appended.
// For a single query the answer is exact.
func (b *Buffer) Fits(numQueries, totalQueryLength, numCandidates int) bool {
	var entries int
	if numQueries > 0 {
		entries = bpm.Entries(totalQueryLength) + numQueries - 1
	}
	return b.numQueries+numQueries <= b.maxQueries &&
		b.numEntries+entries <= b.maxEntries &&
		b.numCandidates+numCandidates <= b.maxCandidates
}

func (b *Buffer) fillable() bool {
	return b.state == StateEmpty || b.state == StateFilling
}

// AppendQuery appends a compiled query, following candidates are checked against it.
func (b *Buffer) AppendQuery(p *bpm.Pattern) error {
	if !b.fillable() {
		return ErrBufferState
	}
	words := p.Words()
	if b.numQueries+1 > b.maxQueries || b.numEntries+words > b.maxEntries {
		return ErrCapacity
	}

	off := b.offQueries + uint64(b.numQueries)*QueryInfoBytes
	le.PutUint32(b.host[off:], uint32(b.numEntries))
	le.PutUint32(b.host[off+4:], uint32(words))
	le.PutUint32(b.host[off+8:], uint32(p.Len()))

	off = b.offEntries + uint64(b.numEntries)*bpm.EntryBytes
	for i, v := range p.PEQ() {
		le.PutUint64(b.host[off+uint64(i)<<3:], v)
	}

	b.numQueries++
	b.numEntries += words
	b.state = StateFilling
	return nil
}

// AppendCandidate appends a text window [textPos, textPos+length) for the last query.
func (b *Buffer) AppendCandidate(textPos uint64, length int) error {
	if !b.fillable() {
		return ErrBufferState
	}
	if b.numQueries == 0 {
		return ErrNoQuery
	}
	if b.numCandidates+1 > b.maxCandidates {
		return ErrCapacity
	}

	off := b.offCandidates + uint64(b.numCandidates)*CandidateBytes
	le.PutUint64(b.host[off:], textPos)
	le.PutUint32(b.host[off+8:], uint32(b.numQueries-1))
	le.PutUint32(b.host[off+12:], uint32(length))

	b.numCandidates++
	b.state = StateFilling
	return nil
}

// Submit queues the transfer to the device, the kernel and the transfer
// of the results back. It does not wait.
func (b *Buffer) Submit() error {
	if !b.fillable() {
		return ErrBufferState
	}

	le.PutUint32(b.host[0:], uint32(b.numQueries))
	le.PutUint32(b.host[4:], uint32(b.numEntries))
	le.PutUint32(b.host[8:], uint32(b.numCandidates))

	s := b.stream
	s.CopyToDevice(b.mirror, 0, b.host[:b.offQueries+uint64(b.numQueries)*QueryInfoBytes])
	s.CopyToDevice(b.mirror, b.offEntries,
		b.host[b.offEntries:b.offEntries+uint64(b.numEntries)*bpm.EntryBytes])
	s.CopyToDevice(b.mirror, b.offCandidates,
		b.host[b.offCandidates:b.offCandidates+uint64(b.numCandidates)*CandidateBytes])
	s.Launch(b.kernel)
	s.CopyToHost(b.host[b.offResults:b.offResults+uint64(b.numCandidates)*ResultBytes],
		b.mirror, b.offResults)

	b.state = StateSubmitted
	return nil
}

// Await blocks until the submitted work is done.
func (b *Buffer) Await() error {
	if b.state != StateSubmitted {
		return ErrBufferState
	}
	err := b.stream.Synchronize()
	b.state = StateCompleted
	return err
}

// Result returns the distance and the end offset in the window of the i-th
// candidate, in append order.
func (b *Buffer) Result(i int) (int, int, error) {
	if b.state != StateCompleted {
		return 0, 0, ErrBufferState
	}
	if i < 0 || i >= b.numCandidates {
		return 0, 0, ErrResultIndex
	}
	off := b.offResults + uint64(i)*ResultBytes
	return int(le.Uint32(b.host[off:])), int(le.Uint32(b.host[off+4:])), nil
}

// kernel runs on the stream and only reads the device mirror.
func (b *Buffer) kernel() error {
	dev := b.mirror.Bytes()
	nq := le.Uint32(dev[0:])
	nc := int(le.Uint32(dev[8:]))
	if nc > 0 && b.reference == nil {
		return fmt.Errorf("accel: buffer %d: no reference on device #%d", b.ID, b.device.Device.ID())
	}

	var off, qoff, eoff uint64
	var pos uint64
	var q, entry, words, m uint32
	var length, d, e int
	for i := 0; i < nc; i++ {
		off = b.offCandidates + uint64(i)*CandidateBytes
		pos = le.Uint64(dev[off:])
		q = le.Uint32(dev[off+8:])
		length = int(le.Uint32(dev[off+12:]))
		if q >= nq {
			return fmt.Errorf("accel: buffer %d: candidate %d refers to query %d of %d", b.ID, i, q, nq)
		}

		qoff = b.offQueries + uint64(q)*QueryInfoBytes
		entry = le.Uint32(dev[qoff:])
		words = le.Uint32(dev[qoff+4:])
		m = le.Uint32(dev[qoff+8:])

		n := int(words) * bpm.NumCodes
		if cap(b.peq) < n {
			b.peq = make([]uint64, n)
			b.cols = make([]uint64, int(words)<<1)
		}
		b.peq = b.peq[:n]
		b.cols = b.cols[:cap(b.cols)]
		eoff = b.offEntries + uint64(entry)*bpm.EntryBytes
		for k := range b.peq {
			b.peq[k] = le.Uint64(dev[eoff+uint64(k)<<3:])
		}

		b.text = b.reference.SubSeq(int(pos), int(pos)+length, b.text)
		d, e = bpm.Search(b.peq, int(m), b.text, b.cols)

		off = b.offResults + uint64(i)*ResultBytes
		le.PutUint32(dev[off:], uint32(d))
		le.PutUint32(dev[off+4:], uint32(e))
	}
	return nil
}
