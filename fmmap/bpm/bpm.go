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

// Package bpm computes the edit distance of a pattern against the best
// matching substring of a text with the bit-parallel algorithm of Myers,
// in the multi-word form of Hyyrö.
package bpm

import "sync"

// WordSize is the number of pattern bases in one PEQ entry.
const WordSize = 64

// NumCodes is the number of base codes in a PEQ entry: A, C, G, T and
// others, the latter match nothing.
const NumCodes = 5

// EntryBytes is the size of a serialized PEQ entry.
const EntryBytes = NumCodes * 8

var base2code [256]uint8

func init() {
	for i := range base2code {
		base2code[i] = 4
	}
	base2code['A'], base2code['a'] = 0, 0
	base2code['C'], base2code['c'] = 1, 1
	base2code['G'], base2code['g'] = 2, 2
	base2code['T'], base2code['t'] = 3, 3
}

// Pattern is a pattern compiled into PEQ entries.
type Pattern struct {
	Key []byte

	words int
	peq   []uint64 // entry-major: peq[w*NumCodes+code]
}

// NewPattern compiles a pattern.
func NewPattern(key []byte) *Pattern {
	p := &Pattern{}
	p.Reset(key)
	return p
}

// Reset recompiles the pattern with a new key, reusing memory.
func (p *Pattern) Reset(key []byte) {
	p.Key = key
	p.words = Entries(len(key))
	n := p.words * NumCodes
	if cap(p.peq) < n {
		p.peq = make([]uint64, n)
	} else {
		p.peq = p.peq[:n]
		clear(p.peq)
	}

	var c uint8
	for i, b := range key {
		c = base2code[b]
		if c == 4 {
			continue
		}
		p.peq[(i>>6)*NumCodes+int(c)] |= 1 << uint(i&63)
	}
}

// Entries returns the number of PEQ entries of a pattern length.
func Entries(length int) int {
	return (length + WordSize - 1) / WordSize
}

// Len returns the pattern length.
func (p *Pattern) Len() int { return len(p.Key) }

// Words returns the number of PEQ entries.
func (p *Pattern) Words() int { return p.words }

// PEQ returns the PEQ bit-vectors, entry-major. It must not be modified.
func (p *Pattern) PEQ() []uint64 { return p.peq }

var poolColumns = &sync.Pool{New: func() interface{} {
	tmp := make([]uint64, 0, 64)
	return &tmp
}}

// Distance returns the minimum edit distance between the pattern and any
// substring of text, and the exclusive end of the leftmost substring with
// that distance. An empty text gives (len(pattern), 0).
func (p *Pattern) Distance(text []byte) (int, int) {
	cols := poolColumns.Get().(*[]uint64)
	if cap(*cols) < p.words<<1 {
		*cols = make([]uint64, p.words<<1)
	}
	*cols = (*cols)[:p.words<<1]

	d, e := Search(p.peq, len(p.Key), text, *cols)

	poolColumns.Put(cols)
	return d, e
}

// Search runs the bit-parallel search with raw PEQ entries of a pattern
// of length m. cols is the scratch space of at least 2*Entries(m) words.
func Search(peq []uint64, m int, text []byte, cols []uint64) (int, int) {
	if m == 0 {
		return 0, 0
	}
	words := Entries(m)
	pvs, mvs := cols[:words], cols[words:words<<1]
	for w := 0; w < words; w++ {
		pvs[w] = ^uint64(0)
		mvs[w] = 0
	}

	lastWord := words - 1
	lastBit := uint(m-1) & 63

	score := m
	best, bestEnd := m, 0

	var eq, pv, mv, xv, xh, ph, mh, hinNeg uint64
	var hin, hout, c int
	var bit uint
	for j, b := range text {
		c = int(base2code[b])
		hin = 0 // the first row is free
		for w := 0; w < words; w++ {
			eq = peq[w*NumCodes+c]
			pv, mv = pvs[w], mvs[w]

			xv = eq | mv
			hinNeg = 0
			if hin < 0 {
				hinNeg = 1
				eq |= 1
			}
			xh = (((eq & pv) + pv) ^ pv) | eq
			ph = mv | ^(xh | pv)
			mh = pv & xh

			bit = 63
			if w == lastWord {
				bit = lastBit
			}
			hout = 0
			if ph>>bit&1 != 0 {
				hout = 1
			} else if mh>>bit&1 != 0 {
				hout = -1
			}

			ph <<= 1
			mh <<= 1
			mh |= hinNeg
			if hin > 0 {
				ph |= 1
			}
			pvs[w] = mh | ^(xv | ph)
			mvs[w] = ph & xv

			hin = hout
		}

		score += hin
		if score < best {
			best = score
			bestEnd = j + 1
		}
	}

	return best, bestEnd
}
