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

// Package align aligns a whole query to the best matching part of a text
// window with unit edit costs, and reports the edit script.
package align

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
)

// Pointer is for saving where the minimum cost of current position comes from.
type Pointer uint8

const (
	None Pointer = iota // No data, the first row.
	Top
	Left
	Mismatch
	Match
)

func (p Pointer) String() string {
	switch p {
	case Match:
		return "↘︎"
	case Mismatch:
		return "⇘"
	case Top:
		return "↓"
	case Left:
		return "→"
	case None:
		return "×"
	}
	return "■"
}

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

// N and other bases match nothing.
func equal(a, b byte) bool {
	ca := base2code[a]
	return ca != 4 && ca == base2code[b]
}

// Aligner computes semi-global alignments: the query is aligned end to end,
// leading and trailing text bases are free.
// An Aligner is not safe for concurrent use.
type Aligner struct {
	Options *AlignOptions

	// reusable variables
	costs    []int        // cost matrix
	pointers []Pointer    // pointer matrix
	buf      bytes.Buffer // only for print the matrix
}

// AlignOptions contains all alignment options.
type AlignOptions struct {
	// save alignment strings
	// AT-GTTAT
	// || | ||
	// ATCG-TAC
	SaveAlignments bool
	// save matrix in the bytes buffer
	SaveMatrix bool
}

// DefaultAlignOptions is the default AlignOptions.
var DefaultAlignOptions = AlignOptions{
	SaveAlignments: false,
	SaveMatrix:     false,
}

// CIGAROp is one CIGAR operation: '=', 'X', 'I' or 'D'.
type CIGAROp struct {
	Op byte
	N  int
}

// AlignResult holds the details of the alignment.
type AlignResult struct {
	Distance int // edit distance

	// aligned text range, the query is aligned entirely
	TBegin int
	TEnd   int // exclusive

	Len        int // length of alignment
	Matches    int
	Mismatches int
	Gaps       int

	CIGAR []CIGAROp

	AlignA []byte // Alignment string for the query
	AlignM []byte // Matching symbols, "|" for match, " " for mismatch
	AlignB []byte // Alignment string for the text

	Matrix []byte // Matrix text, note that it's not thread-safe, only for debugging.
}

// Reset resets all the values.
func (r *AlignResult) Reset() {
	r.Distance = 0
	r.TBegin = 0
	r.TEnd = 0
	r.Len = 0
	r.Matches = 0
	r.Mismatches = 0
	r.Gaps = 0

	r.CIGAR = r.CIGAR[:0]
	r.AlignA = r.AlignA[:0]
	r.AlignM = r.AlignM[:0]
	r.AlignB = r.AlignB[:0]
	r.Matrix = nil
}

// CIGARString formats the CIGAR operations.
func (r *AlignResult) CIGARString() string {
	var b bytes.Buffer
	for _, op := range r.CIGAR {
		b.WriteString(strconv.Itoa(op.N))
		b.WriteByte(op.Op)
	}
	return b.String()
}

var poolAlignResult = &sync.Pool{New: func() interface{} {
	r := &AlignResult{}
	r.CIGAR = make([]CIGAROp, 0, 16)
	return r
}}

// NewAligner returns an aligner.
func NewAligner(options *AlignOptions) *Aligner {
	if options == nil {
		options = &DefaultAlignOptions
	}
	return &Aligner{
		Options:  options,
		costs:    make([]int, 1<<16),
		pointers: make([]Pointer, 1<<16),
	}
}

// RecycleAlignResult recycles an alignment result.
func RecycleAlignResult(r *AlignResult) {
	poolAlignResult.Put(r)
}

// NewExactResult returns the result of a query matching text[tBegin:tBegin+len(q)]
// exactly, without computing the matrix.
func NewExactResult(q []byte, tBegin int) *AlignResult {
	r := poolAlignResult.Get().(*AlignResult)
	r.Reset()
	r.TBegin = tBegin
	r.TEnd = tBegin + len(q)
	r.Len = len(q)
	r.Matches = len(q)
	if len(q) > 0 {
		r.CIGAR = append(r.CIGAR, CIGAROp{Op: '=', N: len(q)})
	}
	return r
}

// Align aligns the query a to a text window b.
// Please remember to recycle the result after using
// by calling RecycleAlignResult.
func (alg *Aligner) Align(a, b []byte) *AlignResult {
	h := len(a) + 1 // height of the matrix
	w := len(b) + 1 // width of the matrix

	// ---------------------------------------------------
	// initialize

	var i, j, k int

	n := h * w
	if n > len(alg.costs) {
		alg.costs = make([]int, n)
		alg.pointers = make([]Pointer, n)
	}
	costs := alg.costs[:n]
	pointers := alg.pointers[:n]

	// the first row is free
	for j = 0; j < w; j++ {
		costs[j] = 0
		pointers[j] = None
	}
	// the first column
	for i = 1; i < h; i++ {
		k = idx(i, 0, w)
		costs[k] = i
		pointers[k] = Top
	}

	// ---------------------------------------------------
	// compute

	var sub, min, sTop, sLeft int
	var p Pointer
	for i = 1; i < h; i++ {
		for j = 1; j < w; j++ {
			k = idx(i, j, w)

			sub = 1
			p = Mismatch
			if equal(a[i-1], b[j-1]) {
				sub = 0
				p = Match
			}

			min = costs[idx(i-1, j-1, w)] + sub
			sTop = costs[idx(i-1, j, w)] + 1
			sLeft = costs[idx(i, j-1, w)] + 1

			if sTop < min {
				min = sTop
				p = Top
			}
			if sLeft < min {
				min = sLeft
				p = Left
			}

			pointers[k] = p
			costs[k] = min
		}
	}

	// ---------------------------------------------------
	// the leftmost minimum of the last row

	i = h - 1
	j = 0
	for jj := 1; jj < w; jj++ {
		if costs[idx(i, jj, w)] < costs[idx(i, j, w)] {
			j = jj
		}
	}

	// ---------------------------------------------------
	// traceback

	r := poolAlignResult.Get().(*AlignResult)
	r.Reset()

	if alg.Options.SaveMatrix {
		r.Matrix = alg.printMatrix(a, b, costs, pointers)
	}

	r.Distance = costs[idx(i, j, w)]
	r.TEnd = j

	save := alg.Options.SaveAlignments
	var op byte
	for p = pointers[idx(i, j, w)]; p != None; p = pointers[idx(i, j, w)] {
		r.Len++

		switch p {
		case Mismatch:
			if save {
				r.AlignA = append(r.AlignA, a[i-1])
				r.AlignB = append(r.AlignB, b[j-1])
				r.AlignM = append(r.AlignM, ' ')
			}
			op = 'X'
			r.Mismatches++
			i--
			j--
		case Match:
			if save {
				r.AlignA = append(r.AlignA, a[i-1])
				r.AlignB = append(r.AlignB, b[j-1])
				r.AlignM = append(r.AlignM, '|')
			}
			op = '='
			r.Matches++
			i--
			j--
		case Top:
			if save {
				r.AlignA = append(r.AlignA, a[i-1])
				r.AlignB = append(r.AlignB, '-')
				r.AlignM = append(r.AlignM, ' ')
			}
			op = 'I'
			r.Gaps++
			i--
		case Left:
			if save {
				r.AlignA = append(r.AlignA, '-')
				r.AlignB = append(r.AlignB, b[j-1])
				r.AlignM = append(r.AlignM, ' ')
			}
			op = 'D'
			r.Gaps++
			j--
		}

		if len(r.CIGAR) > 0 && r.CIGAR[len(r.CIGAR)-1].Op == op {
			r.CIGAR[len(r.CIGAR)-1].N++
		} else {
			r.CIGAR = append(r.CIGAR, CIGAROp{Op: op, N: 1})
		}
	}
	r.TBegin = j

	reverse(r.AlignA)
	reverse(r.AlignB)
	reverse(r.AlignM)
	for i, j := 0, len(r.CIGAR)-1; i < j; i, j = i+1, j-1 {
		r.CIGAR[i], r.CIGAR[j] = r.CIGAR[j], r.CIGAR[i]
	}

	return r
}

func (alg *Aligner) printMatrix(a, b []byte, costs []int, pointers []Pointer) []byte {
	h := len(a) + 1
	w := len(b) + 1
	var i, j, k int
	buf := &alg.buf

	buf.Reset()

	// b
	buf.WriteString(fmt.Sprintf("%c  %s%-3s", ' ', " ", " "))
	for j = 0; j < len(b); j++ {
		buf.WriteString(fmt.Sprintf("  %s%3c", " ", b[j]))
	}
	buf.WriteByte('\n')

	for i = 0; i < h; i++ {
		if i == 0 {
			buf.WriteString(fmt.Sprintf("%c", ' '))
		} else {
			buf.WriteString(fmt.Sprintf("%c", a[i-1]))
		}

		for j = 0; j < w; j++ {
			k = idx(i, j, w)
			buf.WriteString(fmt.Sprintf("  %s%3d", pointers[k], costs[k]))
		}
		buf.WriteByte('\n')
	}

	return append([]byte{}, buf.Bytes()...)
}

func idx(i, j, w int) int {
	return (i * w) + j
}

func reverse(s []byte) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
