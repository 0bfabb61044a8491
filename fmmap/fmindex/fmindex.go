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

// Package fmindex provides an in-memory FM-index of a multi-sequence
// reference, exposing the backward-step (LF), sampled-position and
// sequence-interval lookups consumed by the candidate decoder.
package fmindex

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/shenwei356/bio/seq"
	"github.com/twotwotwo/sorts"
)

// symbol codes in the BWT
const (
	codeTerm uint8 = iota // '$', unique and the smallest
	codeA
	codeC
	codeG
	codeT
	codeN // N, IUPAC codes and sequence separators

	alphabet = 6
)

// Separator is inserted between sequences of the reference text.
const Separator = 'N'

// rows per occurrence checkpoint
const occShift = 6

var base2code [256]uint8

func init() {
	for i := range base2code {
		base2code[i] = codeN
	}
	base2code['A'], base2code['a'] = codeA, codeA
	base2code['C'], base2code['c'] = codeC, codeC
	base2code['G'], base2code['g'] = codeG, codeG
	base2code['T'], base2code['t'] = codeT, codeT
}

// ErrEmptyReference means no non-empty sequences are given.
var ErrEmptyReference = errors.New("fmindex: empty reference")

// ErrTextTooLong means the text does not fit in 32-bit positions.
var ErrTextTooLong = errors.New("fmindex: reference text too long")

// ErrInvalidSamplingRate means the sampling rate is < 1.
var ErrInvalidSamplingRate = errors.New("fmindex: sampling rate should be >= 1")

// ErrPositionOutOfRange means a text position is not inside any sequence.
var ErrPositionOutOfRange = errors.New("fmindex: text position out of sequence intervals")

// Sequence is a named reference sequence.
type Sequence struct {
	Name string
	Seq  []byte
}

// BuildOptions contains options for building an index.
type BuildOptions struct {
	// SA samples are kept for text positions which are multiples of it.
	// It also bounds the number of LF steps needed to decode a row.
	SamplingRate int

	// Also index the reverse complement of each sequence,
	// so searching the forward strand of a query covers both strands.
	IndexComplement bool

	NumCPUs int
}

// DefaultBuildOptions is the default options.
var DefaultBuildOptions = BuildOptions{
	SamplingRate: 16,
	NumCPUs:      1,
}

// FMIndex is an in-memory FM-index. It's read-only after building
// and safe for concurrent use.
type FMIndex struct {
	text []byte  // upper-case text, separators and the trailing '$'
	bwt  []uint8 // symbol codes

	c   [alphabet + 1]uint64
	occ [][alphabet]uint32

	rate    int
	sampled *roaring.Bitmap // rows with stored samples
	samples []uint32        // text positions of sampled rows, in row order

	locator *Locator

	complement bool
}

// Build builds an index from sequences. Empty sequences are skipped.
func Build(seqs []Sequence, opt *BuildOptions) (*FMIndex, error) {
	if opt == nil {
		opt = &DefaultBuildOptions
	}
	if opt.SamplingRate < 1 {
		return nil, ErrInvalidSamplingRate
	}

	var total int
	for _, s := range seqs {
		total += len(s.Seq) + 1
	}
	if opt.IndexComplement {
		total <<= 1
	}
	if total == 0 {
		return nil, ErrEmptyReference
	}
	if total+1 >= math.MaxUint32 {
		return nil, ErrTextTooLong
	}

	text := make([]byte, 0, total+1)
	intervals := make([]*Interval, 0, len(seqs))

	add := func(name string, s []byte, rc bool, source int) {
		begin := uint64(len(text))
		text = append(text, bytes.ToUpper(s)...)
		intervals = append(intervals, &Interval{
			Begin:  begin,
			End:    uint64(len(text)),
			SeqID:  len(intervals),
			Source: source,
			Name:   name,
			RC:     rc,
		})
		text = append(text, Separator)
	}

	for i, s := range seqs {
		if len(s.Seq) == 0 {
			continue
		}
		add(s.Name, s.Seq, false, i)
	}
	if len(intervals) == 0 {
		return nil, ErrEmptyReference
	}
	if opt.IndexComplement {
		n := len(intervals)
		for i := 0; i < n; i++ {
			itv := intervals[i]
			s, err := seq.NewSeqWithoutValidation(seq.DNAredundant, append([]byte{}, text[itv.Begin:itv.End]...))
			if err != nil {
				return nil, fmt.Errorf("fmindex: reverse complement of %s: %s", itv.Name, err)
			}
			add(itv.Name, s.RevComInplace().Seq, true, itv.Source)
		}
	}
	text = append(text, '$')

	idx := &FMIndex{
		text:       text,
		rate:       opt.SamplingRate,
		complement: opt.IndexComplement,
	}

	codes := make([]uint8, len(text))
	for i, b := range text {
		codes[i] = base2code[b]
	}
	codes[len(codes)-1] = codeTerm

	if opt.NumCPUs > 0 {
		sorts.MaxProcs = opt.NumCPUs
	}
	sa := make([]uint32, len(codes))
	for i := range sa {
		sa[i] = uint32(i)
	}
	sorts.Quicksort(suffixes{codes: codes, sa: sa})

	idx.buildBWT(codes, sa)

	var err error
	idx.locator, err = NewLocator(intervals)
	if err != nil {
		return nil, err
	}

	return idx, nil
}

func (idx *FMIndex) buildBWT(codes []uint8, sa []uint32) {
	n := len(sa)
	bwt := make([]uint8, n)

	var counts [alphabet]uint32
	occ := make([][alphabet]uint32, (n>>occShift)+1)
	idx.sampled = roaring.New()
	idx.samples = make([]uint32, 0, n/idx.rate+1)

	rate := uint32(idx.rate)
	var p uint32
	for i := 0; i < n; i++ {
		if i&(1<<occShift-1) == 0 {
			occ[i>>occShift] = counts
		}

		p = sa[i]
		if p == 0 {
			bwt[i] = codes[n-1]
		} else {
			bwt[i] = codes[p-1]
		}
		counts[bwt[i]]++

		if p%rate == 0 {
			idx.sampled.Add(uint32(i))
			idx.samples = append(idx.samples, p)
		}
	}
	if n&(1<<occShift-1) == 0 {
		occ[n>>occShift] = counts
	}
	idx.sampled.RunOptimize()

	for c := 0; c < alphabet; c++ {
		idx.c[c+1] = idx.c[c] + uint64(counts[c])
	}

	idx.bwt = bwt
	idx.occ = occ
}

// suffixes sorts suffix start positions by suffix order.
type suffixes struct {
	codes []uint8
	sa    []uint32
}

func (s suffixes) Len() int      { return len(s.sa) }
func (s suffixes) Swap(i, j int) { s.sa[i], s.sa[j] = s.sa[j], s.sa[i] }
func (s suffixes) Less(i, j int) bool {
	return bytes.Compare(s.codes[s.sa[i]:], s.codes[s.sa[j]:]) < 0
}

// Len returns the size of the sequence space, i.e., the text length
// including separators and the terminator.
func (idx *FMIndex) Len() uint64 { return uint64(len(idx.bwt)) }

// SamplingRate returns the SA sampling rate.
func (idx *FMIndex) SamplingRate() int { return idx.rate }

// IndexComplement tells whether reverse complements are indexed too.
func (idx *FMIndex) IndexComplement() bool { return idx.complement }

// Locator returns the sequence interval locator.
func (idx *FMIndex) Locator() *Locator { return idx.locator }

// Locate returns the sequence interval containing the text position.
func (idx *FMIndex) Locate(pos uint64) (*Interval, error) {
	return idx.locator.Locate(pos)
}

// occurrences of c in bwt[0:i]
func (idx *FMIndex) rank(c uint8, i uint64) uint64 {
	n := uint64(idx.occ[i>>occShift][c])
	for _, b := range idx.bwt[i>>occShift<<occShift : i] {
		if b == c {
			n++
		}
	}
	return n
}

// LF performs one backward step from a row: the returned row holds the
// suffix starting one text position before, and sampled tells whether
// its text position is stored.
func (idx *FMIndex) LF(p uint64) (uint64, bool) {
	c := idx.bwt[p]
	next := idx.c[c] + idx.rank(c, p)
	return next, idx.sampled.Contains(uint32(next))
}

// BlockLocator holds the occurrence checkpoint needed by one LF step,
// fetched ahead of the step itself.
type BlockLocator struct {
	row    uint64
	symbol uint8
	counts [alphabet]uint32
	block  []uint8
}

// PrefetchLF issues the memory accesses of an LF step from row p.
func (idx *FMIndex) PrefetchLF(p uint64, loc *BlockLocator) {
	loc.row = p
	loc.symbol = idx.bwt[p]
	loc.counts = idx.occ[p>>occShift]
	loc.block = idx.bwt[p>>occShift<<occShift : p]
}

// LFPrefetched completes an LF step issued by PrefetchLF.
func (idx *FMIndex) LFPrefetched(loc *BlockLocator) (uint64, bool) {
	c := loc.symbol
	n := uint64(loc.counts[c])
	for _, b := range loc.block {
		if b == c {
			n++
		}
	}
	next := idx.c[c] + n
	return next, idx.sampled.Contains(uint32(next))
}

// IsSampled tells whether a row has a stored sample.
func (idx *FMIndex) IsSampled(q uint64) bool {
	return idx.sampled.Contains(uint32(q))
}

// Sample returns the text position stored for a sampled row.
// The row must be sampled.
func (idx *FMIndex) Sample(q uint64) uint64 {
	return uint64(idx.samples[idx.sampled.Rank(uint32(q))-1])
}

// SampleLocator holds the slot of a sampled row, resolved ahead of the lookup.
type SampleLocator struct {
	slot uint64
}

// PrefetchSample resolves the sample slot of a sampled row.
func (idx *FMIndex) PrefetchSample(q uint64, loc *SampleLocator) {
	loc.slot = idx.sampled.Rank(uint32(q)) - 1
}

// SamplePrefetched completes a lookup issued by PrefetchSample.
func (idx *FMIndex) SamplePrefetched(loc *SampleLocator) uint64 {
	return uint64(idx.samples[loc.slot])
}

// BackwardSearch returns the row range [lo, hi) of suffixes prefixed by key.
// Keys with non-ACGT bases have no occurrences.
func (idx *FMIndex) BackwardSearch(key []byte) (lo, hi uint64) {
	lo, hi = 0, idx.Len()
	var c uint8
	for i := len(key) - 1; i >= 0; i-- {
		c = base2code[key[i]]
		if c == codeN {
			return 0, 0
		}
		lo = idx.c[c] + idx.rank(c, lo)
		hi = idx.c[c] + idx.rank(c, hi)
		if lo >= hi {
			return 0, 0
		}
	}
	return lo, hi
}

// Subsequence returns text[begin:end], end is clamped to the text.
// The returned slice must not be modified.
func (idx *FMIndex) Subsequence(begin, end uint64) []byte {
	n := uint64(len(idx.text))
	if end > n {
		end = n
	}
	if begin >= end {
		return nil
	}
	return idx.text[begin:end]
}

// Text returns the whole text. It must not be modified.
func (idx *FMIndex) Text() []byte { return idx.text }

// SizeInBytes returns the approximate memory of the index structures,
// excluding the text.
func (idx *FMIndex) SizeInBytes() uint64 {
	return uint64(len(idx.bwt)) +
		uint64(len(idx.occ))*alphabet*4 +
		uint64(len(idx.samples))*4 +
		idx.sampled.GetSizeInBytes()
}
