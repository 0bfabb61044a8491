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

package candidates

import (
	"errors"
	"fmt"

	"github.com/shenwei356/fmmap/fmmap/fmindex"
	"github.com/shenwei356/fmmap/fmmap/pattern"
)

// DecodeWindow is the number of candidates stepped together.
// Smaller candidate sets are decoded one by one.
const DecodeWindow = 10

// SampleWindow is the number of sample lookups issued together.
const SampleWindow = 4

// ErrDecodeInconsistent means a row does not reach a sampled row within
// the sampling rate, the index is corrupted.
var ErrDecodeInconsistent = errors.New("candidates: row not resolved to a sample")

// ErrSourceRegion means a candidate refers to a missing seed region.
var ErrSourceRegion = errors.New("candidates: invalid source region")

// DecodeStats records decoding work, for diagnostics.
type DecodeStats struct {
	Batched    uint64 // candidates decoded in the pipelined loop
	Simple     uint64 // candidates decoded one by one
	Steps      uint64 // LF steps
	Candidates uint64
}

type slot struct {
	pos  int    // index of the candidate
	row  uint64 // current row
	dist uint64
	used bool
	loc  fmindex.BlockLocator
}

// Decoder converts row positions of candidates to text positions.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	idx   fmindex.Accessor
	slots [DecodeWindow]slot
	locs  [SampleWindow]fmindex.SampleLocator

	Stats DecodeStats
}

// NewDecoder creates a Decoder.
func NewDecoder(idx fmindex.Accessor) *Decoder {
	return &Decoder{idx: idx}
}

// DecodePositions decodes candidate rows and computes their text windows
// for a pattern.
func (d *Decoder) DecodePositions(positions []Position, seeds []SeedRegion, p *pattern.Pattern) error {
	err := d.DecodeIndexPositions(positions)
	if err != nil {
		return err
	}
	return d.ComputeTextBoundaries(positions, seeds, p.Len(), p.MaxBandwidth)
}

// DecodeIndexPositions fills DecodedTextPosition and DecodeDistance.
func (d *Decoder) DecodeIndexPositions(positions []Position) error {
	d.Stats.Candidates += uint64(len(positions))
	if len(positions) < DecodeWindow {
		d.Stats.Simple += uint64(len(positions))
		return d.decodeSimple(positions)
	}
	d.Stats.Batched += uint64(len(positions))
	return d.decodeBatched(positions)
}

func (d *Decoder) inconsistent(row uint64) error {
	return fmt.Errorf("%w: row %d, sampling rate %d", ErrDecodeInconsistent, row, d.idx.SamplingRate())
}

func (d *Decoder) decodeSimple(positions []Position) error {
	idx := d.idx
	rate := uint64(idx.SamplingRate())
	n := idx.Len()

	var row, dist uint64
	var sampled bool
	for i := range positions {
		pos := &positions[i]
		row = pos.IndexPosition
		dist = 0
		sampled = idx.IsSampled(row)
		for !sampled {
			if dist >= rate {
				return d.inconsistent(pos.IndexPosition)
			}
			row, sampled = idx.LF(row)
			dist++
		}
		d.Stats.Steps += dist

		pos.sampledRow = row
		pos.DecodeDistance = dist
		pos.DecodedTextPosition = (idx.Sample(row) + dist) % n
	}
	return nil
}

func (d *Decoder) decodeBatched(positions []Position) error {
	idx := d.idx
	rate := uint64(idx.SamplingRate())
	n := len(positions)

	next := 0
	// load the next candidate which is not sampled yet into a slot
	load := func(s *slot) bool {
		for next < n {
			i := next
			next++
			row := positions[i].IndexPosition
			if idx.IsSampled(row) {
				positions[i].sampledRow = row
				positions[i].DecodeDistance = 0
				continue
			}
			s.pos, s.row, s.dist, s.used = i, row, 0, true
			return true
		}
		s.used = false
		return false
	}

	var active int
	for k := range d.slots {
		if load(&d.slots[k]) {
			active++
		}
	}

	var s *slot
	var sampled bool
	for active == DecodeWindow {
		for k := range d.slots {
			s = &d.slots[k]
			idx.PrefetchLF(s.row, &s.loc)
		}
		for k := range d.slots {
			s = &d.slots[k]
			s.row, sampled = idx.LFPrefetched(&s.loc)
			s.dist++
			if sampled {
				d.Stats.Steps += s.dist
				positions[s.pos].sampledRow = s.row
				positions[s.pos].DecodeDistance = s.dist
				if !load(s) {
					active--
				}
			} else if s.dist >= rate {
				return d.inconsistent(positions[s.pos].IndexPosition)
			}
		}
	}

	// the stream is exhausted
	for k := range d.slots {
		s = &d.slots[k]
		if !s.used {
			continue
		}
		sampled = false
		for !sampled {
			if s.dist >= rate {
				return d.inconsistent(positions[s.pos].IndexPosition)
			}
			s.row, sampled = idx.LF(s.row)
			s.dist++
		}
		d.Stats.Steps += s.dist
		positions[s.pos].sampledRow = s.row
		positions[s.pos].DecodeDistance = s.dist
		s.used = false
	}

	// sample lookups
	size := idx.Len()
	var end, j int
	for i := 0; i < n; i += SampleWindow {
		end = min(i+SampleWindow, n)
		for j = i; j < end; j++ {
			idx.PrefetchSample(positions[j].sampledRow, &d.locs[j-i])
		}
		for j = i; j < end; j++ {
			positions[j].DecodedTextPosition = (idx.SamplePrefetched(&d.locs[j-i]) + positions[j].DecodeDistance) % size
		}
	}

	return nil
}

// ComputeTextBoundaries computes the text window of each decoded candidate:
// the key span around the seed extended by boundaryError on both sides,
// clamped to the sequence interval. Key bases falling out of the interval
// are recorded as trims.
func (d *Decoder) ComputeTextBoundaries(positions []Position, seeds []SeedRegion, keyLength int, boundaryError int) error {
	var seed *SeedRegion
	var itv *fmindex.Interval
	var err error
	var baseBegin, baseEnd, begin, end int64
	for i := range positions {
		pos := &positions[i]
		if pos.SourceRegion < 0 || pos.SourceRegion >= len(seeds) {
			return fmt.Errorf("%w: %d", ErrSourceRegion, pos.SourceRegion)
		}
		seed = &seeds[pos.SourceRegion]

		pos.RegionTextPosition = pos.DecodedTextPosition
		itv, err = d.idx.Locate(pos.RegionTextPosition)
		if err != nil {
			return fmt.Errorf("%w: decoded text position %d of row %d: %s",
				ErrDecodeInconsistent, pos.RegionTextPosition, pos.IndexPosition, err)
		}
		pos.SequenceID = itv.SeqID

		baseBegin = int64(pos.RegionTextPosition) - int64(seed.KeyBegin)
		baseEnd = int64(pos.RegionTextPosition) + int64(keyLength-seed.KeyBegin)

		pos.TrimLeft, pos.TrimRight = 0, 0
		if baseBegin < int64(itv.Begin) {
			pos.TrimLeft = int(int64(itv.Begin) - baseBegin)
			baseBegin = int64(itv.Begin)
		}
		if baseEnd > int64(itv.End) {
			pos.TrimRight = int(baseEnd - int64(itv.End))
			baseEnd = int64(itv.End)
		}

		begin = max(baseBegin-int64(boundaryError), int64(itv.Begin))
		end = min(baseEnd+int64(boundaryError), int64(itv.End))

		pos.BeginPosition = uint64(begin)
		pos.EndPosition = uint64(end)
		pos.BaseBeginOffset = uint64(baseBegin - begin)
		pos.BaseEndOffset = uint64(baseEnd - begin)
	}
	return nil
}
