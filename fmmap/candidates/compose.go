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
	"cmp"
	"slices"
)

func comparePositions(a, b Position) int {
	if c := cmp.Compare(a.SequenceID, b.SequenceID); c != 0 {
		return c
	}
	return cmp.Compare(a.BeginPosition, b.BeginPosition)
}

func compareVerified(a, b VerifiedRegion) int {
	return cmp.Compare(a.Begin, b.Begin)
}

// ComposeRegions merges the decoded candidates of an arena into new
// unverified filtering regions and returns the number of them.
//
// Candidates of the same sequence whose window begins are within
// deltaTolerance of the first one of a group are merged. Groups contained
// in a verified region are dropped. With withScaffold, each merged
// candidate adds its seed to the scaffold of the region.
// Candidates are consumed.
func ComposeRegions(a *Arena, patternLength int, deltaTolerance uint64, withScaffold bool) int {
	positions := a.Positions
	n := len(positions)
	if n == 0 {
		return 0
	}

	// ties keep the insertion order
	slices.SortStableFunc(positions, comparePositions)
	slices.SortStableFunc(a.Verified, compareVerified)

	verified := a.Verified
	var cursor, k, j int
	var emitted int
	var begin, end, baseEnd uint64
	var alignDistance, trimRight int
	var first, c *Position
	var contained bool

	for i := 0; i < n; i = j {
		first = &positions[i]
		begin = first.BeginPosition
		end = first.EndPosition
		baseEnd = first.BeginPosition + first.BaseEndOffset
		alignDistance = first.AlignDistance
		trimRight = first.TrimRight

		for j = i + 1; j < n; j++ {
			c = &positions[j]
			if c.SequenceID != first.SequenceID || c.BeginPosition-begin > deltaTolerance {
				break
			}
			if c.EndPosition > end {
				end = c.EndPosition
			}
			if c.BeginPosition+c.BaseEndOffset >= baseEnd {
				baseEnd = c.BeginPosition + c.BaseEndOffset
				trimRight = c.TrimRight
			}
			if c.AlignDistance < alignDistance {
				alignDistance = c.AlignDistance
			}
		}

		// verified regions ending before the group can not contain it, nor any later group
		for cursor < len(verified) && verified[cursor].End <= begin {
			cursor++
		}
		contained = false
		for k = cursor; k < len(verified) && verified[k].Begin <= begin; k++ {
			if verified[k].End >= end {
				contained = true
				break
			}
		}
		if contained {
			continue
		}

		r := Region{
			SequenceID:      first.SequenceID,
			Begin:           begin,
			End:             end,
			BaseBeginOffset: first.BaseBeginOffset,
			BaseEndOffset:   baseEnd - begin,
			KeyLength:       patternLength,
			TrimLeft:        first.TrimLeft,
			TrimRight:       trimRight,
			AlignDistance:   alignDistance,
			Status:          Unverified,
		}

		if withScaffold {
			r.scaffoldOffset = len(a.scaffolds)
			for _, c := range positions[i:j] {
				a.scaffolds = append(a.scaffolds, a.scaffoldOf(&c, begin, patternLength))
			}
			r.scaffoldLen = j - i
		}

		a.Regions = append(a.Regions, r)
		emitted++
	}

	a.Positions = a.Positions[:0]
	return emitted
}

func (a *Arena) scaffoldOf(c *Position, regionBegin uint64, patternLength int) ScaffoldRegion {
	s := ScaffoldRegion{Degree: 0, Exact: true}
	if c.SourceRegion >= 0 && c.SourceRegion < len(a.Seeds) {
		seed := &a.Seeds[c.SourceRegion]
		s.KeyBegin = seed.KeyBegin
		s.KeyEnd = min(seed.KeyEnd, patternLength)
		s.Degree = seed.Degree
		s.Exact = seed.Degree == 0
	}
	s.TextBegin = int(c.RegionTextPosition - regionBegin)
	s.TextEnd = s.TextBegin + s.KeyEnd - s.KeyBegin
	return s
}
