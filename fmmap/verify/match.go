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

package verify

import (
	"strconv"

	"github.com/shenwei356/fmmap/fmmap/align"
	"github.com/shenwei356/fmmap/fmmap/candidates"
	"github.com/shenwei356/fmmap/fmmap/fmindex"
	"github.com/shenwei356/fmmap/fmmap/pattern"
)

// Match is an accepted alignment of the query.
type Match struct {
	Interval *fmindex.Interval

	// aligned text [TextBegin, TextEnd) in text coordinates
	TextBegin uint64
	TextEnd   uint64

	Distance int
	Matches  int

	// key bases out of the sequence
	TrimLeft  int
	TrimRight int

	CIGAR string // trims are soft clips
}

// Begin returns the 0-based start in the indexed sequence.
func (m *Match) Begin() uint64 { return m.TextBegin - m.Interval.Begin }

// End returns the exclusive end in the indexed sequence.
func (m *Match) End() uint64 { return m.TextEnd - m.Interval.Begin }

// Align aligns the verified regions within the error limit,
// appends the matches and marks the regions as accepted.
// It returns the number of new matches.
func (v *Verifier) Align(a *candidates.Arena, p *pattern.Pattern) int {
	locator := v.ref.Locator()
	var n int
	for i := range a.Regions {
		r := &a.Regions[i]
		if r.Status != candidates.Verified || r.AlignDistance > p.MaxError {
			continue
		}

		key := p.Trimmed(r.TrimLeft, r.TrimRight).Key
		window := v.ref.Subsequence(r.Begin, r.End)

		var res *align.AlignResult
		var offset int
		if tBegin, ok := exactSeed(a.Scaffold(r), r, len(key)); ok {
			res = align.NewExactResult(key, tBegin)
		} else {
			// the best alignment ends at EndOffset and spans at most len(key)+distance bases
			end := min(r.EndOffset, len(window))
			offset = max(0, end-len(key)-r.AlignDistance)
			res = v.aligner.Align(key, window[offset:end])
		}

		m := Match{
			Interval:  locator.Interval(r.SequenceID),
			TextBegin: r.Begin + uint64(offset+res.TBegin),
			TextEnd:   r.Begin + uint64(offset+res.TEnd),
			Distance:  res.Distance,
			Matches:   res.Matches,
			TrimLeft:  r.TrimLeft,
			TrimRight: r.TrimRight,
			CIGAR:     cigar(res, r.TrimLeft, r.TrimRight),
		}
		align.RecycleAlignResult(res)

		r.SetStatus(candidates.Accepted)
		v.Matches = append(v.Matches, m)
		n++
	}
	return n
}

// exactSeed returns the window offset of an exact seed covering the whole
// key and ending where the verified match ends.
func exactSeed(scaffold []candidates.ScaffoldRegion, r *candidates.Region, keyLength int) (int, bool) {
	if r.AlignDistance != 0 || r.TrimLeft != 0 || r.TrimRight != 0 {
		return 0, false
	}
	for _, s := range scaffold {
		if s.Exact && s.KeyBegin == 0 && s.KeyEnd == keyLength && s.TextEnd == r.EndOffset {
			return s.TextBegin, true
		}
	}
	return 0, false
}

func cigar(res *align.AlignResult, trimLeft, trimRight int) string {
	s := res.CIGARString()
	if trimLeft > 0 {
		s = strconv.Itoa(trimLeft) + "S" + s
	}
	if trimRight > 0 {
		s = s + strconv.Itoa(trimRight) + "S"
	}
	return s
}
