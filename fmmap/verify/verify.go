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

// Package verify checks filtering regions against the query, on the CPU or
// through accelerator buffers, and turns accepted regions into matches.
package verify

import (
	"github.com/shenwei356/fmmap/fmmap/accel"
	"github.com/shenwei356/fmmap/fmmap/align"
	"github.com/shenwei356/fmmap/fmmap/candidates"
	"github.com/shenwei356/fmmap/fmmap/fmindex"
	"github.com/shenwei356/fmmap/fmmap/pattern"
)

// Reference is the text the regions point to.
type Reference interface {
	Subsequence(begin, end uint64) []byte
	Locator() *fmindex.Locator
}

// Stats counts verified regions.
type Stats struct {
	Local     int
	Offloaded int
	Accepted  int
	Discarded int
}

// Verifier verifies the regions of one search thread.
// A Verifier is not safe for concurrent use.
type Verifier struct {
	ref     Reference
	aligner *align.Aligner

	// Matches holds the accepted matches since the last Reset.
	Matches []Match

	Stats Stats
}

// NewVerifier returns a Verifier.
func NewVerifier(ref Reference) *Verifier {
	return &Verifier{
		ref:     ref,
		aligner: align.NewAligner(nil),
		Matches: make([]Match, 0, 8),
	}
}

// Reset clears the matches.
func (v *Verifier) Reset() {
	v.Matches = v.Matches[:0]
}

// check writes back the distance and end offset of a region and
// records it as verified. It returns true if the region is accepted.
func (v *Verifier) check(a *candidates.Arena, r *candidates.Region, p *pattern.Pattern, distance, endOffset int) bool {
	r.AlignDistance = distance
	r.EndOffset = endOffset
	a.AddVerified(r.Begin, r.End)

	if distance <= p.MaxError {
		r.SetStatus(candidates.Verified)
		v.Stats.Accepted++
		return true
	}
	r.SetStatus(candidates.Discarded)
	v.Stats.Discarded++
	return false
}

// VerifyLocal verifies all unverified regions on the CPU and aligns the
// accepted ones. It returns the number of accepted regions.
func (v *Verifier) VerifyLocal(a *candidates.Arena, p *pattern.Pattern) int {
	var accepted int
	var d, e int
	for i := range a.Regions {
		r := &a.Regions[i]
		if r.Status != candidates.Unverified {
			continue
		}
		d, e = p.Trimmed(r.TrimLeft, r.TrimRight).Distance(v.ref.Subsequence(r.Begin, r.End))
		v.Stats.Local++
		if v.check(a, r, p, d, e) {
			accepted++
		}
	}
	if accepted > 0 {
		v.Align(a, p)
	}
	return accepted
}

// Batch records where the regions of one search are in a buffer.
type Batch struct {
	Offset int // number of candidates in the buffer before the batch
	Total  int

	regions []int // region indexes in append order
}

// Needs returns the number of queries, their total length and the number
// of candidates to append for the unverified regions.
func (v *Verifier) Needs(a *candidates.Arena, p *pattern.Pattern) (numQueries, totalLength, numCandidates int) {
	var untrimmed bool
	for i := range a.Regions {
		r := &a.Regions[i]
		if r.Status != candidates.Unverified {
			continue
		}
		numCandidates++
		if r.TrimLeft == 0 && r.TrimRight == 0 {
			untrimmed = true
			continue
		}
		numQueries++
		totalLength += p.Trimmed(r.TrimLeft, r.TrimRight).Len()
	}
	if untrimmed {
		numQueries++
		totalLength += p.Len()
	}
	return
}

// AddToBuffer appends all unverified regions and their queries to a buffer.
// Regions without trims share one query, each trimmed region has its own.
// If the regions do not fit, accel.ErrCapacity is returned and
// nothing is appended.
func (v *Verifier) AddToBuffer(a *candidates.Arena, p *pattern.Pattern, buf *accel.Buffer) (Batch, error) {
	batch := Batch{Offset: buf.NumCandidates()}

	numQueries, totalLength, numCandidates := v.Needs(a, p)
	if numCandidates == 0 {
		return batch, nil
	}
	if !buf.Fits(numQueries, totalLength, numCandidates) {
		return Batch{}, accel.ErrCapacity
	}

	batch.regions = make([]int, 0, numCandidates)
	var trimmed bool
	for i := range a.Regions {
		r := &a.Regions[i]
		if r.Status != candidates.Unverified {
			continue
		}
		if r.TrimLeft != 0 || r.TrimRight != 0 {
			trimmed = true
			continue
		}
		if len(batch.regions) == 0 {
			if err := buf.AppendQuery(p.BPM); err != nil {
				return Batch{}, err
			}
		}
		if err := buf.AppendCandidate(r.Begin, int(r.End-r.Begin)); err != nil {
			return Batch{}, err
		}
		batch.regions = append(batch.regions, i)
	}
	if trimmed {
		for i := range a.Regions {
			r := &a.Regions[i]
			if r.Status != candidates.Unverified || (r.TrimLeft == 0 && r.TrimRight == 0) {
				continue
			}
			if err := buf.AppendQuery(p.Trimmed(r.TrimLeft, r.TrimRight)); err != nil {
				return Batch{}, err
			}
			if err := buf.AppendCandidate(r.Begin, int(r.End-r.Begin)); err != nil {
				return Batch{}, err
			}
			batch.regions = append(batch.regions, i)
		}
	}
	batch.Total = len(batch.regions)
	v.Stats.Offloaded += batch.Total
	return batch, nil
}

// RetrieveFromBuffer reads the results of a batch from a completed buffer,
// and aligns the accepted regions if there are any.
// It returns the number of accepted regions.
func (v *Verifier) RetrieveFromBuffer(a *candidates.Arena, p *pattern.Pattern, buf *accel.Buffer, batch Batch) (int, error) {
	var accepted int
	for k, i := range batch.regions {
		d, e, err := buf.Result(batch.Offset + k)
		if err != nil {
			return accepted, err
		}
		if v.check(a, &a.Regions[i], p, d, e) {
			accepted++
		}
	}
	if accepted > 0 {
		v.Align(a, p)
	}
	return accepted, nil
}
