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

package search

import (
	"github.com/shenwei356/fmmap/fmmap/candidates"
	"github.com/shenwei356/fmmap/fmmap/pattern"
	"github.com/shenwei356/fmmap/fmmap/verify"
)

// Stage is the next stage of the search of one strand.
type Stage uint8

const (
	StageBegin Stage = iota
	StageExactSeeds
	StageNeighborhood
	StageEnd
)

func (s Stage) String() string {
	switch s {
	case StageBegin:
		return "begin"
	case StageExactSeeds:
		return "exact-seeds"
	case StageNeighborhood:
		return "neighborhood"
	}
	return "end"
}

// strand is the search state of one strand of a query.
type strand struct {
	q       *Query
	reverse bool

	key   []byte
	p     *pattern.Pattern
	arena *candidates.Arena

	stage Stage
	// regions of the current stage are composed but not verified yet
	pending bool
	// the exact stage finds every match within the error limit
	complete bool

	matches []verify.Match
}

func (st *strand) reset(q *Query, key []byte, reverse bool) {
	st.q = q
	st.reverse = reverse
	st.key = key
	st.p = nil
	if st.arena == nil {
		st.arena = candidates.GetArena()
	} else {
		st.arena.Reset()
	}
	st.stage = StageBegin
	st.pending = false
	st.complete = false
	st.matches = st.matches[:0]
}

func (st *strand) release() {
	candidates.RecycleArena(st.arena)
	st.arena = nil
	st.p = nil
	st.q = nil
}

// run runs the stages until the stop stage or the end.
func (s *Searcher) run(st *strand, stop Stage) error {
	for st.stage < stop && st.stage != StageEnd {
		if err := s.generate(st); err != nil {
			return err
		}
		if st.pending {
			s.verifyLocal(st)
		}
	}
	return nil
}

// generate runs the candidate generation of the next stage: seeding,
// decoding and composing regions, which are then left for verification.
func (s *Searcher) generate(st *strand) error {
	switch st.stage {
	case StageBegin:
		st.p = pattern.New(st.key, s.opt.MaxError, s.opt.MaxBandwidth)
		if st.p.MaxError > st.q.maxDifferences {
			st.p.MaxError = st.q.maxDifferences
		}
		st.stage = StageExactSeeds
		if st.p.Len() == 0 {
			st.stage = StageEnd
		}
		return nil
	case StageExactSeeds:
		st.complete = s.exactSeeds(st)
	case StageNeighborhood:
		s.neighborhoodSeeds(st)
	default:
		return nil
	}

	a := st.arena
	if len(a.Positions) > 0 {
		if err := s.decoder.DecodePositions(a.Positions, a.Seeds, st.p); err != nil {
			return err
		}
		tolerance := s.opt.DeltaTolerance
		if tolerance == 0 {
			tolerance = st.p.MaxBandwidth
		}
		candidates.ComposeRegions(a, st.p.Len(), uint64(tolerance), s.opt.Scaffold)
	}
	st.pending = true
	return nil
}

// verifyLocal verifies the pending regions on the CPU.
func (s *Searcher) verifyLocal(st *strand) {
	s.verifier.VerifyLocal(st.arena, st.p)
	s.collect(st)
}

// collect takes the new matches of the verifier, tightens the error limit
// and moves the strand to the next stage.
func (s *Searcher) collect(st *strand) {
	st.matches = append(st.matches, s.verifier.Matches...)
	s.verifier.Reset()
	st.pending = false

	q := st.q
	for i := range st.matches {
		if st.matches[i].Distance+s.opt.CompleteStrataAfterBest < q.maxDifferences {
			q.maxDifferences = st.matches[i].Distance + s.opt.CompleteStrataAfterBest
		}
	}
	for _, other := range []*strand{&q.forward, &q.reverse} {
		if other.p != nil && other.p.MaxError > q.maxDifferences {
			other.p.MaxError = q.maxDifferences
		}
	}

	switch st.stage {
	case StageExactSeeds:
		st.stage = StageNeighborhood
		if st.complete {
			st.stage = StageEnd
		}
	case StageNeighborhood:
		st.stage = StageEnd
	}
	if q.maxMatchesReached(s.opt.MaxMatches) {
		st.stage = StageEnd
	}
}

// exactSeeds adds candidates of the pigeonhole seeds: maxError+1 disjoint
// seeds of which at least one matches exactly if the query matches.
// It returns true if no seed was too short or skipped.
func (s *Searcher) exactSeeds(st *strand) bool {
	a := st.arena
	key := st.p.Key
	n := st.p.MaxError + 1
	complete := true
	if len(key)/n < s.opt.MinSeedLength {
		n = max(1, len(key)/s.opt.MinSeedLength)
		complete = n == st.p.MaxError+1
	}

	seedLen := len(key) / n
	var begin, end int
	var lo, hi uint64
	for i := 0; i < n; i++ {
		begin = i * seedLen
		end = begin + seedLen
		if i == n-1 {
			end = len(key)
		}
		lo, hi = s.idx.BackwardSearch(key[begin:end])
		if lo >= hi {
			continue
		}
		if hi-lo > uint64(s.opt.MaxSeedOccurrences) {
			complete = false
			continue
		}
		a.AddCandidates(a.AddSeed(candidates.SeedRegion{KeyBegin: begin, KeyEnd: end, Lo: lo, Hi: hi}))
	}
	return complete
}

// neighborhoodSeeds adds candidates of overlapping seeds shifted along the key.
func (s *Searcher) neighborhoodSeeds(st *strand) {
	a := st.arena
	key := st.p.Key
	seedLen := min(s.opt.MinSeedLength, len(key))
	var lo, hi uint64
	for begin := 0; begin+seedLen <= len(key); begin += s.opt.NeighborhoodStep {
		lo, hi = s.idx.BackwardSearch(key[begin : begin+seedLen])
		if lo >= hi {
			continue
		}
		a.AddCandidates(a.AddSeed(candidates.SeedRegion{KeyBegin: begin, KeyEnd: begin + seedLen, Lo: lo, Hi: hi}))
	}
}
