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

// Package search runs approximate searches of queries on both strands,
// with candidates verified on the CPU or in accelerator buffers.
package search

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/fmmap/fmmap/candidates"
	"github.com/shenwei356/fmmap/fmmap/fmindex"
	"github.com/shenwei356/fmmap/fmmap/pattern"
	"github.com/shenwei356/fmmap/fmmap/verify"
	"github.com/shenwei356/go-logging"
)

var log = logging.MustGetLogger("fmmap")

// Index is what a search needs from the index.
type Index interface {
	fmindex.Accessor
	verify.Reference
	BackwardSearch(key []byte) (lo, hi uint64)
	IndexComplement() bool
}

// StrandState is the state of the strand controller of a query.
type StrandState uint8

const (
	NotStarted StrandState = iota
	ForwardPartial
	ReverseFull
	ForwardResumed
	ForwardOnly
	Done
)

func (s StrandState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case ForwardPartial:
		return "forward-partial"
	case ReverseFull:
		return "reverse-full"
	case ForwardResumed:
		return "forward-resumed"
	case ForwardOnly:
		return "forward-only"
	}
	return "done"
}

// Hit is a reported match, in coordinates of the input sequence.
type Hit struct {
	Name   string // name of the reference sequence
	Source int    // index of the reference sequence
	Begin  uint64 // 0-based
	End    uint64 // exclusive
	Strand byte   // '+' or '-'

	Distance int
	Matches  int
	CIGAR    string // of the query strand aligned
}

// Result is the result of a query.
type Result struct {
	Name string
	Len  int

	Hits []Hit

	// visited strand controller states
	States []StrandState
	// error limit after tightening
	MaxDifferences int
	// number of filtering regions of both strands
	Regions int
}

var poolResult = &sync.Pool{New: func() interface{} {
	return &Result{
		Hits:   make([]Hit, 0, 4),
		States: make([]StrandState, 0, 6),
	}
}}

// RecycleResult recycles a result.
func RecycleResult(r *Result) {
	if r != nil {
		poolResult.Put(r)
	}
}

// Query is a query in search.
type Query struct {
	Name string
	Seq  []byte // upper-case

	rc []byte

	forward strand
	reverse strand

	searchReverse  bool
	maxDifferences int
	state          StrandState
	states         []StrandState

	// buffered search
	batches [2]verify.Batch
	copied  bool
}

var poolQuery = &sync.Pool{New: func() interface{} {
	return &Query{states: make([]StrandState, 0, 6)}
}}

func (q *Query) setState(s StrandState) {
	q.state = s
	q.states = append(q.states, s)
}

func (q *Query) maxMatchesReached(max int) bool {
	return max > 0 && len(q.forward.matches)+len(q.reverse.matches) >= max
}

// Searcher searches queries. It is not safe for concurrent use,
// use one Searcher per goroutine with a shared index.
type Searcher struct {
	idx Index
	opt SearchOptions

	decoder  *candidates.Decoder
	verifier *verify.Verifier
}

// NewSearcher returns a Searcher.
func NewSearcher(idx Index, opt *SearchOptions) (*Searcher, error) {
	if opt == nil {
		opt = &DefaultSearchOptions
	}
	o := *opt
	if err := CheckSearchOptions(&o); err != nil {
		return nil, err
	}
	return &Searcher{
		idx:      idx,
		opt:      o,
		decoder:  candidates.NewDecoder(idx),
		verifier: verify.NewVerifier(idx),
	}, nil
}

// Options returns the options in use.
func (s *Searcher) Options() SearchOptions { return s.opt }

// DecodeStats returns the decoding counters.
func (s *Searcher) DecodeStats() candidates.DecodeStats { return s.decoder.Stats }

// VerifyStats returns the verification counters.
func (s *Searcher) VerifyStats() verify.Stats { return s.verifier.Stats }

// newQuery prepares the strands of a query.
func (s *Searcher) newQuery(name string, sequence []byte) (*Query, error) {
	q := poolQuery.Get().(*Query)
	q.Name = name
	q.Seq = append(q.Seq[:0], bytes.ToUpper(sequence)...)
	q.states = q.states[:0]
	q.state = NotStarted
	q.copied = false
	q.maxDifferences = min(pattern.Errors(s.opt.MaxError, len(q.Seq)), len(q.Seq))

	q.searchReverse = false
	q.rc = q.rc[:0]
	if !s.idx.IndexComplement() {
		rs, err := seq.NewSeqWithoutValidation(seq.DNAredundant, append(q.rc[:0], q.Seq...))
		if err != nil {
			return nil, fmt.Errorf("search: reverse complement of %s: %s", name, err)
		}
		q.rc = rs.RevComInplace().Seq
		// palindromes have the same hits on both strands
		q.searchReverse = !bytes.Equal(q.rc, q.Seq)
	}

	q.forward.reset(q, q.Seq, false)
	q.reverse.reset(q, q.rc, true)
	return q, nil
}

func (s *Searcher) releaseQuery(q *Query) {
	q.forward.release()
	q.reverse.release()
	poolQuery.Put(q)
}

// Search searches a query on the CPU.
// Please remember to recycle the result with RecycleResult.
func (s *Searcher) Search(name string, sequence []byte) (*Result, error) {
	q, err := s.newQuery(name, sequence)
	if err != nil {
		return nil, err
	}
	defer s.releaseQuery(q)

	if err = s.control(q); err != nil {
		return nil, err
	}
	return s.result(q), nil
}

// control runs the strand controller from wherever the query is.
func (s *Searcher) control(q *Query) error {
	fwd, rev := &q.forward, &q.reverse

	if !q.searchReverse {
		if q.state == NotStarted {
			q.setState(ForwardOnly)
		}
		if err := s.run(fwd, StageEnd); err != nil {
			return err
		}
		q.setState(Done)
		return nil
	}

	if q.state == NotStarted {
		stop := StageEnd
		if s.opt.ProbeStrand && s.opt.CompleteStrataAfterBest < q.maxDifferences {
			stop = StageNeighborhood
		}
		q.setState(ForwardPartial)
		if err := s.run(fwd, stop); err != nil {
			return err
		}
	}

	if !q.maxMatchesReached(s.opt.MaxMatches) {
		if q.state != ReverseFull {
			q.setState(ReverseFull)
		}
		if err := s.run(rev, StageEnd); err != nil {
			return err
		}
		if fwd.stage != StageEnd && !q.maxMatchesReached(s.opt.MaxMatches) {
			q.setState(ForwardResumed)
			if err := s.run(fwd, StageEnd); err != nil {
				return err
			}
		}
	}
	q.setState(Done)
	return nil
}

type hitKey struct {
	seqID   int
	reverse bool
	end     uint64
}

// result converts the matches of both strands into hits.
func (s *Searcher) result(q *Query) *Result {
	r := poolResult.Get().(*Result)
	r.Name = q.Name
	r.Len = len(q.Seq)
	r.Hits = r.Hits[:0]
	r.States = append(r.States[:0], q.states...)
	r.MaxDifferences = q.maxDifferences
	r.Regions = len(q.forward.arena.Regions) + len(q.reverse.arena.Regions)

	seen := make(map[hitKey]int, len(q.forward.matches)+len(q.reverse.matches))
	for _, st := range []*strand{&q.forward, &q.reverse} {
		for i := range st.matches {
			m := &st.matches[i]
			if m.Distance > q.maxDifferences {
				continue
			}
			h := Hit{
				Name:     m.Interval.Name,
				Source:   m.Interval.Source,
				Begin:    m.Begin(),
				End:      m.End(),
				Strand:   '+',
				Distance: m.Distance,
				Matches:  m.Matches,
				CIGAR:    m.CIGAR,
			}
			if m.Interval.RC {
				h.Begin, h.End = m.Interval.Len()-h.End, m.Interval.Len()-h.Begin
			}
			if st.reverse != m.Interval.RC {
				h.Strand = '-'
			}

			// overlapping windows may report one alignment more than once
			k := hitKey{seqID: m.Interval.SeqID, reverse: st.reverse, end: m.TextEnd}
			if j, ok := seen[k]; ok {
				if h.Distance < r.Hits[j].Distance {
					r.Hits[j] = h
				}
				continue
			}
			seen[k] = len(r.Hits)
			r.Hits = append(r.Hits, h)
		}
	}

	slices.SortFunc(r.Hits, func(a, b Hit) int {
		return cmpOr(
			cmp.Compare(a.Distance, b.Distance),
			cmp.Compare(a.Source, b.Source),
			cmp.Compare(a.Begin, b.Begin),
			cmp.Compare(a.Strand, b.Strand),
		)
	})
	return r
}

// cmpOr returns the first of its arguments that is not equal to the zero
// value, or zero otherwise (equivalent to cmp.Or from Go 1.22).
func cmpOr(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
