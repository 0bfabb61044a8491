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
	"fmt"

	"github.com/shenwei356/fmmap/fmmap/accel"
	"github.com/shenwei356/fmmap/fmmap/candidates"
)

func (q *Query) strands() []*strand {
	if q.searchReverse {
		return []*strand{&q.forward, &q.reverse}
	}
	return []*strand{&q.forward}
}

// GenerateCandidates starts a buffered search of a query: the regions of
// the exact seeds of the strands to search are composed and left for
// verification in a buffer.
// The query must be finished with FinishSearch.
func (s *Searcher) GenerateCandidates(name string, sequence []byte) (*Query, error) {
	q, err := s.newQuery(name, sequence)
	if err != nil {
		return nil, err
	}
	if q.searchReverse {
		q.setState(ForwardPartial)
	} else {
		q.setState(ForwardOnly)
	}

	for _, st := range q.strands() {
		for st.stage < StageNeighborhood && !st.pending {
			if err = s.generate(st); err != nil {
				s.releaseQuery(q)
				return nil, err
			}
		}
	}
	return q, nil
}

// CopyCandidates appends the pending regions of both strands to a buffer.
// If they do not fit, accel.ErrCapacity is returned and nothing is appended.
func (s *Searcher) CopyCandidates(q *Query, buf *accel.Buffer) error {
	var numQueries, totalLength, numCandidates int
	for _, st := range q.strands() {
		if !st.pending {
			continue
		}
		a, b, c := s.verifier.Needs(st.arena, st.p)
		numQueries += a
		totalLength += b
		numCandidates += c
	}
	if numCandidates > 0 && !buf.Fits(numQueries, totalLength, numCandidates) {
		return accel.ErrCapacity
	}

	var err error
	for i, st := range q.strands() {
		if !st.pending {
			continue
		}
		if s.opt.Diagnostic != nil {
			s.printCandidates(q, st)
		}
		if q.batches[i], err = s.verifier.AddToBuffer(st.arena, st.p, buf); err != nil {
			return err
		}
	}
	q.copied = true
	return nil
}

func (s *Searcher) printCandidates(q *Query, st *strand) {
	sign := '+'
	if st.reverse {
		sign = '-'
	}
	for i := range st.arena.Regions {
		r := &st.arena.Regions[i]
		if r.Status != candidates.Unverified {
			continue
		}
		fmt.Fprintf(s.opt.Diagnostic, "%s\t%c\t%d\t%d\t%d\t%d\t%d\n",
			q.Name, sign, r.SequenceID, r.Begin, r.End, r.TrimLeft, r.TrimRight)
	}
}

// RetrieveCandidates reads the verification results of a query from a
// completed buffer.
func (s *Searcher) RetrieveCandidates(q *Query, buf *accel.Buffer) error {
	if !q.copied {
		return nil
	}
	for i, st := range q.strands() {
		if !st.pending {
			continue
		}
		if _, err := s.verifier.RetrieveFromBuffer(st.arena, st.p, buf, q.batches[i]); err != nil {
			return err
		}
		s.collect(st)
	}
	q.copied = false
	return nil
}

// FinishSearch runs the remaining stages on the CPU and returns the result.
// Regions not verified in a buffer are verified on the CPU.
// Please remember to recycle the result with RecycleResult.
func (s *Searcher) FinishSearch(q *Query) (*Result, error) {
	defer s.releaseQuery(q)

	for _, st := range q.strands() {
		if st.pending {
			s.verifyLocal(st)
		}
	}
	if err := s.control(q); err != nil {
		return nil, err
	}
	return s.result(q), nil
}

// Pipeline searches queries of one goroutine with its own buffers.
// Buffers are filled with many queries and submitted in turn, the oldest
// one in flight is waited for only when its buffer is needed again.
// Results are passed to the callback in the input order.
type Pipeline struct {
	s       *Searcher
	buffers []*accel.Buffer
	out     func(*Result) error

	queries  [][]*Query // queries in each buffer
	inflight []int      // submitted buffers, oldest first
	cur      int        // buffer in filling

	// queries not fitting an empty buffer
	Oversized int
}

// NewPipeline creates a pipeline. out receives every result, and the
// result should be recycled there.
func NewPipeline(s *Searcher, buffers []*accel.Buffer, out func(*Result) error) (*Pipeline, error) {
	if len(buffers) == 0 {
		return nil, fmt.Errorf("search: no buffers for the pipeline")
	}
	return &Pipeline{
		s:       s,
		buffers: buffers,
		out:     out,
		queries: make([][]*Query, len(buffers)),
	}, nil
}

// Add searches a query.
func (pl *Pipeline) Add(name string, sequence []byte) error {
	q, err := pl.s.GenerateCandidates(name, sequence)
	if err != nil {
		return err
	}

	for {
		b := pl.buffers[pl.cur]
		err = pl.s.CopyCandidates(q, b)
		if err == nil {
			pl.queries[pl.cur] = append(pl.queries[pl.cur], q)
			return nil
		}
		if err != accel.ErrCapacity {
			pl.s.releaseQuery(q)
			return err
		}

		if len(pl.queries[pl.cur]) == 0 {
			// earlier queries go out first
			if err = pl.drain(); err != nil {
				pl.s.releaseQuery(q)
				return err
			}
			log.Debugf("query %s: too many candidates for a buffer, verified on CPU", q.Name)
			pl.Oversized++
			r, err := pl.s.FinishSearch(q)
			if err != nil {
				return err
			}
			return pl.out(r)
		}

		if err = pl.submit(); err != nil {
			pl.s.releaseQuery(q)
			return err
		}
	}
}

// submit submits the current buffer and moves to the next one,
// waiting for it if it is in flight.
func (pl *Pipeline) submit() error {
	if err := pl.buffers[pl.cur].Submit(); err != nil {
		return err
	}
	pl.inflight = append(pl.inflight, pl.cur)

	pl.cur = (pl.cur + 1) % len(pl.buffers)
	for len(pl.inflight) > 0 && pl.buffers[pl.cur].State() == accel.StateSubmitted {
		if err := pl.complete(); err != nil {
			return err
		}
	}
	return nil
}

// complete waits for the oldest buffer in flight and finishes its queries.
func (pl *Pipeline) complete() error {
	i := pl.inflight[0]
	pl.inflight = pl.inflight[1:]
	b := pl.buffers[i]

	if err := b.Await(); err != nil {
		return err
	}
	for _, q := range pl.queries[i] {
		if err := pl.s.RetrieveCandidates(q, b); err != nil {
			return err
		}
		r, err := pl.s.FinishSearch(q)
		if err != nil {
			return err
		}
		if err = pl.out(r); err != nil {
			return err
		}
	}
	pl.queries[i] = pl.queries[i][:0]
	return b.Clear()
}

func (pl *Pipeline) drain() error {
	for len(pl.inflight) > 0 {
		if err := pl.complete(); err != nil {
			return err
		}
	}
	return nil
}

// Flush submits the last buffer and waits for all queries.
func (pl *Pipeline) Flush() error {
	if len(pl.queries[pl.cur]) > 0 {
		if err := pl.buffers[pl.cur].Submit(); err != nil {
			return err
		}
		pl.inflight = append(pl.inflight, pl.cur)
		pl.cur = (pl.cur + 1) % len(pl.buffers)
	}
	return pl.drain()
}
