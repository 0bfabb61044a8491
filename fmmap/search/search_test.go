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
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/fmmap/fmmap/accel"
	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
	"github.com/shenwei356/fmmap/fmmap/fmindex"
)

var comp = map[byte]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A'}

func revcom(s []byte) []byte {
	r, _ := seq.NewSeqWithoutValidation(seq.DNAredundant, append([]byte{}, s...))
	return r.RevComInplace().Seq
}

func mutate(s []byte, positions ...int) []byte {
	s = append([]byte{}, s...)
	for _, i := range positions {
		s[i] = comp[s[i]]
	}
	return s
}

func testSeqs(seed int64) []fmindex.Sequence {
	r := rand.New(rand.NewSource(seed))
	seqs := make([]fmindex.Sequence, 3)
	for i := range seqs {
		s := make([]byte, 3000)
		for j := range s {
			s[j] = "ACGT"[r.Intn(4)]
		}
		seqs[i] = fmindex.Sequence{Name: fmt.Sprintf("seq%d", i), Seq: s}
	}
	return seqs
}

func testIndex(t *testing.T, seqs []fmindex.Sequence, complement bool) *fmindex.FMIndex {
	idx, err := fmindex.Build(seqs, &fmindex.BuildOptions{SamplingRate: 8, IndexComplement: complement, NumCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func equalStates(a, b []StrandState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStrandController(t *testing.T) {
	seqs := testSeqs(1)
	idx := testIndex(t, seqs, false)

	short := DefaultSearchOptions
	short.MaxError = 4

	tests := []struct {
		name   string
		query  []byte
		opt    SearchOptions
		states []StrandState
		hit    Hit
	}{
		{
			"forward", mutate(seqs[1].Seq[1000:1150], 20, 75, 130), DefaultSearchOptions,
			[]StrandState{ForwardPartial, ReverseFull, Done},
			Hit{Name: "seq1", Source: 1, Begin: 1000, End: 1150, Strand: '+', Distance: 3},
		},
		{
			"reverse", revcom(mutate(seqs[2].Seq[500:620], 40, 90)), DefaultSearchOptions,
			[]StrandState{ForwardPartial, ReverseFull, Done},
			Hit{Name: "seq2", Source: 2, Begin: 500, End: 620, Strand: '-', Distance: 2},
		},
		{
			"resumed", seqs[0].Seq[200:240], short,
			[]StrandState{ForwardPartial, ReverseFull, ForwardResumed, Done},
			Hit{Name: "seq0", Source: 0, Begin: 200, End: 240, Strand: '+', Distance: 0},
		},
	}

	for _, test := range tests {
		s, err := NewSearcher(idx, &test.opt)
		if err != nil {
			t.Fatal(err)
		}
		r, err := s.Search(test.name, test.query)
		if err != nil {
			t.Fatal(err)
		}
		if !equalStates(r.States, test.states) {
			t.Errorf("%s: unexpected states: %v, expected %v", test.name, r.States, test.states)
		}
		if len(r.Hits) != 1 {
			t.Errorf("%s: unexpected hits: %d", test.name, len(r.Hits))
			RecycleResult(r)
			continue
		}
		h := r.Hits[0]
		if h.Name != test.hit.Name || h.Source != test.hit.Source || h.Begin != test.hit.Begin ||
			h.End != test.hit.End || h.Strand != test.hit.Strand || h.Distance != test.hit.Distance {
			t.Errorf("%s: unexpected hit: %+v", test.name, h)
		}
		RecycleResult(r)
	}
}

func TestForwardOnly(t *testing.T) {
	seqs := testSeqs(2)
	idx := testIndex(t, seqs, true)
	s, err := NewSearcher(idx, nil)
	if err != nil {
		t.Fatal(err)
	}

	// reverse strand hits come from the reverse complement sequences
	r, err := s.Search("q", revcom(seqs[0].Seq[100:200]))
	if err != nil {
		t.Fatal(err)
	}
	if !equalStates(r.States, []StrandState{ForwardOnly, Done}) {
		t.Errorf("unexpected states: %v", r.States)
	}
	if len(r.Hits) != 1 || r.Hits[0].Strand != '-' || r.Hits[0].Begin != 100 || r.Hits[0].End != 200 {
		t.Errorf("unexpected hits: %+v", r.Hits)
	}
	RecycleResult(r)

	// palindromes are searched once
	idx = testIndex(t, seqs, false)
	s, _ = NewSearcher(idx, nil)
	half := seqs[1].Seq[300:340]
	p := append(append([]byte{}, half...), revcom(half)...)
	r, err = s.Search("palindrome", p)
	if err != nil {
		t.Fatal(err)
	}
	if !equalStates(r.States, []StrandState{ForwardOnly, Done}) {
		t.Errorf("unexpected states: %v", r.States)
	}
	RecycleResult(r)
}

func TestMaxDifferencesTightened(t *testing.T) {
	seqs := testSeqs(3)
	idx := testIndex(t, seqs, false)
	s, _ := NewSearcher(idx, nil)

	r, err := s.Search("q", seqs[2].Seq[2000:2150])
	if err != nil {
		t.Fatal(err)
	}
	if r.MaxDifferences != DefaultSearchOptions.CompleteStrataAfterBest {
		t.Errorf("unexpected max differences: %d", r.MaxDifferences)
	}
	if len(r.Hits) != 1 || r.Hits[0].CIGAR != "150=" {
		t.Errorf("unexpected hits: %+v", r.Hits)
	}
	RecycleResult(r)
}

type summary struct {
	name string
	hits string
}

func summarize(r *Result) summary {
	var b strings.Builder
	for _, h := range r.Hits {
		fmt.Fprintf(&b, "%s:%d-%d:%c:%d:%s;", h.Name, h.Begin, h.End, h.Strand, h.Distance, h.CIGAR)
	}
	return summary{r.Name, b.String()}
}

func testQueries(seqs []fmindex.Sequence, n int) [][]byte {
	r := rand.New(rand.NewSource(9))
	queries := make([][]byte, n)
	for i := range queries {
		s := seqs[r.Intn(len(seqs))].Seq
		m := 80 + r.Intn(100)
		begin := r.Intn(len(s) - m)
		q := append([]byte{}, s[begin:begin+m]...)
		for e := r.Intn(4); e > 0; e-- {
			j := r.Intn(m)
			q[j] = comp[q[j]]
		}
		if r.Intn(2) == 0 {
			q = revcom(q)
		}
		if i%7 == 0 { // no hits
			for j := range q {
				q[j] = "ACGT"[r.Intn(4)]
			}
		}
		queries[i] = q
	}
	return queries
}

func newPool(t *testing.T, idx *fmindex.FMIndex, opt accel.PoolOptions) *accel.Pool {
	devices := []accel.Device{
		accel.NewHostDevice(0, accel.HostDeviceOptions{Arch: accel.ArchAmpere, Memory: 1 << 20, Performance: 2}),
		accel.NewHostDevice(1, accel.HostDeviceOptions{Arch: accel.ArchHopper, Memory: 1 << 20, Performance: 1}),
	}
	pool, err := accel.NewPool(devices, &opt, twobit.Pack(idx.Text()), idx.Payload())
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func TestPipelineEqualsCPU(t *testing.T) {
	seqs := testSeqs(4)
	idx := testIndex(t, seqs, false)
	queries := testQueries(seqs, 40)

	cpu, _ := NewSearcher(idx, nil)
	expected := make([]summary, len(queries))
	for i, q := range queries {
		r, err := cpu.Search(fmt.Sprintf("q%d", i), q)
		if err != nil {
			t.Fatal(err)
		}
		expected[i] = summarize(r)
		RecycleResult(r)
	}

	popt := accel.DefaultPoolOptions
	popt.NumBuffers = 3
	popt.MaxBytesPerBuffer = 8 << 10
	pool := newPool(t, idx, popt)
	defer pool.Destroy()

	var diag bytes.Buffer
	opt := DefaultSearchOptions
	opt.Diagnostic = &diag
	s, _ := NewSearcher(idx, &opt)

	got := make([]summary, 0, len(queries))
	pl, err := NewPipeline(s, pool.Buffers(), func(r *Result) error {
		got = append(got, summarize(r))
		RecycleResult(r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, q := range queries {
		if err = pl.Add(fmt.Sprintf("q%d", i), q); err != nil {
			t.Fatal(err)
		}
	}
	if err = pl.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(got) != len(expected) {
		t.Fatalf("unexpected number of results: %d", len(got))
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Errorf("query %d: buffered %+v, cpu %+v", i, got[i], expected[i])
		}
	}
	if s.VerifyStats().Offloaded == 0 {
		t.Errorf("no regions offloaded")
	}
	if !strings.HasPrefix(diag.String(), "q") {
		t.Errorf("unexpected diagnostic output: %q", diag.String())
	}
}

func TestPipelineOversized(t *testing.T) {
	seqs := testSeqs(5)
	copy(seqs[2].Seq[2000:2100], seqs[0].Seq[100:200])
	idx := testIndex(t, seqs, false)

	popt := accel.DefaultPoolOptions
	popt.NumBuffers = 2
	popt.CandidatesPerQuery = 1
	popt.MaxBytesPerBuffer = accel.MinBytesPerBuffer(popt.AverageQueryLength, popt.CandidatesPerQuery)
	pool := newPool(t, idx, popt)
	defer pool.Destroy()

	s, _ := NewSearcher(idx, nil)
	var results []summary
	pl, _ := NewPipeline(s, pool.Buffers(), func(r *Result) error {
		results = append(results, summarize(r))
		RecycleResult(r)
		return nil
	})

	queries := [][]byte{
		seqs[1].Seq[500:600],
		seqs[0].Seq[100:200], // two copies
		seqs[1].Seq[1500:1600],
	}
	for i, q := range queries {
		if err := pl.Add(fmt.Sprintf("q%d", i), q); err != nil {
			t.Fatal(err)
		}
	}
	if err := pl.Flush(); err != nil {
		t.Fatal(err)
	}

	if pl.Oversized != 1 {
		t.Errorf("unexpected oversized queries: %d", pl.Oversized)
	}
	if len(results) != 3 || results[0].name != "q0" || results[1].name != "q1" || results[2].name != "q2" {
		t.Errorf("unexpected results: %+v", results)
	}
	if len(results) == 3 && results[1].hits != "seq0:100-200:+:0:100=;seq2:2000-2100:+:0:100=;" {
		t.Errorf("unexpected hits: %s", results[1].hits)
	}
}

func TestCheckSearchOptions(t *testing.T) {
	opt := DefaultSearchOptions
	if err := CheckSearchOptions(&opt); err != nil || opt.NeighborhoodStep != 6 {
		t.Errorf("unexpected: %v, step %d", err, opt.NeighborhoodStep)
	}
	opt.MinSeedLength = 0
	if err := CheckSearchOptions(&opt); err == nil {
		t.Errorf("error expected")
	}
}
