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
	"math/rand"
	"testing"

	"github.com/shenwei356/fmmap/fmmap/accel"
	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
	"github.com/shenwei356/fmmap/fmmap/candidates"
	"github.com/shenwei356/fmmap/fmmap/fmindex"
	"github.com/shenwei356/fmmap/fmmap/pattern"
)

var comp = map[byte]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A'}

func testIndex(t *testing.T) (*fmindex.FMIndex, []fmindex.Sequence) {
	r := rand.New(rand.NewSource(11))
	seqs := make([]fmindex.Sequence, 3)
	for i := range seqs {
		s := make([]byte, 2000)
		for j := range s {
			s[j] = "ACGT"[r.Intn(4)]
		}
		seqs[i] = fmindex.Sequence{Name: "seq" + string(rune('A'+i)), Seq: s}
	}
	idx, err := fmindex.Build(seqs, &fmindex.BuildOptions{SamplingRate: 8, NumCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	return idx, seqs
}

func prepare(t *testing.T, idx *fmindex.FMIndex, p *pattern.Pattern, seedLen int, scaffold bool) *candidates.Arena {
	a := candidates.NewArena()
	for b := 0; b+seedLen <= p.Len(); b += seedLen {
		lo, hi := idx.BackwardSearch(p.Key[b : b+seedLen])
		if lo >= hi {
			continue
		}
		s := a.AddSeed(candidates.SeedRegion{KeyBegin: b, KeyEnd: b + seedLen, Lo: lo, Hi: hi})
		a.AddCandidates(s)
	}
	if err := candidates.NewDecoder(idx).DecodePositions(a.Positions, a.Seeds, p); err != nil {
		t.Fatal(err)
	}
	candidates.ComposeRegions(a, p.Len(), uint64(p.MaxBandwidth), scaffold)
	return a
}

func newPool(t *testing.T, idx *fmindex.FMIndex, opt accel.PoolOptions) *accel.Pool {
	dev := accel.NewHostDevice(0, accel.HostDeviceOptions{Arch: accel.ArchAmpere, Memory: 4 << 20})
	pool, err := accel.NewPool([]accel.Device{dev}, &opt, twobit.Pack(idx.Text()), idx.Payload())
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func offload(t *testing.T, v *Verifier, a *candidates.Arena, p *pattern.Pattern, buf *accel.Buffer) int {
	batch, err := v.AddToBuffer(a, p, buf)
	if err != nil {
		t.Fatal(err)
	}
	if err = buf.Submit(); err != nil {
		t.Fatal(err)
	}
	if err = buf.Await(); err != nil {
		t.Fatal(err)
	}
	accepted, err := v.RetrieveFromBuffer(a, p, buf, batch)
	if err != nil {
		t.Fatal(err)
	}
	buf.Clear()
	return accepted
}

type testCase struct {
	name     string
	query    []byte
	seedLen  int
	seqID    int
	begin    uint64
	end      uint64
	distance int
	cigar    string
}

func cases(seqs []fmindex.Sequence) []testCase {
	q1 := append([]byte{}, seqs[1].Seq[500:600]...)
	q1[30] = comp[q1[30]]
	q1[70] = comp[q1[70]]

	q2 := append([]byte("GGGG"), seqs[0].Seq[0:60]...)

	q3 := append([]byte{}, seqs[2].Seq[1000:1080]...)

	return []testCase{
		{"substitutions", q1, 20, 1, 500, 600, 2, "30=1X39=1X29="},
		{"trimmed", q2, 20, 0, 0, 60, 0, "4S60="},
		{"exact", q3, 80, 2, 1000, 1080, 0, "80="},
	}
}

func checkMatches(t *testing.T, name string, v *Verifier, c testCase) {
	if len(v.Matches) != 1 {
		t.Errorf("%s: unexpected matches: %d", name, len(v.Matches))
		return
	}
	m := v.Matches[0]
	if m.Interval.SeqID != c.seqID || m.Begin() != c.begin || m.End() != c.end ||
		m.Distance != c.distance || m.CIGAR != c.cigar {
		t.Errorf("%s: unexpected match: seq %d [%d, %d), distance %d, cigar %s",
			name, m.Interval.SeqID, m.Begin(), m.End(), m.Distance, m.CIGAR)
	}
}

func TestVerifyLocal(t *testing.T) {
	idx, seqs := testIndex(t)
	for _, c := range cases(seqs) {
		p := pattern.New(c.query, 0.05, 0.1)
		a := prepare(t, idx, p, c.seedLen, true)
		if len(a.Regions) != 1 {
			t.Errorf("%s: unexpected regions: %d", c.name, len(a.Regions))
			continue
		}

		v := NewVerifier(idx)
		if n := v.VerifyLocal(a, p); n != 1 {
			t.Errorf("%s: %d regions accepted", c.name, n)
		}
		checkMatches(t, c.name, v, c)

		if a.Regions[0].Status != candidates.Accepted {
			t.Errorf("%s: unexpected status: %s", c.name, a.Regions[0].Status)
		}
		if len(a.Verified) != 1 || a.Verified[0].Begin != a.Regions[0].Begin || a.Verified[0].End != a.Regions[0].End {
			t.Errorf("%s: verified regions not recorded: %v", c.name, a.Verified)
		}
		if v.Stats.Local != 1 {
			t.Errorf("%s: unexpected stats: %+v", c.name, v.Stats)
		}
	}
}

func TestVerifyBuffer(t *testing.T) {
	idx, seqs := testIndex(t)
	pool := newPool(t, idx, accel.DefaultPoolOptions)
	defer pool.Destroy()
	buf := pool.Buffers()[0]

	for _, c := range cases(seqs) {
		p := pattern.New(c.query, 0.05, 0.1)
		a := prepare(t, idx, p, c.seedLen, true)

		v := NewVerifier(idx)
		if n := offload(t, v, a, p, buf); n != 1 {
			t.Errorf("%s: %d regions accepted", c.name, n)
		}
		checkMatches(t, c.name, v, c)
		if v.Stats.Offloaded != 1 {
			t.Errorf("%s: unexpected stats: %+v", c.name, v.Stats)
		}
	}
}

func TestDiscarded(t *testing.T) {
	idx, seqs := testIndex(t)
	q := append([]byte{}, seqs[1].Seq[500:600]...)
	for _, i := range []int{25, 28, 33, 45, 50, 55, 65, 75, 88, 95} {
		q[i] = comp[q[i]]
	}
	p := pattern.New(q, 0.05, 0.1)
	a := prepare(t, idx, p, 20, false)
	if len(a.Regions) != 1 {
		t.Fatalf("unexpected regions: %d", len(a.Regions))
	}

	v := NewVerifier(idx)
	if n := v.VerifyLocal(a, p); n != 0 || len(v.Matches) != 0 {
		t.Errorf("unexpected accepted regions: %d", n)
	}
	if a.Regions[0].Status != candidates.Discarded || a.Regions[0].AlignDistance <= p.MaxError {
		t.Errorf("unexpected region: %+v", a.Regions[0])
	}
}

func TestAddToBufferCapacity(t *testing.T) {
	idx, seqs := testIndex(t)

	opt := accel.DefaultPoolOptions
	opt.NumBuffers = 1
	opt.CandidatesPerQuery = 1
	opt.MaxBytesPerBuffer = accel.MinBytesPerBuffer(opt.AverageQueryLength, opt.CandidatesPerQuery)
	pool := newPool(t, idx, opt)
	defer pool.Destroy()
	buf := pool.Buffers()[0]

	p := pattern.New(seqs[0].Seq[100:200], 0.05, 0.1)
	a := candidates.NewArena()
	a.Regions = append(a.Regions,
		candidates.Region{SequenceID: 0, Begin: 90, End: 210, KeyLength: 100},
		candidates.Region{SequenceID: 0, Begin: 1090, End: 1210, KeyLength: 100},
	)

	v := NewVerifier(idx)
	if _, err := v.AddToBuffer(a, p, buf); err != accel.ErrCapacity {
		t.Errorf("expected %v, got %v", accel.ErrCapacity, err)
	}
	if buf.NumQueries() != 0 || buf.NumCandidates() != 0 || v.Stats.Offloaded != 0 {
		t.Errorf("regions partly appended: %d queries, %d candidates", buf.NumQueries(), buf.NumCandidates())
	}

	// one region fits
	a.Regions = a.Regions[:1]
	if n := offload(t, v, a, p, buf); n != 1 || len(v.Matches) != 1 || v.Matches[0].Begin() != 100 {
		t.Errorf("unexpected result: %d accepted", n)
	}
}
