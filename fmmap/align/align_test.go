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

package align

import (
	"math/rand"
	"testing"

	"github.com/shenwei356/fmmap/fmmap/bpm"
)

func TestAlign(t *testing.T) {
	q := []byte("ACGTTGCA")
	s := []byte("TTACGTGCATT")

	algn := NewAligner(&AlignOptions{SaveAlignments: true, SaveMatrix: true})
	r := algn.Align(q, s)
	defer RecycleAlignResult(r)

	t.Logf("\n%s", r.Matrix)
	t.Logf("distance: %d, text: [%d, %d), cigar: %s", r.Distance, r.TBegin, r.TEnd, r.CIGARString())
	t.Logf("%s", r.AlignA)
	t.Logf("%s", r.AlignM)
	t.Logf("%s", r.AlignB)

	if r.Distance != 1 {
		t.Errorf("unexpected distance: %d", r.Distance)
	}
	if r.TBegin != 2 || r.TEnd != 9 {
		t.Errorf("unexpected text range: [%d, %d)", r.TBegin, r.TEnd)
	}
	if r.CIGARString() != "3=1I4=" {
		t.Errorf("unexpected cigar: %s", r.CIGARString())
	}
	if string(r.AlignA) != "ACGTTGCA" || string(r.AlignB) != "ACG-TGCA" {
		t.Errorf("unexpected alignment: %s vs %s", r.AlignA, r.AlignB)
	}
}

func TestAlignDistanceEqualsBPM(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	randSeq := func(n int) []byte {
		s := make([]byte, n)
		for i := range s {
			s[i] = "ACGT"[r.Intn(4)]
		}
		return s
	}

	algn := NewAligner(nil)
	for k := 0; k < 200; k++ {
		text := randSeq(20 + r.Intn(200))
		m := 1 + r.Intn(len(text))
		off := r.Intn(len(text) - m + 1)
		q := append([]byte{}, text[off:off+m]...)
		for e := r.Intn(m/8 + 1); e > 0; e-- {
			q[r.Intn(len(q))] = "ACGT"[r.Intn(4)]
		}
		if k%5 == 0 {
			q = randSeq(m)
		}

		res := algn.Align(q, text)
		d, end := bpm.NewPattern(q).Distance(text)
		if res.Distance != d || res.TEnd != end {
			t.Errorf("case %d: aligner (%d, end %d) != bpm (%d, end %d)", k, res.Distance, res.TEnd, d, end)
		}

		// the edit script consumes the whole query and the aligned text
		var nq, nt, edits int
		for _, op := range res.CIGAR {
			switch op.Op {
			case '=':
				nq += op.N
				nt += op.N
			case 'X':
				nq += op.N
				nt += op.N
				edits += op.N
			case 'I':
				nq += op.N
				edits += op.N
			case 'D':
				nt += op.N
				edits += op.N
			}
		}
		if nq != len(q) || nt != res.TEnd-res.TBegin || edits != res.Distance {
			t.Errorf("case %d: cigar %s does not fit: query %d/%d, text %d/%d, edits %d/%d",
				k, res.CIGARString(), nq, len(q), nt, res.TEnd-res.TBegin, edits, res.Distance)
		}
		RecycleAlignResult(res)
	}
}

func TestExactResult(t *testing.T) {
	r := NewExactResult([]byte("ACGT"), 3)
	defer RecycleAlignResult(r)
	if r.Distance != 0 || r.TBegin != 3 || r.TEnd != 7 || r.CIGARString() != "4=" {
		t.Errorf("unexpected result: %+v", r)
	}
}
