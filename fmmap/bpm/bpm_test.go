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

package bpm

import (
	"math/rand"
	"testing"
)

// semi-global edit distance with dynamic programming
func naive(p, t []byte) (int, int) {
	m := len(p)
	prev := make([]int, m+1)
	cur := make([]int, m+1)
	for i := 0; i <= m; i++ {
		prev[i] = i
	}
	best, end := m, 0
	for j := 1; j <= len(t); j++ {
		cur[0] = 0
		for i := 1; i <= m; i++ {
			sub := prev[i-1] + 1
			if base2code[p[i-1]] != 4 && base2code[p[i-1]] == base2code[t[j-1]] {
				sub = prev[i-1]
			}
			v := sub
			if prev[i]+1 < v {
				v = prev[i] + 1
			}
			if cur[i-1]+1 < v {
				v = cur[i-1] + 1
			}
			cur[i] = v
		}
		if cur[m] < best {
			best, end = cur[m], j
		}
		prev, cur = cur, prev
	}
	return best, end
}

func mutate(r *rand.Rand, s []byte, n int) []byte {
	s = append([]byte{}, s...)
	for i := 0; i < n && len(s) > 1; i++ {
		p := r.Intn(len(s))
		switch r.Intn(3) {
		case 0:
			s[p] = "ACGT"[r.Intn(4)]
		case 1:
			s = append(s[:p], s[p+1:]...)
		default:
			s = append(s[:p], append([]byte{"ACGT"[r.Intn(4)]}, s[p:]...)...)
		}
	}
	return s
}

func TestDistance(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	randSeq := func(n int) []byte {
		s := make([]byte, n)
		for i := range s {
			s[i] = "ACGT"[r.Intn(4)]
		}
		return s
	}

	for _, m := range []int{1, 5, 63, 64, 65, 128, 150, 300} {
		for k := 0; k < 20; k++ {
			text := randSeq(m + 40)
			var key []byte
			if k%2 == 0 {
				off := r.Intn(30)
				key = mutate(r, text[off:off+m], r.Intn(m/10+2))
			} else {
				key = randSeq(m)
			}

			p := NewPattern(key)
			d, e := p.Distance(text)
			d0, e0 := naive(key, text)
			if d != d0 || e != e0 {
				t.Errorf("m %d: distance %d end %d, expected %d end %d", m, d, e, d0, e0)
			}
		}
	}
}

func TestDistanceEdgeCases(t *testing.T) {
	tests := []struct {
		key, text string
		d, e      int
	}{
		{"ACGT", "", 4, 0},
		{"", "ACGT", 0, 0},
		{"ACGT", "TTACGTTT", 0, 6},
		{"ACGT", "TTACTTTT", 1, 5},
		{"ACNT", "ACNT", 1, 4},
		{"acgt", "ACGT", 0, 4},
	}
	for _, test := range tests {
		p := NewPattern([]byte(test.key))
		d, e := p.Distance([]byte(test.text))
		if d != test.d || e != test.e {
			t.Errorf("%s vs %s: (%d, %d), expected (%d, %d)", test.key, test.text, d, e, test.d, test.e)
		}
	}
}

func TestReset(t *testing.T) {
	p := NewPattern([]byte("ACGTACGTACGT"))
	p.Reset([]byte("GGG"))
	if p.Words() != 1 || p.Len() != 3 {
		t.Errorf("unexpected pattern after reset: %d words, length %d", p.Words(), p.Len())
	}
	if d, _ := p.Distance([]byte("ACGT")); d != 2 {
		t.Errorf("unexpected distance after reset: %d", d)
	}
}
