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

package pattern

import "testing"

func TestErrors(t *testing.T) {
	tests := []struct {
		rate     float64
		length   int
		expected int
	}{
		{0, 100, 0},
		{0.04, 100, 4},
		{0.04, 101, 5},
		{0.1, 5, 1},
		{1, 100, 1},
		{3.7, 100, 3},
	}
	for _, test := range tests {
		if e := Errors(test.rate, test.length); e != test.expected {
			t.Errorf("Errors(%v, %d) = %d, expected %d", test.rate, test.length, e, test.expected)
		}
	}
}

func TestNew(t *testing.T) {
	p := New([]byte("acgtacgtac"), 20, 0.1)
	if string(p.Key) != "ACGTACGTAC" || p.Len() != 10 {
		t.Errorf("unexpected key: %s", p.Key)
	}
	if p.MaxError != 10 || p.MaxBandwidth != 10 {
		t.Errorf("unexpected error limits: %d, %d", p.MaxError, p.MaxBandwidth)
	}
}

func TestTrimmed(t *testing.T) {
	p := New([]byte("GATTACACCGTA"), 0.1, 0.2)
	if p.Trimmed(0, 0) != p.BPM {
		t.Errorf("untrimmed pattern expected")
	}

	tr := p.Trimmed(2, 3)
	if d, end := tr.Distance([]byte("TTACACC")); d != 0 || end != 7 {
		t.Errorf("unexpected distance of the trimmed key: %d, end %d", d, end)
	}
	if p.Trimmed(2, 3) != tr {
		t.Errorf("trimmed pattern not reused")
	}
}
