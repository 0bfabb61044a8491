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

package twobit

import (
	"bytes"
	"testing"
)

func TestPackUnpack(t *testing.T) {
	seqs := []string{
		"A",
		"ACGTN",
		"acgtACGTNNNNTTGCA",
		"ACGTACGTACGTAC",
		"NNNN",
	}

	buf := make([]byte, 0, 64)
	for _, s := range seqs {
		p := Pack([]byte(s))
		expected := bytes.ToUpper([]byte(s))

		if got := p.SubSeq(0, len(s), buf); !bytes.Equal(got, expected) {
			t.Errorf("unpacked %s, expected %s", got, expected)
		}
		for i := range expected {
			if p.Base(i) != expected[i] {
				t.Errorf("%s: base %d: %c != %c", s, i, p.Base(i), expected[i])
			}
		}
		for start := 0; start < len(s); start++ {
			if got := p.SubSeq(start, len(s)+3, buf); !bytes.Equal(got, expected[start:]) {
				t.Errorf("%s[%d:]: %s, expected %s", s, start, got, expected[start:])
			}
		}

		data, err := p.Bytes()
		if err != nil {
			t.Error(err)
			return
		}
		p2, err := Unpack(data)
		if err != nil {
			t.Error(err)
			return
		}
		if got := p2.SubSeq(0, len(s), buf); !bytes.Equal(got, expected) {
			t.Errorf("deserialized %s, expected %s", got, expected)
		}
	}
}

func TestUnpackErrors(t *testing.T) {
	data, err := Pack([]byte("ACGTACGT")).Bytes()
	if err != nil {
		t.Error(err)
		return
	}

	if _, err = Unpack(data[:20]); err != ErrBrokenPayload {
		t.Errorf("expected %v, got %v", ErrBrokenPayload, err)
	}

	bad := append([]byte{}, data...)
	bad[0] = 'x'
	if _, err = Unpack(bad); err != ErrInvalidFormat {
		t.Errorf("expected %v, got %v", ErrInvalidFormat, err)
	}

	bad = append([]byte{}, data...)
	bad[8] = MainVersion + 1
	if _, err = Unpack(bad); err != ErrVersionMismatch {
		t.Errorf("expected %v, got %v", ErrVersionMismatch, err)
	}
}
