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

// Package pattern holds a query key compiled for one strand search.
package pattern

import (
	"bytes"
	"math"

	"github.com/shenwei356/fmmap/fmmap/bpm"
)

// Pattern is a query key with its error budget.
type Pattern struct {
	Key []byte // upper-case bases

	// maximum edit distance of an accepted match
	MaxError int
	// error margin added to both ends of candidate text windows
	MaxBandwidth int

	BPM *bpm.Pattern

	trimmed map[[2]int]*bpm.Pattern
}

// Errors converts an error rate to a number of errors of a key:
// values >= 1 are absolute numbers, the others are fractions of the length.
func Errors(rate float64, length int) int {
	if rate >= 1 {
		return int(rate)
	}
	if rate <= 0 {
		return 0
	}
	return int(math.Ceil(rate * float64(length)))
}

// New compiles a pattern. Error values follow the rule of Errors.
func New(key []byte, maxError, maxBandwidth float64) *Pattern {
	key = bytes.ToUpper(key)
	p := &Pattern{
		Key:          key,
		MaxError:     Errors(maxError, len(key)),
		MaxBandwidth: Errors(maxBandwidth, len(key)),
		BPM:          bpm.NewPattern(key),
	}
	if p.MaxError > len(key) {
		p.MaxError = len(key)
	}
	if p.MaxBandwidth < p.MaxError {
		p.MaxBandwidth = p.MaxError
	}
	return p
}

// Len returns the key length.
func (p *Pattern) Len() int { return len(p.Key) }

// Trimmed returns the compiled pattern of the key without left and right
// bases, which is used for candidates clamped at sequence ends.
func (p *Pattern) Trimmed(left, right int) *bpm.Pattern {
	if left == 0 && right == 0 {
		return p.BPM
	}
	if left+right >= len(p.Key) {
		return bpm.NewPattern(nil)
	}
	k := [2]int{left, right}
	if t, ok := p.trimmed[k]; ok {
		return t
	}
	if p.trimmed == nil {
		p.trimmed = make(map[[2]int]*bpm.Pattern, 2)
	}
	t := bpm.NewPattern(p.Key[left : len(p.Key)-right])
	p.trimmed[k] = t
	return t
}
