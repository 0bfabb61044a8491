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

package fmindex

import (
	"cmp"

	"github.com/rdleal/intervalst/interval"
)

// Interval is the text interval [Begin, End) of one indexed sequence.
type Interval struct {
	Begin uint64
	End   uint64

	// SeqID is the index of the interval, reverse complements included.
	SeqID int
	// Source is the index of the input sequence.
	Source int

	Name string
	RC   bool // it's the reverse complement of the source sequence
}

// Len returns the sequence length.
func (itv *Interval) Len() uint64 { return itv.End - itv.Begin }

// Locator maps text positions to sequence intervals.
type Locator struct {
	intervals []*Interval
	tree      *interval.SearchTree[*Interval, uint64]
}

// NewLocator creates a Locator from non-overlapping intervals.
func NewLocator(intervals []*Interval) (*Locator, error) {
	tree := interval.NewSearchTree[*Interval, uint64](cmp.Compare[uint64])
	for _, itv := range intervals {
		if err := tree.Insert(itv.Begin, itv.End, itv); err != nil {
			return nil, err
		}
	}
	return &Locator{intervals: intervals, tree: tree}, nil
}

// Locate returns the interval containing a text position.
func (l *Locator) Locate(pos uint64) (*Interval, error) {
	hits, ok := l.tree.AllIntersections(pos, pos+1)
	if !ok {
		return nil, ErrPositionOutOfRange
	}
	for _, itv := range hits {
		if itv.Begin <= pos && pos < itv.End {
			return itv, nil
		}
	}
	return nil, ErrPositionOutOfRange
}

// Intervals returns all intervals in text order.
func (l *Locator) Intervals() []*Interval { return l.intervals }

// Interval returns the interval of a sequence ID.
func (l *Locator) Interval(seqID int) *Interval { return l.intervals[seqID] }

// NumSequences returns the number of intervals.
func (l *Locator) NumSequences() int { return len(l.intervals) }
