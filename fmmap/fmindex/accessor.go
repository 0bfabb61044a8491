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

// Accessor is the read-only index access used to decode candidates.
// *FMIndex implements it.
type Accessor interface {
	// Len returns the size of the sequence space.
	Len() uint64
	// SamplingRate bounds the number of LF steps to reach a sampled row.
	SamplingRate() int

	LF(p uint64) (next uint64, sampled bool)
	PrefetchLF(p uint64, loc *BlockLocator)
	LFPrefetched(loc *BlockLocator) (next uint64, sampled bool)

	IsSampled(q uint64) bool
	Sample(q uint64) uint64
	PrefetchSample(q uint64, loc *SampleLocator)
	SamplePrefetched(loc *SampleLocator) uint64

	Locate(pos uint64) (*Interval, error)
}

var _ Accessor = (*FMIndex)(nil)
