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

package accel

import "math"

// RelativePerformance normalizes performance values so they sum to 1.
// Non-positive values count as 0, all zeros give equal weights.
func RelativePerformance(perf []float64) []float64 {
	rel := make([]float64, len(perf))
	var sum float64
	for _, p := range perf {
		if p > 0 {
			sum += p
		}
	}
	for i, p := range perf {
		if sum == 0 {
			rel[i] = 1 / float64(len(perf))
		} else if p > 0 {
			rel[i] = p / sum
		}
	}
	return rel
}

// PartitionBuffers splits count buffers by relative performance.
// Each device gets round(count*rel) buffers, limited by what is left,
// and the last device takes the remainder, so shares always sum to count.
func PartitionBuffers(count int, rel []float64) []int {
	shares := make([]int, len(rel))
	if len(rel) == 0 || count <= 0 {
		return shares
	}
	remain := count
	last := len(rel) - 1
	var n int
	for i, r := range rel[:last] {
		n = int(math.Round(float64(count) * r))
		if n < 0 {
			n = 0
		} else if n > remain {
			n = remain
		}
		shares[i] = n
		remain -= n
	}
	shares[last] = remain
	return shares
}

// BytesPerBuffer sizes the buffers of one device holding share buffers.
// maxBytesPerBuffer of 0 means using all the free memory.
func BytesPerBuffer(share int, maxBytesPerBuffer, free uint64) uint64 {
	if share <= 0 {
		return 0
	}
	bytesPerDevice := free
	if maxBytesPerBuffer > 0 {
		bytesPerDevice = min(uint64(share)*maxBytesPerBuffer, free)
	}
	return bytesPerDevice / uint64(share)
}
