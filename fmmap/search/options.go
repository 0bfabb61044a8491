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
	"fmt"
	"io"
)

// SearchOptions contains the options of approximate search.
type SearchOptions struct {
	// Error values >= 1 are absolute numbers, the others are fractions of
	// the query length.
	MaxError     float64 // maximum edit distance of a match
	MaxBandwidth float64 // error margin of candidate windows, >= MaxError

	// Matches worse than the best by more than it are not reported,
	// and the error limit is tightened to best + it once a match is found.
	CompleteStrataAfterBest int
	// Stop the forward strand after the exact seeds and try the reverse
	// strand first, if the strata threshold is below the error limit.
	ProbeStrand bool
	// Stop searching once so many matches are found, 0 for no limit.
	MaxMatches int

	// Seeds of the exact stage with more occurrences are skipped.
	MaxSeedOccurrences int
	// Minimum seed length of both stages.
	MinSeedLength int
	// Step of the overlapping seeds of the neighborhood stage, 0 for
	// half of MinSeedLength.
	NeighborhoodStep int

	// Candidates of the same sequence with window begins within it are
	// merged, 0 for the pattern bandwidth.
	DeltaTolerance int
	// Keep seeds of merged candidates for alignment.
	Scaffold bool

	// Diagnostic receives the candidate windows copied to buffers, nil for none.
	Diagnostic io.Writer
}

// DefaultSearchOptions is the default SearchOptions.
var DefaultSearchOptions = SearchOptions{
	MaxError:                0.04,
	MaxBandwidth:            0.2,
	CompleteStrataAfterBest: 1,
	ProbeStrand:             true,
	MaxMatches:              0,

	MaxSeedOccurrences: 64,
	MinSeedLength:      12,
	NeighborhoodStep:   0,

	DeltaTolerance: 0,
	Scaffold:       true,
}

// CheckSearchOptions checks the options and fills the default values.
func CheckSearchOptions(opt *SearchOptions) error {
	if opt.MaxError < 0 {
		return fmt.Errorf("search: the maximum error should be >= 0")
	}
	if opt.MaxBandwidth < opt.MaxError && (opt.MaxBandwidth >= 1) == (opt.MaxError >= 1) {
		opt.MaxBandwidth = opt.MaxError
	}
	if opt.CompleteStrataAfterBest < 0 {
		return fmt.Errorf("search: the complete strata after the best should be >= 0")
	}
	if opt.MaxMatches < 0 {
		return fmt.Errorf("search: the maximum number of matches should be >= 0")
	}
	if opt.MaxSeedOccurrences < 1 {
		return fmt.Errorf("search: the maximum seed occurrences should be >= 1")
	}
	if opt.MinSeedLength < 1 {
		return fmt.Errorf("search: the minimum seed length should be >= 1")
	}
	if opt.NeighborhoodStep < 0 {
		return fmt.Errorf("search: the neighborhood seed step should be >= 0")
	}
	if opt.NeighborhoodStep == 0 {
		opt.NeighborhoodStep = max(1, opt.MinSeedLength/2)
	}
	if opt.DeltaTolerance < 0 {
		return fmt.Errorf("search: the delta tolerance should be >= 0")
	}
	return nil
}
