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

// Package candidates turns index-space seed hits into text-space
// filtering regions: decoding, boundary adjustment and composition.
package candidates

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// AlignDistanceInf means the distance of a candidate is unknown.
const AlignDistanceInf = math.MaxInt32

// ErrInvalidTransition means a region status change is not allowed.
var ErrInvalidTransition = errors.New("candidates: invalid region status transition")

// SeedRegion is a matched seed in the query.
type SeedRegion struct {
	KeyBegin int
	KeyEnd   int
	Degree   int // errors of the seed

	// rows [Lo, Hi) of the seed in the index
	Lo, Hi uint64
}

// Position is a candidate position of a seed hit.
type Position struct {
	SequenceID    int
	IndexPosition uint64 // row in the index

	// text position of the source region, written by the boundary step
	RegionTextPosition uint64

	DecodedTextPosition uint64
	DecodeDistance      uint64

	SourceRegion int // index of the seed region

	TrimLeft  int
	TrimRight int

	AlignDistance int

	// text window [BeginPosition, EndPosition), and the offsets of key
	// begin and end inside it
	BeginPosition   uint64
	EndPosition     uint64
	BaseBeginOffset uint64
	BaseEndOffset   uint64

	sampledRow uint64
}

// Status is the verification status of a filtering region.
type Status uint8

const (
	Unverified Status = iota
	Verified
	Accepted
	Discarded
)

func (s Status) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Verified:
		return "verified"
	case Accepted:
		return "accepted"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("Status(%d)", s)
}

// Region is a filtering region, a text window to verify.
type Region struct {
	SequenceID int

	Begin uint64
	End   uint64

	BaseBeginOffset uint64
	BaseEndOffset   uint64
	KeyLength       int

	TrimLeft  int
	TrimRight int

	AlignDistance int
	// exclusive end of the match in the window, valid after verification
	EndOffset int

	Status Status

	scaffoldOffset int
	scaffoldLen    int
}

// SetStatus moves the region status forward:
// unverified to verified or discarded, verified to accepted or discarded.
func (r *Region) SetStatus(s Status) error {
	switch {
	case r.Status == Unverified && (s == Verified || s == Discarded):
	case r.Status == Verified && (s == Accepted || s == Discarded):
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, s)
	}
	r.Status = s
	return nil
}

// ScaffoldRegion is a seed inside a filtering region, for alignment
// reconstruction. Text coordinates are relative to the region begin.
type ScaffoldRegion struct {
	KeyBegin  int
	KeyEnd    int
	TextBegin int
	TextEnd   int
	Degree    int
	Exact     bool
}

// VerifiedRegion is a checked text interval.
type VerifiedRegion struct {
	Begin uint64
	End   uint64
}

// Arena holds transient data of one strand of one search call.
// Regions refer to scaffolds by index ranges.
type Arena struct {
	Seeds     []SeedRegion
	Positions []Position
	Regions   []Region
	Verified  []VerifiedRegion

	scaffolds []ScaffoldRegion
}

// NewArena returns a new Arena.
func NewArena() *Arena {
	return &Arena{
		Seeds:     make([]SeedRegion, 0, 64),
		Positions: make([]Position, 0, 256),
		Regions:   make([]Region, 0, 64),
		Verified:  make([]VerifiedRegion, 0, 64),
		scaffolds: make([]ScaffoldRegion, 0, 256),
	}
}

// Reset releases all data in bulk, keeping the memory.
func (a *Arena) Reset() {
	a.Seeds = a.Seeds[:0]
	a.Positions = a.Positions[:0]
	a.Regions = a.Regions[:0]
	a.Verified = a.Verified[:0]
	a.scaffolds = a.scaffolds[:0]
}

// Scaffold returns the scaffold of a region.
func (a *Arena) Scaffold(r *Region) []ScaffoldRegion {
	return a.scaffolds[r.scaffoldOffset : r.scaffoldOffset+r.scaffoldLen]
}

// AddSeed adds a seed region and returns its index.
func (a *Arena) AddSeed(s SeedRegion) int {
	a.Seeds = append(a.Seeds, s)
	return len(a.Seeds) - 1
}

// AddCandidates adds candidate positions of all rows of a seed region.
func (a *Arena) AddCandidates(seed int) {
	s := &a.Seeds[seed]
	for row := s.Lo; row < s.Hi; row++ {
		a.Positions = append(a.Positions, Position{
			IndexPosition: row,
			SourceRegion:  seed,
			AlignDistance: AlignDistanceInf,
		})
	}
}

// AddVerified records a checked text interval.
func (a *Arena) AddVerified(begin, end uint64) {
	a.Verified = append(a.Verified, VerifiedRegion{Begin: begin, End: end})
}

// Count returns the number of regions in a status.
func (a *Arena) Count(s Status) int {
	var n int
	for i := range a.Regions {
		if a.Regions[i].Status == s {
			n++
		}
	}
	return n
}

var poolArena = &sync.Pool{New: func() interface{} {
	return NewArena()
}}

// GetArena returns an empty Arena from the object pool.
func GetArena() *Arena {
	a := poolArena.Get().(*Arena)
	a.Reset()
	return a
}

// RecycleArena puts an Arena back.
func RecycleArena(a *Arena) {
	if a == nil {
		return
	}
	poolArena.Put(a)
}
