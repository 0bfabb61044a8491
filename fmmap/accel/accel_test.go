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

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
	"github.com/shenwei356/fmmap/fmmap/bpm"
)

func TestPartitionBuffers(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for k := 0; k < 500; k++ {
		count := r.Intn(64)
		perf := make([]float64, 1+r.Intn(6))
		for i := range perf {
			perf[i] = r.Float64() * 10
		}
		shares := PartitionBuffers(count, RelativePerformance(perf))
		var sum int
		for _, s := range shares {
			if s < 0 {
				t.Errorf("negative share: %v", shares)
			}
			sum += s
		}
		if sum != count {
			t.Errorf("%d buffers, performance %v: shares %v sum to %d", count, perf, shares, sum)
		}
	}

	tests := []struct {
		count  int
		rel    []float64
		shares []int
	}{
		{4, []float64{0.5, 0.5}, []int{2, 2}},
		{3, []float64{0.5, 0.5}, []int{2, 1}},
		{5, []float64{0.3, 0.3, 0.3, 0.1}, []int{2, 2, 1, 0}},
		{8, []float64{0.25, 0.75}, []int{2, 6}},
		{1, []float64{1}, []int{1}},
	}
	for _, test := range tests {
		shares := PartitionBuffers(test.count, test.rel)
		for i := range shares {
			if shares[i] != test.shares[i] {
				t.Errorf("%d buffers, %v: expected %v, got %v", test.count, test.rel, test.shares, shares)
				break
			}
		}
	}
}

func TestBytesPerBuffer(t *testing.T) {
	tests := []struct {
		share         int
		max, free, bs uint64
	}{
		{2, 100, 1000, 100},
		{2, 0, 1000, 500},
		{4, 500, 1000, 250},
		{0, 100, 1000, 0},
	}
	for _, test := range tests {
		if bs := BytesPerBuffer(test.share, test.max, test.free); bs != test.bs {
			t.Errorf("BytesPerBuffer(%d, %d, %d): expected %d, got %d", test.share, test.max, test.free, test.bs, bs)
		}
	}
}

func TestDecidePlacement(t *testing.T) {
	req := MemoryRequirement{NumBuffers: 2, MinBytesPerBuffer: 100, ReferenceBytes: 1000, IndexBytes: 500}
	tests := []struct {
		free   uint64
		policy PlacementPolicy
		state  PlacementState
		ref    Placement
		idx    Placement
	}{
		{2000, PlacementAuto, AllLocal, DeviceResident, DeviceResident},
		{1700, PlacementAuto, AllLocal, DeviceResident, DeviceResident},
		{1000, PlacementAuto, ReferenceRemote, HostResident, DeviceResident},
		{500, PlacementAuto, AllRemote, HostResident, HostResident},
		{100, PlacementAuto, Unusable, PlacementAbsent, PlacementAbsent},
		{2000, PlacementDevice, AllLocal, DeviceResident, DeviceResident},
		{1000, PlacementDevice, Unusable, PlacementAbsent, PlacementAbsent},
		{2000, PlacementHost, AllRemote, HostResident, HostResident},
		{150, PlacementHost, Unusable, PlacementAbsent, PlacementAbsent},
	}
	for _, test := range tests {
		d := DecidePlacement(test.free, req, test.policy)
		if d.State != test.state || d.Reference != test.ref || d.Index != test.idx {
			t.Errorf("free %d, policy %s: expected %s (%s, %s), got %s (%s, %s)",
				test.free, test.policy, test.state, test.ref, test.idx, d.State, d.Reference, d.Index)
		}
		if d.Recommended != 1700 {
			t.Errorf("unexpected recommended memory: %d", d.Recommended)
		}
	}

	// modules not using the index
	req.IndexBytes = 0
	d := DecidePlacement(1100, req, PlacementAuto)
	if d.State != AllLocal || d.Index != PlacementAbsent {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestParse(t *testing.T) {
	a, err := ParseArch("kepler, Ampere")
	if err != nil || a != ArchKepler|ArchAmpere || a.String() != "kepler,ampere" {
		t.Errorf("unexpected arch: %s, %v", a, err)
	}
	if a, _ = ParseArch("all"); a != ArchAll {
		t.Errorf("unexpected arch: %s", a)
	}
	if _, err = ParseArch("volta,x"); err == nil {
		t.Errorf("error expected")
	}

	for s, v := range map[string]PlacementPolicy{"": PlacementAuto, "device": PlacementDevice, "Host": PlacementHost} {
		if p, err := ParsePlacementPolicy(s); err != nil || p != v {
			t.Errorf("%s: unexpected policy: %s, %v", s, p, err)
		}
	}
	if _, err = ParsePlacementPolicy("gpu"); err == nil {
		t.Errorf("error expected")
	}
}

func randSeq(r *rand.Rand, n int) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = "ACGT"[r.Intn(4)]
	}
	return s
}

func newTestPool(t *testing.T, devices []Device, opt PoolOptions, ref []byte) *Pool {
	pool, err := NewPool(devices, &opt, twobit.Pack(ref), []byte("index payload"))
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func checkCapacity(t *testing.T, b *Buffer) {
	if b.NumQueries() > b.MaxQueries() || b.NumCandidates() > b.MaxCandidates() || b.NumEntries() > b.MaxEntries() {
		t.Errorf("capacity violated: queries %d/%d, candidates %d/%d, entries %d/%d",
			b.NumQueries(), b.MaxQueries(), b.NumCandidates(), b.MaxCandidates(), b.NumEntries(), b.MaxEntries())
	}
}

func TestBufferCapacity(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	ref := randSeq(r, 1000)

	opt := DefaultPoolOptions
	opt.NumBuffers = 1
	opt.MaxBytesPerBuffer = MinBytesPerBuffer(opt.AverageQueryLength, opt.CandidatesPerQuery)
	dev := NewHostDevice(0, HostDeviceOptions{Arch: ArchAmpere, Memory: 1 << 20})
	pool := newTestPool(t, []Device{dev}, opt, ref)
	defer pool.Destroy()

	b := pool.Buffers()[0]
	if b.MaxQueries() != 1 || b.MaxCandidates() != opt.CandidatesPerQuery {
		t.Errorf("unexpected capacity: %d queries, %d candidates", b.MaxQueries(), b.MaxCandidates())
	}

	if err := b.AppendCandidate(0, 10); err != ErrNoQuery {
		t.Errorf("expected %v, got %v", ErrNoQuery, err)
	}

	q := bpm.NewPattern(randSeq(r, 150))
	if !b.Fits(1, 150, 0) {
		t.Errorf("a query of length 150 should fit")
	}
	if err := b.AppendQuery(q); err != nil {
		t.Error(err)
	}
	if b.Fits(1, 150, 0) {
		t.Errorf("fits() true with max_queries=1, num_queries=1")
	}
	if err := b.AppendQuery(q); err != ErrCapacity {
		t.Errorf("expected %v, got %v", ErrCapacity, err)
	}
	checkCapacity(t, b)

	for i := 0; i < opt.CandidatesPerQuery; i++ {
		if err := b.AppendCandidate(uint64(i), 160); err != nil {
			t.Error(err)
		}
	}
	if b.Fits(0, 0, 1) {
		t.Errorf("fits() true with a full buffer")
	}
	if err := b.AppendCandidate(0, 160); err != ErrCapacity {
		t.Errorf("expected %v, got %v", ErrCapacity, err)
	}
	checkCapacity(t, b)

	if err := b.Clear(); err != nil || b.State() != StateEmpty || b.NumQueries() != 0 {
		t.Errorf("clear failed: %v, %s", err, b.State())
	}
}

func TestFitsPrediction(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	ref := randSeq(r, 1000)

	opt := DefaultPoolOptions
	opt.NumBuffers = 1
	opt.MaxBytesPerBuffer = 8 << 10
	dev := NewHostDevice(0, HostDeviceOptions{Arch: ArchVolta, Memory: 1 << 20})
	pool := newTestPool(t, []Device{dev}, opt, ref)
	defer pool.Destroy()

	b := pool.Buffers()[0]
	var fits bool
	var err error
	for k := 0; k < 2000; k++ {
		if b.NumQueries() == 0 || r.Intn(4) == 0 {
			m := 1 + r.Intn(300)
			fits = b.Fits(1, m, 0)
			err = b.AppendQuery(bpm.NewPattern(randSeq(r, m)))
		} else {
			fits = b.Fits(0, 0, 1)
			err = b.AppendCandidate(uint64(r.Intn(800)), 100)
		}
		if fits != (err == nil) {
			t.Errorf("call %d: fits() %v, append error: %v", k, fits, err)
		}
		if err != nil && err != ErrCapacity {
			t.Errorf("call %d: unexpected error: %v", k, err)
		}
		checkCapacity(t, b)

		if err != nil && r.Intn(3) == 0 {
			b.Clear()
		}
	}
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	ref := randSeq(r, 5000)
	copy(ref[2000:], "NNNNNNNNNN")

	opt := DefaultPoolOptions
	opt.NumBuffers = 4
	devices := []Device{
		NewHostDevice(0, HostDeviceOptions{Arch: ArchAmpere, Memory: 4 << 20, Performance: 1}),
		NewHostDevice(1, HostDeviceOptions{Arch: ArchHopper, Memory: 4 << 20, Performance: 3}),
	}
	pool := newTestPool(t, devices, opt, ref)
	defer pool.Destroy()

	if pool.NumBuffers() != 4 || pool.Devices()[0].NumBuffers != 1 || pool.Devices()[1].NumBuffers != 3 {
		t.Errorf("unexpected buffer schedule: %d, %d, %d",
			pool.NumBuffers(), pool.Devices()[0].NumBuffers, pool.Devices()[1].NumBuffers)
	}

	type job struct {
		query []byte
		pos   uint64
		len   int
	}

	for _, b := range pool.Buffers() {
		jobs := make([]job, 0, 64)
		for b.Fits(1, 200, 5) && len(jobs) < 60 {
			m := 20 + r.Intn(180)
			start := r.Intn(len(ref) - m)
			q := append([]byte{}, ref[start:start+m]...)
			for e := r.Intn(m/10 + 1); e > 0; e-- {
				q[r.Intn(m)] = "ACGT"[r.Intn(4)]
			}
			if err := b.AppendQuery(bpm.NewPattern(q)); err != nil {
				t.Fatal(err)
			}
			for c := 0; c < 1+r.Intn(5); c++ {
				pos := uint64(max(0, start-r.Intn(10)))
				if c > 0 {
					pos = uint64(r.Intn(len(ref) - 1))
				}
				n := m + 20
				if err := b.AppendCandidate(pos, n); err != nil {
					t.Fatal(err)
				}
				jobs = append(jobs, job{q, pos, n})
			}
		}

		if _, _, err := b.Result(0); err != ErrBufferState {
			t.Errorf("expected %v, got %v", ErrBufferState, err)
		}
		if err := b.Submit(); err != nil {
			t.Fatal(err)
		}
		if err := b.Clear(); err != ErrBufferState {
			t.Errorf("clearing a submitted buffer: expected %v, got %v", ErrBufferState, err)
		}
		if err := b.Await(); err != nil {
			t.Fatal(err)
		}

		for i, j := range jobs {
			d, e, err := b.Result(i)
			if err != nil {
				t.Fatal(err)
			}
			end := min(int(j.pos)+j.len, len(ref))
			d0, e0 := bpm.NewPattern(j.query).Distance(ref[j.pos:end])
			if d != d0 || e != e0 {
				t.Errorf("buffer %d, candidate %d: (%d, %d), expected (%d, %d)", b.ID, i, d, e, d0, e0)
			}
		}
		if _, _, err := b.Result(len(jobs)); err != ErrResultIndex {
			t.Errorf("expected %v, got %v", ErrResultIndex, err)
		}
		b.Clear()
	}
}

func TestNewPoolScreening(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	ref := randSeq(r, 100000)

	opt := DefaultPoolOptions
	opt.NumBuffers = 2
	opt.Architectures = ArchAmpere | ArchHopper
	devices := []Device{
		NewHostDevice(0, HostDeviceOptions{Arch: ArchKepler, Memory: 64 << 20}),
		NewHostDevice(1, HostDeviceOptions{Arch: ArchAmpere, Memory: 1 << 10}),
		NewHostDevice(2, HostDeviceOptions{Arch: ArchHopper, Memory: 64 << 20}),
	}
	pool := newTestPool(t, devices, opt, ref)
	if len(pool.Devices()) != 1 || pool.Devices()[0].Device.ID() != 2 {
		t.Errorf("unexpected devices: %d", len(pool.Devices()))
	}
	if pool.NumBuffers() != 2 {
		t.Errorf("unexpected number of buffers: %d", pool.NumBuffers())
	}
	pool.Destroy()

	_, err := NewPool(devices[:2], &opt, twobit.Pack(ref), nil)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected %v, got %v", ErrNoDevice, err)
	}
}

func TestPlacementFallback(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	ref := randSeq(r, 400000) // about 100 KB packed

	opt := DefaultPoolOptions
	opt.NumBuffers = 2
	opt.MaxBytesPerBuffer = 16 << 10
	dev := NewHostDevice(0, HostDeviceOptions{Arch: ArchTuring, Memory: 64 << 10})
	pool := newTestPool(t, []Device{dev}, opt, ref)
	defer pool.Destroy()

	d := pool.Devices()[0]
	if d.Placement.State != ReferenceRemote || d.Placement.Reference != HostResident {
		t.Errorf("unexpected placement: %+v", d.Placement)
	}

	b := pool.Buffers()[0]
	q := append([]byte{}, ref[1000:1100]...)
	if err := b.AppendQuery(bpm.NewPattern(q)); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendCandidate(990, 120); err != nil {
		t.Fatal(err)
	}
	if err := b.Submit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Await(); err != nil {
		t.Fatal(err)
	}
	if dist, end, _ := b.Result(0); dist != 0 || end != 110 {
		t.Errorf("unexpected result: %d, %d", dist, end)
	}
}

func TestPartitionAndDestroy(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	ref := randSeq(r, 1000)

	opt := DefaultPoolOptions
	opt.NumBuffers = 7
	devices := []Device{
		NewHostDevice(0, HostDeviceOptions{Arch: ArchAmpere, Memory: 8 << 20}),
		NewHostDevice(1, HostDeviceOptions{Arch: ArchAmpere, Memory: 8 << 20}),
	}
	pool := newTestPool(t, devices, opt, ref)

	seen := make(map[*Buffer]int)
	for _, part := range pool.Partition(3) {
		for _, b := range part {
			seen[b]++
		}
	}
	if len(seen) != 7 {
		t.Errorf("unexpected number of buffers in partitions: %d", len(seen))
	}
	for b, n := range seen {
		if n != 1 {
			t.Errorf("buffer %d in %d partitions", b.ID, n)
		}
	}

	b := pool.Buffers()[0]
	size := b.Size()
	if err := b.Realloc(size / 2); err != nil {
		t.Error(err)
	}
	if b.Size() != size/2 || b.MaxQueries() == 0 {
		t.Errorf("unexpected buffer after realloc: %d bytes, %d queries", b.Size(), b.MaxQueries())
	}

	if err := pool.Destroy(); err != nil {
		t.Error(err)
	}
	for _, dev := range devices {
		if dev.FreeMemory() != dev.TotalMemory() {
			t.Errorf("device #%d: %d bytes not freed", dev.ID(), dev.TotalMemory()-dev.FreeMemory())
		}
	}
	if err := pool.Destroy(); err != nil {
		t.Error(err)
	}
}
