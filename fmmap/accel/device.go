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
	"fmt"
	"strings"
	"sync"
)

// Arch is a device architecture class, values are bit flags
// so a set of targets is an Arch too.
type Arch uint32

const (
	ArchFermi Arch = 1 << iota
	ArchKepler
	ArchMaxwell
	ArchPascal
	ArchVolta
	ArchTuring
	ArchAmpere
	ArchHopper

	ArchAll = ArchFermi | ArchKepler | ArchMaxwell | ArchPascal |
		ArchVolta | ArchTuring | ArchAmpere | ArchHopper
)

var archNames = []struct {
	arch Arch
	name string
}{
	{ArchFermi, "fermi"},
	{ArchKepler, "kepler"},
	{ArchMaxwell, "maxwell"},
	{ArchPascal, "pascal"},
	{ArchVolta, "volta"},
	{ArchTuring, "turing"},
	{ArchAmpere, "ampere"},
	{ArchHopper, "hopper"},
}

func (a Arch) String() string {
	if a == ArchAll {
		return "all"
	}
	names := make([]string, 0, 2)
	for _, v := range archNames {
		if a&v.arch != 0 {
			names = append(names, v.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseArch parses comma-separated architecture names, "all" for all.
func ParseArch(s string) (Arch, error) {
	var a Arch
	for _, name := range strings.Split(strings.ToLower(s), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "all" {
			a |= ArchAll
			continue
		}
		found := false
		for _, v := range archNames {
			if v.name == name {
				a |= v.arch
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("accel: unknown architecture: %s", name)
		}
	}
	return a, nil
}

// Memory is a device memory allocation.
type Memory interface {
	Size() uint64
	// Bytes returns the view of the memory for kernels running on the device.
	Bytes() []byte
}

// Kernel is a unit of work executed on a stream.
type Kernel func() error

// Stream is an in-order work queue bound to a device. Enqueuing never
// waits for the work to finish.
type Stream interface {
	CopyToDevice(dst Memory, offset uint64, src []byte)
	CopyToHost(dst []byte, src Memory, offset uint64)
	Launch(k Kernel)
	// Synchronize waits for all enqueued work and returns the first error.
	Synchronize() error
	Destroy() error
}

// Device is an accelerator device.
type Device interface {
	ID() int
	Name() string
	Arch() Arch
	// Performance is a throughput estimate, only the ratio between devices matters.
	Performance() float64

	TotalMemory() uint64
	FreeMemory() uint64

	Alloc(size uint64) (Memory, error)
	Free(m Memory) error
	// AllocPinned allocates page-locked host memory accessible by the device.
	AllocPinned(size uint64) ([]byte, error)
	FreePinned(b []byte) error

	NewStream() (Stream, error)
	// Synchronize waits for all work of all streams of the device.
	Synchronize() error
}

// HostDeviceOptions describes an emulated device.
type HostDeviceOptions struct {
	Name        string
	Arch        Arch
	Memory      uint64  // device memory
	Performance float64 // relative throughput
	PinnedLimit uint64  // limit of pinned host memory, 0 for unlimited
}

// HostDevice is a device emulated on the host: device memory is host
// memory with a budget, and each stream runs its work in a goroutine.
type HostDevice struct {
	id  int
	opt HostDeviceOptions

	mu     sync.Mutex
	used   uint64
	pinned uint64

	streams []*hostStream
}

// NewHostDevice creates an emulated device.
func NewHostDevice(id int, opt HostDeviceOptions) *HostDevice {
	if opt.Name == "" {
		opt.Name = fmt.Sprintf("host-emulated-%d", id)
	}
	if opt.Performance <= 0 {
		opt.Performance = 1
	}
	return &HostDevice{id: id, opt: opt}
}

func (d *HostDevice) ID() int              { return d.id }
func (d *HostDevice) Name() string         { return d.opt.Name }
func (d *HostDevice) Arch() Arch           { return d.opt.Arch }
func (d *HostDevice) Performance() float64 { return d.opt.Performance }
func (d *HostDevice) TotalMemory() uint64  { return d.opt.Memory }

func (d *HostDevice) FreeMemory() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opt.Memory - d.used
}

type hostMemory struct {
	data []byte
}

func (m *hostMemory) Size() uint64  { return uint64(len(m.data)) }
func (m *hostMemory) Bytes() []byte { return m.data }

func (d *HostDevice) Alloc(size uint64) (Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > d.opt.Memory-d.used {
		return nil, fmt.Errorf("%w: device %d: %d bytes requested, %d bytes free",
			ErrOutOfMemory, d.id, size, d.opt.Memory-d.used)
	}
	d.used += size
	return &hostMemory{data: make([]byte, size)}, nil
}

func (d *HostDevice) Free(m Memory) error {
	if m == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.used -= m.Size()
	return nil
}

func (d *HostDevice) AllocPinned(size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opt.PinnedLimit > 0 && d.pinned+size > d.opt.PinnedLimit {
		return nil, fmt.Errorf("%w: device %d: %d bytes of pinned host memory requested, limit %d",
			ErrOutOfMemory, d.id, size, d.opt.PinnedLimit)
	}
	d.pinned += size
	return make([]byte, size), nil
}

func (d *HostDevice) FreePinned(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinned -= uint64(len(b))
	return nil
}

func (d *HostDevice) NewStream() (Stream, error) {
	s := newHostStream()
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *HostDevice) Synchronize() error {
	d.mu.Lock()
	streams := append([]*hostStream{}, d.streams...)
	d.mu.Unlock()

	var err error
	for _, s := range streams {
		if e := s.Synchronize(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// hostStream executes its work in order in one goroutine.
type hostStream struct {
	ch   chan Kernel
	wg   sync.WaitGroup // pending work
	done chan struct{}

	mu  sync.Mutex
	err error

	destroyed bool
}

func newHostStream() *hostStream {
	s := &hostStream{
		ch:   make(chan Kernel, 16),
		done: make(chan struct{}),
	}
	go func() {
		for k := range s.ch {
			if err := k(); err != nil {
				s.mu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.mu.Unlock()
			}
			s.wg.Done()
		}
		close(s.done)
	}()
	return s
}

func (s *hostStream) enqueue(k Kernel) {
	s.wg.Add(1)
	s.ch <- k
}

func (s *hostStream) CopyToDevice(dst Memory, offset uint64, src []byte) {
	s.enqueue(func() error {
		copy(dst.Bytes()[offset:], src)
		return nil
	})
}

func (s *hostStream) CopyToHost(dst []byte, src Memory, offset uint64) {
	s.enqueue(func() error {
		copy(dst, src.Bytes()[offset:])
		return nil
	})
}

func (s *hostStream) Launch(k Kernel) {
	s.enqueue(k)
}

func (s *hostStream) Synchronize() error {
	s.wg.Wait()
	s.mu.Lock()
	err := s.err
	s.err = nil
	s.mu.Unlock()
	return err
}

func (s *hostStream) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	close(s.ch)
	<-s.done
	return nil
}
