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
	"github.com/pkg/errors"
	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
)

// State is the lifecycle state of a Buffer.
type State uint8

const (
	StateEmpty State = iota
	StateFilling
	StateSubmitted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateSubmitted:
		return "submitted"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// ErrCapacity means an append would exceed the capacity of a buffer.
// The caller should submit the buffer and continue with another one.
var ErrCapacity = errors.New("accel: buffer capacity exceeded")

// ErrNoQuery means a candidate is appended before any query.
var ErrNoQuery = errors.New("accel: no query in the buffer")

// ErrBufferState means the operation is not allowed in the current state of the buffer.
var ErrBufferState = errors.New("accel: invalid buffer state")

// ErrResultIndex means the result index is out of the candidates range.
var ErrResultIndex = errors.New("accel: result index out of range")

// Buffer is a transfer buffer: a pinned host region, a device mirror of
// the same size and a stream, all bound to one device.
//
// A Buffer is owned by one pipeline and is not safe for concurrent use.
type Buffer struct {
	ID     int // global buffer id in the pool
	device *DeviceDescriptor

	size   uint64
	host   []byte
	mirror Memory
	stream Stream

	state State

	// workload shape used for sizing the regions
	avgQueryLength     int
	candidatesPerQuery int

	bpmLayout

	// reference view used by the kernel, device-resident or host-resident
	reference *twobit.Packed
}

func newBuffer(id int, d *DeviceDescriptor, size uint64, opt *PoolOptions, ref *twobit.Packed) (*Buffer, error) {
	b := &Buffer{
		ID:                 id,
		device:             d,
		avgQueryLength:     opt.AverageQueryLength,
		candidatesPerQuery: opt.CandidatesPerQuery,
		reference:          ref,
	}

	s, err := d.Device.NewStream()
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "device #%d: buffer %d: stream: %s", d.Device.ID(), id, err)
	}
	b.stream = s

	if err = b.alloc(size); err != nil {
		b.stream.Destroy()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) alloc(size uint64) error {
	dev := b.device.Device
	host, err := dev.AllocPinned(size)
	if err != nil {
		return errors.Wrapf(ErrAllocation, "device #%d: buffer %d: pinned host memory: %s", dev.ID(), b.ID, err)
	}
	mirror, err := dev.Alloc(size)
	if err != nil {
		dev.FreePinned(host)
		return errors.Wrapf(ErrAllocation, "device #%d: buffer %d: device memory: %s", dev.ID(), b.ID, err)
	}
	b.host, b.mirror, b.size = host, mirror, size
	b.layout(size, b.avgQueryLength, b.candidatesPerQuery)
	b.state = StateEmpty
	return nil
}

func (b *Buffer) free() error {
	dev := b.device.Device
	var err error
	if b.mirror != nil {
		err = dev.Free(b.mirror)
		b.mirror = nil
	}
	if b.host != nil {
		if e := dev.FreePinned(b.host); e != nil && err == nil {
			err = e
		}
		b.host = nil
	}
	b.size = 0
	return err
}

// Realloc frees the memory of the buffer and allocates it again with a new size.
// The buffer must not be in flight.
func (b *Buffer) Realloc(size uint64) error {
	if b.state == StateSubmitted {
		return ErrBufferState
	}
	if err := b.free(); err != nil {
		return err
	}
	return b.alloc(size)
}

func (b *Buffer) destroy() error {
	err := b.free()
	if b.stream != nil {
		if e := b.stream.Destroy(); e != nil && err == nil {
			err = e
		}
		b.stream = nil
	}
	return err
}

// State returns the lifecycle state.
func (b *Buffer) State() State { return b.state }

// Size returns the bytes of the host and device regions.
func (b *Buffer) Size() uint64 { return b.size }

// Device returns the device the buffer is bound to.
func (b *Buffer) Device() *DeviceDescriptor { return b.device }
