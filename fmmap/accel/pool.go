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

// Package accel manages the accelerator devices and the transfer buffers
// used for offloading the verification of candidate regions.
package accel

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
	"github.com/shenwei356/go-logging"
	"golang.org/x/sync/errgroup"
)

var log = logging.MustGetLogger("fmmap")

// ErrNoDevice means no device is usable.
var ErrNoDevice = errors.New("accel: no usable device")

// ErrInsufficientMemory means the free memory of a device can not hold the buffers.
var ErrInsufficientMemory = errors.New("accel: insufficient device memory")

// ErrBufferTooSmall means the computed buffer size is below the minimum.
var ErrBufferTooSmall = errors.New("accel: insufficient memory per buffer")

// ErrAllocation means a device or pinned host allocation failed.
var ErrAllocation = errors.New("accel: allocation failed")

// ErrOutOfMemory is returned by devices when an allocation does not fit.
var ErrOutOfMemory = errors.New("accel: out of memory")

// PoolOptions contains the options of a buffer pool.
type PoolOptions struct {
	NumBuffers        int
	MaxBytesPerBuffer uint64 // 0 for using all the free memory
	Placement         PlacementPolicy
	Architectures     Arch // 0 for all

	// workload shape for sizing the buffer regions
	AverageQueryLength int
	CandidatesPerQuery int
}

// DefaultPoolOptions is the default PoolOptions.
var DefaultPoolOptions = PoolOptions{
	NumBuffers:         4,
	MaxBytesPerBuffer:  4 << 20,
	Placement:          PlacementAuto,
	Architectures:      ArchAll,
	AverageQueryLength: 150,
	CandidatesPerQuery: 20,
}

// CheckPoolOptions checks the options.
func CheckPoolOptions(opt *PoolOptions) error {
	if opt.NumBuffers < 1 {
		return fmt.Errorf("accel: the number of buffers should be >= 1")
	}
	if opt.AverageQueryLength < 1 {
		return fmt.Errorf("accel: the average query length should be >= 1")
	}
	if opt.CandidatesPerQuery < 1 {
		return fmt.Errorf("accel: the number of candidates per query should be >= 1")
	}
	if opt.Architectures == 0 {
		opt.Architectures = ArchAll
	}
	return nil
}

// Pool is the set of usable devices and their buffers.
type Pool struct {
	opt     PoolOptions
	devices []*DeviceDescriptor
	buffers []*Buffer

	reference *twobit.Packed // host copy, nil when every device holds its own
	refBytes  []byte
	index     []byte

	destroyed bool
}

// NewPool screens the devices, places the reference and index payloads
// and allocates the buffers.
// The pool returned should be destroyed with Destroy.
func NewPool(devices []Device, opt *PoolOptions, reference *twobit.Packed, index []byte) (*Pool, error) {
	if opt == nil {
		opt = &DefaultPoolOptions
	}
	if err := CheckPoolOptions(opt); err != nil {
		return nil, err
	}

	p := &Pool{opt: *opt, reference: reference, index: index}
	if reference != nil {
		var err error
		if p.refBytes, err = reference.Bytes(); err != nil {
			return nil, errors.Wrap(err, "accel: serialize reference")
		}
	}

	minBuf := MinBytesPerBuffer(opt.AverageQueryLength, opt.CandidatesPerQuery)
	req := MemoryRequirement{
		NumBuffers:        opt.NumBuffers,
		MinBytesPerBuffer: minBuf,
		ReferenceBytes:    uint64(len(p.refBytes)),
		IndexBytes:        uint64(len(index)),
	}

	// ---------------------------------------------------------------
	// screen devices

	var unsupported, insufficient int
	for _, dev := range devices {
		if dev.Arch()&opt.Architectures == 0 {
			log.Infof("device #%d (%s): architecture %s not selected, skipped", dev.ID(), dev.Name(), dev.Arch())
			unsupported++
			continue
		}

		free := dev.FreeMemory()
		d := DecidePlacement(free, req, opt.Placement)
		if !d.Usable() {
			log.Warningf("device #%d (%s): insufficient memory with placement policy '%s': %s free, %s required",
				dev.ID(), dev.Name(), opt.Placement, humanize.IBytes(free), humanize.IBytes(d.Required))
			insufficient++
			continue
		}
		if d.State != AllLocal {
			log.Infof("device #%d (%s): %s, reference: %s, index: %s (%s free, %s recommended)",
				dev.ID(), dev.Name(), d.State, d.Reference, d.Index,
				humanize.IBytes(free), humanize.IBytes(d.Recommended))
		}
		p.devices = append(p.devices, &DeviceDescriptor{Device: dev, Placement: d})
	}
	if len(p.devices) == 0 {
		return nil, errors.Wrapf(ErrNoDevice, "%d device(s): %d with unselected architecture, %d with insufficient memory",
			len(devices), unsupported, insufficient)
	}

	perf := make([]float64, len(p.devices))
	for i, d := range p.devices {
		perf[i] = d.Device.Performance()
	}
	for i, r := range RelativePerformance(perf) {
		p.devices[i].RelativePerformance = r
	}

	// ---------------------------------------------------------------
	// transfer the payloads

	var g errgroup.Group
	for _, d := range p.devices {
		d := d
		g.Go(func() error { return p.upload(d) })
	}
	if err := g.Wait(); err != nil {
		p.Destroy()
		return nil, err
	}

	// ---------------------------------------------------------------
	// schedule buffers

	shares := PartitionBuffers(opt.NumBuffers, RelativePerformance(perf))
	for i, d := range p.devices {
		d.NumBuffers = shares[i]
		if shares[i] == 0 {
			continue
		}
		dev := d.Device

		free := dev.FreeMemory()
		if free < req.Minimum(false, false) {
			p.Destroy()
			return nil, errors.Wrapf(ErrInsufficientMemory, "device #%d (%s): %s free, %s required",
				dev.ID(), dev.Name(), humanize.IBytes(free), humanize.IBytes(req.Minimum(false, false)))
		}
		d.BytesPerBuffer = BytesPerBuffer(shares[i], opt.MaxBytesPerBuffer, free)
		if d.BytesPerBuffer < minBuf {
			p.Destroy()
			return nil, errors.Wrapf(ErrBufferTooSmall, "device #%d (%s): %s per buffer, %s required",
				dev.ID(), dev.Name(), humanize.IBytes(d.BytesPerBuffer), humanize.IBytes(minBuf))
		}

		ref := p.reference
		if d.reference != nil {
			ref = d.referenceView
		}
		for j := 0; j < shares[i]; j++ {
			b, err := newBuffer(len(p.buffers), d, d.BytesPerBuffer, &p.opt, ref)
			if err != nil {
				p.Destroy()
				return nil, err
			}
			p.buffers = append(p.buffers, b)
		}
	}

	allLocal := true
	for _, d := range p.devices {
		if d.Placement.Reference != DeviceResident {
			allLocal = false
			break
		}
	}
	if allLocal && p.reference != nil {
		log.Debugf("reference resident on all devices, host copy released")
		p.reference = nil
		p.refBytes = nil
	}

	return p, nil
}

func (p *Pool) upload(d *DeviceDescriptor) error {
	dev := d.Device
	if d.Placement.Reference != DeviceResident && d.Placement.Index != DeviceResident {
		return nil
	}

	s, err := dev.NewStream()
	if err != nil {
		return errors.Wrapf(ErrAllocation, "device #%d: stream: %s", dev.ID(), err)
	}
	defer s.Destroy()

	if d.Placement.Reference == DeviceResident {
		if d.reference, err = dev.Alloc(uint64(len(p.refBytes))); err != nil {
			return errors.Wrapf(ErrAllocation, "device #%d: reference: %s", dev.ID(), err)
		}
		s.CopyToDevice(d.reference, 0, p.refBytes)
	}
	if d.Placement.Index == DeviceResident {
		if d.index, err = dev.Alloc(uint64(len(p.index))); err != nil {
			return errors.Wrapf(ErrAllocation, "device #%d: index: %s", dev.ID(), err)
		}
		s.CopyToDevice(d.index, 0, p.index)
	}
	if err = s.Synchronize(); err != nil {
		return errors.Wrapf(err, "device #%d: transfer payloads", dev.ID())
	}

	if d.reference != nil {
		if d.referenceView, err = twobit.Unpack(d.reference.Bytes()); err != nil {
			return errors.Wrapf(err, "device #%d: reference", dev.ID())
		}
	}
	return nil
}

// Devices returns the usable devices.
func (p *Pool) Devices() []*DeviceDescriptor { return p.devices }

// Buffers returns all buffers.
func (p *Pool) Buffers() []*Buffer { return p.buffers }

// NumBuffers returns the number of buffers.
func (p *Pool) NumBuffers() int { return len(p.buffers) }

// Options returns the options used.
func (p *Pool) Options() PoolOptions { return p.opt }

// Partition splits the buffers into n disjoint sets, one per thread.
// Buffers of different devices are interleaved.
func (p *Pool) Partition(n int) [][]*Buffer {
	if n < 1 {
		n = 1
	}
	parts := make([][]*Buffer, n)
	order := p.interleaved()
	for i, b := range order {
		parts[i%n] = append(parts[i%n], b)
	}
	return parts
}

func (p *Pool) interleaved() []*Buffer {
	perDevice := make([][]*Buffer, len(p.devices))
	idx := make(map[*DeviceDescriptor]int, len(p.devices))
	for i, d := range p.devices {
		idx[d] = i
	}
	for _, b := range p.buffers {
		i := idx[b.device]
		perDevice[i] = append(perDevice[i], b)
	}

	order := make([]*Buffer, 0, len(p.buffers))
	for len(order) < len(p.buffers) {
		for i, bs := range perDevice {
			if len(bs) > 0 {
				order = append(order, bs[0])
				perDevice[i] = bs[1:]
			}
		}
	}
	return order
}

// Destroy waits for all outstanding work, then frees the buffers,
// streams and payloads.
func (p *Pool) Destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true

	var g errgroup.Group
	for _, d := range p.devices {
		g.Go(d.Device.Synchronize)
	}
	err := g.Wait()

	for _, b := range p.buffers {
		if e := b.destroy(); e != nil && err == nil {
			err = e
		}
	}
	p.buffers = nil

	for _, d := range p.devices {
		if d.reference != nil {
			if e := d.Device.Free(d.reference); e != nil && err == nil {
				err = e
			}
			d.reference, d.referenceView = nil, nil
		}
		if d.index != nil {
			if e := d.Device.Free(d.index); e != nil && err == nil {
				err = e
			}
			d.index = nil
		}
	}
	p.reference, p.refBytes, p.index = nil, nil, nil
	return err
}
