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

	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
)

// Placement tells where a read-only structure lives for one device.
type Placement uint8

const (
	// PlacementAbsent means the structure is not used by any module.
	PlacementAbsent Placement = iota
	// DeviceResident means the structure is copied to the device memory.
	DeviceResident
	// HostResident means the device reads the structure from mapped host memory.
	HostResident
)

func (p Placement) String() string {
	switch p {
	case DeviceResident:
		return "device"
	case HostResident:
		return "host"
	}
	return "absent"
}

// PlacementPolicy is the user override of the placement decision.
type PlacementPolicy uint8

const (
	// PlacementAuto tries device-resident structures first and degrades
	// the reference, then the index, to host-resident.
	PlacementAuto PlacementPolicy = iota
	// PlacementDevice forces everything into device memory.
	PlacementDevice
	// PlacementHost keeps everything in host memory.
	PlacementHost
)

func (p PlacementPolicy) String() string {
	switch p {
	case PlacementDevice:
		return "device"
	case PlacementHost:
		return "host"
	}
	return "auto"
}

// ParsePlacementPolicy parses "auto", "device" or "host".
func ParsePlacementPolicy(s string) (PlacementPolicy, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return PlacementAuto, nil
	case "device", "local":
		return PlacementDevice, nil
	case "host", "remote":
		return PlacementHost, nil
	}
	return PlacementAuto, fmt.Errorf("accel: invalid placement policy: %s, available: auto, device, host", s)
}

// PlacementState is the state of the placement decision of one device.
type PlacementState uint8

const (
	AllLocal PlacementState = iota
	ReferenceRemote
	AllRemote
	Unusable
)

func (s PlacementState) String() string {
	switch s {
	case AllLocal:
		return "all-local"
	case ReferenceRemote:
		return "reference-remote"
	case AllRemote:
		return "all-remote"
	}
	return "unusable"
}

// MemoryRequirement holds the sizes a device has to hold.
type MemoryRequirement struct {
	NumBuffers        int
	MinBytesPerBuffer uint64
	ReferenceBytes    uint64 // 0 if no module uses the reference
	IndexBytes        uint64 // 0 if no module uses the index
}

// Minimum returns the device memory needed with the given structures
// being device-resident.
func (r MemoryRequirement) Minimum(localReference, localIndex bool) uint64 {
	m := uint64(r.NumBuffers) * r.MinBytesPerBuffer
	if localReference {
		m += r.ReferenceBytes
	}
	if localIndex {
		m += r.IndexBytes
	}
	return m
}

// PlacementDecision is the outcome for one device.
type PlacementDecision struct {
	State     PlacementState
	Reference Placement
	Index     Placement

	Required    uint64 // the minimum of the final state
	Recommended uint64 // the minimum with everything device-resident
}

// Usable tells whether the device can join the pool.
func (d PlacementDecision) Usable() bool { return d.State != Unusable }

// DecidePlacement runs the placement state machine for a device with
// free bytes of memory.
func DecidePlacement(free uint64, req MemoryRequirement, policy PlacementPolicy) PlacementDecision {
	d := PlacementDecision{
		Recommended: req.Minimum(true, true),
	}

	switch policy {
	case PlacementHost:
		d.State = AllRemote
		if free < req.Minimum(false, false) {
			d.State = Unusable
		}
	case PlacementDevice:
		d.State = AllLocal
		if free < req.Minimum(true, true) {
			d.State = Unusable
		}
	default:
		d.State = AllLocal
		if free < req.Minimum(true, true) {
			d.State = ReferenceRemote
		}
		if d.State == ReferenceRemote && free < req.Minimum(false, true) {
			d.State = AllRemote
		}
		if d.State == AllRemote && free < req.Minimum(false, false) {
			d.State = Unusable
		}
	}

	switch d.State {
	case AllLocal:
		d.Required = req.Minimum(true, true)
		d.Reference, d.Index = DeviceResident, DeviceResident
	case ReferenceRemote:
		d.Required = req.Minimum(false, true)
		d.Reference, d.Index = HostResident, DeviceResident
	case AllRemote:
		d.Required = req.Minimum(false, false)
		d.Reference, d.Index = HostResident, HostResident
	default:
		d.Required = req.Minimum(false, false)
		d.Reference, d.Index = PlacementAbsent, PlacementAbsent
	}
	if req.ReferenceBytes == 0 {
		d.Reference = PlacementAbsent
	}
	if req.IndexBytes == 0 {
		d.Index = PlacementAbsent
	}
	return d
}

// DeviceDescriptor is a device admitted to the pool, with its cached
// placement decision.
type DeviceDescriptor struct {
	Device              Device
	RelativePerformance float64
	Placement           PlacementDecision

	NumBuffers     int
	BytesPerBuffer uint64

	reference     Memory // device-resident payloads
	index         Memory
	referenceView *twobit.Packed
}
