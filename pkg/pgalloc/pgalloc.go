// Copyright 2024 The BakaOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgalloc provides the physical frame allocator.
//
// The allocator manages a physical memory region handed in by boot as a bump
// pointer plus a free list. Frames are handed out as owned handles; releasing
// a handle returns the page to its originating allocator. The allocator also
// implements the kernel linear mapping, letting kernel code address any
// managed frame directly.
package pgalloc

import (
	"errors"
	"sort"
	"sync"

	"github.com/caiyih/bakaos/pkg/mem"
)

// ErrOutOfFrames indicates the managed region is exhausted.
var ErrOutOfFrames = errors.New("out of physical frames")

// DefaultBase is the physical address at which the managed region begins.
// It mirrors the common RAM base of the boards this kernel targets.
const DefaultBase mem.PhysicalAddress = 0x8000_0000

// Allocator is a bump-plus-freelist allocator over one contiguous physical
// memory region.
type Allocator struct {
	mu sync.Mutex

	base mem.PhysicalAddress
	slab []byte

	// next is the bump offset of the first never-allocated byte.
	next uintptr

	// free holds released single frames, unordered.
	free []mem.PhysicalAddress
}

// New creates an allocator managing size bytes of physical memory starting at
// DefaultBase. size is rounded down to a page multiple.
func New(size int) *Allocator {
	size &^= mem.PageSize - 1
	return &Allocator{
		base: DefaultBase,
		slab: make([]byte, size),
	}
}

// Base returns the first managed physical address.
func (a *Allocator) Base() mem.PhysicalAddress {
	return a.base
}

// Size returns the managed region size in bytes.
func (a *Allocator) Size() int {
	return len(a.slab)
}

// Frame is an owned handle to one physical page. Releasing it returns the
// page to its originating allocator.
type Frame struct {
	paddr    mem.PhysicalAddress
	alloc    *Allocator
	released bool
}

// Paddr returns the frame's physical address.
func (f *Frame) Paddr() mem.PhysicalAddress {
	return f.paddr
}

// PPN returns the frame's physical page number.
func (f *Frame) PPN() mem.PhysicalPageNum {
	return f.paddr.FloorPage()
}

// Release returns the page to its allocator. Releasing twice is a no-op.
func (f *Frame) Release() {
	if f == nil || f.released {
		return
	}
	f.released = true
	f.alloc.dealloc(f.paddr)
}

// FrameRange is an owned handle to a physically contiguous run of pages
// [Start, End). Releasing it returns the whole run.
type FrameRange struct {
	Start mem.PhysicalAddress
	End   mem.PhysicalAddress

	alloc    *Allocator
	released bool
}

// Len returns the run length in bytes.
func (r *FrameRange) Len() int {
	return int(r.End - r.Start)
}

// Release returns the run to its allocator. Releasing twice is a no-op.
func (r *FrameRange) Release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	r.alloc.mu.Lock()
	defer r.alloc.mu.Unlock()
	for p := r.Start; p < r.End; p += mem.PageSize {
		r.alloc.free = append(r.alloc.free, p)
	}
}

// AllocFrame hands out one zeroed frame.
func (a *Allocator) AllocFrame() (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		p := a.free[n-1]
		a.free = a.free[:n-1]
		a.zero(p)
		return &Frame{paddr: p, alloc: a}, nil
	}

	if a.next+mem.PageSize > uintptr(len(a.slab)) {
		return nil, ErrOutOfFrames
	}
	p := a.base + mem.PhysicalAddress(a.next)
	a.next += mem.PageSize
	// Bump memory is already zero on first hand-out.
	return &Frame{paddr: p, alloc: a}, nil
}

// AllocContiguous hands out a zeroed run of n contiguous frames. The free
// list is searched for a run first; the bump pointer is the fallback.
func (a *Allocator) AllocContiguous(n int) (*FrameRange, error) {
	if n <= 0 {
		return nil, ErrOutOfFrames
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if start, ok := a.takeFreeRun(n); ok {
		for p := start; p < start+mem.PhysicalAddress(n*mem.PageSize); p += mem.PageSize {
			a.zero(p)
		}
		return &FrameRange{Start: start, End: start + mem.PhysicalAddress(n*mem.PageSize), alloc: a}, nil
	}

	size := uintptr(n) * mem.PageSize
	if a.next+size > uintptr(len(a.slab)) {
		return nil, ErrOutOfFrames
	}
	start := a.base + mem.PhysicalAddress(a.next)
	a.next += size
	return &FrameRange{Start: start, End: start + mem.PhysicalAddress(size), alloc: a}, nil
}

// takeFreeRun removes and returns a run of n consecutive pages from the free
// list, if one exists.
func (a *Allocator) takeFreeRun(n int) (mem.PhysicalAddress, bool) {
	if len(a.free) < n {
		return 0, false
	}

	sort.Slice(a.free, func(i, j int) bool { return a.free[i] < a.free[j] })

	runStart := 0
	for i := 1; i <= len(a.free); i++ {
		if i == len(a.free) || a.free[i] != a.free[i-1]+mem.PageSize {
			if i-runStart >= n {
				start := a.free[runStart]
				a.free = append(a.free[:runStart], a.free[runStart+n:]...)
				return start, true
			}
			runStart = i
		}
	}
	return 0, false
}

func (a *Allocator) dealloc(p mem.PhysicalAddress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, p)
}

func (a *Allocator) zero(p mem.PhysicalAddress) {
	off := uintptr(p - a.base)
	b := a.slab[off : off+mem.PageSize]
	for i := range b {
		b[i] = 0
	}
}

// Contains reports whether [p, p+n) lies within the managed region.
func (a *Allocator) Contains(p mem.PhysicalAddress, n int) bool {
	if p < a.base || n < 0 {
		return false
	}
	off := uintptr(p - a.base)
	return off+uintptr(n) <= uintptr(len(a.slab))
}

// Slice implements mmu.PhysicalMemory, exposing the linear mapping of
// [p, p+n).
func (a *Allocator) Slice(p mem.PhysicalAddress, n int) ([]byte, error) {
	if !a.Contains(p, n) {
		return nil, errors.New("physical range not managed")
	}
	off := uintptr(p - a.base)
	return a.slab[off : off+uintptr(n) : off+uintptr(n)], nil
}
