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

// Package memspace implements the per-process address space: an owned,
// ordered collection of mapping areas over an MMU, with frame ownership,
// brk resizing and eager deep cloning.
//
// Lock order:
//
//	MemorySpace.mu
//		MMU internal lock
//		allocator internal lock
//
// A MemorySpace is held exclusively by its owning process; other processes
// never take its lock.
package memspace

import (
	"errors"
	"sync"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/pgalloc"
)

// UserStackSize is the size of the initial user stack region.
const UserStackSize = 8 << 20

var (
	// ErrNoBrkArea indicates the space was not laid out by the loader.
	ErrNoBrkArea = errors.New("no brk area")
	// ErrBrkOutOfRange indicates a brk resize below the area start or
	// into the adjacent mapping.
	ErrBrkOutOfRange = errors.New("brk out of range")
)

// Attribute captures the layout produced by the loader.
type Attribute struct {
	ElfArea          mem.VirtualAddressRange
	SignalTrampoline mem.VirtualPageNum
	StackGuardBase   mem.VirtualAddressRange
	StackRange       mem.VirtualAddressRange
	StackGuardTop    mem.VirtualAddressRange
	BrkStart         mem.VirtualAddress
}

// MemorySpace is a process address space.
type MemorySpace struct {
	mu sync.Mutex

	m     mmu.MMU
	alloc *pgalloc.Allocator

	// areas is ordered by range start. No two areas overlap.
	areas *btree.BTreeG[*MappingArea]

	attr    Attribute
	brkArea *MappingArea
}

// New creates an empty memory space over the given MMU and allocator.
func New(m mmu.MMU, alloc *pgalloc.Allocator) *MemorySpace {
	return &MemorySpace{
		m:     m,
		alloc: alloc,
		areas: btree.NewG(4, func(a, b *MappingArea) bool {
			return a.Range.Start < b.Range.Start
		}),
	}
}

// MMU returns the space's translation structure.
func (ms *MemorySpace) MMU() mmu.MMU {
	return ms.m
}

// Allocator returns the space's frame allocator.
func (ms *MemorySpace) Allocator() *pgalloc.Allocator {
	return ms.alloc
}

// Init installs the layout attribute once the loader has placed every area.
func (ms *MemorySpace) Init(attr Attribute) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.attr = attr
	ms.brkArea = ms.findAreaLocked(func(a *MappingArea) bool { return a.Type == AreaUserBrk })
}

// Attribute returns the layout attribute.
func (ms *MemorySpace) Attribute() Attribute {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.attr
}

// Mappings returns the areas in ascending start order.
func (ms *MemorySpace) Mappings() []*MappingArea {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*MappingArea, 0, ms.areas.Len())
	ms.areas.Ascend(func(a *MappingArea) bool {
		out = append(out, a)
		return true
	})
	return out
}

// AllocAndMapArea allocates one frame per page of the area, installs the
// translations, and takes ownership of the area. This is the only way new
// frames enter an address space. On failure every frame already installed is
// unwound before returning.
func (ms *MemorySpace) AllocAndMapArea(a *MappingArea) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.allocAndMapAreaLocked(a)
}

func (ms *MemorySpace) allocAndMapAreaLocked(a *MappingArea) error {
	for vpn := a.Range.Start; vpn < a.Range.End; vpn++ {
		if err := ms.mapOnePageLocked(a, vpn); err != nil {
			ms.unwindAreaLocked(a)
			return err
		}
	}
	ms.areas.ReplaceOrInsert(a)
	return nil
}

func (ms *MemorySpace) mapOnePageLocked(a *MappingArea, vpn mem.VirtualPageNum) error {
	frame, err := ms.alloc.AllocFrame()
	if err != nil {
		return mmu.ErrOutOfMemory
	}
	if err := ms.m.MapSingle(vpn.StartAddr(), frame.Paddr(), mmu.Size4K, a.Permissions); err != nil {
		frame.Release()
		return err
	}
	a.frames[vpn] = frame
	return nil
}

// unwindAreaLocked clears every translation the area installed and releases
// its frames. The PTE is cleared before the frame is freed.
func (ms *MemorySpace) unwindAreaLocked(a *MappingArea) {
	for vpn, frame := range a.frames {
		// Guard pages encode with no present bit, so the unmap of a
		// cleared-permission page reports not-mapped; the entry is
		// still cleared.
		if _, _, err := ms.m.UnmapSingle(vpn.StartAddr()); err != nil && !errors.Is(err, mmu.ErrNotMapped) {
			log.Warnf("unmap of owned page %#x failed: %v", uintptr(vpn.StartAddr()), err)
		}
		frame.Release()
		delete(a.frames, vpn)
	}
}

// UnmapFirstAreaThat removes the first area matching pred, clearing its
// translations and releasing its frames. It reports whether an area matched.
func (ms *MemorySpace) UnmapFirstAreaThat(pred func(*MappingArea) bool) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	a := ms.findAreaLocked(pred)
	if a == nil {
		return false
	}
	ms.areas.Delete(a)
	ms.unwindAreaLocked(a)
	return true
}

// UnmapAllAreasThat removes every area matching pred.
func (ms *MemorySpace) UnmapAllAreasThat(pred func(*MappingArea) bool) {
	for ms.UnmapFirstAreaThat(pred) {
	}
}

// UnmapAreaStartsWith removes the area whose range starts at vpn.
func (ms *MemorySpace) UnmapAreaStartsWith(vpn mem.VirtualPageNum) bool {
	return ms.UnmapFirstAreaThat(func(a *MappingArea) bool { return a.Range.Start == vpn })
}

// AreaContaining returns the area whose range contains vpn, if any.
func (ms *MemorySpace) AreaContaining(vpn mem.VirtualPageNum) *MappingArea {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.findAreaLocked(func(a *MappingArea) bool { return a.Contains(vpn) })
}

func (ms *MemorySpace) findAreaLocked(pred func(*MappingArea) bool) *MappingArea {
	var found *MappingArea
	ms.areas.Ascend(func(a *MappingArea) bool {
		if pred(a) {
			found = a
			return false
		}
		return true
	})
	return found
}

// BrkRange returns the current program break range.
func (ms *MemorySpace) BrkRange() (mem.VirtualPageRange, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.brkArea == nil {
		return mem.VirtualPageRange{}, ErrNoBrkArea
	}
	return ms.brkArea.Range, nil
}

// IncreaseBrk grows the brk area so its end page becomes newEnd, allocating
// frames for the new pages. The grown range must not cross into the adjacent
// mapping.
func (ms *MemorySpace) IncreaseBrk(newEnd mem.VirtualPageNum) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.brkArea == nil {
		return ErrNoBrkArea
	}
	a := ms.brkArea
	if newEnd < a.Range.Start {
		return ErrBrkOutOfRange
	}
	oldEnd := a.Range.End
	if newEnd <= oldEnd {
		return nil
	}

	// The resulting end page must not cross into the next mapping.
	crosses := false
	ms.areas.AscendGreaterOrEqual(a, func(next *MappingArea) bool {
		if next == a {
			return true
		}
		crosses = newEnd > next.Range.Start
		return false
	})
	if crosses {
		return ErrBrkOutOfRange
	}

	for vpn := oldEnd; vpn < newEnd; vpn++ {
		if err := ms.mapOnePageLocked(a, vpn); err != nil {
			for undo := oldEnd; undo < vpn; undo++ {
				ms.unmapOnePageLocked(a, undo)
			}
			return err
		}
	}
	a.Range.End = newEnd
	return nil
}

// ShrinkBrk unmaps the tail of the brk area so its end page becomes newEnd.
func (ms *MemorySpace) ShrinkBrk(newEnd mem.VirtualPageNum) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.brkArea == nil {
		return ErrNoBrkArea
	}
	a := ms.brkArea
	if newEnd > a.Range.End || newEnd < a.Range.Start {
		return ErrBrkOutOfRange
	}

	for vpn := newEnd; vpn < a.Range.End; vpn++ {
		ms.unmapOnePageLocked(a, vpn)
	}
	a.Range.End = newEnd
	return nil
}

func (ms *MemorySpace) unmapOnePageLocked(a *MappingArea, vpn mem.VirtualPageNum) {
	if _, _, err := ms.m.UnmapSingle(vpn.StartAddr()); err != nil && !errors.Is(err, mmu.ErrNotMapped) {
		log.Warnf("unmap of owned page %#x failed: %v", uintptr(vpn.StartAddr()), err)
	}
	if frame, ok := a.frames[vpn]; ok {
		frame.Release()
		delete(a.frames, vpn)
	}
}

// CloneExisting builds an eager, non-shared copy of them into a fresh memory
// space over newMMU: same attribute, same area geometry, fresh frames with
// every page copied byte-for-byte through the linear mapping.
func CloneExisting(them *MemorySpace, newMMU mmu.MMU) (*MemorySpace, error) {
	them.mu.Lock()
	defer them.mu.Unlock()

	this := New(newMMU, them.alloc)
	this.attr = them.attr

	ok := true
	var cloneErr error
	them.areas.Ascend(func(src *MappingArea) bool {
		dst := src.cloneShape()
		if err := this.allocAndMapAreaLocked(dst); err != nil {
			cloneErr = err
			ok = false
			return false
		}
		if dst.Type == AreaUserBrk {
			this.brkArea = dst
		}
		for vpn := src.Range.Start; vpn < src.Range.End; vpn++ {
			srcFrame, srcOK := src.Frame(vpn)
			dstFrame, dstOK := dst.Frame(vpn)
			if !srcOK || !dstOK {
				continue
			}
			from, err := them.m.TranslatePhys(srcFrame.Paddr(), mem.PageSize)
			if err != nil {
				cloneErr = err
				ok = false
				return false
			}
			to, err := this.m.TranslatePhys(dstFrame.Paddr(), mem.PageSize)
			if err != nil {
				cloneErr = err
				ok = false
				return false
			}
			copy(to, from)
		}
		return true
	})

	if !ok {
		this.releaseLocked()
		return nil, cloneErr
	}
	return this, nil
}

// Release tears down every area and the translation structure, returning all
// owned frames to the allocator.
func (ms *MemorySpace) Release() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.releaseLocked()
}

func (ms *MemorySpace) releaseLocked() {
	var all []*MappingArea
	ms.areas.Ascend(func(a *MappingArea) bool {
		all = append(all, a)
		return true
	})
	for _, a := range all {
		ms.areas.Delete(a)
		ms.unwindAreaLocked(a)
	}
	ms.brkArea = nil
	ms.m.Release()
}
