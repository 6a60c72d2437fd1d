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

package pagetables

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/pgalloc"
)

const numEntries = 512

// PageTables is a radix page table over the Arch entry encoding. It
// implements mmu.MMU.
//
// Table-level frames are owned by the instance and freed on Release. A
// borrowed instance (root given externally, no allocator) refuses any
// mutating operation.
type PageTables[A Arch] struct {
	arch A

	// mu serializes every translation operation. The frame allocator has
	// its own lock and is only acquired while mu is held briefly for
	// table-frame allocation; the reverse order never occurs.
	mu sync.Mutex

	root  mem.PhysicalAddress
	phys  mmu.PhysicalMemory
	alloc *pgalloc.Allocator

	tableFrames []*pgalloc.Frame

	// buffers tracks live views handed out by MapBuffer/MapBufferMut,
	// keyed by their base guest address.
	buffers map[mem.VirtualAddress]*mappedBuffer
}

// New allocates a fresh page table whose root and intermediate table frames
// come from alloc.
func New[A Arch](arch A, phys mmu.PhysicalMemory, alloc *pgalloc.Allocator) (*PageTables[A], error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return nil, mmu.ErrOutOfMemory
	}
	log.Debugf("allocated page table root at %#x", uintptr(frame.Paddr()))
	return &PageTables[A]{
		arch:        arch,
		root:        frame.Paddr(),
		phys:        phys,
		alloc:       alloc,
		tableFrames: []*pgalloc.Frame{frame},
		buffers:     make(map[mem.VirtualAddress]*mappedBuffer),
	}, nil
}

// Borrow wraps an externally owned root frame. The result can translate and
// inspect but refuses every mutating operation with ErrCanNotModify.
func Borrow[A Arch](arch A, root mem.PhysicalAddress, phys mmu.PhysicalMemory) *PageTables[A] {
	return &PageTables[A]{
		arch:    arch,
		root:    root,
		phys:    phys,
		buffers: make(map[mem.VirtualAddress]*mappedBuffer),
	}
}

// Root returns the root table frame address.
func (pt *PageTables[A]) Root() mem.PhysicalAddress {
	return pt.root
}

// PlatformPayload implements mmu.MMU.PlatformPayload.
func (pt *PageTables[A]) PlatformPayload() uintptr {
	return pt.arch.PlatformPayload(pt.root)
}

// Release implements mmu.MMU.Release.
func (pt *PageTables[A]) Release() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, f := range pt.tableFrames {
		f.Release()
	}
	pt.tableFrames = nil
}

// entryRef locates one entry word inside a linear-mapped table frame.
type entryRef struct {
	b []byte
}

func (e entryRef) load() uint64 {
	return binary.LittleEndian.Uint64(e.b)
}

func (e entryRef) store(v uint64) {
	binary.LittleEndian.PutUint64(e.b, v)
}

func p4Index(va uintptr) int { return int(va>>(mem.PageShift+27)) & (numEntries - 1) }
func p3Index(va uintptr) int { return int(va>>(mem.PageShift+18)) & (numEntries - 1) }
func p2Index(va uintptr) int { return int(va>>(mem.PageShift+9)) & (numEntries - 1) }
func p1Index(va uintptr) int { return int(va>>mem.PageShift) & (numEntries - 1) }

func entry(table []byte, idx int) entryRef {
	return entryRef{b: table[idx*8 : idx*8+8]}
}

func (pt *PageTables[A]) tableOf(p mem.PhysicalAddress) ([]byte, error) {
	if !p.IsPageAligned() {
		return nil, mmu.ErrNotAligned
	}
	if p.IsNull() {
		return nil, mmu.ErrNotMapped
	}
	b, err := pt.phys.Slice(p, mem.PageSize)
	if err != nil {
		return nil, mmu.ErrNotMapped
	}
	return b, nil
}

func (pt *PageTables[A]) nextLevel(e entryRef) ([]byte, error) {
	w := e.load()
	if !pt.arch.IsTableLinked(w) {
		return nil, mmu.ErrNotMapped
	}
	if pt.arch.IsHuge(w) {
		return nil, mmu.ErrMappedToHugePage
	}
	return pt.tableOf(pt.arch.Paddr(w))
}

// getEntry walks down to the entry covering v, returning it with the page
// size at which it terminates the walk.
func (pt *PageTables[A]) getEntry(v mem.VirtualAddress) (entryRef, mmu.PageSize, error) {
	va := uintptr(v)

	var l3 []byte
	switch pt.arch.Levels() {
	case 3:
		t, err := pt.tableOf(pt.root)
		if err != nil {
			return entryRef{}, 0, err
		}
		l3 = t
	case 4:
		l4, err := pt.tableOf(pt.root)
		if err != nil {
			return entryRef{}, 0, err
		}
		t, err := pt.nextLevel(entry(l4, p4Index(va)))
		if err != nil {
			return entryRef{}, 0, err
		}
		l3 = t
	default:
		panic("unsupported page table depth")
	}

	e3 := entry(l3, p3Index(va))
	if pt.arch.IsHuge(e3.load()) {
		return e3, mmu.Size1G, nil
	}

	l2, err := pt.nextLevel(e3)
	if err != nil {
		return entryRef{}, 0, err
	}
	e2 := entry(l2, p2Index(va))
	if pt.arch.IsHuge(e2.load()) {
		return e2, mmu.Size2M, nil
	}

	l1, err := pt.nextLevel(e2)
	if err != nil {
		return entryRef{}, 0, err
	}
	return entry(l1, p1Index(va)), mmu.Size4K, nil
}

func (pt *PageTables[A]) getEntryMut(v mem.VirtualAddress) (entryRef, mmu.PageSize, error) {
	if pt.alloc == nil {
		return entryRef{}, 0, mmu.ErrCanNotModify
	}
	return pt.getEntry(v)
}

// getCreateEntry walks down to the entry for v at the requested size,
// allocating and linking intermediate tables as needed.
func (pt *PageTables[A]) getCreateEntry(v mem.VirtualAddress, size mmu.PageSize) (entryRef, error) {
	if pt.alloc == nil {
		return entryRef{}, mmu.ErrCanNotModify
	}
	if !v.IsPageAligned() {
		return entryRef{}, mmu.ErrNotAligned
	}

	va := uintptr(v)

	var l3 []byte
	switch pt.arch.Levels() {
	case 3:
		t, err := pt.tableOf(pt.root)
		if err != nil {
			return entryRef{}, err
		}
		l3 = t
	case 4:
		l4, err := pt.tableOf(pt.root)
		if err != nil {
			return entryRef{}, err
		}
		t, err := pt.getCreateNextLevel(entry(l4, p4Index(va)))
		if err != nil {
			return entryRef{}, err
		}
		l3 = t
	default:
		panic("unsupported page table depth")
	}

	e3 := entry(l3, p3Index(va))
	if size == mmu.Size1G {
		return e3, nil
	}

	l2, err := pt.getCreateNextLevel(e3)
	if err != nil {
		return entryRef{}, err
	}
	e2 := entry(l2, p2Index(va))
	if size == mmu.Size2M {
		return e2, nil
	}

	l1, err := pt.getCreateNextLevel(e2)
	if err != nil {
		return entryRef{}, err
	}
	return entry(l1, p1Index(va)), nil
}

func (pt *PageTables[A]) getCreateNextLevel(e entryRef) ([]byte, error) {
	if e.load() == 0 {
		frame, err := pt.alloc.AllocFrame()
		if err != nil {
			return nil, mmu.ErrOutOfMemory
		}
		pt.tableFrames = append(pt.tableFrames, frame)
		e.store(pt.arch.NewTable(frame.Paddr()))
		return pt.tableOf(frame.Paddr())
	}
	return pt.nextLevel(e)
}

// MapSingle implements mmu.MMU.MapSingle.
func (pt *PageTables[A]) MapSingle(v mem.VirtualAddress, target mem.PhysicalAddress, size mmu.PageSize, flags mmu.GenericMappingFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if !target.IsPageAligned() {
		return mmu.ErrNotAligned
	}

	e, err := pt.getCreateEntry(v, size)
	if err != nil {
		return err
	}
	if e.load() != 0 {
		return mmu.ErrAlreadyMapped
	}
	e.store(pt.arch.NewPage(target.PageDown(), flags, size != mmu.Size4K))
	return nil
}

// RemapSingle implements mmu.MMU.RemapSingle.
func (pt *PageTables[A]) RemapSingle(v mem.VirtualAddress, target mem.PhysicalAddress, flags mmu.GenericMappingFlags) (mmu.PageSize, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if !target.IsPageAligned() {
		return 0, mmu.ErrNotAligned
	}

	e, size, err := pt.getEntryMut(v)
	if err != nil {
		return 0, err
	}
	w := pt.arch.SetPaddr(e.load(), target)
	w = pt.arch.SetFlags(w, flags, size != mmu.Size4K)
	e.store(w)
	return size, nil
}

// UnmapSingle implements mmu.MMU.UnmapSingle.
func (pt *PageTables[A]) UnmapSingle(v mem.VirtualAddress) (mem.PhysicalAddress, mmu.PageSize, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, size, err := pt.getEntryMut(v)
	if err != nil {
		return 0, 0, err
	}
	w := e.load()
	if !pt.arch.IsPresent(w) {
		e.store(0)
		return 0, 0, mmu.ErrNotMapped
	}
	paddr := pt.arch.Paddr(w)
	e.store(0)
	return paddr, size, nil
}

// QueryVirtual implements mmu.MMU.QueryVirtual.
func (pt *PageTables[A]) QueryVirtual(v mem.VirtualAddress) (mem.PhysicalAddress, mmu.GenericMappingFlags, mmu.PageSize, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.queryLocked(v)
}

func (pt *PageTables[A]) queryLocked(v mem.VirtualAddress) (mem.PhysicalAddress, mmu.GenericMappingFlags, mmu.PageSize, error) {
	e, size, err := pt.getEntry(v.PageDown())
	if err != nil {
		return 0, 0, 0, err
	}
	w := e.load()
	if w == 0 {
		return 0, 0, 0, mmu.ErrNotMapped
	}
	offset := uintptr(v) & (size.Bytes() - 1)
	return pt.arch.Paddr(w) + mem.PhysicalAddress(offset), pt.arch.Flags(w), size, nil
}

// CreateOrUpdateSingle implements mmu.MMU.CreateOrUpdateSingle.
func (pt *PageTables[A]) CreateOrUpdateSingle(v mem.VirtualAddress, size mmu.PageSize, p *mem.PhysicalAddress, flags *mmu.GenericMappingFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, err := pt.getCreateEntry(v, size)
	if err != nil {
		return err
	}
	w := e.load()
	if p != nil {
		w = pt.arch.SetPaddr(w, *p)
	}
	if flags != nil {
		w = pt.arch.SetFlags(w, *flags, size != mmu.Size4K)
	}
	e.store(w)
	return nil
}

// TranslatePhys implements mmu.MMU.TranslatePhys.
func (pt *PageTables[A]) TranslatePhys(p mem.PhysicalAddress, n int) ([]byte, error) {
	b, err := pt.phys.Slice(p, n)
	if err != nil {
		return nil, mmu.ErrAccessFault
	}
	return b, nil
}

// ReadBytes implements mmu.MMU.ReadBytes.
func (pt *PageTables[A]) ReadBytes(v mem.VirtualAddress, buf []byte) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.readBytesLocked(v, buf)
}

func (pt *PageTables[A]) readBytesLocked(v mem.VirtualAddress, buf []byte) error {
	return pt.linearLocked(v, len(buf), func(b []byte, offset int) bool {
		copy(buf[offset:offset+len(b)], b)
		return true
	})
}

// WriteBytes implements mmu.MMU.WriteBytes.
func (pt *PageTables[A]) WriteBytes(v mem.VirtualAddress, buf []byte) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.writeBytesLocked(v, buf)
}

func (pt *PageTables[A]) writeBytesLocked(v mem.VirtualAddress, buf []byte) error {
	return pt.linearLocked(v, len(buf), func(b []byte, offset int) bool {
		copy(b, buf[offset:offset+len(b)])
		return true
	})
}

// linearLocked walks [v, v+n) through the linear mapping, handing each
// physically contiguous run to cb. Only the User flag is enforced; the
// callers are kernel paths that read and write on the guest's behalf.
func (pt *PageTables[A]) linearLocked(v mem.VirtualAddress, n int, cb mmu.InspectFunc) error {
	if v.IsNull() {
		return mmu.ErrInvalidAddress
	}

	cur := v
	remaining := n
	offset := 0

	for remaining > 0 {
		paddr, flags, size, err := pt.queryLocked(cur)
		if err != nil {
			return mmu.FromPagingError(err)
		}
		if !flags.Contains(mmu.FlagUser) {
			return mmu.ErrPrivilegeError
		}

		frameBase := paddr.AlignDown(size.Bytes())
		frameRemain := int(size.Bytes()) - int(paddr-frameBase)
		avail := remaining
		if frameRemain < avail {
			avail = frameRemain
		}

		b, err := pt.phys.Slice(paddr, avail)
		if err != nil {
			return mmu.ErrAccessFault
		}
		if !cb(b, offset) {
			return nil
		}

		cur = cur.Add(frameRemain)
		remaining -= avail
		offset += avail
	}

	return nil
}

// InspectFramed implements mmu.MMU.InspectFramed.
func (pt *PageTables[A]) InspectFramed(v mem.VirtualAddress, n int, cb mmu.InspectFunc) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.inspectLocked(v, n, false, cb)
}

// InspectFramedMut implements mmu.MMU.InspectFramedMut.
func (pt *PageTables[A]) InspectFramedMut(v mem.VirtualAddress, n int, cb mmu.InspectFunc) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.inspectLocked(v, n, true, cb)
}

func (pt *PageTables[A]) inspectLocked(v mem.VirtualAddress, n int, mutable bool, cb mmu.InspectFunc) error {
	if v.IsNull() {
		return mmu.ErrInvalidAddress
	}

	cur := v
	remaining := n
	offset := 0

	for remaining > 0 {
		paddr, flags, size, err := pt.queryLocked(cur)
		if err != nil {
			return mmu.FromPagingError(err)
		}
		if err := ensurePermission(cur, flags, mutable); err != nil {
			return err
		}

		frameBase := paddr.AlignDown(size.Bytes())
		frameRemain := int(size.Bytes()) - int(paddr-frameBase)
		avail := remaining
		if frameRemain < avail {
			avail = frameRemain
		}

		b, err := pt.phys.Slice(paddr, avail)
		if err != nil {
			return mmu.ErrAccessFault
		}
		if !cb(b, offset) {
			return nil
		}

		cur = cur.Add(frameRemain)
		remaining -= avail
		offset += avail
	}

	return nil
}

func ensurePermission(v mem.VirtualAddress, flags mmu.GenericMappingFlags, mutable bool) error {
	if !flags.Contains(mmu.FlagUser) {
		return mmu.ErrPrivilegeError
	}
	if !flags.Contains(mmu.FlagReadable) {
		return &mmu.PageNotReadableError{Vaddr: v}
	}
	if mutable && !flags.Contains(mmu.FlagWritable) {
		return &mmu.PageNotWritableError{Vaddr: v}
	}
	return nil
}
