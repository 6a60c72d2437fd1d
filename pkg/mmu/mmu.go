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

// Package mmu defines the architecture-independent MMU contract: the generic
// mapping flags, the page sizes, and the operations every page-table
// implementation provides to the rest of the memory subsystem.
package mmu

import (
	"github.com/caiyih/bakaos/pkg/mem"
)

// GenericMappingFlags is the architecture-independent permission bitset
// carried by leaf mappings. Each supported architecture supplies two
// conversions: to the hardware encoding (adding Valid/Present/Dirty/Accessed
// where the architecture requires them so that a freshly installed entry is
// immediately usable) and the lossy inverse used for queries.
type GenericMappingFlags uint64

const (
	// FlagReadable marks the mapping readable.
	FlagReadable GenericMappingFlags = 1 << 0
	// FlagWritable marks the mapping writable.
	FlagWritable GenericMappingFlags = 1 << 1
	// FlagExecutable marks the mapping executable.
	FlagExecutable GenericMappingFlags = 1 << 2
	// FlagUser makes the mapping reachable from user privilege.
	FlagUser GenericMappingFlags = 1 << 3
	// FlagKernel makes the mapping reachable from kernel privilege.
	FlagKernel GenericMappingFlags = 1 << 4
	// FlagDevice selects the strongly-ordered uncached access type.
	FlagDevice GenericMappingFlags = 1 << 5
	// FlagUncached selects the weakly-ordered uncached access type.
	FlagUncached GenericMappingFlags = 1 << 6
)

// Contains returns true if every bit of other is set in f.
func (f GenericMappingFlags) Contains(other GenericMappingFlags) bool {
	return f&other == other
}

// Intersects returns true if f and other share at least one bit.
func (f GenericMappingFlags) Intersects(other GenericMappingFlags) bool {
	return f&other != 0
}

// PageSize is a translation granule. The three named sizes correspond to the
// levels of a 512-entry radix page table; any other multiple of the base page
// size is a custom size.
type PageSize uintptr

const (
	// Size4K is the base page size.
	Size4K PageSize = 1 << 12
	// Size2M is the level-2 huge page size.
	Size2M PageSize = 1 << 21
	// Size1G is the level-3 huge page size.
	Size1G PageSize = 1 << 30
)

// Bytes returns the size in bytes.
func (s PageSize) Bytes() uintptr {
	return uintptr(s)
}

// PhysicalMemory provides kernel access to physical frames through the boot
// linear mapping.
type PhysicalMemory interface {
	// Slice returns the linear-mapped bytes backing [p, p+n). It fails if
	// the range is not backed by managed physical memory.
	Slice(p mem.PhysicalAddress, n int) ([]byte, error)
}

// InspectFunc receives one physically contiguous run of guest memory together
// with its offset into the total inspected range. Returning false stops the
// walk early.
type InspectFunc func(b []byte, offset int) bool

// MMU is a guest address space translation structure.
//
// Map, unmap, query and the byte-transfer operations are serialized
// internally; callers never hold an MMU lock themselves. The buffer-mapping
// operations bridge guest virtual ranges to kernel-accessible slices under
// live permission checks and are the only sanctioned way for kernel code to
// touch user-visible memory.
type MMU interface {
	// MapSingle installs a leaf translation of the given size. It fails
	// with ErrAlreadyMapped if the leaf is occupied and ErrNotAligned if
	// either address is misaligned.
	MapSingle(v mem.VirtualAddress, p mem.PhysicalAddress, size PageSize, flags GenericMappingFlags) error

	// UnmapSingle removes the leaf translation covering v and returns the
	// physical address and size it carried. It fails with ErrNotMapped if
	// no translation is present.
	UnmapSingle(v mem.VirtualAddress) (mem.PhysicalAddress, PageSize, error)

	// RemapSingle points the existing leaf covering v at a new physical
	// address with new flags, preserving the page size.
	RemapSingle(v mem.VirtualAddress, p mem.PhysicalAddress, flags GenericMappingFlags) (PageSize, error)

	// QueryVirtual translates v, returning the physical address (with the
	// in-page offset applied), the generic flags and the page size.
	QueryVirtual(v mem.VirtualAddress) (mem.PhysicalAddress, GenericMappingFlags, PageSize, error)

	// CreateOrUpdateSingle creates or updates the leaf for v at the given
	// size. A nil paddr or flags leaves that half of the entry unchanged.
	CreateOrUpdateSingle(v mem.VirtualAddress, size PageSize, p *mem.PhysicalAddress, flags *GenericMappingFlags) error

	// ReadBytes copies len(buf) bytes from guest memory at v through the
	// linear mapping, splitting across frame boundaries.
	ReadBytes(v mem.VirtualAddress, buf []byte) error

	// WriteBytes copies buf into guest memory at v through the linear
	// mapping, splitting across frame boundaries.
	WriteBytes(v mem.VirtualAddress, buf []byte) error

	// InspectFramed invokes cb for each physically contiguous run within
	// [v, v+n), enforcing User and Readable on every touched page.
	InspectFramed(v mem.VirtualAddress, n int, cb InspectFunc) error

	// InspectFramedMut is InspectFramed with mutable runs; it additionally
	// enforces Writable.
	InspectFramedMut(v mem.VirtualAddress, n int, cb InspectFunc) error

	// TranslatePhys returns the linear-mapped bytes for [p, p+n). Kernel
	// use only; no guest permission check applies.
	TranslatePhys(p mem.PhysicalAddress, n int) ([]byte, error)

	// MapBuffer returns a kernel-accessible read view of [v, v+n) subject
	// to permission checks. The view stays valid until UnmapBuffer.
	MapBuffer(v mem.VirtualAddress, n int) ([]byte, error)

	// MapBufferMut returns a kernel-accessible write view of [v, v+n).
	// Implementations that cannot linearly map the guest frames return a
	// bounce buffer whose contents are written back on UnmapBuffer.
	MapBufferMut(v mem.VirtualAddress, n int) ([]byte, error)

	// UnmapBuffer releases a view previously returned by MapBuffer or
	// MapBufferMut; v may be any address inside the view.
	UnmapBuffer(v mem.VirtualAddress)

	// MapCross acquires a read view of src's guest range [v, v+n) for use
	// while this MMU is the active translation. The receiver is locked
	// before src.
	MapCross(src MMU, v mem.VirtualAddress, n int) ([]byte, error)

	// MapCrossMut is MapCross with a writable view.
	MapCrossMut(src MMU, v mem.VirtualAddress, n int) ([]byte, error)

	// UnmapCross releases a view acquired with MapCross or MapCrossMut.
	UnmapCross(src MMU, v mem.VirtualAddress)

	// PlatformPayload returns the value to install into the hardware
	// page-table pointer register.
	PlatformPayload() uintptr

	// Release frees every table frame owned by this MMU. It is a no-op
	// for borrowed translation structures.
	Release()
}
