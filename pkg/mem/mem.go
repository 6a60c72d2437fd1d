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

// Package mem defines guest virtual and physical addresses, page numbers and
// address ranges used throughout the virtual memory subsystem.
//
// Addresses are opaque wrappers over a machine word. A page number is the
// address divided by PageSize; conversions always state whether they round
// down (floor) or up (ceil).
package mem

// PageShift is log2 of the base page size.
const PageShift = 12

// PageSize is the base translation granule, in bytes.
const PageSize = 1 << PageShift

// VirtualAddress is an address in some guest address space.
type VirtualAddress uintptr

// PhysicalAddress is an address in the machine physical address space.
type PhysicalAddress uintptr

// IsNull returns true if v is the null address.
func (v VirtualAddress) IsNull() bool {
	return v == 0
}

// IsPageAligned returns true if v is aligned to PageSize.
func (v VirtualAddress) IsPageAligned() bool {
	return v%PageSize == 0
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func (v VirtualAddress) AlignDown(align uintptr) VirtualAddress {
	return v &^ VirtualAddress(align-1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func (v VirtualAddress) AlignUp(align uintptr) VirtualAddress {
	return (v + VirtualAddress(align-1)) &^ VirtualAddress(align-1)
}

// PageDown rounds v down to the containing page boundary.
func (v VirtualAddress) PageDown() VirtualAddress {
	return v.AlignDown(PageSize)
}

// PageUp rounds v up to the next page boundary.
func (v VirtualAddress) PageUp() VirtualAddress {
	return v.AlignUp(PageSize)
}

// PageOffset returns the offset of v within its page.
func (v VirtualAddress) PageOffset() uintptr {
	return uintptr(v) % PageSize
}

// Add returns v advanced by n bytes.
func (v VirtualAddress) Add(n int) VirtualAddress {
	return VirtualAddress(int64(v) + int64(n))
}

// Diff returns v - other in bytes.
func (v VirtualAddress) Diff(other VirtualAddress) int {
	return int(int64(v) - int64(other))
}

// FloorPage returns the page number containing v.
func (v VirtualAddress) FloorPage() VirtualPageNum {
	return VirtualPageNum(v >> PageShift)
}

// CeilPage returns the lowest page number at or above v.
func (v VirtualAddress) CeilPage() VirtualPageNum {
	return VirtualPageNum((v + PageSize - 1) >> PageShift)
}

// IsNull returns true if p is the null address.
func (p PhysicalAddress) IsNull() bool {
	return p == 0
}

// IsPageAligned returns true if p is aligned to PageSize.
func (p PhysicalAddress) IsPageAligned() bool {
	return p%PageSize == 0
}

// AlignDown rounds p down to a multiple of align, which must be a power of
// two.
func (p PhysicalAddress) AlignDown(align uintptr) PhysicalAddress {
	return p &^ PhysicalAddress(align-1)
}

// AlignUp rounds p up to a multiple of align, which must be a power of two.
func (p PhysicalAddress) AlignUp(align uintptr) PhysicalAddress {
	return (p + PhysicalAddress(align-1)) &^ PhysicalAddress(align-1)
}

// PageDown rounds p down to the containing page boundary.
func (p PhysicalAddress) PageDown() PhysicalAddress {
	return p.AlignDown(PageSize)
}

// PageUp rounds p up to the next page boundary.
func (p PhysicalAddress) PageUp() PhysicalAddress {
	return p.AlignUp(PageSize)
}

// PageOffset returns the offset of p within its page.
func (p PhysicalAddress) PageOffset() uintptr {
	return uintptr(p) % PageSize
}

// Add returns p advanced by n bytes.
func (p PhysicalAddress) Add(n int) PhysicalAddress {
	return PhysicalAddress(int64(p) + int64(n))
}

// FloorPage returns the page number containing p.
func (p PhysicalAddress) FloorPage() PhysicalPageNum {
	return PhysicalPageNum(p >> PageShift)
}

// CeilPage returns the lowest page number at or above p.
func (p PhysicalAddress) CeilPage() PhysicalPageNum {
	return PhysicalPageNum((p + PageSize - 1) >> PageShift)
}
