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

package mem

// VirtualPageNum is a virtual page number: VirtualAddress / PageSize.
type VirtualPageNum uintptr

// PhysicalPageNum is a physical page number: PhysicalAddress / PageSize.
type PhysicalPageNum uintptr

// StartAddr returns the first address of the page.
func (n VirtualPageNum) StartAddr() VirtualAddress {
	return VirtualAddress(n << PageShift)
}

// EndAddr returns the first address past the page.
func (n VirtualPageNum) EndAddr() VirtualAddress {
	return VirtualAddress((n + 1) << PageShift)
}

// StartAddr returns the first address of the page.
func (n PhysicalPageNum) StartAddr() PhysicalAddress {
	return PhysicalAddress(n << PageShift)
}

// EndAddr returns the first address past the page.
func (n PhysicalPageNum) EndAddr() PhysicalAddress {
	return PhysicalAddress((n + 1) << PageShift)
}

// VirtualPageRange is a half-open range [Start, End) of virtual pages.
type VirtualPageRange struct {
	Start VirtualPageNum
	End   VirtualPageNum
}

// PageRange constructs the page range [start, start+count).
func PageRange(start VirtualPageNum, count int) VirtualPageRange {
	return VirtualPageRange{Start: start, End: start + VirtualPageNum(count)}
}

// PageRangeEnd constructs the page range [start, end).
func PageRangeEnd(start, end VirtualPageNum) VirtualPageRange {
	return VirtualPageRange{Start: start, End: end}
}

// PageCount returns the number of pages in the range.
func (r VirtualPageRange) PageCount() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Contains returns true if n is within the range.
func (r VirtualPageRange) Contains(n VirtualPageNum) bool {
	return n >= r.Start && n < r.End
}

// StartAddr returns the first address of the range.
func (r VirtualPageRange) StartAddr() VirtualAddress {
	return r.Start.StartAddr()
}

// EndAddr returns the first address past the range.
func (r VirtualPageRange) EndAddr() VirtualAddress {
	return r.End.StartAddr()
}

// VirtualAddressRange is a half-open range [Start, End) of virtual addresses.
type VirtualAddressRange struct {
	Start VirtualAddress
	End   VirtualAddress
}

// AddrRange constructs the address range [start, start+len).
func AddrRange(start VirtualAddress, length int) VirtualAddressRange {
	return VirtualAddressRange{Start: start, End: start.Add(length)}
}

// AddrRangeEnd constructs the address range [start, end).
func AddrRangeEnd(start, end VirtualAddress) VirtualAddressRange {
	return VirtualAddressRange{Start: start, End: end}
}

// Len returns the length of the range in bytes.
func (r VirtualAddressRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End.Diff(r.Start)
}

// Contains returns true if v is within the range.
func (r VirtualAddressRange) Contains(v VirtualAddress) bool {
	return v >= r.Start && v < r.End
}

// ContainsRange returns true if other lies entirely within the range.
func (r VirtualAddressRange) ContainsRange(other VirtualAddressRange) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Intersects returns true if the two ranges share at least one byte.
func (r VirtualAddressRange) Intersects(other VirtualAddressRange) bool {
	return r.Start < other.End && other.Start < r.End
}
