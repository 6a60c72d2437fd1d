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

import (
	"testing"
)

func TestAlignment(t *testing.T) {
	for _, tc := range []struct {
		addr  VirtualAddress
		align uintptr
		down  VirtualAddress
		up    VirtualAddress
	}{
		{0x1000, PageSize, 0x1000, 0x1000},
		{0x1001, PageSize, 0x1000, 0x2000},
		{0x1fff, PageSize, 0x1000, 0x2000},
		{0x17, 8, 0x10, 0x18},
		{0x18, 8, 0x18, 0x18},
		{0, PageSize, 0, 0},
	} {
		if got := tc.addr.AlignDown(tc.align); got != tc.down {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", uintptr(tc.addr), tc.align, uintptr(got), uintptr(tc.down))
		}
		if got := tc.addr.AlignUp(tc.align); got != tc.up {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", uintptr(tc.addr), tc.align, uintptr(got), uintptr(tc.up))
		}
	}
}

func TestPageAligned(t *testing.T) {
	if !VirtualAddress(0x3000).IsPageAligned() {
		t.Error("0x3000 should be page aligned")
	}
	if VirtualAddress(0x3001).IsPageAligned() {
		t.Error("0x3001 should not be page aligned")
	}
	if !PhysicalAddress(0).IsPageAligned() {
		t.Error("null should be page aligned")
	}
}

func TestPageNumConversions(t *testing.T) {
	v := VirtualAddress(0x12345)
	if got := v.FloorPage(); got != 0x12 {
		t.Errorf("FloorPage = %#x, want 0x12", uintptr(got))
	}
	if got := v.CeilPage(); got != 0x13 {
		t.Errorf("CeilPage = %#x, want 0x13", uintptr(got))
	}
	if got := VirtualAddress(0x12000).CeilPage(); got != 0x12 {
		t.Errorf("CeilPage of aligned = %#x, want 0x12", uintptr(got))
	}
	if got := VirtualPageNum(0x12).StartAddr(); got != 0x12000 {
		t.Errorf("StartAddr = %#x, want 0x12000", uintptr(got))
	}
	if got := VirtualPageNum(0x12).EndAddr(); got != 0x13000 {
		t.Errorf("EndAddr = %#x, want 0x13000", uintptr(got))
	}
}

func TestPageRange(t *testing.T) {
	r := PageRange(0x10, 4)
	if r.End != 0x14 {
		t.Errorf("End = %#x, want 0x14", uintptr(r.End))
	}
	if r.PageCount() != 4 {
		t.Errorf("PageCount = %d, want 4", r.PageCount())
	}
	if !r.Contains(0x10) || !r.Contains(0x13) {
		t.Error("range should contain its pages")
	}
	if r.Contains(0x14) {
		t.Error("end page is exclusive")
	}
}

func TestAddrRange(t *testing.T) {
	a := AddrRange(0x1000, 0x100)
	b := AddrRange(0x1080, 0x100)
	c := AddrRange(0x1100, 0x100)
	if !a.Intersects(b) {
		t.Error("a and b should intersect")
	}
	if a.Intersects(c) {
		t.Error("a and c should not intersect")
	}
	if !a.ContainsRange(AddrRange(0x1000, 0x100)) {
		t.Error("a should contain itself")
	}
	if a.ContainsRange(b) {
		t.Error("a should not contain b")
	}
	if a.Len() != 0x100 {
		t.Errorf("Len = %#x, want 0x100", a.Len())
	}
}

func TestDiff(t *testing.T) {
	if got := VirtualAddress(0x2000).Diff(0x1000); got != 0x1000 {
		t.Errorf("Diff = %#x, want 0x1000", got)
	}
	if got := VirtualAddress(0x1000).Add(-0x10); got != 0xff0 {
		t.Errorf("Add(-0x10) = %#x, want 0xff0", uintptr(got))
	}
}
