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

package memspace

import (
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/pgalloc"
)

// MapType describes how an area's pages are backed.
type MapType uint8

const (
	// MapFramed areas own one allocator frame per page.
	MapFramed MapType = iota
	// MapIdentity areas translate virtual to physical one-to-one.
	MapIdentity
	// MapDirect areas translate by a fixed offset.
	MapDirect
	// MapLinear areas alias the kernel linear region.
	MapLinear
)

// AreaType labels the role an area plays in a user address space.
type AreaType uint8

const (
	// AreaUserElf holds loaded executable segments.
	AreaUserElf AreaType = iota
	// AreaUserStackGuardBase is the unmapped-permission page below the
	// stack.
	AreaUserStackGuardBase
	// AreaUserStack is the user stack.
	AreaUserStack
	// AreaUserStackGuardTop is the guard page above the stack.
	AreaUserStackGuardTop
	// AreaUserBrk is the program break; its end moves under brk(2).
	AreaUserBrk
	// AreaVMA is an anonymous mapping installed by mmap(2).
	AreaVMA
	// AreaKernel is a kernel-owned region.
	AreaKernel
)

// String implements fmt.Stringer.
func (t AreaType) String() string {
	switch t {
	case AreaUserElf:
		return "UserElf"
	case AreaUserStackGuardBase:
		return "UserStackGuardBase"
	case AreaUserStack:
		return "UserStack"
	case AreaUserStackGuardTop:
		return "UserStackGuardTop"
	case AreaUserBrk:
		return "UserBrk"
	case AreaVMA:
		return "VMA"
	case AreaKernel:
		return "Kernel"
	default:
		return "Unknown"
	}
}

// MappingArea is one owned region of a MemorySpace. A framed area owns
// exactly one frame per page in its range until destruction; other map types
// own none. The range is non-empty (except the initial brk area) and
// page-granular.
type MappingArea struct {
	Range       mem.VirtualPageRange
	Type        AreaType
	MapType     MapType
	Permissions mmu.GenericMappingFlags

	// frames maps each owned page to its backing frame.
	frames map[mem.VirtualPageNum]*pgalloc.Frame
}

// NewArea constructs an area with no frames allocated yet.
func NewArea(r mem.VirtualPageRange, t AreaType, mt MapType, perms mmu.GenericMappingFlags) *MappingArea {
	return &MappingArea{
		Range:       r,
		Type:        t,
		MapType:     mt,
		Permissions: perms,
		frames:      make(map[mem.VirtualPageNum]*pgalloc.Frame),
	}
}

// cloneShape copies the area's geometry without its frames.
func (a *MappingArea) cloneShape() *MappingArea {
	return NewArea(a.Range, a.Type, a.MapType, a.Permissions)
}

// Contains returns true if vpn lies in the area's range.
func (a *MappingArea) Contains(vpn mem.VirtualPageNum) bool {
	return a.Range.Contains(vpn)
}

// HasOwnershipOf returns true if the area owns a frame for vpn.
func (a *MappingArea) HasOwnershipOf(vpn mem.VirtualPageNum) bool {
	_, ok := a.frames[vpn]
	return ok
}

// Frame returns the frame backing vpn, if the area owns one.
func (a *MappingArea) Frame(vpn mem.VirtualPageNum) (*pgalloc.Frame, bool) {
	f, ok := a.frames[vpn]
	return f, ok
}

// FrameCount returns the number of owned frames.
func (a *MappingArea) FrameCount() int {
	return len(a.frames)
}
