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

package syscalls

import (
	"sort"

	"github.com/caiyih/bakaos/pkg/abi/linux"
	"github.com/caiyih/bakaos/pkg/linuxerr"
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/memspace"
	"github.com/caiyih/bakaos/pkg/mmu"
)

const (
	// vmaMaxLen caps a single mapping at 64 GiB.
	vmaMaxLen = 1 << 36
	// vmaMinAddr is the lowest address an explicit hint may name.
	vmaMinAddr mem.VirtualAddress = 0x1000
	// vmaBase is where the hint-less search starts.
	vmaBase mem.VirtualAddress = 0x10000000
	// vmaGap is the space kept between a new mapping and its neighbors.
	vmaGap = mem.PageSize
)

// SysMMap installs a new mapping. Only anonymous mappings are supported;
// file-backed SHARED/PRIVATE mappings return EINVAL.
func (c *Context) SysMMap(addr mem.VirtualAddress, length uintptr, prot linux.MMapProt, flags linux.MMapFlags, fd int32, offset uintptr) (mem.VirtualAddress, error) {
	if !addr.IsPageAligned() || (!addr.IsNull() && addr < vmaMinAddr) {
		return 0, linuxerr.EFAULT
	}
	if length > vmaMaxLen {
		return 0, linuxerr.ENOMEM
	}
	if offset%mem.PageSize != 0 {
		return 0, linuxerr.EINVAL
	}
	if length == 0 || length%mem.PageSize != 0 {
		return 0, linuxerr.EINVAL
	}

	perms := protToPermissions(prot)

	if flags.IsAnonymous() && flags&^0b11 == 0 {
		return c.sysMMapAnonymous(addr, int(length), perms, offset)
	}
	// SHARED, PRIVATE, mixtures and unknown bits: file-backed mapping is
	// not implemented.
	return 0, linuxerr.EINVAL
}

func (c *Context) sysMMapAnonymous(addr mem.VirtualAddress, length int, perms mmu.GenericMappingFlags, offset uintptr) (mem.VirtualAddress, error) {
	// Some implementations require fd to be -1 for anonymous mappings;
	// only the offset is enforced here.
	if offset != 0 {
		return 0, linuxerr.EINVAL
	}

	addr = sysMMapSelectAddr(c.mem, addr, length)
	if addr.IsNull() {
		return 0, linuxerr.ENOMEM
	}

	area := memspace.NewArea(
		mem.PageRangeEnd(addr.FloorPage(), addr.Add(length).CeilPage()),
		memspace.AreaVMA, memspace.MapFramed, perms)
	if err := c.mem.AllocAndMapArea(area); err != nil {
		return 0, linuxerr.ENOMEM
	}

	return addr, nil
}

// sysMMapSelectAddr picks a page-aligned address for a new mapping of the
// given length: the caller's hint when the space is empty, otherwise the
// first hole between existing mappings that fits with vmaGap on both sides,
// else past the last mapping.
func sysMMapSelectAddr(ms *memspace.MemorySpace, addr mem.VirtualAddress, length int) mem.VirtualAddress {
	mappings := ms.Mappings()
	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].Range.End < mappings[j].Range.End
	})

	var lastHoleStart mem.VirtualAddress
	switch {
	case !addr.IsNull() && len(mappings) == 0:
		return addr
	case addr.IsNull() && len(mappings) == 0:
		return vmaBase
	case addr.IsNull():
		// Start from the first mapping's end to avoid overlapping it.
		lastHoleStart = mappings[0].Range.End.EndAddr().Add(vmaGap)
	default:
		lastHoleStart = addr
	}

	pages := length / mem.PageSize
	for _, mapping := range mappings {
		hole := mem.PageRange(lastHoleStart.CeilPage(), pages)

		if mapping.Range.Contains(hole.Start) || mapping.Range.Contains(hole.End) {
			lastHoleStart = mapping.Range.End.EndAddr().Add(vmaGap)
			continue
		}

		if hole.End.EndAddr().Add(vmaGap) <= mapping.Range.Start.StartAddr() {
			return lastHoleStart
		}
	}

	return mappings[len(mappings)-1].Range.End.EndAddr().Add(vmaGap)
}

func protToPermissions(prot linux.MMapProt) mmu.GenericMappingFlags {
	flags := mmu.FlagUser
	if prot.Contains(linux.ProtRead) {
		flags |= mmu.FlagReadable
	}
	if prot.Contains(linux.ProtWrite) {
		flags |= mmu.FlagWritable
	}
	if prot.Contains(linux.ProtExec) {
		flags |= mmu.FlagExecutable
	}
	return flags
}

// SysMunmap removes the anonymous mapping whose range contains addr. Whole
// areas only; splitting is not implemented.
func (c *Context) SysMunmap(addr mem.VirtualAddress, length uintptr) error {
	if !addr.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	vpn := addr.FloorPage()
	if !c.mem.UnmapFirstAreaThat(func(a *memspace.MappingArea) bool {
		return a.Type == memspace.AreaVMA && a.Contains(vpn)
	}) {
		return linuxerr.EINVAL
	}
	return nil
}
