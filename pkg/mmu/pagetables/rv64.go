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
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
)

// RISC-V Sv39 page-table entry flag bits.
const (
	rv64Valid      uint64 = 1 << 0
	rv64Readable   uint64 = 1 << 1
	rv64Writable   uint64 = 1 << 2
	rv64Executable uint64 = 1 << 3
	rv64User       uint64 = 1 << 4
	rv64Global     uint64 = 1 << 5
	rv64Accessed   uint64 = 1 << 6
	rv64Dirty      uint64 = 1 << 7
)

const (
	rv64FlagsMask uint64 = 0x1FF
	// Physical page number occupies bits 10..54 of the entry word.
	rv64PhysMask uint64 = (1 << 54) - (1 << 10)
)

// RV64 is the RISC-V Sv39 entry encoding.
type RV64 struct{}

// Levels implements Arch.Levels.
func (RV64) Levels() int { return 3 }

func rv64ToArch(f mmu.GenericMappingFlags) uint64 {
	bits := uint64(f)
	arch := ((bits & uint64(mmu.FlagUser)) >> 3 << 4) |
		((bits & uint64(mmu.FlagReadable)) << 1) |
		((bits & uint64(mmu.FlagWritable)) >> 1 << 2) |
		((bits & uint64(mmu.FlagExecutable)) >> 2 << 3)
	// Any permission makes the entry valid; empty flags stay non-present.
	return arch | rv64Valid*b2u(arch != 0)
}

func rv64FromArch(bits uint64) mmu.GenericMappingFlags {
	// The kernel can access the whole user space under RISC-V
	// (SSTATUS.SUM), so Kernel is always reported.
	return mmu.FlagKernel |
		mmu.GenericMappingFlags(((bits&rv64User)>>4<<3)|
			((bits&rv64Readable)>>1)|
			((bits&rv64Writable)>>2<<1)|
			((bits&rv64Executable)>>3<<2))
}

// NewTable implements Arch.NewTable.
func (RV64) NewTable(p mem.PhysicalAddress) uint64 {
	return ((uint64(p) >> 2) & rv64PhysMask) | rv64Valid
}

// NewPage implements Arch.NewPage.
func (RV64) NewPage(p mem.PhysicalAddress, flags mmu.GenericMappingFlags, huge bool) uint64 {
	f := rv64ToArch(flags) | rv64Accessed | rv64Dirty
	return f | ((uint64(p) >> 2) & rv64PhysMask)
}

// SetPaddr implements Arch.SetPaddr.
func (RV64) SetPaddr(e uint64, p mem.PhysicalAddress) uint64 {
	return (e &^ rv64PhysMask) | ((uint64(p) >> 2) & rv64PhysMask)
}

// SetFlags implements Arch.SetFlags.
func (RV64) SetFlags(e uint64, flags mmu.GenericMappingFlags, huge bool) uint64 {
	return (e & rv64PhysMask) | rv64ToArch(flags) | rv64Accessed | rv64Dirty
}

// AddFlags implements Arch.AddFlags.
func (RV64) AddFlags(e uint64, flags mmu.GenericMappingFlags) uint64 {
	return e | rv64ToArch(flags)
}

// RemoveFlags implements Arch.RemoveFlags.
func (RV64) RemoveFlags(e uint64, flags mmu.GenericMappingFlags) uint64 {
	return e &^ (rv64ToArch(flags) &^ rv64Valid)
}

// IsPresent implements Arch.IsPresent.
func (RV64) IsPresent(e uint64) bool { return e&rv64Valid != 0 }

// IsHuge implements Arch.IsHuge. An entry with any of R/W/X set is a leaf;
// one with only V set is a next-level pointer.
func (RV64) IsHuge(e uint64) bool {
	return e&(rv64Readable|rv64Writable|rv64Executable) != 0
}

// IsTableLinked implements Arch.IsTableLinked.
func (RV64) IsTableLinked(e uint64) bool { return e&rv64Valid != 0 }

// Paddr implements Arch.Paddr.
func (RV64) Paddr(e uint64) mem.PhysicalAddress {
	return mem.PhysicalAddress((e & rv64PhysMask) << 2)
}

// Flags implements Arch.Flags.
func (RV64) Flags(e uint64) mmu.GenericMappingFlags {
	return rv64FromArch(e & rv64FlagsMask)
}

// PlatformPayload implements Arch.PlatformPayload: satp with Sv39 mode in the
// top byte and the root PPN in the low 44 bits.
func (RV64) PlatformPayload(root mem.PhysicalAddress) uintptr {
	return uintptr(root>>mem.PageShift) | (8 << 60)
}
