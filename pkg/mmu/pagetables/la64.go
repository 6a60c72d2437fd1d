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

// LoongArch64 page-table entry flag bits.
//
// https://loongson.github.io/LoongArch-Documentation/LoongArch-Vol1-EN.html#tlb-refill-exception-entry-low-order-bits
const (
	la64V uint64 = 1 << 0
	la64D uint64 = 1 << 1
	// Privilege level, low and high bit. Level 3 encodes user.
	la64PLVL uint64 = 1 << 2
	la64PLVH uint64 = 1 << 3
	// Memory access type: 0 strongly-ordered uncached, 1 coherent cached,
	// 2 weakly-ordered uncached.
	la64MATL uint64 = 1 << 4
	la64MATH uint64 = 1 << 5
	// Global mapping, or huge page for non-last-level entries.
	la64GH uint64 = 1 << 6
	la64P  uint64 = 1 << 7
	la64W  uint64 = 1 << 8
	la64G  uint64 = 1 << 12
	// Not-readable and not-executable are inverse bits.
	la64NR   uint64 = 1 << 61
	la64NX   uint64 = 1 << 62
	la64RPLV uint64 = 1 << 63
)

// Physical address occupies bits 12..48.
const la64PhysMask uint64 = 0x0000_ffff_ffff_f000

// LA64 is the LoongArch64 entry encoding.
type LA64 struct{}

// Levels implements Arch.Levels.
func (LA64) Levels() int { return 4 }

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// la64ToArch runs in the interrupt path, so the conversion is plain
// arithmetic with no flag-by-flag branching.
func la64ToArch(f mmu.GenericMappingFlags) uint64 {
	bits := uint64(f)
	return (la64V | la64P | la64D |
		((^bits & uint64(mmu.FlagReadable)) << 61) |
		((bits & uint64(mmu.FlagWritable)) << (8 - 1)) |
		((^bits & uint64(mmu.FlagExecutable)) << (62 - 2)) |
		(((bits & uint64(mmu.FlagUser)) >> 3) * 0b1100) |
		(((^bits & uint64(mmu.FlagDevice)) >> 5) *
			(((bits & uint64(mmu.FlagUncached)) >> 1) |
				((^bits & uint64(mmu.FlagUncached)) >> 2)))) *
		b2u(bits != 0)
}

func la64FromArch(bits uint64) mmu.GenericMappingFlags {
	return mmu.GenericMappingFlags(
		(((^bits & la64NR) >> 61) |
			((bits & la64W) >> (8 - 1)) |
			((^bits & la64NX) >> (62 - 2)) |
			(b2u(bits&0b1100 != 0) << 3) |
			(((^bits & la64MATL) >> 4) *
				(((bits & la64MATH) << 1) |
					(^bits & la64MATH)))) *
			(bits & 0b1))
}

// NewTable implements Arch.NewTable. Non-leaf entries carry only the table
// address; the walker detects linkage by a non-null address.
func (LA64) NewTable(p mem.PhysicalAddress) uint64 {
	return uint64(p) & la64PhysMask
}

// NewPage implements Arch.NewPage.
func (LA64) NewPage(p mem.PhysicalAddress, flags mmu.GenericMappingFlags, huge bool) uint64 {
	f := la64ToArch(flags)
	if huge {
		f |= la64GH
	}
	return f | (uint64(p) & la64PhysMask)
}

// SetPaddr implements Arch.SetPaddr.
func (LA64) SetPaddr(e uint64, p mem.PhysicalAddress) uint64 {
	return (e &^ la64PhysMask) | (uint64(p) & la64PhysMask)
}

// SetFlags implements Arch.SetFlags.
func (LA64) SetFlags(e uint64, flags mmu.GenericMappingFlags, huge bool) uint64 {
	f := la64ToArch(flags)
	if huge {
		f |= la64GH
	}
	return (e & la64PhysMask) | f
}

// AddFlags implements Arch.AddFlags.
func (LA64) AddFlags(e uint64, flags mmu.GenericMappingFlags) uint64 {
	return e | la64ToArch(flags)
}

// RemoveFlags implements Arch.RemoveFlags. NR/NX are inverse encodings, so
// clearing the converted mask would grant access rather than revoke it; only
// the MAT bits translate directly.
func (LA64) RemoveFlags(e uint64, flags mmu.GenericMappingFlags) uint64 {
	return e &^ (la64ToArch(flags) & (la64MATL | la64MATH))
}

// IsPresent implements Arch.IsPresent.
func (LA64) IsPresent(e uint64) bool { return e&la64P != 0 }

// IsHuge implements Arch.IsHuge.
func (LA64) IsHuge(e uint64) bool { return e&la64GH != 0 }

// IsTableLinked implements Arch.IsTableLinked.
func (LA64) IsTableLinked(e uint64) bool { return e&la64PhysMask != 0 }

// Paddr implements Arch.Paddr.
func (LA64) Paddr(e uint64) mem.PhysicalAddress {
	return mem.PhysicalAddress(e & la64PhysMask)
}

// Flags implements Arch.Flags.
func (LA64) Flags(e uint64) mmu.GenericMappingFlags {
	return la64FromArch(e)
}

// PlatformPayload implements Arch.PlatformPayload: the PGD register takes the
// root table address directly.
func (LA64) PlatformPayload(root mem.PhysicalAddress) uintptr {
	return uintptr(root)
}
