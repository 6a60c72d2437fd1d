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

// Package pagetables implements the generic radix page-table walker and the
// architecture-specific page-table entry encodings it walks over.
//
// The walker is a monomorphised generic over a zero-size arch type; every
// entry operation resolves statically. Entry words live in table frames and
// are accessed through the kernel linear mapping.
package pagetables

import (
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
)

// Arch is the per-architecture page-table entry encoding. An entry pointing
// to a next-level table carries no permission bits: on RV64 it holds the
// table address and the valid marker, on LA64 only the table address. A leaf
// also carries permission bits.
type Arch interface {
	// Levels returns the number of translation levels (3 or 4). Each
	// level indexes 512 entries.
	Levels() int

	// NewTable encodes an entry pointing at a next-level table frame.
	NewTable(p mem.PhysicalAddress) uint64

	// NewPage encodes a leaf entry. The encoding includes whatever
	// accessed/dirty bits the architecture needs so the hardware will not
	// fault on first access.
	NewPage(p mem.PhysicalAddress, flags mmu.GenericMappingFlags, huge bool) uint64

	// SetPaddr replaces the physical address of e, keeping its flags.
	SetPaddr(e uint64, p mem.PhysicalAddress) uint64

	// SetFlags replaces the flags of e, keeping its physical address.
	SetFlags(e uint64, flags mmu.GenericMappingFlags, huge bool) uint64

	// AddFlags ORs the encoded flags into e.
	AddFlags(e uint64, flags mmu.GenericMappingFlags) uint64

	// RemoveFlags strips the encoded flags from e, to the extent the
	// encoding permits.
	RemoveFlags(e uint64, flags mmu.GenericMappingFlags) uint64

	// IsPresent returns true if e carries the present/valid marker.
	IsPresent(e uint64) bool

	// IsHuge returns true if e is a huge-page leaf.
	IsHuge(e uint64) bool

	// IsTableLinked returns true if e links a next-level table.
	IsTableLinked(e uint64) bool

	// Paddr extracts the physical address encoded in e.
	Paddr(e uint64) mem.PhysicalAddress

	// Flags decodes e into generic flags. The decoding is lossy.
	Flags(e uint64) mmu.GenericMappingFlags

	// PlatformPayload returns the value to write to the hardware
	// page-table pointer register for the given root frame.
	PlatformPayload(root mem.PhysicalAddress) uintptr
}
