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

// Package linux holds the Linux ABI constants consumed by the memory
// subsystem's syscall surface.
package linux

// MMapProt is the protection bitset of mmap(2).
type MMapProt uint32

// Protection bits.
const (
	ProtNone  MMapProt = 0
	ProtRead  MMapProt = 1 << 0
	ProtWrite MMapProt = 1 << 1
	ProtExec  MMapProt = 1 << 2
)

// Contains returns true if every bit of other is set in p.
func (p MMapProt) Contains(other MMapProt) bool {
	return p&other == other
}

// MMapFlags is the flags bitset of mmap(2). Exactly one of anonymous, shared
// or private is valid; any other combination is rejected.
type MMapFlags uint32

// Mapping kinds, in the low two bits.
const (
	MapAnonymous MMapFlags = 0x00
	MapShared    MMapFlags = 0x01
	MapPrivate   MMapFlags = 0x02
)

// IsAnonymous returns true if the low kind bits select an anonymous mapping.
func (f MMapFlags) IsAnonymous() bool {
	return f&0b11 == 0
}
