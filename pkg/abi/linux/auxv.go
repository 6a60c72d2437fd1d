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

package linux

// AuxKey is an auxiliary vector entry type.
type AuxKey uintptr

// Auxiliary vector keys.
const (
	AT_NULL     AuxKey = 0
	AT_IGNORE   AuxKey = 1
	AT_EXECFD   AuxKey = 2
	AT_PHDR     AuxKey = 3
	AT_PHENT    AuxKey = 4
	AT_PHNUM    AuxKey = 5
	AT_PAGESZ   AuxKey = 6
	AT_BASE     AuxKey = 7
	AT_FLAGS    AuxKey = 8
	AT_ENTRY    AuxKey = 9
	AT_NOTELF   AuxKey = 10
	AT_UID      AuxKey = 11
	AT_EUID     AuxKey = 12
	AT_GID      AuxKey = 13
	AT_EGID     AuxKey = 14
	AT_PLATFORM AuxKey = 15
	AT_HWCAP    AuxKey = 16
	AT_CLKTCK   AuxKey = 17
	AT_SECURE   AuxKey = 23
	AT_RANDOM   AuxKey = 25
	AT_EXECFN   AuxKey = 31
)
