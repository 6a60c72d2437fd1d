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

package mmu

import (
	"errors"
	"testing"
)

func TestFlagOps(t *testing.T) {
	f := FlagReadable | FlagWritable | FlagUser
	if !f.Contains(FlagReadable | FlagUser) {
		t.Error("Contains subset failed")
	}
	if f.Contains(FlagExecutable) {
		t.Error("Contains must reject missing bits")
	}
	if !f.Intersects(FlagWritable | FlagDevice) {
		t.Error("Intersects failed")
	}
	if f.Intersects(FlagDevice | FlagUncached) {
		t.Error("Intersects must reject disjoint sets")
	}
}

func TestPageSizeBytes(t *testing.T) {
	if Size4K.Bytes() != 0x1000 || Size2M.Bytes() != 0x200000 || Size1G.Bytes() != 0x40000000 {
		t.Error("page size bytes mismatch")
	}
	if custom := PageSize(8 * Size4K); custom.Bytes() != 0x8000 {
		t.Error("custom size bytes mismatch")
	}
}

func TestFromPagingError(t *testing.T) {
	for _, tc := range []struct {
		in   error
		want error
	}{
		{nil, nil},
		{ErrNotMapped, ErrInvalidAddress},
		{ErrNotAligned, ErrMisalignedAddress},
		{ErrCanNotModify, ErrBorrowed},
		{ErrAlreadyMapped, ErrAccessFault},
		{ErrMappedToHugePage, ErrAccessFault},
		{ErrOutOfMemory, ErrAccessFault},
	} {
		if got := FromPagingError(tc.in); !errors.Is(got, tc.want) && !(got == nil && tc.want == nil) {
			t.Errorf("FromPagingError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPageFaultErrors(t *testing.T) {
	var err error = &PageNotReadableError{Vaddr: 0x1234}
	if !IsPageNotReadable(err) {
		t.Error("IsPageNotReadable failed")
	}
	if IsPageNotWritable(err) {
		t.Error("IsPageNotWritable must reject a read fault")
	}
	if err.Error() != "page not readable at 0x1234" {
		t.Errorf("message = %q", err.Error())
	}
}
