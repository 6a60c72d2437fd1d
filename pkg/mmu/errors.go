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
	"fmt"

	"github.com/caiyih/bakaos/pkg/mem"
)

// Paging errors are produced by the page-table walker itself.
var (
	// ErrNotMapped indicates no translation is present for the address.
	ErrNotMapped = errors.New("not mapped")
	// ErrAlreadyMapped indicates the target leaf entry is occupied.
	ErrAlreadyMapped = errors.New("already mapped")
	// ErrNotAligned indicates a misaligned virtual or physical address.
	ErrNotAligned = errors.New("not aligned")
	// ErrMappedToHugePage indicates a walk ran into a huge-page leaf where
	// a next-level table was expected.
	ErrMappedToHugePage = errors.New("mapped to huge page")
	// ErrOutOfMemory indicates a table frame could not be allocated.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrCanNotModify indicates a mutating operation on a borrowed
	// translation structure.
	ErrCanNotModify = errors.New("can not modify borrowed page table")
)

// MMU errors are surfaced at the guest-memory access boundary.
var (
	// ErrInvalidAddress indicates an access through a null or unmapped
	// address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrAccessFault indicates an access outside managed physical memory.
	ErrAccessFault = errors.New("access fault")
	// ErrPrivilegeError indicates a user-level access to a page without
	// the User flag.
	ErrPrivilegeError = errors.New("privilege error")
	// ErrMisalignedAddress indicates a typed access at an address not
	// aligned for the type.
	ErrMisalignedAddress = errors.New("misaligned address")
	// ErrBorrowed indicates two live aliasing views of the same guest
	// range.
	ErrBorrowed = errors.New("borrowed")
)

// PageNotReadableError indicates a read access to a page without the Readable
// flag.
type PageNotReadableError struct {
	Vaddr mem.VirtualAddress
}

// Error implements error.Error.
func (e *PageNotReadableError) Error() string {
	return fmt.Sprintf("page not readable at %#x", uintptr(e.Vaddr))
}

// PageNotWritableError indicates a write access to a page without the
// Writable flag.
type PageNotWritableError struct {
	Vaddr mem.VirtualAddress
}

// Error implements error.Error.
func (e *PageNotWritableError) Error() string {
	return fmt.Sprintf("page not writable at %#x", uintptr(e.Vaddr))
}

// IsPageNotReadable returns true if err is a PageNotReadableError.
func IsPageNotReadable(err error) bool {
	var pe *PageNotReadableError
	return errors.As(err, &pe)
}

// IsPageNotWritable returns true if err is a PageNotWritableError.
func IsPageNotWritable(err error) bool {
	var pe *PageNotWritableError
	return errors.As(err, &pe)
}

// FromPagingError translates a walker error into the access-boundary
// taxonomy. Walk failures surface as invalid addresses; alignment violations
// keep their identity; a refused modification of a borrowed table surfaces as
// ErrBorrowed; everything else is an access fault.
func FromPagingError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotMapped):
		return ErrInvalidAddress
	case errors.Is(err, ErrNotAligned):
		return ErrMisalignedAddress
	case errors.Is(err, ErrCanNotModify):
		return ErrBorrowed
	default:
		return ErrAccessFault
	}
}
