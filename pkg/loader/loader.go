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

// Package loader loads an executable into a fresh memory space and builds
// the System-V initial user stack.
//
// Formats are tried in a fixed cascade: shebang first, then ELF. An error
// that conclusively determines the format stops the cascade; a
// could-not-tell error falls through to the next format.
package loader

import (
	"github.com/caiyih/bakaos/pkg/fstree"
	"github.com/caiyih/bakaos/pkg/linuxerr"
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/memspace"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/pgalloc"
)

// ExecSource is a random-readable executable byte source.
type ExecSource interface {
	// ReadAt copies up to len(buf) bytes starting at offset, returning
	// the number copied. Reading past the end returns 0, nil.
	ReadAt(offset int, buf []byte) (int, error)

	// Len returns the total source length in bytes.
	Len() int
}

// BytesSource adapts an in-memory image to ExecSource.
type BytesSource []byte

// ReadAt implements ExecSource.ReadAt.
func (b BytesSource) ReadAt(offset int, buf []byte) (int, error) {
	if offset >= len(b) {
		return 0, nil
	}
	return copy(buf, b[offset:]), nil
}

// Len implements ExecSource.Len.
func (b BytesSource) Len() int {
	return len(b)
}

// LoadError enumerates the ways loading an executable fails.
type LoadError int

// Load error kinds.
const (
	// ErrNotExecutable: no known format matched.
	ErrNotExecutable LoadError = iota
	// ErrOsMismatch: the executable targets another operating system.
	ErrOsMismatch
	// ErrArchMismatch: the executable targets another architecture.
	ErrArchMismatch
	// ErrInsufficientMemory: the kernel ran out of memory.
	ErrInsufficientMemory
	// ErrUnableToReadExecutable: reading the source failed.
	ErrUnableToReadExecutable
	// ErrFailedToLoad: installing the image into the memory space failed.
	ErrFailedToLoad
	// ErrIncompleteExecutable: the image is truncated.
	ErrIncompleteExecutable
	// ErrTooLarge: the image exceeds what can be loaded.
	ErrTooLarge
	// ErrCanNotFindInterpreter: the shebang interpreter is missing.
	ErrCanNotFindInterpreter
	// ErrInvalidShebangString: the shebang line cannot be parsed.
	ErrInvalidShebangString
	// ErrNotElf: the image is not an ELF executable.
	ErrNotElf
	// ErrNotShebang: the image is not a shebang script.
	ErrNotShebang
	// ErrArgumentCountExceeded: too many argv entries.
	ErrArgumentCountExceeded
	// ErrEnvironmentCountExceeded: too many envp entries.
	ErrEnvironmentCountExceeded
)

// Error implements error.Error.
func (e LoadError) Error() string {
	switch e {
	case ErrNotExecutable:
		return "not executable"
	case ErrOsMismatch:
		return "os mismatch"
	case ErrArchMismatch:
		return "arch mismatch"
	case ErrInsufficientMemory:
		return "insufficient memory"
	case ErrUnableToReadExecutable:
		return "unable to read executable"
	case ErrFailedToLoad:
		return "failed to load"
	case ErrIncompleteExecutable:
		return "incomplete executable"
	case ErrTooLarge:
		return "executable too large"
	case ErrCanNotFindInterpreter:
		return "can not find interpreter"
	case ErrInvalidShebangString:
		return "invalid shebang string"
	case ErrNotElf:
		return "not an elf executable"
	case ErrNotShebang:
		return "not a shebang executable"
	case ErrArgumentCountExceeded:
		return "argument count exceeded"
	case ErrEnvironmentCountExceeded:
		return "environment count exceeded"
	default:
		return "unknown load error"
	}
}

// IsFormatDetermined reports whether this error conclusively determines the
// executable format. A determined error stops the format cascade; the rest
// mean "cannot tell yet" and allow fallthrough.
func (e LoadError) IsFormatDetermined() bool {
	switch e {
	case ErrUnableToReadExecutable, ErrNotElf, ErrNotShebang:
		return false
	default:
		return true
	}
}

// Errno maps the load error onto the syscall-boundary errno.
func (e LoadError) Errno() *linuxerr.Error {
	switch e {
	case ErrInsufficientMemory, ErrTooLarge:
		return linuxerr.ENOMEM
	case ErrArgumentCountExceeded, ErrEnvironmentCountExceeded:
		return linuxerr.ENAMETOOLONG
	default:
		return linuxerr.ENOEXEC
	}
}

// LinuxLoader holds a memory space populated from an executable, ready to
// become a process image.
type LinuxLoader struct {
	MemorySpace *memspace.MemorySpace
	EntryPC     mem.VirtualAddress
	StackTop    mem.VirtualAddress
	ArgvBase    mem.VirtualAddress
	EnvpBase    mem.VirtualAddress
	Ctx         ProcessContext
	Executable  string
}

// FromRaw loads src by trying each known format in order and then builds the
// initial stack from ctx and auxv. fs resolves shebang interpreters.
func FromRaw(src ExecSource, path string, ctx *ProcessContext, auxv *AuxValues, fs *fstree.Node, m mmu.MMU, alloc *pgalloc.Allocator) (*LinuxLoader, error) {
	init := func(l *LinuxLoader, ctx *ProcessContext) (*LinuxLoader, error) {
		if err := l.InitStack(nil, ctx, auxv); err != nil {
			return nil, err
		}
		return l, nil
	}

	l, err := fromShebang(src, path, fs, m, alloc)
	if err == nil {
		// The script's own name was already spliced into argv by the
		// shebang rewrite; only the remaining caller arguments merge.
		mctx := *ctx
		if len(mctx.Argv) > 0 {
			mctx.Argv = mctx.Argv[1:]
		}
		return init(l, &mctx)
	}
	if le, ok := err.(LoadError); ok && le.IsFormatDetermined() {
		return nil, err
	}

	l, err = FromELF(src, path, NewProcessContext(), m, alloc)
	if err == nil {
		return init(l, ctx)
	}
	if le, ok := err.(LoadError); ok && le.IsFormatDetermined() {
		return nil, err
	}

	return nil, ErrNotExecutable
}
