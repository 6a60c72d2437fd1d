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

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/caiyih/bakaos/pkg/abi/linux"
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/memspace"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/pgalloc"
)

// FromELF parses src as an ELF image and builds a memory space holding its
// loadable segments followed by, from low to high pages: the signal
// trampoline placeholder, the stack guard pages around the user stack, and a
// zero-length brk area.
func FromELF(src ExecSource, path string, ctx ProcessContext, m mmu.MMU, alloc *pgalloc.Allocator) (*LinuxLoader, error) {
	// Read the whole image into scratch frames first: the source may not
	// support the scattered reads segment loading would otherwise issue.
	required := (src.Len() + mem.PageSize - 1) / mem.PageSize
	if required == 0 {
		return nil, ErrNotElf
	}
	scratchFrames, err := alloc.AllocContiguous(required)
	if err != nil {
		return nil, ErrInsufficientMemory
	}
	defer scratchFrames.Release()

	scratch, err := m.TranslatePhys(scratchFrames.Start, scratchFrames.Len())
	if err != nil {
		return nil, ErrFailedToLoad
	}
	n, err := src.ReadAt(0, scratch)
	if err != nil {
		return nil, ErrUnableToReadExecutable
	}
	img := scratch[:n]

	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		return nil, ErrNotElf
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, ErrArchMismatch
	}
	switch f.Machine {
	case elf.EM_RISCV, elf.EM_LOONGARCH:
	default:
		return nil, ErrArchMismatch
	}

	ms := memspace.New(m, alloc)
	attr := memspace.Attribute{}

	minStart := mem.VirtualPageNum(^uintptr(0))
	maxEnd := mem.VirtualPageNum(0)

	var impliedPh, phdr mem.VirtualAddress
	pieOffset := 0

	for _, ph := range f.Progs {
		log.Tracef("found program header: type=%v vaddr=%#x", ph.Type, ph.Vaddr)

		switch ph.Type {
		case elf.PT_LOAD:
		case elf.PT_PHDR:
			phdr = mem.VirtualAddress(ph.Vaddr)
			continue
		case elf.PT_INTERP:
			log.Warnf("interpreter program header found in %s", path)
			continue
		default:
			continue
		}

		start := mem.VirtualAddress(ph.Vaddr)
		end := start.Add(int(ph.Memsz))

		// A segment at virtual zero marks a PIE image; shift everything
		// by one page so the null page stays unmapped.
		if start.FloorPage() == 0 {
			pieOffset = mem.PageSize
		}
		if pieOffset != 0 {
			start = start.Add(pieOffset)
			end = end.Add(pieOffset)
		}

		if impliedPh.IsNull() {
			impliedPh = start
		}

		if s := start.FloorPage(); s < minStart {
			minStart = s
		}
		if e := end.FloorPage(); e > maxEnd {
			maxEnd = e
		}

		perms := mmu.FlagUser | mmu.FlagKernel
		if ph.Flags&elf.PF_R != 0 {
			perms |= mmu.FlagReadable
		}
		if ph.Flags&elf.PF_W != 0 {
			perms |= mmu.FlagWritable
		}
		if ph.Flags&elf.PF_X != 0 {
			perms |= mmu.FlagExecutable
		}

		area := memspace.NewArea(
			mem.PageRangeEnd(start.FloorPage(), end.CeilPage()),
			memspace.AreaUserElf, memspace.MapFramed, perms)
		if err := ms.AllocAndMapArea(area); err != nil {
			if errors.Is(err, mmu.ErrOutOfMemory) {
				return nil, ErrInsufficientMemory
			}
			return nil, ErrFailedToLoad
		}

		if err := copyELFSegment(img, ph, start, m); err != nil {
			return nil, err
		}
	}

	// Certain images place a section at virtual zero; the elf area floor
	// is clamped to page one so the null page never becomes part of it.
	if minStart < 1 {
		minStart = 1
	}

	attr.ElfArea = mem.AddrRangeEnd(minStart.StartAddr(), maxEnd.StartAddr())
	log.Debugf("elf segments loaded, maxEnd=%#x", uintptr(maxEnd.StartAddr()))

	phoff, phentsize, phnum := phdrInfo(img)
	if phdr.IsNull() {
		phdr = impliedPh.Add(int(phoff))
	}

	ctx.Auxv.Insert(linux.AT_PHDR, uintptr(phdr))
	ctx.Auxv.Insert(linux.AT_PHENT, uintptr(phentsize))
	ctx.Auxv.Insert(linux.AT_PHNUM, uintptr(phnum))
	ctx.Auxv.Insert(linux.AT_PAGESZ, mem.PageSize)
	ctx.Auxv.Insert(linux.AT_BASE, 0)
	ctx.Auxv.Insert(linux.AT_FLAGS, 0)
	ctx.Auxv.Insert(linux.AT_ENTRY, uintptr(f.Entry))

	// Reserved for the signal trampoline.
	maxEnd++
	attr.SignalTrampoline = maxEnd

	maxEnd++
	if err := ms.AllocAndMapArea(memspace.NewArea(
		mem.PageRange(maxEnd, 1),
		memspace.AreaUserStackGuardBase, memspace.MapFramed, 0)); err != nil {
		return nil, ErrFailedToLoad
	}
	attr.StackGuardBase = mem.AddrRange(maxEnd.StartAddr(), mem.PageSize)

	stackPages := memspace.UserStackSize / mem.PageSize
	maxEnd++
	if err := ms.AllocAndMapArea(memspace.NewArea(
		mem.PageRange(maxEnd, stackPages),
		memspace.AreaUserStack, memspace.MapFramed,
		mmu.FlagUser|mmu.FlagReadable|mmu.FlagWritable)); err != nil {
		return nil, ErrFailedToLoad
	}
	attr.StackRange = mem.AddrRange(maxEnd.StartAddr(), memspace.UserStackSize)

	maxEnd += mem.VirtualPageNum(stackPages)
	stackTop := maxEnd.StartAddr()
	if err := ms.AllocAndMapArea(memspace.NewArea(
		mem.PageRange(maxEnd, 1),
		memspace.AreaUserStackGuardTop, memspace.MapFramed, 0)); err != nil {
		return nil, ErrFailedToLoad
	}
	attr.StackGuardTop = mem.AddrRange(maxEnd.StartAddr(), mem.PageSize)

	maxEnd++
	if err := ms.AllocAndMapArea(memspace.NewArea(
		mem.PageRange(maxEnd, 0),
		memspace.AreaUserBrk, memspace.MapFramed,
		mmu.FlagUser|mmu.FlagReadable|mmu.FlagWritable)); err != nil {
		return nil, ErrFailedToLoad
	}
	attr.BrkStart = maxEnd.StartAddr()

	entryPC := mem.VirtualAddress(f.Entry).Add(pieOffset)

	for _, area := range ms.Mappings() {
		log.Tracef("%v: %#x..%#x", area.Type,
			uintptr(area.Range.StartAddr()), uintptr(area.Range.EndAddr()))
	}

	ms.Init(attr)

	return &LinuxLoader{
		MemorySpace: ms,
		EntryPC:     entryPC,
		StackTop:    stackTop,
		ArgvBase:    stackTop,
		EnvpBase:    stackTop,
		Ctx:         ctx,
		Executable:  path,
	}, nil
}

func copyELFSegment(img []byte, ph *elf.Prog, vaddr mem.VirtualAddress, m mmu.MMU) error {
	filesz := int(ph.Filesz)
	if filesz == 0 {
		return nil
	}
	off := int(ph.Off)
	end := off + filesz
	if end < off {
		return ErrTooLarge
	}
	if end > len(img) {
		return ErrIncompleteExecutable
	}
	if err := m.WriteBytes(vaddr, img[off:end]); err != nil {
		return ErrFailedToLoad
	}
	return nil
}

// phdrInfo peeks the program header table geometry from the raw ELF64
// header; debug/elf does not surface these fields.
func phdrInfo(img []byte) (phoff uint64, phentsize, phnum uint16) {
	if len(img) < 64 {
		return 0, 0, 0
	}
	phoff = binary.LittleEndian.Uint64(img[32:40])
	phentsize = binary.LittleEndian.Uint16(img[54:56])
	phnum = binary.LittleEndian.Uint16(img[56:58])
	return phoff, phentsize, phnum
}
