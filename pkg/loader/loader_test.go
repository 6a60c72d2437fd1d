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
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/caiyih/bakaos/pkg/abi/linux"
	"github.com/caiyih/bakaos/pkg/fstree"
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/memspace"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/mmu/pagetables"
	"github.com/caiyih/bakaos/pkg/pgalloc"
)

type testSegment struct {
	vaddr uint64
	data  []byte
	memsz uint64
	flags uint32 // PF_*
}

const (
	pfX = 1
	pfW = 2
	pfR = 4
)

// buildELF assembles a minimal ELF64 RISC-V executable: header, program
// header table, then the segment bytes.
func buildELF(entry uint64, segs ...testSegment) []byte {
	const (
		ehsize    = 64
		phentsize = 56
	)
	dataOff := uint64(ehsize + phentsize*len(segs))
	total := dataOff
	for _, s := range segs {
		total += uint64(len(s.data))
	}

	b := make([]byte, total)
	copy(b, "\x7fELF")
	b[4] = 2 // ELFCLASS64
	b[5] = 1 // little endian
	b[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(b[16:], 2)   // ET_EXEC
	le.PutUint16(b[18:], 243) // EM_RISCV
	le.PutUint32(b[20:], 1)
	le.PutUint64(b[24:], entry)
	le.PutUint64(b[32:], ehsize) // phoff
	le.PutUint16(b[52:], ehsize)
	le.PutUint16(b[54:], phentsize)
	le.PutUint16(b[56:], uint16(len(segs)))

	cur := dataOff
	for i, s := range segs {
		p := ehsize + i*phentsize
		memsz := s.memsz
		if memsz < uint64(len(s.data)) {
			memsz = uint64(len(s.data))
		}
		le.PutUint32(b[p:], 1) // PT_LOAD
		le.PutUint32(b[p+4:], s.flags)
		le.PutUint64(b[p+8:], cur)
		le.PutUint64(b[p+16:], s.vaddr)
		le.PutUint64(b[p+24:], s.vaddr)
		le.PutUint64(b[p+32:], uint64(len(s.data)))
		le.PutUint64(b[p+40:], memsz)
		le.PutUint64(b[p+48:], 0x1000)
		copy(b[cur:], s.data)
		cur += uint64(len(s.data))
	}
	return b
}

func newEnv(t *testing.T) (*pgalloc.Allocator, mmu.MMU) {
	t.Helper()
	alloc := pgalloc.New(32 << 20)
	pt, err := pagetables.New(pagetables.RV64{}, alloc, alloc)
	if err != nil {
		t.Fatalf("pagetables.New: %v", err)
	}
	return alloc, pt
}

func TestFromELFSegmentRoundTrip(t *testing.T) {
	alloc, m := newEnv(t)

	code := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 16) // nops
	img := buildELF(0x10010, testSegment{vaddr: 0x10000, data: code, memsz: 0x200, flags: pfR | pfX})

	l, err := FromELF(BytesSource(img), "/bin/prog", NewProcessContext(), m, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}

	if l.EntryPC != 0x10010 {
		t.Errorf("EntryPC = %#x, want 0x10010", uintptr(l.EntryPC))
	}
	if l.Executable != "/bin/prog" {
		t.Errorf("Executable = %q", l.Executable)
	}

	// The loaded bytes equal the source bytes of the segment.
	got := make([]byte, len(code))
	if err := m.ReadBytes(0x10000, got); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if diff := cmp.Diff(code, got); diff != "" {
		t.Errorf("segment content mismatch (-want +got):\n%s", diff)
	}

	// The bss tail beyond file size reads back zero.
	tail := make([]byte, 0x200-len(code))
	if err := m.ReadBytes(mem.VirtualAddress(0x10000+len(code)), tail); err != nil {
		t.Fatalf("ReadBytes bss: %v", err)
	}
	for i, v := range tail {
		if v != 0 {
			t.Fatalf("bss byte %d = %#x", i, v)
		}
	}
}

func TestFromELFLayout(t *testing.T) {
	alloc, m := newEnv(t)
	img := buildELF(0x10000, testSegment{vaddr: 0x10000, data: []byte("x"), memsz: 0x200, flags: pfR | pfX})

	l, err := FromELF(BytesSource(img), "/bin/prog", NewProcessContext(), m, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}

	attr := l.MemorySpace.Attribute()
	stackPages := memspace.UserStackSize / mem.PageSize

	if attr.SignalTrampoline != 0x11 {
		t.Errorf("SignalTrampoline = %#x, want 0x11", uintptr(attr.SignalTrampoline))
	}
	if attr.StackGuardBase.Start != 0x12000 || attr.StackGuardBase.End != 0x13000 {
		t.Errorf("StackGuardBase = %#x..%#x", uintptr(attr.StackGuardBase.Start), uintptr(attr.StackGuardBase.End))
	}
	if attr.StackRange.Start != 0x13000 || attr.StackRange.Len() != memspace.UserStackSize {
		t.Errorf("StackRange = %#x len %#x", uintptr(attr.StackRange.Start), attr.StackRange.Len())
	}
	wantTop := mem.VirtualPageNum(0x13 + stackPages).StartAddr()
	if l.StackTop != wantTop {
		t.Errorf("StackTop = %#x, want %#x", uintptr(l.StackTop), uintptr(wantTop))
	}
	if attr.StackGuardTop.Start != wantTop {
		t.Errorf("StackGuardTop = %#x", uintptr(attr.StackGuardTop.Start))
	}
	if attr.BrkStart != wantTop.Add(mem.PageSize) {
		t.Errorf("BrkStart = %#x", uintptr(attr.BrkStart))
	}

	// The brk area exists, empty, and is resizable from day one.
	rng, err := l.MemorySpace.BrkRange()
	if err != nil || rng.PageCount() != 0 {
		t.Errorf("BrkRange = (%v, %v)", rng, err)
	}

	// The guard pages reject access, the stack accepts it.
	if err := m.WriteBytes(attr.StackGuardBase.Start, []byte{1}); err == nil {
		t.Error("stack guard must reject writes")
	}
	if err := m.WriteBytes(attr.StackRange.Start, []byte{1}); err != nil {
		t.Errorf("stack must accept writes: %v", err)
	}

	// Program header metadata landed in the auxiliary vector.
	if v, ok := l.Ctx.Auxv.Get(linux.AT_ENTRY); !ok || v != 0x10000 {
		t.Errorf("AT_ENTRY = (%#x, %v)", v, ok)
	}
	if v, ok := l.Ctx.Auxv.Get(linux.AT_PAGESZ); !ok || v != mem.PageSize {
		t.Errorf("AT_PAGESZ = (%d, %v)", v, ok)
	}
	if _, ok := l.Ctx.Auxv.Get(linux.AT_PHDR); !ok {
		t.Error("AT_PHDR missing")
	}
	if v, ok := l.Ctx.Auxv.Get(linux.AT_PHNUM); !ok || v != 1 {
		t.Errorf("AT_PHNUM = (%d, %v)", v, ok)
	}
}

func TestFromELFRejectsNonELF(t *testing.T) {
	alloc, m := newEnv(t)

	_, err := FromELF(BytesSource([]byte("definitely not an elf image")), "/x", NewProcessContext(), m, alloc)
	if err != ErrNotElf {
		t.Errorf("FromELF = %v, want ErrNotElf", err)
	}
	if ErrNotElf.IsFormatDetermined() {
		t.Error("ErrNotElf must allow fallthrough")
	}
}

func TestFromELFArchMismatch(t *testing.T) {
	alloc, m := newEnv(t)
	img := buildELF(0x10000, testSegment{vaddr: 0x10000, data: []byte("x"), flags: pfR})
	binary.LittleEndian.PutUint16(img[18:], 62) // EM_X86_64

	_, err := FromELF(BytesSource(img), "/x", NewProcessContext(), m, alloc)
	if err != ErrArchMismatch {
		t.Errorf("FromELF = %v, want ErrArchMismatch", err)
	}
	if !ErrArchMismatch.IsFormatDetermined() {
		t.Error("ErrArchMismatch must stop the cascade")
	}
}

func TestFromRawCascade(t *testing.T) {
	alloc, m := newEnv(t)
	fs := fstree.NewRoot()

	_, err := FromRaw(BytesSource([]byte("gibberish")), "/x", &ProcessContext{}, &AuxValues{}, fs, m, alloc)
	if err != ErrNotExecutable {
		t.Errorf("FromRaw = %v, want ErrNotExecutable", err)
	}
}

func TestFromRawArchMismatchStopsCascade(t *testing.T) {
	alloc, m := newEnv(t)
	fs := fstree.NewRoot()
	img := buildELF(0x10000, testSegment{vaddr: 0x10000, data: []byte("x"), flags: pfR})
	binary.LittleEndian.PutUint16(img[18:], 62) // EM_X86_64

	_, err := FromRaw(BytesSource(img), "/x", &ProcessContext{}, &AuxValues{}, fs, m, alloc)
	if err != ErrArchMismatch {
		t.Errorf("FromRaw = %v, want ErrArchMismatch", err)
	}
}

func TestShebang(t *testing.T) {
	alloc, m := newEnv(t)

	shImg := buildELF(0x10000, testSegment{vaddr: 0x10000, data: []byte("interp code"), flags: pfR | pfX})
	fs := fstree.NewRoot()
	bin, err := fs.Mkdir("bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bin.CreateFile("sh", shImg); err != nil {
		t.Fatal(err)
	}

	script := BytesSource([]byte("#!/bin/sh\necho hi\n"))
	ctx := ProcessContext{Argv: []string{"/script.sh", "x"}}

	l, err := FromRaw(script, "/script.sh", &ctx, &AuxValues{}, fs, m, alloc)
	if err != nil {
		t.Fatalf("FromRaw shebang: %v", err)
	}

	want := []string{"/bin/sh", "/script.sh", "x"}
	if diff := cmp.Diff(want, l.Ctx.Argv); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
	if l.EntryPC != 0x10000 {
		t.Errorf("EntryPC = %#x", uintptr(l.EntryPC))
	}
}

func TestShebangErrors(t *testing.T) {
	alloc, m := newEnv(t)
	fs := fstree.NewRoot()

	// Missing interpreter.
	if _, err := fromShebang(BytesSource([]byte("#!/bin/missing\n")), "/s", fs, m, alloc); err != ErrCanNotFindInterpreter {
		t.Errorf("missing interpreter = %v", err)
	}

	// Empty interpreter line.
	if _, err := fromShebang(BytesSource([]byte("#!   \n")), "/s", fs, m, alloc); err != ErrInvalidShebangString {
		t.Errorf("empty line = %v", err)
	}

	// Not a shebang at all.
	if _, err := fromShebang(BytesSource([]byte("plain text")), "/s", fs, m, alloc); err != ErrNotShebang {
		t.Errorf("plain text = %v", err)
	}
}

func TestPIEOffset(t *testing.T) {
	alloc, m := newEnv(t)

	// A segment at virtual zero shifts the whole image by one page so the
	// null page stays unmapped.
	img := buildELF(0x40, testSegment{vaddr: 0, data: []byte("pie segment"), memsz: 0x100, flags: pfR | pfX})

	l, err := FromELF(BytesSource(img), "/pie", NewProcessContext(), m, alloc)
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}
	if l.EntryPC != mem.VirtualAddress(0x40+mem.PageSize) {
		t.Errorf("EntryPC = %#x, want shifted by one page", uintptr(l.EntryPC))
	}

	got := make([]byte, 11)
	if err := m.ReadBytes(mem.PageSize, got); err != nil {
		t.Fatalf("ReadBytes at shifted base: %v", err)
	}
	if string(got) != "pie segment" {
		t.Errorf("got %q", got)
	}

	if _, _, _, err := m.QueryVirtual(0x0); err == nil {
		t.Error("null page must stay unmapped")
	}
}
