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
	"testing"

	"github.com/caiyih/bakaos/pkg/abi/linux"
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/memspace"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/stream"
)

// stackScene builds a loader over a bare memory space with a 2 MiB stack, the
// way the stack builder sees the world after segment loading.
func stackScene(t *testing.T) *LinuxLoader {
	t.Helper()
	alloc, m := newEnv(t)

	ms := memspace.New(m, alloc)
	stackBase := mem.VirtualAddress(0x80000000)
	const stackSize = 2 << 20

	area := memspace.NewArea(
		mem.PageRange(stackBase.FloorPage(), stackSize/mem.PageSize),
		memspace.AreaUserStack, memspace.MapFramed,
		mmu.FlagUser|mmu.FlagKernel|mmu.FlagReadable|mmu.FlagWritable)
	if err := ms.AllocAndMapArea(area); err != nil {
		t.Fatalf("AllocAndMapArea: %v", err)
	}
	ms.Init(memspace.Attribute{})

	return &LinuxLoader{
		MemorySpace: ms,
		EntryPC:     0x10000,
		StackTop:    stackBase.Add(stackSize),
		Ctx:         NewProcessContext(),
	}
}

func TestStackAlignment(t *testing.T) {
	l := stackScene(t)

	ctx := NewProcessContext()
	if err := ctx.ExtendArgv("test"); err != nil {
		t.Fatal(err)
	}
	random := [16]byte{}
	if err := l.InitStack(nil, &ctx, &AuxValues{Random: &random, Platform: "test_platform"}); err != nil {
		t.Fatalf("InitStack: %v", err)
	}

	if uintptr(l.StackTop)%8 != 0 {
		t.Error("stack top must be 8-byte aligned")
	}
	if uintptr(l.ArgvBase)%8 != 0 {
		t.Error("argv base must be 8-byte aligned")
	}
	if uintptr(l.EnvpBase)%8 != 0 {
		t.Error("envp base must be 8-byte aligned")
	}
}

func TestStackLayoutMinimal(t *testing.T) {
	l := stackScene(t)

	if err := l.InitStack(nil, &ProcessContext{}, &AuxValues{}); err != nil {
		t.Fatalf("InitStack: %v", err)
	}

	s := stream.New(l.MemorySpace.MMU(), l.StackTop, false)
	defer s.Sync()

	argc, err := stream.Read[uintptr](s)
	if err != nil || argc != 0 {
		t.Fatalf("argc = (%d, %v), want 0", argc, err)
	}

	argvNull, err := stream.Read[mem.VirtualAddress](s)
	if err != nil || !argvNull.IsNull() {
		t.Fatalf("argv terminator = (%#x, %v)", uintptr(argvNull), err)
	}

	envpNull, err := stream.Read[mem.VirtualAddress](s)
	if err != nil || !envpNull.IsNull() {
		t.Fatalf("envp terminator = (%#x, %v)", uintptr(envpNull), err)
	}

	entry, err := stream.Read[AuxEntry](s)
	if err != nil || entry.Key != linux.AT_NULL || entry.Value != 0 {
		t.Fatalf("auxv terminator = (%v, %v)", entry, err)
	}
}

func TestStackLayoutFull(t *testing.T) {
	l := stackScene(t)

	ctx := NewProcessContext()
	if err := ctx.ExtendArgv("./prog", "arg1"); err != nil {
		t.Fatal(err)
	}
	if err := ctx.ExtendEnvp("A=B"); err != nil {
		t.Fatal(err)
	}
	ctx.Auxv.Insert(linux.AT_ENTRY, 0x400000)
	ctx.Auxv.Insert(linux.AT_PHDR, 0x400040)
	ctx.Auxv.Insert(linux.AT_PAGESZ, 4096)
	ctx.Auxv.Insert(linux.AT_UID, 1000)
	ctx.Auxv.Insert(linux.AT_CLKTCK, 100)

	random := [16]byte{
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
		0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10,
	}
	auxv := &AuxValues{Random: &random, Platform: "x86_64"}

	if err := l.InitStack(nil, &ctx, auxv); err != nil {
		t.Fatalf("InitStack: %v", err)
	}

	m := l.MemorySpace.MMU()
	s := stream.New(m, l.StackTop, false)
	defer s.Sync()

	// argc, then the argv pointer array and its terminator.
	argc, err := stream.Read[uintptr](s)
	if err != nil || argc != 2 {
		t.Fatalf("argc = (%d, %v), want 2", argc, err)
	}

	var argvPtrs []mem.VirtualAddress
	for i := 0; i < int(argc); i++ {
		p, err := stream.Read[mem.VirtualAddress](s)
		if err != nil || p.IsNull() {
			t.Fatalf("argv[%d] = (%#x, %v)", i, uintptr(p), err)
		}
		argvPtrs = append(argvPtrs, p)
	}
	if p, err := stream.Read[mem.VirtualAddress](s); err != nil || !p.IsNull() {
		t.Fatalf("argv array must be null-terminated, got %#x, %v", uintptr(p), err)
	}

	// envp pointer array.
	envpPtrs, err := stream.ReadUnsized[mem.VirtualAddress](s, func(p mem.VirtualAddress, _ int) bool {
		return !p.IsNull()
	})
	if err != nil {
		t.Fatalf("envp pointers: %v", err)
	}
	if len(envpPtrs) != 1 {
		t.Fatalf("envp count = %d, want 1", len(envpPtrs))
	}
	envpPtrsCopy := append([]mem.VirtualAddress(nil), envpPtrs...)
	if p, err := stream.Read[mem.VirtualAddress](s); err != nil || !p.IsNull() {
		t.Fatalf("envp array must be null-terminated, got %#x, %v", uintptr(p), err)
	}

	// The auxiliary vector, terminated by AT_NULL.
	auxMap := make(map[linux.AuxKey]uintptr)
	for {
		entry, err := stream.Read[AuxEntry](s)
		if err != nil {
			t.Fatalf("auxv read: %v", err)
		}
		auxMap[entry.Key] = entry.Value
		if entry.Key == linux.AT_NULL {
			if entry.Value != 0 {
				t.Error("AT_NULL value must be 0")
			}
			break
		}
	}
	if auxMap[linux.AT_ENTRY] != 0x400000 || auxMap[linux.AT_PAGESZ] != 4096 || auxMap[linux.AT_CLKTCK] != 100 {
		t.Errorf("auxv entries mismatch: %v", auxMap)
	}

	// Following AT_RANDOM reveals the 16 random bytes.
	randPtr, ok := auxMap[linux.AT_RANDOM]
	if !ok {
		t.Fatal("AT_RANDOM missing")
	}
	s.SeekSet(mem.VirtualAddress(randPtr))
	gotRandom, err := stream.Read[[16]byte](s)
	if err != nil || gotRandom != random {
		t.Errorf("AT_RANDOM bytes = (%x, %v)", gotRandom, err)
	}

	// Following AT_PLATFORM reveals the NUL-terminated platform string.
	platPtr, ok := auxMap[linux.AT_PLATFORM]
	if !ok {
		t.Fatal("AT_PLATFORM missing")
	}
	if platPtr%8 != 0 {
		t.Error("AT_PLATFORM string must start 8-aligned")
	}
	s.SeekSet(mem.VirtualAddress(platPtr))
	plat, err := stream.ReadUnsized[byte](s, func(b byte, _ int) bool { return b != 0 })
	if err != nil || string(plat) != "x86_64" {
		t.Errorf("AT_PLATFORM = (%q, %v)", plat, err)
	}

	// The argv and envp pointers resolve to their strings.
	wantArgs := []string{"./prog", "arg1"}
	for i, p := range argvPtrs {
		s.SeekSet(p)
		str, err := stream.ReadUnsized[byte](s, func(b byte, _ int) bool { return b != 0 })
		if err != nil || string(str) != wantArgs[i] {
			t.Errorf("argv[%d] = (%q, %v), want %q", i, str, err, wantArgs[i])
		}
	}
	s.SeekSet(envpPtrsCopy[0])
	env, err := stream.ReadUnsized[byte](s, func(b byte, _ int) bool { return b != 0 })
	if err != nil || string(env) != "A=B" {
		t.Errorf("envp[0] = (%q, %v)", env, err)
	}

	// The bases recorded by the loader point at the arrays.
	if l.ArgvBase != l.StackTop.Add(8) {
		t.Errorf("ArgvBase = %#x, want argc+8", uintptr(l.ArgvBase))
	}
}

func TestInitStackThroughFromRaw(t *testing.T) {
	alloc, m := newEnv(t)

	img := buildELF(0x10000, testSegment{vaddr: 0x10000, data: []byte("code"), memsz: 0x100, flags: pfR | pfX})
	ctx := ProcessContext{Argv: []string{"/bin/prog"}, Envp: []string{"PATH=/bin"}}
	random := [16]byte{1, 2, 3}

	l, err := FromRaw(BytesSource(img), "/bin/prog", &ctx, &AuxValues{Random: &random}, nil, m, alloc)
	if err != nil {
		t.Fatalf("FromRaw: %v", err)
	}

	s := stream.New(l.MemorySpace.MMU(), l.StackTop, false)
	defer s.Sync()

	argc, err := stream.Read[uintptr](s)
	if err != nil || argc != 1 {
		t.Fatalf("argc = (%d, %v), want 1", argc, err)
	}
}
