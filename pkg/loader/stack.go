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
	"github.com/caiyih/bakaos/pkg/abi/linux"
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/stream"
)

// InitStack builds the System-V initial stack: envp and argv strings, the
// AT_RANDOM bytes and AT_PLATFORM string, the auxiliary vector, the pointer
// arrays and finally argc. The provided ctx merges into the loader's; the
// final cursor becomes the process's initial stack pointer.
//
// crossMMU, when non-nil and distinct from the guest's MMU, is the active
// translation the writes must tunnel through.
func (l *LinuxLoader) InitStack(crossMMU mmu.MMU, ctx *ProcessContext, auxv *AuxValues) error {
	if err := l.Ctx.Merge(ctx, false); err != nil {
		return err
	}
	l.Ctx.Auxv.Insert(linux.AT_NULL, 0)

	guest := l.MemorySpace.MMU()
	var st *stream.MemoryStream
	if crossMMU == nil || crossMMU == guest {
		st = stream.New(guest, l.StackTop, false)
	} else {
		st = stream.NewCross(crossMMU, guest, l.StackTop, false)
	}
	defer st.Sync()

	sl := &stackLoader{s: st}

	// Step 1: envp strings. The stack grows down, so the NUL goes first;
	// after both pushes the string sits just above the cursor.
	envps := make([]mem.VirtualAddress, 0, len(l.Ctx.Envp))
	for _, env := range l.Ctx.Envp {
		if err := push(sl, byte(0)); err != nil {
			return err
		}
		if err := pushSlice(sl, []byte(env)); err != nil {
			return err
		}
		envps = append(envps, st.Cursor())
	}

	// Step 2: argv strings.
	argvs := make([]mem.VirtualAddress, 0, len(l.Ctx.Argv))
	for _, arg := range l.Ctx.Argv {
		if err := push(sl, byte(0)); err != nil {
			return err
		}
		if err := pushSlice(sl, []byte(arg)); err != nil {
			return err
		}
		argvs = append(argvs, st.Cursor())
	}

	// Step 3: AT_RANDOM and AT_PLATFORM payloads.
	if auxv.Random != nil {
		sl.ensureAlignment(8)
		if err := push(sl, *auxv.Random); err != nil {
			return err
		}
		l.Ctx.Auxv.Insert(linux.AT_RANDOM, uintptr(st.Cursor()))
	}

	if auxv.Platform != "" {
		// Position so that after pushing NUL then bytes the string
		// starts 8-aligned.
		total := len(auxv.Platform) + 1
		alignedStart := st.Cursor().Add(-total).AlignDown(8)
		st.SeekSet(alignedStart.Add(total))

		if err := push(sl, byte(0)); err != nil {
			return err
		}
		if err := pushSlice(sl, []byte(auxv.Platform)); err != nil {
			return err
		}
		l.Ctx.Auxv.Insert(linux.AT_PLATFORM, uintptr(st.Cursor()))
	}

	// Step 4: the auxiliary vector, AT_NULL last.
	sl.ensureAlignment(8)
	if err := pushSlice(sl, l.Ctx.Auxv.Collect()); err != nil {
		return err
	}

	// Step 5: envp pointers, preceded by their NULL terminator.
	if err := push(sl, mem.VirtualAddress(0)); err != nil {
		return err
	}
	if err := pushSlice(sl, envps); err != nil {
		return err
	}
	envpBase := st.Cursor()

	// Step 6: argv pointers.
	if err := push(sl, mem.VirtualAddress(0)); err != nil {
		return err
	}
	if err := pushSlice(sl, argvs); err != nil {
		return err
	}
	argvBase := st.Cursor()

	// Step 7: argc.
	if err := push(sl, uintptr(len(l.Ctx.Argv))); err != nil {
		return err
	}

	l.StackTop = st.Cursor()
	l.ArgvBase = argvBase
	l.EnvpBase = envpBase

	return nil
}

// stackLoader pushes values down a guest stack through a memory stream.
type stackLoader struct {
	s *stream.MemoryStream
}

// push moves the cursor down by the value's size and stores it there.
func push[T any](sl *stackLoader, v T) error {
	sl.s.SeekBy(-sizeOf[T]())
	if err := stream.Pwrite(sl.s, v); err != nil {
		return ErrFailedToLoad
	}
	return nil
}

// pushSlice moves the cursor down by the slice's byte size and stores it
// there, element order preserved so addresses ascend with index.
func pushSlice[T any](sl *stackLoader, vals []T) error {
	sl.s.SeekBy(-len(vals) * sizeOf[T]())
	if err := stream.PwriteSlice(sl.s, vals); err != nil {
		return ErrFailedToLoad
	}
	return nil
}

// ensureAlignment rounds the cursor down to align bytes.
func (sl *stackLoader) ensureAlignment(align uintptr) mem.VirtualAddress {
	return sl.s.SeekSet(sl.s.Cursor().AlignDown(align))
}
