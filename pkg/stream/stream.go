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

// Package stream provides cursor-based typed IO over a guest address space.
//
// A stream owns at most one mapped window: a kernel-accessible view plus the
// guest base and length it covers. Reads and writes that fall inside the
// window with sufficient access reuse it; anything else remaps. In
// keep-buffer mode every acquired window stays live until Sync, trading
// memory for throughput when several disjoint reads are expected — at the
// cost of failing with ErrBorrowed when two live windows would alias.
//
// A stream is single-threaded by construction; it must not be shared during
// use.
package stream

import (
	"math"

	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
)

type access uint8

const (
	accessNone access = iota
	accessRead
	accessWrite
)

type mappedWindow struct {
	base mem.VirtualAddress
	buf  []byte
	acc  access

	// mutable records whether the view was acquired through the mutable
	// mapping path. A read-acquired view may be bounce-backed with no
	// write-back, so writes never reuse it.
	mutable bool
}

func (w *mappedWindow) rng() mem.VirtualAddressRange {
	return mem.AddrRange(w.base, len(w.buf))
}

// MemoryStream reads and writes guest memory through a moving cursor.
type MemoryStream struct {
	m   mmu.MMU
	src mmu.MMU

	cursor mem.VirtualAddress
	win    *mappedWindow

	keep bool
	kept []mem.VirtualAddress
}

// New creates a stream over m starting at cursor. With keepBuffer set, every
// window acquired stays mapped until Sync; otherwise a window is released as
// soon as the stream moves past it.
func New(m mmu.MMU, cursor mem.VirtualAddress, keepBuffer bool) *MemoryStream {
	return &MemoryStream{m: m, cursor: cursor, keep: keepBuffer}
}

// NewCross creates a stream over src's address space for use while dst is the
// active translation. Window mapping goes through dst's cross-space path.
// The caller guarantees dst and src are distinct.
func NewCross(dst, src mmu.MMU, cursor mem.VirtualAddress, keepBuffer bool) *MemoryStream {
	return &MemoryStream{m: dst, src: src, cursor: cursor, keep: keepBuffer}
}

func (s *MemoryStream) source() mmu.MMU {
	if s.src != nil {
		return s.src
	}
	return s.m
}

func (s *MemoryStream) mapBuffer(v mem.VirtualAddress, n int, mutable bool) ([]byte, error) {
	if s.src != nil {
		if mutable {
			return s.m.MapCrossMut(s.src, v, n)
		}
		return s.m.MapCross(s.src, v, n)
	}
	if mutable {
		return s.m.MapBufferMut(v, n)
	}
	return s.m.MapBuffer(v, n)
}

// Cursor returns the current cursor.
func (s *MemoryStream) Cursor() mem.VirtualAddress {
	return s.cursor
}

// Skip advances the cursor by n bytes and returns it.
func (s *MemoryStream) Skip(n int) mem.VirtualAddress {
	return s.SeekBy(n)
}

// SeekSet moves the cursor to v and returns it.
func (s *MemoryStream) SeekSet(v mem.VirtualAddress) mem.VirtualAddress {
	s.cursor = v
	return s.cursor
}

// SeekBy moves the cursor by off bytes and returns it.
func (s *MemoryStream) SeekBy(off int) mem.VirtualAddress {
	s.cursor = s.cursor.Add(off)
	return s.cursor
}

// Sync unmaps every acquired window, flushing bounce-backed windows to guest
// memory. Call it after accessing the memory outside this stream, and always
// before discarding the stream.
func (s *MemoryStream) Sync() {
	if s.keep {
		for len(s.kept) > 0 {
			v := s.kept[len(s.kept)-1]
			s.kept = s.kept[:len(s.kept)-1]
			s.source().UnmapBuffer(v)
		}
		s.win = nil
		return
	}
	s.unmapCurrent()
}

func (s *MemoryStream) unmapCurrent() {
	if s.win != nil {
		s.source().UnmapBuffer(s.win.base)
		s.win = nil
	}
}

// windowCheck is the outcome of consulting the current window for a range.
type windowCheck struct {
	reuse    bool
	acc      access
	base     mem.VirtualAddress
	size     int
	overlaps bool
}

func (s *MemoryStream) checkFullRange(start mem.VirtualAddress, n int, required access) (windowCheck, error) {
	if n == 0 {
		return windowCheck{reuse: true}, nil
	}

	overlaps := false
	want := mem.AddrRange(start, n)
	if s.win != nil {
		if s.win.rng().ContainsRange(want) && (required < accessWrite || s.win.mutable) {
			if err := ensureAccess(start, s.win.acc, required); err != nil {
				return windowCheck{}, err
			}
			return windowCheck{reuse: true}, nil
		}
		if s.win.rng().Intersects(want) {
			overlaps = true
		}
	}

	end := start.Add(n)
	cur := start
	acc := accessWrite

	var base mem.VirtualAddress
	haveBase := false
	total := 0

	for cur < end {
		_, flags, size, err := s.source().QueryVirtual(cur)
		if err != nil {
			return windowCheck{}, mmu.FromPagingError(err)
		}

		if a := flagsToAccess(flags); a < acc {
			acc = a
		}
		if err := ensureAccess(cur, acc, required); err != nil {
			return windowCheck{}, err
		}

		sz := int(size.Bytes())
		if !haveBase {
			base = mem.VirtualAddress(uintptr(cur) / uintptr(sz) * uintptr(sz))
			haveBase = true
		}
		total += sz

		offInPage := int(uintptr(cur) % uintptr(sz))
		step := sz - offInPage
		if rest := end.Diff(cur); rest < step {
			step = rest
		}
		cur = cur.Add(step)
	}

	return windowCheck{acc: acc, base: base, size: total, overlaps: overlaps}, nil
}

// view returns the kernel-side bytes for [cursor, cursor+n), remapping the
// window as needed, and advances the cursor when move is set.
func (s *MemoryStream) view(n int, align uintptr, required access, move bool) ([]byte, error) {
	cursor := s.cursor

	if uintptr(cursor)%align != 0 {
		return nil, mmu.ErrMisalignedAddress
	}

	chk, err := s.checkFullRange(cursor, n, required)
	if err != nil {
		return nil, err
	}

	var out []byte
	if chk.reuse {
		if n == 0 {
			out = []byte{}
		} else {
			off := cursor.Diff(s.win.base)
			out = s.win.buf[off : off+n]
		}
	} else {
		if chk.overlaps {
			if s.keep {
				// Two live non-disjoint sub-mappings would alias.
				return nil, mmu.ErrBorrowed
			}
			s.unmapCurrent()
		}

		buf, err := s.mapBuffer(chk.base, chk.size, required == accessWrite)
		if err != nil {
			return nil, err
		}

		if s.keep {
			s.kept = append(s.kept, chk.base)
		} else {
			s.unmapCurrent()
		}
		s.win = &mappedWindow{base: chk.base, buf: buf, acc: chk.acc, mutable: required == accessWrite}

		off := cursor.Diff(chk.base)
		out = buf[off : off+n]
	}

	if move {
		s.cursor = s.cursor.Add(n)
	}
	return out, nil
}

// readUnsized scans elements of elemSize bytes through the framed walk until
// pred reports the terminator, then materialises one window covering the
// scanned length. It returns the window bytes and the element count.
func (s *MemoryStream) readUnsized(elemSize int, align uintptr, pred func(elem []byte, idx int) bool, move bool) ([]byte, int, error) {
	cursor := s.cursor

	if uintptr(cursor)%align != 0 {
		return nil, 0, mmu.ErrMisalignedAddress
	}

	count := 0
	pending := alignedBytes(elemSize)
	pendingLen := 0

	err := s.source().InspectFramed(cursor, math.MaxInt, func(b []byte, _ int) bool {
		i := 0
		for i < len(b) {
			take := elemSize - pendingLen
			if rest := len(b) - i; rest < take {
				take = rest
			}
			copy(pending[pendingLen:pendingLen+take], b[i:i+take])
			pendingLen += take
			i += take

			if pendingLen == elemSize {
				if !pred(pending, count) {
					return false
				}
				count++
				pendingLen = 0
			}
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}

	total := count * elemSize
	if total == 0 {
		return []byte{}, 0, nil
	}

	buf, err := s.mapBuffer(cursor, total, false)
	if err != nil {
		return nil, 0, err
	}

	if s.keep {
		s.kept = append(s.kept, cursor)
	} else {
		s.unmapCurrent()
	}
	s.win = &mappedWindow{base: cursor, buf: buf, acc: accessRead}

	if move {
		s.cursor = s.cursor.Add(total)
	}
	return buf, count, nil
}

func flagsToAccess(flags mmu.GenericMappingFlags) access {
	if !flags.Contains(mmu.FlagReadable) {
		return accessNone
	}
	if flags.Contains(mmu.FlagWritable) {
		return accessWrite
	}
	return accessRead
}

func ensureAccess(v mem.VirtualAddress, existing, required access) error {
	if required <= existing {
		return nil
	}
	if required == accessWrite {
		return &mmu.PageNotWritableError{Vaddr: v}
	}
	return &mmu.PageNotReadableError{Vaddr: v}
}
