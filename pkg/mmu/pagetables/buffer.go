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

package pagetables

import (
	"github.com/caiyih/bakaos/pkg/mem"
	"github.com/caiyih/bakaos/pkg/mmu"
)

// mappedBuffer is one live view handed out by MapBuffer or MapBufferMut.
type mappedBuffer struct {
	base    mem.VirtualAddress
	buf     []byte
	mutable bool

	// bounce is set when buf is a kernel-heap copy of the guest bytes
	// rather than the linear mapping; such views are written back on the
	// final unmap if mutable.
	bounce bool

	rc int
}

func (b *mappedBuffer) rng() mem.VirtualAddressRange {
	return mem.AddrRange(b.base, len(b.buf))
}

// MapBuffer implements mmu.MMU.MapBuffer.
func (pt *PageTables[A]) MapBuffer(v mem.VirtualAddress, n int) ([]byte, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.mapBufferLocked(v, n, false)
}

// MapBufferMut implements mmu.MMU.MapBufferMut.
func (pt *PageTables[A]) MapBufferMut(v mem.VirtualAddress, n int) ([]byte, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.mapBufferLocked(v, n, true)
}

func (pt *PageTables[A]) mapBufferLocked(v mem.VirtualAddress, n int, mutable bool) ([]byte, error) {
	if v.IsNull() {
		return nil, mmu.ErrInvalidAddress
	}
	if n == 0 {
		return []byte{}, nil
	}

	want := mem.AddrRange(v, n)
	for _, b := range pt.buffers {
		if !b.rng().Intersects(want) {
			continue
		}
		if !b.rng().ContainsRange(want) || (mutable && !b.mutable) {
			return nil, mmu.ErrBorrowed
		}
		off := v.Diff(b.base)
		b.rc++
		return b.buf[off : off+n], nil
	}

	startPaddr, contiguous, err := pt.permissionWalkLocked(v, n, mutable)
	if err != nil {
		return nil, err
	}

	rec := &mappedBuffer{base: v, mutable: mutable, rc: 1}
	if contiguous && pt.physContains(startPaddr, n) {
		b, err := pt.phys.Slice(startPaddr, n)
		if err != nil {
			return nil, mmu.ErrAccessFault
		}
		rec.buf = b
	} else {
		rec.bounce = true
		rec.buf = alignedBuffer(n)
		if err := pt.readBytesLocked(v, rec.buf); err != nil {
			return nil, err
		}
	}

	pt.buffers[v] = rec
	return rec.buf, nil
}

// permissionWalkLocked checks User/Readable (and Writable when mutable) for
// every page of [v, v+n) and reports whether the backing frames form one
// physically contiguous run.
func (pt *PageTables[A]) permissionWalkLocked(v mem.VirtualAddress, n int, mutable bool) (mem.PhysicalAddress, bool, error) {
	cur := v
	remaining := n

	var startPaddr, expected mem.PhysicalAddress
	contiguous := true

	for remaining > 0 {
		paddr, flags, size, err := pt.queryLocked(cur)
		if err != nil {
			return 0, false, mmu.FromPagingError(err)
		}
		if err := ensurePermission(cur, flags, mutable); err != nil {
			return 0, false, err
		}

		frameBase := paddr.AlignDown(size.Bytes())
		frameRemain := int(size.Bytes()) - int(paddr-frameBase)
		avail := remaining
		if frameRemain < avail {
			avail = frameRemain
		}

		if startPaddr == 0 {
			startPaddr = paddr
		} else if paddr != expected {
			contiguous = false
		}
		expected = paddr + mem.PhysicalAddress(frameRemain)

		cur = cur.Add(frameRemain)
		remaining -= avail
	}

	return startPaddr, contiguous, nil
}

func (pt *PageTables[A]) physContains(p mem.PhysicalAddress, n int) bool {
	_, err := pt.phys.Slice(p, n)
	return err == nil
}

// UnmapBuffer implements mmu.MMU.UnmapBuffer.
func (pt *PageTables[A]) UnmapBuffer(v mem.VirtualAddress) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for key, b := range pt.buffers {
		if !b.rng().Contains(v) {
			continue
		}
		b.rc--
		if b.rc > 0 {
			return
		}
		if b.bounce && b.mutable {
			// Flush the bounce copy back; a failure here means the
			// guest revoked the mapping while the view was live.
			_ = pt.writeBytesLocked(b.base, b.buf)
		}
		delete(pt.buffers, key)
		return
	}
}

// MapCross implements mmu.MMU.MapCross. The destination is locked before the
// source; the caller guarantees the two MMUs are distinct.
func (pt *PageTables[A]) MapCross(src mmu.MMU, v mem.VirtualAddress, n int) ([]byte, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return src.MapBuffer(v, n)
}

// MapCrossMut implements mmu.MMU.MapCrossMut.
func (pt *PageTables[A]) MapCrossMut(src mmu.MMU, v mem.VirtualAddress, n int) ([]byte, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return src.MapBufferMut(v, n)
}

// UnmapCross implements mmu.MMU.UnmapCross.
func (pt *PageTables[A]) UnmapCross(src mmu.MMU, v mem.VirtualAddress) {
	src.UnmapBuffer(v)
}

// alignedBuffer allocates n bytes with word alignment, so typed views of the
// bounce copy stay aligned.
func alignedBuffer(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return wordsToBytes(words)[:n]
}
