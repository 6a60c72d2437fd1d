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

package stream

import (
	"unsafe"
)

// Read reads one T at the cursor and advances the cursor by its size.
func Read[T any](s *MemoryStream) (T, error) {
	var zero T
	b, err := s.view(int(unsafe.Sizeof(zero)), unsafe.Alignof(zero), accessRead, true)
	if err != nil {
		return zero, err
	}
	return *(*T)(unsafe.Pointer(&b[0])), nil
}

// Pread reads one T at the cursor without touching the cursor.
func Pread[T any](s *MemoryStream) (T, error) {
	var zero T
	b, err := s.view(int(unsafe.Sizeof(zero)), unsafe.Alignof(zero), accessRead, false)
	if err != nil {
		return zero, err
	}
	return *(*T)(unsafe.Pointer(&b[0])), nil
}

// ReadSlice reads n elements of T at the cursor and advances the cursor. The
// returned slice aliases the stream's window and stays valid until the next
// stream operation or Sync.
func ReadSlice[T any](s *MemoryStream, n int) ([]T, error) {
	var zero T
	b, err := s.view(n*int(unsafe.Sizeof(zero)), unsafe.Alignof(zero), accessRead, true)
	if err != nil {
		return nil, err
	}
	return castSlice[T](b, n), nil
}

// PreadSlice reads n elements of T at the cursor without touching the cursor.
func PreadSlice[T any](s *MemoryStream, n int) ([]T, error) {
	var zero T
	b, err := s.view(n*int(unsafe.Sizeof(zero)), unsafe.Alignof(zero), accessRead, false)
	if err != nil {
		return nil, err
	}
	return castSlice[T](b, n), nil
}

// Pwrite stores v at the cursor without touching the cursor.
func Pwrite[T any](s *MemoryStream, v T) error {
	b, err := s.view(int(unsafe.Sizeof(v)), unsafe.Alignof(v), accessWrite, false)
	if err != nil {
		return err
	}
	*(*T)(unsafe.Pointer(&b[0])) = v
	return nil
}

// PwriteSlice stores vals at the cursor without touching the cursor.
func PwriteSlice[T any](s *MemoryStream, vals []T) error {
	var zero T
	b, err := s.view(len(vals)*int(unsafe.Sizeof(zero)), unsafe.Alignof(zero), accessWrite, false)
	if err != nil {
		return err
	}
	copy(castSlice[T](b, len(vals)), vals)
	return nil
}

// ReadUnsized reads elements of T until pred reports the terminator,
// returning every element before it and advancing the cursor past them. The
// terminator itself is not consumed.
func ReadUnsized[T any](s *MemoryStream, pred func(v T, idx int) bool) ([]T, error) {
	return readUnsizedTyped[T](s, pred, true)
}

// PreadUnsized is ReadUnsized without touching the cursor.
func PreadUnsized[T any](s *MemoryStream, pred func(v T, idx int) bool) ([]T, error) {
	return readUnsizedTyped[T](s, pred, false)
}

func readUnsizedTyped[T any](s *MemoryStream, pred func(v T, idx int) bool, move bool) ([]T, error) {
	var zero T
	b, count, err := s.readUnsized(int(unsafe.Sizeof(zero)), unsafe.Alignof(zero), func(elem []byte, idx int) bool {
		return pred(*(*T)(unsafe.Pointer(&elem[0])), idx)
	}, move)
	if err != nil {
		return nil, err
	}
	return castSlice[T](b, count), nil
}

func castSlice[T any](b []byte, n int) []T {
	if n == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// alignedBytes allocates n bytes with word alignment.
func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
