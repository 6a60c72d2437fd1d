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

// Package syscalls implements the memory-management syscall surface over a
// process's memory space. Each call returns its result and, on failure, a
// linuxerr errno value whose Return method gives the negated errno for the
// syscall return register.
package syscalls

import (
	"github.com/caiyih/bakaos/pkg/memspace"
)

// Context carries the per-process state the memory syscalls operate on.
type Context struct {
	mem *memspace.MemorySpace
}

// NewContext creates a syscall context bound to the given memory space.
func NewContext(mem *memspace.MemorySpace) *Context {
	return &Context{mem: mem}
}

// MemorySpace returns the bound memory space.
func (c *Context) MemorySpace() *memspace.MemorySpace {
	return c.mem
}
