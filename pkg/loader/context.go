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
)

const (
	maxArgCount = 1024
	maxEnvCount = 1024
)

// AuxEntry is one auxiliary vector record: two words on the initial stack.
type AuxEntry struct {
	Key   linux.AuxKey
	Value uintptr
}

// AuxVec is an insertion-ordered auxiliary vector. Inserting an existing key
// updates it in place; Collect always places AT_NULL last.
type AuxVec struct {
	keys   []linux.AuxKey
	values map[linux.AuxKey]uintptr
}

// Insert sets key to value, keeping first-insertion order.
func (v *AuxVec) Insert(key linux.AuxKey, value uintptr) {
	if v.values == nil {
		v.values = make(map[linux.AuxKey]uintptr)
	}
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

// Get returns the value for key.
func (v *AuxVec) Get(key linux.AuxKey) (uintptr, bool) {
	val, ok := v.values[key]
	return val, ok
}

// Len returns the number of entries.
func (v *AuxVec) Len() int {
	return len(v.keys)
}

// Collect returns the entries in insertion order with the AT_NULL terminator
// moved to the end.
func (v *AuxVec) Collect() []AuxEntry {
	out := make([]AuxEntry, 0, len(v.keys))
	hasNull := false
	for _, k := range v.keys {
		if k == linux.AT_NULL {
			hasNull = true
			continue
		}
		out = append(out, AuxEntry{Key: k, Value: v.values[k]})
	}
	if hasNull {
		out = append(out, AuxEntry{Key: linux.AT_NULL, Value: v.values[linux.AT_NULL]})
	}
	return out
}

// AuxValues carries the byte payloads referenced from the auxiliary vector.
type AuxValues struct {
	// Random, if set, becomes the 16 bytes behind AT_RANDOM.
	Random *[16]byte

	// Platform, if non-empty, becomes the NUL-terminated string behind
	// AT_PLATFORM.
	Platform string
}

// ProcessContext is the argv/envp/auxv triple a process starts with.
type ProcessContext struct {
	Argv []string
	Envp []string
	Auxv AuxVec
}

// NewProcessContext returns an empty context.
func NewProcessContext() ProcessContext {
	return ProcessContext{}
}

// ExtendArgv appends arguments, enforcing the argv count limit.
func (c *ProcessContext) ExtendArgv(args ...string) error {
	if len(c.Argv)+len(args) > maxArgCount {
		return ErrArgumentCountExceeded
	}
	c.Argv = append(c.Argv, args...)
	return nil
}

// ExtendEnvp appends environment entries, enforcing the envp count limit.
func (c *ProcessContext) ExtendEnvp(envs ...string) error {
	if len(c.Envp)+len(envs) > maxEnvCount {
		return ErrEnvironmentCountExceeded
	}
	c.Envp = append(c.Envp, envs...)
	return nil
}

// Merge appends other's argv and envp and folds in its auxv entries. With
// override unset, existing auxv keys win.
func (c *ProcessContext) Merge(other *ProcessContext, override bool) error {
	if err := c.ExtendArgv(other.Argv...); err != nil {
		return err
	}
	if err := c.ExtendEnvp(other.Envp...); err != nil {
		return err
	}
	for _, k := range other.Auxv.keys {
		if _, ok := c.Auxv.Get(k); ok && !override {
			continue
		}
		c.Auxv.Insert(k, other.Auxv.values[k])
	}
	return nil
}
