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

package syscalls

import (
	"github.com/caiyih/bakaos/pkg/mem"
)

// SysBrk moves the program break to newEnd, growing or shrinking the brk
// area. As under Linux, a null or unsatisfiable request returns the current
// break unchanged.
func (c *Context) SysBrk(newEnd mem.VirtualAddress) (mem.VirtualAddress, error) {
	rng, err := c.mem.BrkRange()
	if err != nil {
		return 0, err
	}
	current := rng.End.StartAddr()

	if newEnd.IsNull() {
		return current, nil
	}

	target := newEnd.CeilPage()
	switch {
	case target > rng.End:
		if err := c.mem.IncreaseBrk(target); err != nil {
			return current, nil
		}
	case target < rng.End:
		if err := c.mem.ShrinkBrk(target); err != nil {
			return current, nil
		}
	}

	return newEnd, nil
}
