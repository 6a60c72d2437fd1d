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
	"strings"

	"github.com/caiyih/bakaos/pkg/fstree"
	"github.com/caiyih/bakaos/pkg/mmu"
	"github.com/caiyih/bakaos/pkg/pgalloc"
)

// shebangMaxLen bounds the interpreter line, matching BINPRM_BUF_SIZE.
const shebangMaxLen = 256

// fromShebang interprets src as a "#!" script: the remainder of the first
// line names the interpreter and at most one argument. The interpreter is
// resolved through fs and loaded as the actual executable, with argv rewritten
// to: interpreter [argument] script-path.
func fromShebang(src ExecSource, path string, fs *fstree.Node, m mmu.MMU, alloc *pgalloc.Allocator) (*LinuxLoader, error) {
	hdr := make([]byte, shebangMaxLen)
	n, err := src.ReadAt(0, hdr)
	if err != nil {
		return nil, ErrUnableToReadExecutable
	}
	if n < 2 || hdr[0] != '#' || hdr[1] != '!' {
		return nil, ErrNotShebang
	}

	line := hdr[2:n]
	if idx := bytes.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	} else if n == shebangMaxLen {
		return nil, ErrInvalidShebangString
	}

	fields := strings.Fields(string(line))
	if len(fields) == 0 || len(fields) > 2 {
		return nil, ErrInvalidShebangString
	}
	interp := fields[0]

	node, err := fs.Open(interp)
	if err != nil || node.IsDir() {
		return nil, ErrCanNotFindInterpreter
	}

	l, err := FromELF(node, path, NewProcessContext(), m, alloc)
	if err != nil {
		if le, ok := err.(LoadError); ok && le.IsFormatDetermined() {
			return nil, err
		}
		return nil, ErrCanNotFindInterpreter
	}

	argv := append([]string{interp}, fields[1:]...)
	argv = append(argv, path)
	l.Ctx.Argv = argv

	return l, nil
}
