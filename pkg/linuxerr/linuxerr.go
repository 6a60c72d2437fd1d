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

// Package linuxerr holds the errno values the memory subsystem surfaces at
// the syscall boundary. Each value is a distinct sentinel; comparisons use
// errors.Is or pointer equality.
package linuxerr

import "fmt"

// Error is an errno with its conventional message.
type Error struct {
	errno int32
	msg   string
}

// Error implements error.Error.
func (e *Error) Error() string {
	return e.msg
}

// Errno returns the positive errno value.
func (e *Error) Errno() int32 {
	return e.errno
}

// Return returns the value placed in the syscall return register: the
// negated errno.
func (e *Error) Return() int64 {
	return -int64(e.errno)
}

// String implements fmt.Stringer.
func (e *Error) String() string {
	return fmt.Sprintf("errno %d (%s)", e.errno, e.msg)
}

func newError(errno int32, msg string) *Error {
	return &Error{errno: errno, msg: msg}
}

var (
	// ENOEXEC indicates an exec format error.
	ENOEXEC = newError(8, "exec format error")
	// ENOMEM indicates the kernel cannot allocate memory.
	ENOMEM = newError(12, "cannot allocate memory")
	// EFAULT indicates a bad address.
	EFAULT = newError(14, "bad address")
	// EINVAL indicates an invalid argument.
	EINVAL = newError(22, "invalid argument")
	// ENAMETOOLONG indicates a file name or argument vector too long.
	ENAMETOOLONG = newError(36, "file name too long")
)
