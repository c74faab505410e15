// Copyright 2024 cachefs Authors
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

package common

import (
	"errors"
	"io/fs"
	"syscall"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrIsDir           = errors.New("is a directory")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPermission      = errors.New("permission denied")
	ErrBadDescriptor   = errors.New("bad file descriptor")
	ErrBusy            = errors.New("resource busy")
	ErrIO              = errors.New("I/O error")
)

// errnoTable maps taxonomy members to their POSIX error numbers.
// ErrInvalidPath and ErrInvalidArgument share EINVAL on the wire.
var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{ErrNotFound, syscall.ENOENT},
	{ErrExists, syscall.EEXIST},
	{ErrIsDir, syscall.EISDIR},
	{ErrInvalidArgument, syscall.EINVAL},
	{ErrInvalidPath, syscall.EINVAL},
	{ErrPermission, syscall.EPERM},
	{ErrBadDescriptor, syscall.EBADF},
	{ErrBusy, syscall.EBUSY},
	{ErrIO, syscall.EIO},
}

// Errno returns the negative POSIX code for err, or 0 for nil.
// Errors outside the taxonomy map to -EIO.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return -int(e.errno)
		}
	}
	return -int(syscall.EIO)
}

// FromErrno is the inverse of Errno. Codes this package does not know map to ErrIO.
func FromErrno(code int) error {
	if code == 0 {
		return nil
	}
	if code < 0 {
		code = -code
	}
	for _, e := range errnoTable {
		if int(e.errno) == code {
			return e.err
		}
	}
	return ErrIO
}

// FromOSError translates a local storage error into the nearest taxonomy member.
// Errors already in the taxonomy are returned unchanged.
func FromOSError(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return err
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrExist):
		return ErrExists
	case errors.Is(err, fs.ErrPermission):
		return ErrPermission
	case errors.Is(err, fs.ErrClosed), errors.Is(err, syscall.EBADF):
		return ErrBadDescriptor
	case errors.Is(err, syscall.EISDIR):
		return ErrIsDir
	case errors.Is(err, syscall.EINVAL):
		return ErrInvalidArgument
	}
	return ErrIO
}
