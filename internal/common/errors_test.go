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
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrExists,
		ErrIsDir,
		ErrInvalidPath,
		ErrInvalidArgument,
		ErrPermission,
		ErrBadDescriptor,
		ErrBusy,
		ErrIO,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"not found", ErrNotFound, -int(syscall.ENOENT)},
		{"exists", ErrExists, -int(syscall.EEXIST)},
		{"is dir", ErrIsDir, -int(syscall.EISDIR)},
		{"invalid path", ErrInvalidPath, -int(syscall.EINVAL)},
		{"invalid argument", ErrInvalidArgument, -int(syscall.EINVAL)},
		{"permission", ErrPermission, -int(syscall.EPERM)},
		{"bad descriptor", ErrBadDescriptor, -int(syscall.EBADF)},
		{"busy", ErrBusy, -int(syscall.EBUSY)},
		{"io", ErrIO, -int(syscall.EIO)},
		{"wrapped", fmt.Errorf("fetch a.txt: %w", ErrBusy), -int(syscall.EBUSY)},
		{"foreign", errors.New("boom"), -int(syscall.EIO)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Errno(tt.err))
		})
	}
}

func TestFromErrno(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FromErrno(0))
	assert.ErrorIs(t, FromErrno(-int(syscall.ENOENT)), ErrNotFound)
	assert.ErrorIs(t, FromErrno(int(syscall.EBUSY)), ErrBusy)
	assert.ErrorIs(t, FromErrno(-int(syscall.EINVAL)), ErrInvalidArgument)
	assert.ErrorIs(t, FromErrno(-9999), ErrIO)

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		for _, err := range []error{ErrNotFound, ErrExists, ErrIsDir, ErrPermission, ErrBadDescriptor, ErrBusy, ErrIO} {
			assert.ErrorIs(t, FromErrno(Errno(err)), err)
		}
	})
}

func TestFromOSError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := os.Open(dir + "/missing")
	assert.ErrorIs(t, FromOSError(err), ErrNotFound)

	f, err := os.Create(dir + "/f")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, FromOSError(err), ErrBadDescriptor)

	_, err = os.OpenFile(dir+"/f", os.O_CREATE|os.O_EXCL, 0644)
	assert.ErrorIs(t, FromOSError(err), ErrExists)

	assert.ErrorIs(t, FromOSError(&fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}), ErrPermission)
	assert.ErrorIs(t, FromOSError(fmt.Errorf("wrapped: %w", ErrBusy)), ErrBusy)
	assert.ErrorIs(t, FromOSError(errors.New("disk on fire")), ErrIO)
	assert.NoError(t, FromOSError(nil))
}
