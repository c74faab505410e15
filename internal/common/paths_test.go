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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		// Simple paths
		{"simple", "foo", "foo"},
		{"leading_slash", "/foo", "foo"},
		{"trailing_slash", "foo/", "foo"},
		{"both_slashes", "/foo/", "foo"},

		// Nested paths
		{"two_parts", "foo/bar", "foo/bar"},
		{"three_parts", "foo/bar/baz", "foo/bar/baz"},

		// Paths with dots
		{"dot_prefix", "./foo", "foo"},
		{"dot_suffix", "foo/.", "foo"},
		{"dot_middle", "foo/./bar", "foo/bar"},
		{"dotdot_middle", "foo/../bar", "bar"},
		{"dotdot_twice", "a/b/../../c", "c"},
		{"dotdot_after_dot", "a/./../b", "b"},

		// Multiple slashes
		{"double_slash", "foo//bar", "foo/bar"},
		{"many_slashes", "///foo///bar///", "foo/bar"},

		// Names that only look special
		{"dots_in_name", "a/..b/c.", "a/..b/c."},
		{"triple_dot", "...", "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizePath(tt.input)
			require.NoError(t, err, "NormalizePath(%q)", tt.input)
			assert.Equal(t, tt.want, got, "NormalizePath(%q)", tt.input)
		})
	}
}

func TestNormalizePath_Invalid(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"",
		"/",
		".",
		"..",
		"../foo",
		"foo/../..",
		"foo/..",
		"/a/b/../../../c",
	}

	for _, in := range inputs {
		_, err := NormalizePath(in)
		assert.ErrorIs(t, err, ErrInvalidPath, "NormalizePath(%q)", in)
	}
}

func TestNormalizePath_Idempotent(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"a/b/c", "/x/./y/../z/", "deep/er/../path.txt"} {
		once, err := NormalizePath(in)
		require.NoError(t, err)
		twice, err := NormalizePath(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestParentPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"foo", ""},
		{"foo/bar", "foo"},
		{"a/b/c.txt", "a/b"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParentPath(tt.input), "ParentPath(%q)", tt.input)
	}
}
