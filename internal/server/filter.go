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

package server

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// PathFilter decides which server paths refuse modification.
type PathFilter func(path string, isDir bool) bool

// BuildReadOnlyFilter compiles gitignore-style patterns into a PathFilter that
// reports true for read-only paths. A path is read-only if it or any parent
// directory matches. An empty pattern list returns nil (nothing read-only).
func BuildReadOnlyFilter(patterns []string) PathFilter {
	var lines []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	gi := ignore.CompileIgnoreLines(lines...)

	return func(path string, isDir bool) bool {
		// Paths arrive normalized: no leading slash, no "." or "..".
		parts := strings.Split(path, "/")
		for i := 1; i < len(parts); i++ {
			if gi.MatchesPath(strings.Join(parts[:i], "/") + "/") {
				return true
			}
		}
		checkPath := path
		if isDir {
			checkPath += "/"
		}
		return gi.MatchesPath(checkPath)
	}
}
