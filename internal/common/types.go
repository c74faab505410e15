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

import "fmt"

// OpenMode selects the open policy of a proxy open call.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenWrite
	OpenCreate
	OpenCreateNew
)

func (m OpenMode) String() string {
	switch m {
	case OpenRead:
		return "READ"
	case OpenWrite:
		return "WRITE"
	case OpenCreate:
		return "CREATE"
	case OpenCreateNew:
		return "CREATE_NEW"
	}
	return fmt.Sprintf("OpenMode(%d)", int(m))
}

// ParseOpenMode accepts the names returned by OpenMode.String.
func ParseOpenMode(s string) (OpenMode, error) {
	for m := OpenRead; m <= OpenCreateNew; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown open mode %q: %w", s, ErrInvalidArgument)
}

// Whence is the reference point of an lseek.
type Whence int

const (
	FromStart Whence = iota
	FromCurrent
	FromEnd
)

// Existence is what the server found at a path.
type Existence int

const (
	Absent Existence = iota
	RegularFile
	Directory
)

func (e Existence) String() string {
	switch e {
	case Absent:
		return "absent"
	case RegularFile:
		return "file"
	case Directory:
		return "directory"
	}
	return fmt.Sprintf("Existence(%d)", int(e))
}

// Intent selects the lock mode taken by GetLength.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

// ProbeResult is the server's answer to a probe.
type ProbeResult struct {
	Existence Existence `json:"existence"`
	// Stale is set when another proxy committed the last write to the path.
	Stale  bool  `json:"stale"`
	Length int64 `json:"length"`
	// ReadOnly is set when the server refuses writes and unlinks for the path.
	ReadOnly bool `json:"read_only,omitempty"`
	// Lease is non-empty when the probe left the path's read lock held.
	// The caller finishes it with a final ReadChunk or ReleaseLease.
	Lease string `json:"lease,omitempty"`
}
