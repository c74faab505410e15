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

package proxy

import (
	"os"
	"sync"
)

// descFlag records what a session did to its replica.
type descFlag int

const (
	// flagUnmodified: bound to the current replica, nothing written
	flagUnmodified descFlag = iota
	// flagUsed: bound to a fresh per-session copy, nothing written
	flagUsed
	// flagNew: created or written; written back at close
	flagNew
)

func (f descFlag) String() string {
	switch f {
	case flagUnmodified:
		return "unmodified"
	case flagUsed:
		return "used"
	case flagNew:
		return "new"
	default:
		return "unknown"
	}
}

// descriptor is one open file or directory
type descriptor struct {
	mu sync.Mutex // serializes I/O and close on the descriptor

	path     string
	isDir    bool
	gen      int64 // replica generation the descriptor is bound to
	file     *os.File
	readOnly bool
	flag     descFlag
}

// descriptorTable allocates and tracks descriptors
type descriptorTable struct {
	mu    sync.RWMutex
	descs map[int64]*descriptor
	next  int64
}

func newDescriptorTable() *descriptorTable {
	return &descriptorTable{
		descs: make(map[int64]*descriptor),
		next:  1,
	}
}

// Allocate assigns the next descriptor id to d
func (dt *descriptorTable) Allocate(d *descriptor) int64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	fd := dt.next
	dt.next++
	dt.descs[fd] = d
	return fd
}

// Get retrieves a descriptor
func (dt *descriptorTable) Get(fd int64) (*descriptor, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	d, ok := dt.descs[fd]
	return d, ok
}

// Remove takes a descriptor out of the table. Only one caller gets it.
func (dt *descriptorTable) Remove(fd int64) (*descriptor, bool) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	d, ok := dt.descs[fd]
	if ok {
		delete(dt.descs, fd)
	}
	return d, ok
}

// Len returns the number of open descriptors
func (dt *descriptorTable) Len() int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return len(dt.descs)
}
