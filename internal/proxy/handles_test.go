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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorTable(t *testing.T) {
	dt := newDescriptorTable()

	fd1 := dt.Allocate(&descriptor{path: "a"})
	fd2 := dt.Allocate(&descriptor{path: "b"})
	assert.Equal(t, int64(1), fd1)
	assert.Equal(t, int64(2), fd2)
	assert.Equal(t, 2, dt.Len())

	d, ok := dt.Get(fd2)
	require.True(t, ok)
	assert.Equal(t, "b", d.path)

	_, ok = dt.Remove(fd1)
	assert.True(t, ok)
	_, ok = dt.Remove(fd1)
	assert.False(t, ok, "second remove must fail")
	_, ok = dt.Get(fd1)
	assert.False(t, ok)

	// Ids are never reused.
	assert.Equal(t, int64(3), dt.Allocate(&descriptor{path: "c"}))
}

func TestDescriptorTableConcurrentRemove(t *testing.T) {
	dt := newDescriptorTable()
	fd := dt.Allocate(&descriptor{path: "a"})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := dt.Remove(fd); ok {
				mu.Lock()
				winner++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winner)
}

func TestDescFlagString(t *testing.T) {
	assert.Equal(t, "unmodified", flagUnmodified.String())
	assert.Equal(t, "used", flagUsed.String())
	assert.Equal(t, "new", flagNew.String())
	assert.Equal(t, "unknown", descFlag(42).String())
}
