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

package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachefs/internal/common"
)

// fakeReplicas is a ReclaimFunc backed by a map of sizes.
type fakeReplicas struct {
	mu         sync.Mutex
	sizes      map[string]int64
	referenced map[string]bool
	evicted    []string
}

func newFakeReplicas() *fakeReplicas {
	return &fakeReplicas{sizes: make(map[string]int64), referenced: make(map[string]bool)}
}

func (f *fakeReplicas) reclaim(path string, _ int64) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.referenced[path] {
		return 0, false
	}
	size := f.sizes[path]
	delete(f.sizes, path)
	f.evicted = append(f.evicted, path)
	return size, true
}

// add admits a replica of size n and lists it as closed.
func (f *fakeReplicas) add(t *testing.T, em *EvictionManager, path string, n int64) {
	t.Helper()
	require.NoError(t, em.Admit(n))
	f.mu.Lock()
	f.sizes[path] = n
	f.mu.Unlock()
	em.Touch(path, 1)
}

func TestEvictionManagerAdmitWithinQuota(t *testing.T) {
	t.Parallel()
	f := newFakeReplicas()
	em := NewEvictionManager(100, f.reclaim)

	require.NoError(t, em.Admit(60))
	require.NoError(t, em.Admit(40))
	assert.Equal(t, int64(0), em.Stats().Remaining)
	assert.ErrorIs(t, em.Admit(1), common.ErrBusy, "nothing to evict")
	assert.Equal(t, int64(0), em.Stats().Remaining, "a denied admit charges nothing")

	em.Release(30)
	assert.Equal(t, int64(30), em.Stats().Remaining)
	em.Release(1000)
	assert.Equal(t, int64(100), em.Stats().Remaining, "release is clamped to capacity")

	assert.NoError(t, em.Admit(0))
	assert.ErrorIs(t, em.Admit(101), common.ErrBusy)
	em.CheckInvariants()
}

func TestEvictionManagerEvictsLeastRecentlyClosed(t *testing.T) {
	t.Parallel()
	f := newFakeReplicas()
	em := NewEvictionManager(100, f.reclaim)

	f.add(t, em, "a", 30)
	f.add(t, em, "b", 30)
	f.add(t, em, "c", 30)
	// Reopening and closing "a" makes it the most recent.
	em.Remove("a")
	em.Touch("a", 2)
	assert.Equal(t, []string{"b", "c", "a"}, em.Candidates())

	require.NoError(t, em.Admit(50))
	assert.Equal(t, []string{"b", "c"}, f.evicted)
	assert.Equal(t, []string{"a"}, em.Candidates())
	assert.Equal(t, int64(20), em.Stats().Remaining)
	em.CheckInvariants()
}

func TestEvictionManagerSkipsReferenced(t *testing.T) {
	t.Parallel()
	f := newFakeReplicas()
	em := NewEvictionManager(100, f.reclaim)

	f.add(t, em, "a", 50)
	f.add(t, em, "b", 50)
	f.referenced["a"] = true

	require.NoError(t, em.Admit(50))
	assert.Equal(t, []string{"b"}, f.evicted)
	assert.Equal(t, []string{"a"}, em.Candidates(), "referenced entries stay listed")

	assert.ErrorIs(t, em.Admit(10), common.ErrBusy)
	assert.Equal(t, int64(0), em.Stats().Remaining)
	em.CheckInvariants()
}

func TestEvictionManagerRemove(t *testing.T) {
	t.Parallel()
	f := newFakeReplicas()
	em := NewEvictionManager(100, f.reclaim)

	f.add(t, em, "a", 10)
	f.add(t, em, "b", 10)
	f.add(t, em, "c", 10)
	em.Remove("b")
	em.Remove("missing")
	assert.Equal(t, []string{"a", "c"}, em.Candidates())
	assert.Equal(t, 2, em.Stats().Evictable)
	em.CheckInvariants()
}

func TestEvictionManagerConcurrentAdmitRelease(t *testing.T) {
	t.Parallel()
	f := newFakeReplicas()
	em := NewEvictionManager(1000, f.reclaim)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if em.Admit(7) == nil {
					em.Release(7)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), em.Stats().Remaining)
	em.CheckInvariants()
}
