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

// Package cache provides the proxy's local replica cache.
//
// Design Principles:
// 1. Versioned replicas - Every open gets its own generation; closes promote or discard
// 2. Quota first - Bytes enter the cache only after EvictionManager.Admit charged them
//
// Currently provides:
// - EvictionManager: cache quota and LRU list of evictable replicas
// - Store: generation counters, replica reference counts and replica files
package cache
