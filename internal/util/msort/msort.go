// Copyright 2024 The pg-multiverse Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package msort contains utility functions for de-duplicating and
// ordering batches of versioned items, such as a migration plan.
package msort

import "sort"

// UniqueByVersion implements a "last one wins" approach to removing
// items with duplicate versions from the input slice: if two items
// share the same version (e.g. a migration file was re-registered under
// an existing version), the one appearing later in x is kept. The
// result is returned in ascending lexicographic order by version, which
// is the order MigrationManager.Migrate must apply pending migrations
// in.
//
// The input slice is not mutated; a new slice is returned.
func UniqueByVersion[T any](x []T, version func(T) string) []T {
	// Track the index within `kept` that holds the current winner for
	// each version.
	seenIdx := make(map[string]int, len(x))
	kept := make([]T, 0, len(x))

	for _, item := range x {
		v := version(item)
		if idx, found := seenIdx[v]; found {
			// A later entry for the same version always wins, since we
			// walk the input forwards in registration order.
			kept[idx] = item
			continue
		}
		seenIdx[v] = len(kept)
		kept = append(kept, item)
	}

	sort.Slice(kept, func(i, j int) bool {
		return version(kept[i]) < version(kept[j])
	})

	return kept
}
