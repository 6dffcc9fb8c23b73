// Jobhooks is a Kubernetes Job completion webhook service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package idempotency maps client-supplied Idempotency-Key values to the
// resource ids they created, so HTTP retries return the original resource
// instead of creating duplicates. The mapping is bounded and non-durable;
// losing an entry merely degrades a replay to a normal create.
package idempotency

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds the cache; eviction is LRU.
const DefaultSize = 25

// Cache is a bounded ClientKey -> ResourceID mapping, safe for concurrent use.
type Cache struct {
	lru *lru.Cache[string, string]
}

// New returns a Cache holding at most size entries. A size <= 0 falls back
// to DefaultSize.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	// lru.New only errors on a non-positive size, which is handled above.
	c, err := lru.New[string, string](size)
	if err != nil {
		panic(err)
	}
	return &Cache{lru: c}
}

// Get returns the resource id recorded for key, if still cached.
func (c *Cache) Get(key string) (string, bool) {
	return c.lru.Get(key)
}

// Put records the resource id created for key.
func (c *Cache) Put(key, resourceID string) {
	c.lru.Add(key, resourceID)
}
