// Copyright 2024 The Pagetable Authors
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

// Package pagetable implements the page-table and victim-selection core of
// a buffer pool manager: a concurrent extendible hash table (Map) and an
// LRU replacer (LRUReplacer) that uses a Map as its secondary index.
//
// # Extendible hashing
//
// A Map routes keys through a directory of bucket references. The
// directory has 1<<globalDepth slots and a key's slot is
//
//	hash(key) & ((1 << globalDepth) - 1)
//
// Map.globalDepth is the number of low-order hash bits used to index the
// directory. When globalDepth is 0 there is a single directory slot and a
// single bucket.
//
// bucket.localDepth is the number of low-order hash bits by which that
// bucket discriminates its contents. localDepth <= globalDepth. When
// localDepth < globalDepth, multiple directory slots reference the same
// bucket:
//
//	 dir (globalDepth=2)
//	+----+
//	| 00 | --> dir[0] ----> bucket[localDepth=2, flag=00]
//	+----+
//	| 01 | --> dir[1] \
//	+----+             +--> bucket[localDepth=1, flag=1]
//	| 11 | --> dir[3] /
//	+----+
//	| 10 | --> dir[2] ----> bucket[localDepth=2, flag=10]
//	+----+
//
// Every key stored in a bucket agrees with the bucket's flag on the low
// localDepth bits of its hash. A bucket holds at most its configured
// capacity of entries; inserting into a full bucket splits it. The split
// increments the bucket's local depth, moves the entries whose hashes set
// the new bit into a fresh sibling bucket, and rewrites the directory
// slots matching the sibling's flag. If the new local depth exceeds the
// global depth the directory doubles first, each appended slot inheriting
// the bucket of its low-bits image. Splitting is incremental: only the one
// overflowing bucket is redistributed, never the whole table.
//
// Buckets are never merged and the directory never shrinks; deleting every
// key from a bucket leaves the structure in place.
//
// # Concurrency
//
// A Map is safe for concurrent use. Mutating operations serialise on an
// internal mutex; lookups and introspection take its read side. Operations
// on a single Map are linearisable. An LRUReplacer is likewise safe for
// concurrent use.
package pagetable

import (
	"fmt"
	"hash/maphash"
	"strings"
	"sync"
)

// hashFn addresses a key. The seed is per-Map; a hash function may ignore
// it.
type hashFn[K comparable] func(key K, seed maphash.Seed) uint64

// slot holds a key and value.
type slot[K comparable, V any] struct {
	key   K
	value V
}

// bucket holds the entries whose hashes agree with flag on the low
// localDepth bits. mask is (1<<localDepth)-1. len(slots) stays within the
// Map's bucket capacity except for unsplittable buckets (see Put).
type bucket[K comparable, V any] struct {
	slots      []slot[K, V]
	localDepth uint
	mask       uint64
	flag       uint64
}

// Map is an extendible hash table mapping keys to values with Get, Put,
// Delete, and All operations. By default a Map[K,V] hashes keys with
// hash/maphash; a different hash function can be specified using the
// WithHash option.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K, and its per-Map seed.
	// Both are fixed after New.
	hash hashFn[K]
	seed maphash.Seed
	// bucketCapacity is the number of entries a bucket holds before it is
	// split.
	bucketCapacity int

	mu sync.RWMutex
	// The directory of buckets, 1<<globalDepth slots long. Slot i
	// references the bucket whose flag matches i on the bucket's mask.
	dir         []*bucket[K, V]
	globalDepth uint
	globalMask  uint64
	// numBuckets counts distinct buckets, not directory slots.
	numBuckets int
	// used is the number of entries across all buckets.
	used int
}

// New constructs a Map whose buckets hold up to bucketCapacity entries.
// Capacities below 1 are raised to 1. The zero value for a Map is not
// usable.
func New[K comparable, V any](bucketCapacity int, options ...option[K, V]) *Map[K, V] {
	if bucketCapacity < 1 {
		bucketCapacity = 1
	}
	m := &Map[K, V]{
		hash: func(key K, seed maphash.Seed) uint64 {
			return maphash.Comparable(seed, key)
		},
		seed:           maphash.MakeSeed(),
		bucketCapacity: bucketCapacity,
		dir:            []*bucket[K, V]{{}},
		numBuckets:     1,
	}
	for _, op := range options {
		op.apply(m)
	}
	return m
}

// HashKey returns the hash the table uses to address key. The directory
// slot for key is HashKey(key) masked to the low GlobalDepth bits.
func (m *Map[K, V]) HashKey(key K) uint64 {
	return m.hash(key, m.seed)
}

// Get retrieves the value for key, returning ok=false if the key is not
// present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(key, m.seed)
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.dir[h&m.globalMask]
	for i := range b.slots {
		if b.slots[i].key == key {
			return b.slots[i].value, true
		}
	}
	return value, false
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. A full bucket is split, doubling
// the directory when the bucket's depth overtakes the global depth.
func (m *Map[K, V]) Put(key K, value V) {
	h := m.hash(key, m.seed)
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.dir[h&m.globalMask]
	for i := range b.slots {
		if b.slots[i].key == key {
			b.slots[i].value = value
			return
		}
	}

	// Repeated splits may be needed when the existing keys keep landing on
	// the inserted key's side of each division. A bucket whose keys all
	// share key's full hash can never be divided; it is allowed to exceed
	// its capacity rather than splitting (and doubling the directory)
	// forever.
	for len(b.slots) >= m.bucketCapacity {
		if !m.splittable(b, h) {
			break
		}
		m.split(h & m.globalMask)
		b = m.dir[h&m.globalMask]
	}
	b.slots = append(b.slots, slot[K, V]{key: key, value: value})
	m.used++
	if invariants {
		m.checkInvariants()
	}
}

// Delete deletes the entry corresponding to key, reporting whether an
// entry was present. Buckets are not merged and the directory does not
// shrink.
func (m *Map[K, V]) Delete(key K) bool {
	h := m.hash(key, m.seed)
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.dir[h&m.globalMask]
	for i := range b.slots {
		if b.slots[i].key == key {
			last := len(b.slots) - 1
			b.slots[i] = b.slots[last]
			b.slots[last] = slot[K, V]{}
			b.slots = b.slots[:last]
			m.used--
			if invariants {
				m.checkInvariants()
			}
			return true
		}
	}
	return false
}

// Clear removes all entries. Bucket depths and the directory are left in
// place.
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eachBucket(func(b *bucket[K, V]) bool {
		clear(b.slots)
		b.slots = b.slots[:0]
		return true
	})
	m.used = 0
	if invariants {
		m.checkInvariants()
	}
}

// All calls yield sequentially for each key and value present in the map,
// in unspecified order. If yield returns false, iteration stops. The
// callback runs with the map's read lock held and must not call mutating
// operations on the same Map.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.eachBucket(func(b *bucket[K, V]) bool {
		for i := range b.slots {
			if !yield(b.slots[i].key, b.slots[i].value) {
				return false
			}
		}
		return true
	})
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// GlobalDepth returns the number of low-order hash bits used to index the
// directory. The directory is 1<<GlobalDepth() slots long.
func (m *Map[K, V]) GlobalDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.globalDepth)
}

// LocalDepth returns the local depth of the bucket referenced by directory
// slot i.
func (m *Map[K, V]) LocalDepth(i int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.dir[i].localDepth)
}

// NumBuckets returns the number of distinct buckets.
func (m *Map[K, V]) NumBuckets() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numBuckets
}

// split divides the bucket at directory slot id. The bucket's local depth
// grows by one, entries whose hashes set the new bit move to a fresh
// sibling, and every directory slot matching the sibling's flag is
// rewritten to reference it. If the new depth exceeds the global depth the
// directory doubles first, each appended slot inheriting the bucket of its
// low-bits image.
func (m *Map[K, V]) split(id uint64) {
	b := m.dir[id]
	b.localDepth++
	b.mask = uint64(1)<<b.localDepth - 1

	sib := &bucket[K, V]{
		localDepth: b.localDepth,
		mask:       b.mask,
		flag:       b.flag | uint64(1)<<(b.localDepth-1),
	}

	kept := b.slots[:0]
	for _, s := range b.slots {
		if m.hash(s.key, m.seed)&sib.mask == sib.flag {
			sib.slots = append(sib.slots, s)
		} else {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(b.slots); i++ {
		b.slots[i] = slot[K, V]{}
	}
	b.slots = kept

	if b.localDepth > m.globalDepth {
		n := len(m.dir)
		for i := n; i < 2*n; i++ {
			m.dir = append(m.dir, m.dir[uint64(i)&m.globalMask])
		}
		m.globalDepth++
		m.globalMask = uint64(1)<<m.globalDepth - 1
	}

	for i := range m.dir {
		if uint64(i)&sib.mask == sib.flag {
			m.dir[i] = sib
		}
	}
	m.numBuckets++
}

// splittable reports whether extending b's mask can ever separate the
// stored keys from a key hashing to h. It is false exactly when every
// stored key shares h across the full hash width.
func (m *Map[K, V]) splittable(b *bucket[K, V], h uint64) bool {
	for i := range b.slots {
		if m.hash(b.slots[i].key, m.seed) != h {
			return true
		}
	}
	return false
}

// eachBucket calls yield once per distinct bucket. A bucket's flag is the
// smallest directory index referencing it, so each bucket is yielded at
// exactly that slot. If yield returns false, iteration stops.
func (m *Map[K, V]) eachBucket(yield func(b *bucket[K, V]) bool) {
	for i, b := range m.dir {
		if uint64(i) != b.flag {
			continue
		}
		if !yield(b) {
			return
		}
	}
}

// checkInvariants validates the directory and bucket structure:
//
//   - the directory is exactly 1<<globalDepth slots long
//   - directory slot i references a bucket with localDepth <= globalDepth
//     and i & bucket.mask == bucket.flag
//   - a bucket with localDepth d is referenced by exactly
//     1<<(globalDepth-d) slots
//   - every stored key hashes to the bucket holding it, under both the
//     bucket's mask and the global mask
//   - no bucket exceeds its capacity unless its keys are unsplittable
func (m *Map[K, V]) checkInvariants() {
	if len(m.dir) != 1<<m.globalDepth {
		panic(fmt.Sprintf("invariant failed: %d directory slots at global depth %d\n%s",
			len(m.dir), m.globalDepth, m.debugString()))
	}

	refs := make(map[*bucket[K, V]]int)
	for i, b := range m.dir {
		if b.localDepth > m.globalDepth {
			panic(fmt.Sprintf("invariant failed: dir[%d] local depth %d exceeds global depth %d\n%s",
				i, b.localDepth, m.globalDepth, m.debugString()))
		}
		if uint64(i)&b.mask != b.flag {
			panic(fmt.Sprintf("invariant failed: dir[%d] references bucket with flag %b\n%s",
				i, b.flag, m.debugString()))
		}
		refs[b]++
	}
	if len(refs) != m.numBuckets {
		panic(fmt.Sprintf("invariant failed: found %d buckets, but bucket count is %d\n%s",
			len(refs), m.numBuckets, m.debugString()))
	}

	var used int
	for b, n := range refs {
		if n != 1<<(m.globalDepth-b.localDepth) {
			panic(fmt.Sprintf("invariant failed: bucket %b at depth %d has %d directory references\n%s",
				b.flag, b.localDepth, n, m.debugString()))
		}
		if len(b.slots) > m.bucketCapacity && m.splittable(b, m.hash(b.slots[0].key, m.seed)) {
			panic(fmt.Sprintf("invariant failed: splittable bucket %b holds %d entries (capacity %d)\n%s",
				b.flag, len(b.slots), m.bucketCapacity, m.debugString()))
		}
		for i := range b.slots {
			h := m.hash(b.slots[i].key, m.seed)
			if h&b.mask != b.flag {
				panic(fmt.Sprintf("invariant failed: key %v (hash %016x) stored in bucket %b\n%s",
					b.slots[i].key, h, b.flag, m.debugString()))
			}
			if m.dir[h&m.globalMask] != b {
				panic(fmt.Sprintf("invariant failed: key %v (hash %016x) not addressable via the directory\n%s",
					b.slots[i].key, h, m.debugString()))
			}
		}
		used += len(b.slots)
	}
	if used != m.used {
		panic(fmt.Sprintf("invariant failed: found %d entries, but used count is %d\n%s",
			used, m.used, m.debugString()))
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "global-depth=%d  buckets=%d  used=%d\n", m.globalDepth, m.numBuckets, m.used)
	for i, b := range m.dir {
		if uint64(i) != b.flag {
			fmt.Fprintf(&buf, "  %4d: -> %d\n", i, b.flag)
			continue
		}
		fmt.Fprintf(&buf, "  %4d: depth=%d len=%d\n", i, b.localDepth, len(b.slots))
		for j := range b.slots {
			fmt.Fprintf(&buf, "        %v: %v\n", b.slots[j].key, b.slots[j].value)
		}
	}
	return buf.String()
}
