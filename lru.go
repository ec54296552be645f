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

package pagetable

import (
	"container/list"
	"fmt"
	"sync"
)

// lruIndexBucketCapacity sizes the buckets of the replacer's internal
// index. Correctness does not depend on the value.
const lruIndexBucketCapacity = 2

// LRUReplacer tracks a set of elements in access order and selects the
// least recently used element for eviction. The access list keeps the most
// recently used element at the front; a Map from element to its list
// cursor gives O(1) touch and erase. List cursors stay valid across
// insertions and removals of other elements, so only the removal of an
// element itself invalidates its index entry.
//
// The replacer does not bound its capacity; the buffer pool enforces that
// externally.
type LRUReplacer[T comparable] struct {
	mu    sync.Mutex
	list  *list.List
	index *Map[T, *list.Element]
	size  int
}

// NewLRUReplacer constructs an empty replacer.
func NewLRUReplacer[T comparable]() *LRUReplacer[T] {
	return &LRUReplacer[T]{
		list:  list.New(),
		index: New[T, *list.Element](lruIndexBucketCapacity),
	}
}

// Insert marks value as most recently used, adding it if it is not yet
// tracked. A tracked value moves to the front of the access list and the
// size is unchanged.
func (r *LRUReplacer[T]) Insert(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.index.Get(value); ok {
		// The element keeps its identity across the move, so the index
		// entry stays valid.
		r.list.MoveToFront(e)
		return
	}
	r.index.Put(value, r.list.PushFront(value))
	r.size++
	if invariants {
		r.checkInvariants()
	}
}

// Victim removes and returns the least recently used element. ok is false
// when the replacer is empty.
func (r *LRUReplacer[T]) Victim() (value T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.list.Back()
	if e == nil {
		return value, false
	}
	value = e.Value.(T)
	r.index.Delete(value)
	r.list.Remove(e)
	r.size--
	if invariants {
		r.checkInvariants()
	}
	return value, true
}

// Erase removes value from the replacer, reporting whether it was tracked.
func (r *LRUReplacer[T]) Erase(value T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index.Get(value)
	if !ok {
		return false
	}
	r.index.Delete(value)
	r.list.Remove(e)
	r.size--
	if invariants {
		r.checkInvariants()
	}
	return true
}

// Len returns the number of tracked elements.
func (r *LRUReplacer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// checkInvariants validates that the size, the access list, and the index
// agree.
func (r *LRUReplacer[T]) checkInvariants() {
	if r.size != r.list.Len() || r.size != r.index.Len() {
		panic(fmt.Sprintf("invariant failed: size=%d list=%d index=%d",
			r.size, r.list.Len(), r.index.Len()))
	}
	for e := r.list.Front(); e != nil; e = e.Next() {
		cursor, ok := r.index.Get(e.Value.(T))
		if !ok || cursor != e {
			panic(fmt.Sprintf("invariant failed: index cursor for %v does not match its list position",
				e.Value))
		}
	}
}
