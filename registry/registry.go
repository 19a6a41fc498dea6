// Package registry is a sparse slot table keyed by reusable integer ids.
//
// Slots freed by Remove are handed out again by later inserts. Every ID
// carries the generation of its slot, so an ID minted before a removal
// never resolves to the slot's next occupant.
package registry

import "fmt"

// ID packs a slot index (low 32 bits) and the slot generation (high 32 bits).
type ID uint64

func newID(slot int, gen uint32) ID {
	return ID(uint64(gen)<<32 | uint64(uint32(slot)))
}

// Slot returns the slot index half of the id.
func (id ID) Slot() int {
	return int(uint32(id))
}

// Generation returns the generation half of the id.
func (id ID) Generation() uint32 {
	return uint32(id >> 32)
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Slot(), id.Generation())
}

type slot[T any] struct {
	gen      uint32
	occupied bool
	value    T
}

// Registry is not safe for concurrent use; owners serialize access.
type Registry[T any] struct {
	slots []slot[T]
	free  []int
	count int
}

func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Insert stores v in the lowest free slot, growing the table when none is free.
func (r *Registry[T]) Insert(v T) ID {
	idx := -1
	if n := len(r.free); n > 0 {
		best := 0
		for i := 1; i < n; i++ {
			if r.free[i] < r.free[best] {
				best = i
			}
		}
		idx = r.free[best]
		r.free[best] = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot[T]{})
		idx = len(r.slots) - 1
	}
	s := &r.slots[idx]
	s.occupied = true
	s.value = v
	r.count++
	return newID(idx, s.gen)
}

func (r *Registry[T]) lookup(id ID) *slot[T] {
	idx := id.Slot()
	if idx < 0 || idx >= len(r.slots) {
		return nil
	}
	s := &r.slots[idx]
	if !s.occupied || s.gen != id.Generation() {
		return nil
	}
	return s
}

// Contains reports whether id names a live slot.
func (r *Registry[T]) Contains(id ID) bool {
	return r.lookup(id) != nil
}

func (r *Registry[T]) Get(id ID) (T, bool) {
	s := r.lookup(id)
	if s == nil {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Update runs fn against the stored value in place. It returns false for a
// stale or empty id without calling fn.
func (r *Registry[T]) Update(id ID, fn func(*T)) bool {
	s := r.lookup(id)
	if s == nil {
		return false
	}
	fn(&s.value)
	return true
}

// Remove evicts the value and retires id. The slot becomes reusable under
// the next generation.
func (r *Registry[T]) Remove(id ID) (T, bool) {
	s := r.lookup(id)
	var zero T
	if s == nil {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.occupied = false
	s.gen++
	r.free = append(r.free, id.Slot())
	r.count--
	return v, true
}

// Each visits occupied slots in slot order. Returning false stops the walk.
func (r *Registry[T]) Each(fn func(ID, T) bool) {
	for idx := range r.slots {
		s := &r.slots[idx]
		if !s.occupied {
			continue
		}
		if !fn(newID(idx, s.gen), s.value) {
			return
		}
	}
}

// IDs returns live ids in slot order.
func (r *Registry[T]) IDs() []ID {
	out := make([]ID, 0, r.count)
	r.Each(func(id ID, _ T) bool {
		out = append(out, id)
		return true
	})
	return out
}

func (r *Registry[T]) Len() int {
	return r.count
}
