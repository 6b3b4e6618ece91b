// Package slotmap is an index-stable registry. Keys carry a generation so a key to a removed value
// never resolves to a later value that reused the slot.
package slotmap

import (
	"fmt"
	"iter"

	g "github.com/anacrolix/generics"
)

type Key struct {
	index      uint32
	generation uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d", k.index, k.generation)
}

// The zero Key is never issued.
func (k Key) IsZero() bool {
	return k == Key{}
}

type slot[V any] struct {
	value      g.Option[V]
	generation uint32
}

// The zero value is ready to use. Not safe for concurrent use.
type Map[V any] struct {
	slots []slot[V]
	free  []uint32
	len   int
}

func (m *Map[V]) Insert(v V) Key {
	var i uint32
	if n := len(m.free); n != 0 {
		i = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		i = uint32(len(m.slots))
		m.slots = append(m.slots, slot[V]{})
	}
	s := &m.slots[i]
	s.generation++
	s.value = g.Some(v)
	m.len++
	return Key{index: i, generation: s.generation}
}

func (m *Map[V]) slot(k Key) *slot[V] {
	if int(k.index) >= len(m.slots) {
		return nil
	}
	s := &m.slots[k.index]
	if s.generation != k.generation || !s.value.Ok {
		return nil
	}
	return s
}

func (m *Map[V]) Get(k Key) g.Option[V] {
	if s := m.slot(k); s != nil {
		return s.value
	}
	return g.None[V]()
}

func (m *Map[V]) Contains(k Key) bool {
	return m.slot(k) != nil
}

// Returns the removed value, or None if the key was stale.
func (m *Map[V]) Remove(k Key) (ret g.Option[V]) {
	s := m.slot(k)
	if s == nil {
		return
	}
	ret = s.value
	s.value = g.None[V]()
	m.free = append(m.free, k.index)
	m.len--
	return
}

func (m *Map[V]) Len() int {
	return m.len
}

// Iterates in slot order. Don't insert or remove while iterating.
func (m *Map[V]) All() iter.Seq2[Key, V] {
	return func(yield func(Key, V) bool) {
		for i := range m.slots {
			s := &m.slots[i]
			if !s.value.Ok {
				continue
			}
			if !yield(Key{index: uint32(i), generation: s.generation}, s.value.Value) {
				return
			}
		}
	}
}
