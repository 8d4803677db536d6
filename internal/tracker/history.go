package tracker

import (
	"container/list"
	"fmt"
	"io"
)

// Default capacities for the active and completed entry maps.
const (
	DefaultActiveCapacity    = 1000
	DefaultCompletedCapacity = 100
)

type keyed struct {
	id    uint64
	entry *Entry
}

// orderedMap keeps entries in insertion order. Replacing the value of an
// existing key keeps its position.
type orderedMap struct {
	order *list.List
	index map[uint64]*list.Element
}

func newOrderedMap() *orderedMap {
	return &orderedMap{order: list.New(), index: make(map[uint64]*list.Element)}
}

func (m *orderedMap) get(id uint64) *Entry {
	if el, ok := m.index[id]; ok {
		return el.Value.(*keyed).entry
	}
	return nil
}

func (m *orderedMap) has(id uint64) bool {
	_, ok := m.index[id]
	return ok
}

func (m *orderedMap) put(id uint64, e *Entry) {
	if el, ok := m.index[id]; ok {
		el.Value.(*keyed).entry = e
		return
	}
	m.index[id] = m.order.PushBack(&keyed{id: id, entry: e})
}

func (m *orderedMap) remove(id uint64) {
	if el, ok := m.index[id]; ok {
		m.order.Remove(el)
		delete(m.index, id)
	}
}

func (m *orderedMap) removeOldest() (uint64, *Entry, bool) {
	el := m.order.Front()
	if el == nil {
		return 0, nil, false
	}
	kv := el.Value.(*keyed)
	m.order.Remove(el)
	delete(m.index, kv.id)
	return kv.id, kv.entry, true
}

func (m *orderedMap) len() int { return m.order.Len() }

func (m *orderedMap) each(fn func(id uint64, e *Entry)) {
	for el := m.order.Front(); el != nil; el = el.Next() {
		kv := el.Value.(*keyed)
		fn(kv.id, kv.entry)
	}
}

// History holds the active and completed entries. It is not safe for
// concurrent use; Service serializes access.
type History struct {
	active            *orderedMap
	completed         *orderedMap
	activeCapacity    int
	completedCapacity int
}

// NewHistory creates a history with the given capacities. Non-positive
// values select the defaults.
func NewHistory(activeCapacity, completedCapacity int) *History {
	if activeCapacity <= 0 {
		activeCapacity = DefaultActiveCapacity
	}
	if completedCapacity <= 0 {
		completedCapacity = DefaultCompletedCapacity
	}
	return &History{
		active:            newOrderedMap(),
		completed:         newOrderedMap(),
		activeCapacity:    activeCapacity,
		completedCapacity: completedCapacity,
	}
}

// Active returns the active entry for id, or nil.
func (h *History) Active(id uint64) *Entry { return h.active.get(id) }

// Completed returns the completed entry for id, or nil.
func (h *History) Completed(id uint64) *Entry { return h.completed.get(id) }

// IsCompleted reports whether id is in the completed map.
func (h *History) IsCompleted(id uint64) bool { return h.completed.has(id) }

func (h *History) isActiveFull() bool { return h.active.len() >= h.activeCapacity }

func (h *History) putActive(id uint64, e *Entry) { h.active.put(id, e) }

// complete moves id from the active map to the completed map, evicting the
// oldest completed entries beyond capacity.
func (h *History) complete(id uint64, e *Entry) {
	h.active.remove(id)
	h.completed.put(id, e)
	for h.completed.len() > h.completedCapacity {
		h.completed.removeOldest()
	}
}

func (h *History) clearActive() {
	h.active = newOrderedMap()
}

// ActiveLen returns the number of active entries.
func (h *History) ActiveLen() int { return h.active.len() }

// CompletedLen returns the number of completed entries.
func (h *History) CompletedLen() int { return h.completed.len() }

// CompletedEntries returns copies of the completed entries, oldest first.
func (h *History) CompletedEntries() []Entry {
	out := make([]Entry, 0, h.completed.len())
	h.completed.each(func(_ uint64, e *Entry) { out = append(out, *e) })
	return out
}

// ActiveEntries returns copies of the active entries in creation order.
func (h *History) ActiveEntries() []Entry {
	out := make([]Entry, 0, h.active.len())
	h.active.each(func(_ uint64, e *Entry) { out = append(out, *e) })
	return out
}

// Dump writes the active and completed entries.
func (h *History) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%sactive entries: %d\n", prefix, h.active.len())
	h.active.each(func(_ uint64, e *Entry) { e.dump(w, prefix+"  ") })
	fmt.Fprintf(w, "%scompleted entries: %d\n", prefix, h.completed.len())
	h.completed.each(func(_ uint64, e *Entry) { e.dump(w, prefix+"  ") })
}
