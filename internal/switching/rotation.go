package switching

import (
	"fmt"
	"io"
	"log/slog"
)

// RotationList is a ring of items walkable in static or recency order.
type RotationList struct {
	items []Item
	// recency maps recency rank to static index, most recent first.
	recency []int
	log     *slog.Logger
}

// NewRotationList creates a list whose recency order equals its static
// order.
func NewRotationList(items []Item, logger *slog.Logger) *RotationList {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RotationList{
		items:   append([]Item(nil), items...),
		recency: make([]int, len(items)),
		log:     logger,
	}
	for i := range r.recency {
		r.recency[i] = i
	}
	return r
}

// Len returns the number of items.
func (r *RotationList) Len() int { return len(r.items) }

// Items returns the items in static order.
func (r *RotationList) Items() []Item { return append([]Item(nil), r.items...) }

// RecencyItems returns the items most recent first.
func (r *RotationList) RecencyItems() []Item {
	out := make([]Item, len(r.recency))
	for rank, idx := range r.recency {
		out[rank] = r.items[idx]
	}
	return out
}

// Next returns the item after the given IME and subtype. A pair that is
// not in the list yields the most recent item. The walk visits at most
// Len()-1 other positions and reports false when none qualifies.
func (r *RotationList) Next(imeID string, subtypeIndex int, onlyCurrentIME, useRecency, forward bool) (Item, bool) {
	if len(r.items) == 0 {
		return Item{}, false
	}
	index := r.index(imeID, subtypeIndex, useRecency)
	if index < 0 {
		r.log.Warn("switching away from an item not in the list, falling back to most recent",
			"ime", imeID, "subtype", subtypeIndex)
		return r.items[r.recency[0]], true
	}

	step := 1
	if !forward {
		step = -1
	}
	size := len(r.items)
	for i := 1; i < size; i++ {
		next := (index + i*step + size) % size
		if useRecency {
			next = r.recency[next]
		}
		it := r.items[next]
		if !onlyCurrentIME || it.IMEID == imeID {
			return it, true
		}
	}
	return Item{}, false
}

// SetMostRecent moves the given pair to recency rank 0. It reports false
// when the pair is already most recent or not in the list.
func (r *RotationList) SetMostRecent(imeID string, subtypeIndex int) bool {
	if len(r.items) == 0 {
		return false
	}
	rank := r.index(imeID, subtypeIndex, true)
	if rank <= 0 {
		return false
	}
	static := r.recency[rank]
	copy(r.recency[1:rank+1], r.recency[:rank])
	r.recency[0] = static
	return true
}

// index returns the position of the pair in static or recency order, or
// -1.
func (r *RotationList) index(imeID string, subtypeIndex int, useRecency bool) int {
	for i := range r.items {
		idx := i
		if useRecency {
			idx = r.recency[i]
		}
		if it := r.items[idx]; it.IMEID == imeID && it.SubtypeIndex == subtypeIndex {
			return i
		}
	}
	return -1
}

// Dump writes both orders.
func (r *RotationList) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%sstatic order:\n", prefix)
	for i, it := range r.items {
		fmt.Fprintf(w, "%s  i=%d item=%s\n", prefix, i, it)
	}
	fmt.Fprintf(w, "%srecency order:\n", prefix)
	for i, idx := range r.recency {
		fmt.Fprintf(w, "%s  i=%d item=%s\n", prefix, i, r.items[idx])
	}
}
