package receivedbuffer

import (
	"container/list"

	"mixclientcore/constants"
)

// dedupeSet is a bounded LRU set of recently delivered message IDs
// (spec §3 "Dedupe window", §8 P1 "no duplicate delivery"). A repeated ID
// moves to the most-recent end, and the least recently seen entry is
// evicted once full. That bound is sufficient: a duplicate arriving
// after its ID has aged out of the window is treated as new, which spec.md
// accepts as the bounded-memory tradeoff.
type dedupeSet struct {
	capacity int
	order    *list.List
	elems    map[[constants.MessageIDLength]byte]*list.Element
}

func newDedupeSet(capacity int) *dedupeSet {
	if capacity <= 0 {
		capacity = constants.DefaultDedupeWindow
	}
	return &dedupeSet{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[[constants.MessageIDLength]byte]*list.Element),
	}
}

// seen reports whether id was already recorded, and records it if not.
func (d *dedupeSet) seen(id [constants.MessageIDLength]byte) bool {
	if elem, ok := d.elems[id]; ok {
		d.order.MoveToBack(elem)
		return true
	}
	if len(d.elems) >= d.capacity {
		front := d.order.Front()
		if front != nil {
			oldest := front.Value.([constants.MessageIDLength]byte)
			d.order.Remove(front)
			delete(d.elems, oldest)
		}
	}
	d.elems[id] = d.order.PushBack(id)
	return false
}
