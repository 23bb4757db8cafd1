package receivedbuffer

import (
	"container/list"
	"time"

	"mixclientcore/constants"
	"mixclientcore/sphinxpacket"
)

// fragmentSet accumulates a message's fragments until every index in
// [0, count) has arrived.
type fragmentSet struct {
	count      uint8
	fragments  map[uint8]sphinxpacket.FragmentPayload
	firstSeen  time.Time
	listElem   *list.Element
}

// reassemblyTable is a bounded, insertion-ordered table of in-progress
// fragment sets (spec §3 "Reassembly table", §8 P2 "bounded reassembly
// window"). When full, the oldest incomplete set is evicted to bound
// memory under a slow or malicious sender, grounded on the teacher's
// session/arq.go bounded retransmit window sizing.
type reassemblyTable struct {
	capacity int
	order    *list.List // front = oldest
	sets     map[[constants.MessageIDLength]byte]*fragmentSet
}

func newReassemblyTable(capacity int) *reassemblyTable {
	if capacity <= 0 {
		capacity = constants.DefaultReassemblyWindow
	}
	return &reassemblyTable{
		capacity: capacity,
		order:    list.New(),
		sets:     make(map[[constants.MessageIDLength]byte]*fragmentSet),
	}
}

// add inserts fragment into its message's set, returning the complete,
// index-sorted fragment list once every fragment has arrived (nil
// otherwise). evicted reports a message ID dropped to make room, if any.
func (t *reassemblyTable) add(fragment sphinxpacket.FragmentPayload) (complete []sphinxpacket.FragmentPayload, evicted *[constants.MessageIDLength]byte) {
	id := fragment.Header.MessageID

	set, ok := t.sets[id]
	if !ok {
		if len(t.sets) >= t.capacity {
			evicted = t.evictOldest()
		}
		set = &fragmentSet{
			count:     fragment.Header.Count,
			fragments: make(map[uint8]sphinxpacket.FragmentPayload),
			firstSeen: time.Now(),
		}
		set.listElem = t.order.PushBack(id)
		t.sets[id] = set
	}
	set.fragments[fragment.Header.Index] = fragment

	if uint8(len(set.fragments)) < set.count {
		return nil, evicted
	}

	out := make([]sphinxpacket.FragmentPayload, 0, set.count)
	for i := uint8(0); i < set.count; i++ {
		out = append(out, set.fragments[i])
	}
	t.order.Remove(set.listElem)
	delete(t.sets, id)
	return out, evicted
}

func (t *reassemblyTable) evictOldest() *[constants.MessageIDLength]byte {
	front := t.order.Front()
	if front == nil {
		return nil
	}
	id := front.Value.([constants.MessageIDLength]byte)
	t.order.Remove(front)
	delete(t.sets, id)
	return &id
}
