package realtraffic

import (
	"encoding/hex"
	"sync"
	"time"

	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/sphinxpacket"
	"mixclientcore/topology"
)

// PendingAck is one in-flight fragment awaiting acknowledgement (spec §3
// "Pending ack entry").
type PendingAck struct {
	FragmentID         []byte
	MessageID          [5]byte
	Lane               Lane
	FirstHop           topology.Node
	AckKey             identity.AckKey
	SentAt             time.Time
	RetransmitDeadline time.Time
	RetransmitBudget   int

	// Fragment and Ack are retained so the retransmitter can rebuild the
	// Sphinx packet with a fresh route without re-fragmenting the
	// original payload.
	Fragment sphinxpacket.FragmentPayload
	Ack      sphinxpacket.AckReplyBlock

	// IsReply marks an entry built from a consumed SURB (the Reply input
	// variant): retransmitting it requires another SURB for the same
	// sender tag, since a SURB is single-use, rather than simply picking
	// a fresh route as a forward-addressed entry's retransmit does.
	IsReply   bool
	Recipient identity.Recipient
	SenderTag [constants.SenderTagLength]byte
}

// pendingAckTable is owned exclusively by the real-traffic controller
// (spec §5): no cross-component locking, but internally guarded since
// the ack listener and retransmitter subtasks both touch it.
type pendingAckTable struct {
	mu      sync.Mutex
	entries map[string]*PendingAck
}

func newPendingAckTable() *pendingAckTable {
	return &pendingAckTable{entries: make(map[string]*PendingAck)}
}

func ackKeyString(fragmentID []byte) string {
	return hex.EncodeToString(fragmentID)
}

func (t *pendingAckTable) add(entry *PendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ackKeyString(entry.FragmentID)] = entry
}

// remove deletes the entry matching fragmentID and reports whether one
// was found (spec §4.3 ack listener: "Unknown acks are dropped").
func (t *pendingAckTable) remove(fragmentID []byte) (*PendingAck, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ackKeyString(fragmentID)
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return e, ok
}

// expired returns every entry whose retransmit deadline has passed as of
// now, removing none of them — the caller decides whether to retransmit
// or drop each one.
func (t *pendingAckTable) expired(now time.Time) []*PendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*PendingAck
	for _, e := range t.entries {
		if !now.Before(e.RetransmitDeadline) {
			out = append(out, e)
		}
	}
	return out
}

func (t *pendingAckTable) update(entry *PendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ackKeyString(entry.FragmentID)] = entry
}

func (t *pendingAckTable) delete(fragmentID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ackKeyString(fragmentID))
}

func (t *pendingAckTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
