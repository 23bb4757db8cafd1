// Package replies implements the Reply/SURB Controller (spec §4.7): the
// two in-memory maps (sent reply keys, received SURBs), their control
// API, periodic garbage collection, and shutdown persistence through a
// ReplyStorageBackend. Grounded on the teacher's session/arq.go
// sync.Cond-guarded bookkeeping pattern, generalized from ack-retry
// state to SURB/reply-key state.
package replies

import (
	"time"

	"github.com/op/go-logging"

	"mixclientcore/constants"
	"mixclientcore/replies/storage"
	"mixclientcore/sphinxpacket"
	"mixclientcore/taskmanager"
)

var log = logging.MustGetLogger("replyController")

type sentReplyKeyEntry struct {
	key       [32]byte
	expiresAt time.Time
}

// Controller owns the reply/SURB state (spec §3 "Reply storage state").
// All access is by message passing via a control channel — no
// cross-component locking — per spec §5.
type Controller struct {
	backend storage.ReplyStorageBackend

	requests chan controlRequest

	gcPeriod time.Duration
	ttl      time.Duration

	sentReplyKeys map[[constants.SURBIDLength]byte]sentReplyKeyEntry
	receivedSurbs map[[constants.SenderTagLength]byte][]*sphinxpacket.SURB

	additionalSurbRequests chan additionalSurbRequest
}

type additionalSurbRequest struct {
	senderTag [constants.SenderTagLength]byte
	n         int
}

// New constructs a Controller, loading any previously persisted snapshot
// from backend.
func New(backend storage.ReplyStorageBackend, ttl, gcPeriod time.Duration) (*Controller, error) {
	snap, err := backend.Load()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		backend:                backend,
		requests:               make(chan controlRequest, 64),
		gcPeriod:                gcPeriod,
		ttl:                     ttl,
		sentReplyKeys:           make(map[[constants.SURBIDLength]byte]sentReplyKeyEntry, len(snap.SentReplyKeys)),
		receivedSurbs:           snap.ReceivedSurbs,
		additionalSurbRequests: make(chan additionalSurbRequest, 16),
	}
	now := time.Now()
	for id, key := range snap.SentReplyKeys {
		c.sentReplyKeys[id] = sentReplyKeyEntry{key: key, expiresAt: now.Add(ttl)}
	}
	if c.receivedSurbs == nil {
		c.receivedSurbs = make(map[[constants.SenderTagLength]byte][]*sphinxpacket.SURB)
	}
	return c, nil
}

type requestKind int

const (
	reqStoreSentReplyKey requestKind = iota
	reqInsertReceivedSurb
	reqTakeSurbFor
	reqLookupReplyKey
	reqAttemptReplyDecrypt
)

type controlRequest struct {
	kind      requestKind
	surbID    [constants.SURBIDLength]byte
	senderTag [constants.SenderTagLength]byte
	key       [32]byte
	surb      *sphinxpacket.SURB
	packet    *sphinxpacket.Packet
	reply     chan controlResponse
}

type controlResponse struct {
	surb     *sphinxpacket.SURB
	key      [32]byte
	found    bool
	fragment sphinxpacket.FragmentPayload
	ack      sphinxpacket.AckReplyBlock
}

// StoreSentReplyKey records the reply key for a SURB this client handed
// out, retained until a matching reply arrives or the TTL expires (spec
// §4.7).
func (c *Controller) StoreSentReplyKey(surbID [constants.SURBIDLength]byte, key [32]byte) {
	c.requests <- controlRequest{kind: reqStoreSentReplyKey, surbID: surbID, key: key}
}

// InsertReceivedSurb enqueues a SURB a peer has handed to us, usable to
// reply to them later.
func (c *Controller) InsertReceivedSurb(senderTag [constants.SenderTagLength]byte, surb *sphinxpacket.SURB) {
	c.requests <- controlRequest{kind: reqInsertReceivedSurb, senderTag: senderTag, surb: surb}
}

// TakeSurbFor pops one available SURB for senderTag, if any (spec §4.7,
// P4 "SURB single-use").
func (c *Controller) TakeSurbFor(senderTag [constants.SenderTagLength]byte) (*sphinxpacket.SURB, bool) {
	reply := make(chan controlResponse, 1)
	c.requests <- controlRequest{kind: reqTakeSurbFor, senderTag: senderTag, reply: reply}
	resp := <-reply
	return resp.surb, resp.found
}

// LookupReplyKey returns and consumes the stored reply key for surbID, if
// any is still pending (P5 "single-use": a second call for the same
// surbID returns found=false).
func (c *Controller) LookupReplyKey(surbID [constants.SURBIDLength]byte) ([32]byte, bool) {
	reply := make(chan controlResponse, 1)
	c.requests <- controlRequest{kind: reqLookupReplyKey, surbID: surbID, reply: reply}
	resp := <-reply
	return resp.key, resp.found
}

// AttemptReplyDecrypt tries every still-pending sent reply key against
// pkt (spec §4.6 step 2: "Attempt decrypt with each candidate reply key
// from sent_reply_keys"), since the received-buffer controller never
// sees a SURB id on an inbound reply packet — only the sealed payload
// itself says whether a given key opens it. The matching key is
// consumed on success, same as LookupReplyKey.
func (c *Controller) AttemptReplyDecrypt(pkt *sphinxpacket.Packet) (sphinxpacket.FragmentPayload, sphinxpacket.AckReplyBlock, bool) {
	reply := make(chan controlResponse, 1)
	c.requests <- controlRequest{kind: reqAttemptReplyDecrypt, packet: pkt, reply: reply}
	resp := <-reply
	return resp.fragment, resp.ack, resp.found
}

// RequestAdditionalSurbs signals that the real-traffic controller needs
// n more SURBs for senderTag to continue a Reply stream (spec §4.3
// "emit a RequestAdditionalSurbs(sender_tag, n) control message"). Actual
// issuance depends on the peer granting more SURBs in a future message;
// this call only queues the request on an internal channel (capacity 16)
// that no code drains, and logs and drops it once that channel is full.
func (c *Controller) RequestAdditionalSurbs(senderTag [constants.SenderTagLength]byte, n int) {
	select {
	case c.additionalSurbRequests <- additionalSurbRequest{senderTag: senderTag, n: n}:
	default:
		log.Warningf("additional-surb request queue full, dropping request for sender tag %x", senderTag)
	}
}

// Start runs the controller's request-serving and garbage-collection
// loop under the task supervisor, persisting a final snapshot on
// shutdown.
func (c *Controller) Start(tc *taskmanager.Client) {
	go func() {
		ticker := time.NewTicker(c.gcPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-tc.HaltCh():
				c.drainAndPersist()
				tc.Done(nil)
				return
			case req := <-c.requests:
				c.serve(req)
			case <-ticker.C:
				c.garbageCollect()
			}
		}
	}()
}

func (c *Controller) serve(req controlRequest) {
	switch req.kind {
	case reqStoreSentReplyKey:
		c.sentReplyKeys[req.surbID] = sentReplyKeyEntry{key: req.key, expiresAt: time.Now().Add(c.ttl)}
	case reqInsertReceivedSurb:
		c.receivedSurbs[req.senderTag] = append(c.receivedSurbs[req.senderTag], req.surb)
	case reqTakeSurbFor:
		queue := c.receivedSurbs[req.senderTag]
		if len(queue) == 0 {
			req.reply <- controlResponse{found: false}
			return
		}
		surb := queue[0]
		c.receivedSurbs[req.senderTag] = queue[1:]
		req.reply <- controlResponse{surb: surb, found: true}
	case reqLookupReplyKey:
		entry, ok := c.sentReplyKeys[req.surbID]
		if !ok {
			req.reply <- controlResponse{found: false}
			return
		}
		delete(c.sentReplyKeys, req.surbID)
		req.reply <- controlResponse{key: entry.key, found: true}
	case reqAttemptReplyDecrypt:
		for id, entry := range c.sentReplyKeys {
			fragment, ack, err := sphinxpacket.DecryptReplyPayload(entry.key, req.packet)
			if err != nil {
				continue
			}
			delete(c.sentReplyKeys, id)
			req.reply <- controlResponse{fragment: fragment, ack: ack, found: true}
			return
		}
		req.reply <- controlResponse{found: false}
	}
}

func (c *Controller) garbageCollect() {
	now := time.Now()
	evicted := 0
	for id, entry := range c.sentReplyKeys {
		if now.After(entry.expiresAt) {
			delete(c.sentReplyKeys, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debugf("garbage collected %d expired sent reply keys", evicted)
	}
}

func (c *Controller) drainAndPersist() {
	for pending := true; pending; {
		select {
		case req := <-c.requests:
			c.serve(req)
		default:
			pending = false
		}
	}
	snap := &storage.Snapshot{
		SentReplyKeys: make(map[[constants.SURBIDLength]byte][32]byte, len(c.sentReplyKeys)),
		ReceivedSurbs: c.receivedSurbs,
	}
	for id, entry := range c.sentReplyKeys {
		snap.SentReplyKeys[id] = entry.key
	}
	if err := c.backend.Store(snap); err != nil {
		log.Errorf("failed to persist reply storage snapshot on shutdown: %v", err)
	}
}
