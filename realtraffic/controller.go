package realtraffic

import (
	"crypto/rand"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/op/go-logging"

	"mixclientcore/config"
	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/poisson"
	"mixclientcore/replies"
	"mixclientcore/sphinxpacket"
	"mixclientcore/taskmanager"
	"mixclientcore/topology"
)

var log = logging.MustGetLogger("realTraffic")

// PacketSink is the mix-traffic controller's enqueue capability, the
// real traffic controller's only way to hand off a built packet (spec
// §4.5: mix-traffic is the single writer into the gateway session).
type PacketSink interface {
	Enqueue(pkt *sphinxpacket.Packet, firstHop topology.Node) error
}

// Deps bundles everything the real traffic controller needs from the
// rest of the client core.
type Deps struct {
	Topology      *topology.Accessor
	Keys          *identity.ManagedKeys
	SelfRecipient identity.Recipient
	Replies       *replies.Controller
	Sink          PacketSink
	Lanes         *LaneQueueLengths
	AckFrames     <-chan []byte

	Hops               int
	AveragePacketDelay time.Duration
	Retransmission     config.RetransmissionConfig

	// TopologyRefreshRate paces how often processInput re-checks
	// Routable() while queuing a message during a topology outage.
	// Defaults to constants.DefaultTopologyRefreshRate.
	TopologyRefreshRate time.Duration

	// Clock overrides the controller's time source for retransmit
	// deadlines and bookkeeping timestamps. Defaults to
	// clockwork.NewRealClock() when left nil, so tests can drive the
	// retransmitter with a clockwork.NewFakeClock() instead of real
	// sleeps (grounded on the teacher's session/arq.go ARQ, which takes
	// the same clockwork.Clock injection for its retry timer).
	Clock clockwork.Clock
}

// Controller is the real traffic controller (spec §4.3): input
// processor, packet builder, ack listener, and retransmitter, run as one
// supervised task. Grounded on the teacher's session/send.go input loop
// and session/arq.go retransmit bookkeeping.
type Controller struct {
	deps  Deps
	input chan InputMessage
	acks  *pendingAckTable
	fount *poisson.Fount
	rng   *mathrand.Rand
}

// New constructs a Controller. Call Start to run it under the task
// supervisor.
func New(deps Deps) *Controller {
	if deps.Hops <= 0 {
		deps.Hops = constants.DefaultNumberOfHops
	}
	if deps.AveragePacketDelay <= 0 {
		deps.AveragePacketDelay = constants.DefaultAveragePacketDelay
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.TopologyRefreshRate <= 0 {
		deps.TopologyRefreshRate = constants.DefaultTopologyRefreshRate
	}
	return &Controller{
		deps:  deps,
		input: make(chan InputMessage, constants.InputQueueCapacity),
		acks:  newPendingAckTable(),
		fount: poisson.NewFount(deps.AveragePacketDelay, nil),
		rng:   mathrand.New(mathrand.NewSource(randSeed())),
	}
}

func randSeed() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	var seed int64
	for _, x := range b {
		seed = seed<<8 | int64(x)
	}
	return seed
}

// Input returns the public input channel (spec §4.3): bounded to
// constants.InputQueueCapacity, so callers naturally back-pressure.
func (c *Controller) Input() chan<- InputMessage {
	return c.input
}

// Start runs the input processor/packet builder, ack listener, and
// retransmitter under the task supervisor, reporting completion exactly
// once via tc.Done.
func (c *Controller) Start(tc *taskmanager.Client) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.runPacketBuilder(tc) }()
	go func() { defer wg.Done(); c.runAckListener(tc) }()
	go func() { defer wg.Done(); c.runRetransmitter(tc) }()

	go func() {
		wg.Wait()
		tc.Done(nil)
	}()
}

func (c *Controller) runPacketBuilder(tc *taskmanager.Client) {
	for {
		select {
		case <-tc.HaltCh():
			return
		case msg := <-c.input:
			c.processInput(tc, msg)
		}
	}
}

func (c *Controller) processInput(tc *taskmanager.Client, msg InputMessage) {
	snapshot, ok := c.awaitRoutable(tc)
	if !ok {
		return
	}

	var messageID [constants.MessageIDLength]byte
	if _, err := rand.Read(messageID[:]); err != nil {
		log.Errorf("generating message id: %v", err)
		return
	}

	env := messageEnvelope{Kind: msg.Kind, Payload: msg.Payload}

	var surb *sphinxpacket.SURB
	if msg.Kind == WithReplySurb {
		if _, err := rand.Read(env.SenderTag[:]); err != nil {
			log.Errorf("generating sender tag: %v", err)
			return
		}
		n := msg.NumSurbs
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			route, _, err := topology.PickRoute(snapshot, c.deps.Hops, c.rng)
			if err != nil {
				log.Errorf("picking SURB route: %v", err)
				continue
			}
			var id [constants.SURBIDLength]byte
			if _, err := rand.Read(id[:]); err != nil {
				log.Errorf("generating SURB id: %v", err)
				continue
			}
			s, err := sphinxpacket.BuildSURB(id, route, c.deps.SelfRecipient)
			if err != nil {
				log.Errorf("building SURB: %v", err)
				continue
			}
			c.deps.Replies.StoreSentReplyKey(s.ID, s.ReplyKey)
			env.Surbs = append(env.Surbs, *s)
		}
	}

	if msg.Kind == Reply {
		s, ok := c.deps.Replies.TakeSurbFor(msg.SenderTag)
		if !ok {
			c.deps.Replies.RequestAdditionalSurbs(msg.SenderTag, 1)
			log.Warningf("no SURB available for sender tag %x, dropping reply", msg.SenderTag)
			return
		}
		surb = s
	}

	plaintext, err := encodeEnvelope(env)
	if err != nil {
		log.Errorf("encoding message envelope: %v", err)
		return
	}

	fragments, err := sphinxpacket.Fragment(messageID, plaintext)
	if err != nil {
		log.Errorf("fragmenting message: %v", err)
		return
	}

	for _, frag := range fragments {
		c.emitFragment(tc, snapshot, msg, frag, surb)

		select {
		case <-tc.HaltCh():
			return
		case <-time.After(c.fount.Next()):
		}
	}
}

// awaitRoutable blocks the packet builder until the topology is routable,
// polling at TopologyRefreshRate/2 the same way covertraffic backs off
// during an outage (spec §8 Scenario 5: fragments queue and wait rather
// than being dropped; on topology restore they flush in FIFO order per
// lane since the input channel itself already holds them in order). It
// reports false if the supervisor halts while waiting.
func (c *Controller) awaitRoutable(tc *taskmanager.Client) (*topology.Snapshot, bool) {
	snapshot := c.deps.Topology.Current()
	for !snapshot.Routable() {
		log.Warningf("topology not routable, queuing outgoing message until topology restores")
		select {
		case <-tc.HaltCh():
			return nil, false
		case <-time.After(c.deps.TopologyRefreshRate / 2):
		}
		snapshot = c.deps.Topology.Current()
	}
	return snapshot, true
}

func (c *Controller) emitFragment(tc *taskmanager.Client, snapshot *topology.Snapshot, msg InputMessage, frag sphinxpacket.FragmentPayload, surb *sphinxpacket.SURB) {
	fragmentID := make([]byte, constants.FragmentIDLength)
	if _, err := rand.Read(fragmentID); err != nil {
		log.Errorf("generating fragment id: %v", err)
		return
	}
	ackKey := sphinxpacket.DeriveAckKey(c.deps.Keys.AckKey(), fragmentID)
	ack := sphinxpacket.AckReplyBlock{FragmentID: fragmentID, AckKey: ackKey}

	var pkt *sphinxpacket.Packet
	var firstHop topology.Node
	var err error
	if surb != nil {
		pkt, firstHop, err = sphinxpacket.WrapReply(surb, frag, ack)
	} else {
		var route []topology.Node
		route, _, err = topology.PickRoute(snapshot, c.deps.Hops, c.rng)
		if err == nil {
			pkt, firstHop, err = sphinxpacket.BuildForwardPacket(route, msg.Recipient, frag, ack)
		}
	}
	if err != nil {
		log.Errorf("building Sphinx packet: %v", err)
		return
	}

	entry := &PendingAck{
		FragmentID:         fragmentID,
		MessageID:          frag.Header.MessageID,
		Lane:               msg.Lane,
		FirstHop:           firstHop,
		AckKey:             ackKey,
		SentAt:             c.deps.Clock.Now(),
		RetransmitDeadline: c.nextDeadline(0),
		RetransmitBudget:   c.deps.Retransmission.MaxRetransmissions,
		Fragment:           frag,
		Ack:                ack,
		IsReply:            surb != nil,
		Recipient:          msg.Recipient,
		SenderTag:          msg.SenderTag,
	}
	c.acks.add(entry)
	c.deps.Lanes.Inc(msg.Lane)

	if err := c.deps.Sink.Enqueue(pkt, firstHop); err != nil {
		log.Errorf("enqueuing packet to mix-traffic controller: %v", err)
		c.acks.delete(fragmentID)
		c.deps.Lanes.Dec(msg.Lane)
	}
}

func (c *Controller) nextDeadline(attempt int) time.Time {
	base := c.deps.Retransmission.BaseDelay
	if base <= 0 {
		base = constants.DefaultRetransmitBaseDelay
	}
	maxDelay := c.deps.Retransmission.MaxDelay
	if maxDelay <= 0 {
		maxDelay = constants.DefaultRetransmitMaxDelay
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	jitterFraction := c.deps.Retransmission.JitterFraction
	if jitterFraction <= 0 {
		jitterFraction = constants.DefaultRetransmitJitter
	}
	jitter := 1 + (c.rng.Float64()*2-1)*jitterFraction
	return c.deps.Clock.Now().Add(time.Duration(float64(delay) * jitter))
}

func (c *Controller) runAckListener(tc *taskmanager.Client) {
	for {
		select {
		case <-tc.HaltCh():
			return
		case raw := <-c.deps.AckFrames:
			c.handleAck(raw)
		}
	}
}

func (c *Controller) handleAck(raw []byte) {
	fragmentID, mac, err := sphinxpacket.DecodeAckFrame(raw)
	if err != nil {
		log.Warningf("dropping malformed ack frame: %v", err)
		return
	}
	entry, ok := c.acks.remove(fragmentID)
	if !ok {
		log.Debugf("dropping ack for unknown fragment %x", fragmentID)
		return
	}
	expected := sphinxpacket.AckMAC(entry.AckKey, fragmentID)
	if !macEqual(mac, expected) {
		log.Warningf("dropping ack with mismatched MAC for fragment %x", fragmentID)
		c.acks.update(entry)
		return
	}
	c.deps.Lanes.Dec(entry.Lane)
}

func macEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func (c *Controller) runRetransmitter(tc *taskmanager.Client) {
	ticker := c.deps.Clock.NewTicker(constants.DefaultRetransmitBaseDelay)
	defer ticker.Stop()
	for {
		select {
		case <-tc.HaltCh():
			return
		case <-ticker.Chan():
			c.retransmitExpired()
		}
	}
}

func (c *Controller) retransmitExpired() {
	snapshot := c.deps.Topology.Current()
	for _, entry := range c.acks.expired(c.deps.Clock.Now()) {
		if entry.RetransmitBudget <= 0 {
			log.Warningf("fragment %x undeliverable after exhausting retransmit budget", entry.FragmentID)
			c.acks.delete(entry.FragmentID)
			c.deps.Lanes.Dec(entry.Lane)
			continue
		}
		if !snapshot.Routable() {
			continue
		}

		if entry.IsReply {
			// A SURB is single-use, so retransmitting a reply takes a fresh
			// one for the same sender tag; with none left, more are
			// requested and the fragment is retried on a later tick.
			s, ok := c.deps.Replies.TakeSurbFor(entry.SenderTag)
			if !ok {
				c.deps.Replies.RequestAdditionalSurbs(entry.SenderTag, 1)
				log.Warningf("cannot retransmit reply fragment %x: no SURB available", entry.FragmentID)
				continue
			}
			c.retransmitVia(entry, func() (*sphinxpacket.Packet, topology.Node, error) {
				return sphinxpacket.WrapReply(s, entry.Fragment, entry.Ack)
			})
			continue
		}

		c.retransmitVia(entry, func() (*sphinxpacket.Packet, topology.Node, error) {
			route, _, err := topology.PickRoute(snapshot, c.deps.Hops, c.rng)
			if err != nil {
				return nil, topology.Node{}, err
			}
			return sphinxpacket.BuildForwardPacket(route, entry.Recipient, entry.Fragment, entry.Ack)
		})
	}
}

func (c *Controller) retransmitVia(entry *PendingAck, build func() (*sphinxpacket.Packet, topology.Node, error)) {
	pkt, firstHop, err := build()
	if err != nil {
		log.Errorf("rebuilding packet for retransmit of fragment %x: %v", entry.FragmentID, err)
		return
	}
	if err := c.deps.Sink.Enqueue(pkt, firstHop); err != nil {
		log.Errorf("enqueuing retransmit of fragment %x: %v", entry.FragmentID, err)
		return
	}
	entry.FirstHop = firstHop
	entry.RetransmitBudget--
	entry.RetransmitDeadline = c.nextDeadline(c.deps.Retransmission.MaxRetransmissions - entry.RetransmitBudget)
	c.acks.update(entry)
	log.Debugf("retransmitted fragment %x, %d attempts remaining", entry.FragmentID, entry.RetransmitBudget)
}
