// Package receivedbuffer implements the Received Buffer Controller (spec
// §4.6): decrypting inbound Sphinx frames (locally or via a pending reply
// key), deduping, reassembling fragment sets, and the consumer
// registration state machine. Grounded on the teacher's
// internal/store/store.go delivered-message bookkeeping and
// session/session.go's single-registered-reader discipline.
package receivedbuffer

import (
	"errors"
	"sync"

	"github.com/op/go-logging"

	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/realtraffic"
	"mixclientcore/replies"
	"mixclientcore/sphinxpacket"
	"mixclientcore/taskmanager"
)

var log = logging.MustGetLogger("receivedBuffer")

// ErrConsumerAlreadyRegistered is returned by RegisterConsumer when a
// consumer is already connected (spec §4.6 "ConsumerAlreadyRegistered").
var ErrConsumerAlreadyRegistered = errors.New("receivedbuffer: consumer already registered")

// Delivery is one fully reassembled, decrypted message handed to the
// registered consumer.
type Delivery struct {
	Kind      realtraffic.InputKind
	Payload   []byte
	SenderTag [constants.SenderTagLength]byte
	Surbs     []sphinxpacket.SURB
}

// Controller is the received-buffer controller. It owns the dedupe set
// and reassembly table exclusively (spec §5: no cross-component
// locking); RegisterConsumer and the inbound-frame loop only ever touch
// the shared consumer-state fields under mu.
type Controller struct {
	keys    *identity.ManagedKeys
	replies *replies.Controller
	inbound <-chan []byte

	dedupe     *dedupeSet
	reassembly *reassemblyTable

	mu         sync.Mutex
	connected  bool
	deliveries chan Delivery
	pending    []Delivery
}

// New constructs a Controller reading inbound frames from inbound (the
// gateway session's InboundFrames()).
func New(keys *identity.ManagedKeys, replyController *replies.Controller, inbound <-chan []byte) *Controller {
	return &Controller{
		keys:       keys,
		replies:    replyController,
		inbound:    inbound,
		dedupe:     newDedupeSet(constants.DefaultDedupeWindow),
		reassembly: newReassemblyTable(constants.DefaultReassemblyWindow),
	}
}

// RegisterConsumer transitions the controller from AwaitingConsumer to
// Connected, returning a channel of reassembled deliveries and flushing
// anything buffered while no consumer was attached. A second call before
// the first consumer is torn down returns ErrConsumerAlreadyRegistered.
func (c *Controller) RegisterConsumer() (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil, ErrConsumerAlreadyRegistered
	}
	c.connected = true
	c.deliveries = make(chan Delivery, constants.MaxPendingDeliveries)
	for _, d := range c.pending {
		c.deliveries <- d
	}
	c.pending = nil
	return c.deliveries, nil
}

// DeregisterConsumer returns the controller to AwaitingConsumer, allowing
// a future RegisterConsumer call to succeed.
func (c *Controller) DeregisterConsumer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.deliveries = nil
}

func (c *Controller) deliver(d Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		select {
		case c.deliveries <- d:
		default:
			pendingDeliveriesDropped.Inc()
			log.Warningf("dropping delivery for sender tag %x: consumer channel full", d.SenderTag)
		}
		return
	}
	if len(c.pending) >= constants.MaxPendingDeliveries {
		pendingDeliveriesDropped.Inc()
		log.Warningf("dropping delivery: pending buffer full with no consumer registered")
		return
	}
	c.pending = append(c.pending, d)
}

// Start runs the inbound-frame processing loop under the task
// supervisor.
func (c *Controller) Start(tc *taskmanager.Client) {
	go func() {
		for {
			select {
			case <-tc.HaltCh():
				tc.Done(nil)
				return
			case raw := <-c.inbound:
				c.handleFrame(raw)
			}
		}
	}()
}

func (c *Controller) handleFrame(raw []byte) {
	pkt, err := sphinxpacket.DecodePacket(raw)
	if err != nil {
		log.Warningf("dropping malformed inbound frame: %v", err)
		return
	}

	fragment, ok := c.decrypt(pkt)
	if !ok {
		undecryptableInbound.Inc()
		log.Warningf("dropping inbound frame: opened under neither local key nor any pending reply key")
		return
	}

	complete, evicted := c.reassembly.add(fragment)
	if evicted != nil {
		fragmentUndeliverable.Inc()
		log.Warningf("evicted incomplete fragment set %x: reassembly table full", *evicted)
	}
	if complete == nil {
		return
	}

	if c.dedupe.seen(fragment.Header.MessageID) {
		log.Debugf("dropping re-delivery of already-completed message %x", fragment.Header.MessageID)
		return
	}

	env, err := realtraffic.DecodeEnvelope(sphinxpacket.Reassemble(complete))
	if err != nil {
		log.Errorf("decoding reassembled message: %v", err)
		return
	}

	for _, surb := range env.Surbs {
		s := surb
		c.replies.InsertReceivedSurb(env.SenderTag, &s)
	}

	if env.Kind == realtraffic.Cover {
		log.Debugf("discarding reassembled loop cover packet")
		return
	}

	c.deliver(Delivery{Kind: env.Kind, Payload: env.Payload, SenderTag: env.SenderTag, Surbs: env.Surbs})
}

// decrypt attempts local decryption first, then falls back to the
// reply-key path (spec §4.6: "Attempt decrypt with local key, then with
// each candidate reply key from sent_reply_keys").
func (c *Controller) decrypt(pkt *sphinxpacket.Packet) (sphinxpacket.FragmentPayload, bool) {
	fragment, _, err := sphinxpacket.DecryptFinalPayload(pkt, c.keys.EncryptionKeyPair().Private)
	if err == nil {
		return fragment, true
	}

	fragment, _, ok := c.replies.AttemptReplyDecrypt(pkt)
	if ok {
		return fragment, true
	}
	return sphinxpacket.FragmentPayload{}, false
}
