// Package mixtraffic implements the Mix Traffic Controller (spec §4.5):
// the single writer into the gateway session, serializing packets from
// both the real-traffic controller and the cover-traffic stream into the
// gateway-framed wire format. Grounded on the teacher's
// session/send.go sendNext/egressQueue single-writer discipline,
// generalized from one producer (the client's own egress queue) to the
// two independent producers spec.md describes.
package mixtraffic

import (
	"sync"

	"github.com/op/go-logging"

	"mixclientcore/sphinxpacket"
	"mixclientcore/taskmanager"
	"mixclientcore/topology"
)

var log = logging.MustGetLogger("mixTraffic")

// GatewaySink is the gateway session's outgoing-packet capability: a
// framed, back-pressuring send that only refuses once the session has
// closed (gateway/session.go's Session.Send).
type GatewaySink interface {
	Send(raw []byte) error
}

type queuedPacket struct {
	pkt      *sphinxpacket.Packet
	firstHop topology.Node
}

// Controller batches (packet, first_hop) pairs from the real and cover
// producers onto one unbounded queue and is the only goroutine that ever
// calls the gateway session's Send (spec §4.5 "single writer").
type Controller struct {
	sink GatewaySink

	mu     sync.Mutex
	queue  []queuedPacket
	notify chan struct{}
}

// New constructs a Controller writing into sink.
func New(sink GatewaySink) *Controller {
	return &Controller{sink: sink, notify: make(chan struct{}, 1)}
}

// Enqueue implements realtraffic.PacketSink: the real traffic controller's
// packet builder hands fragments here.
func (c *Controller) Enqueue(pkt *sphinxpacket.Packet, firstHop topology.Node) error {
	c.push(pkt, firstHop)
	return nil
}

// EnqueueCover implements covertraffic.Sink: the loop cover traffic
// stream hands packets here. It is a distinct method from Enqueue only so
// neither producer needs to know about the other's package.
func (c *Controller) EnqueueCover(pkt *sphinxpacket.Packet, firstHop topology.Node) {
	c.push(pkt, firstHop)
}

func (c *Controller) push(pkt *sphinxpacket.Packet, firstHop topology.Node) {
	c.mu.Lock()
	c.queue = append(c.queue, queuedPacket{pkt: pkt, firstHop: firstHop})
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) drain() []queuedPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Start runs the single writer loop under the task supervisor: every
// pending batch is serialized to the gateway-framed wire format, one
// mixnet frame per packet, and pushed into the gateway session's sink. If
// the sink refuses, the controller reports the error through Done, which
// the supervisor treats as fatal and broadcasts shutdown to every other
// task (spec §4.5 "if the session sink refuses... triggers global
// shutdown via the supervisor").
func (c *Controller) Start(tc *taskmanager.Client) {
	go func() {
		for {
			select {
			case <-tc.HaltCh():
				tc.Done(nil)
				return
			case <-c.notify:
				if err := c.writeBatch(tc); err != nil {
					tc.Done(err)
					return
				}
			}
		}
	}()
}

// writeBatch drains and writes every currently queued packet, returning
// early (without error) on shutdown so a large batch never blocks
// cancellation.
func (c *Controller) writeBatch(tc *taskmanager.Client) error {
	for _, qp := range c.drain() {
		select {
		case <-tc.HaltCh():
			return nil
		default:
		}

		raw, err := sphinxpacket.EncodePacket(qp.pkt)
		if err != nil {
			log.Errorf("encoding packet addressed via first hop %s: %v", qp.firstHop.Address, err)
			continue
		}
		if err := c.sink.Send(raw); err != nil {
			return err
		}
	}
	return nil
}
