// Package covertraffic implements the Loop Cover Traffic Stream (spec
// §4.4): Poisson-paced packets addressed to self, indistinguishable on
// the wire from real traffic, backing off while the topology is
// transiently non-routable. Grounded on the teacher's session.go
// pTimer/sendLoopDecoy pairing (a Poisson fount driving a periodic decoy
// message built and sent from the same worker loop), generalized from a
// single zero-payload decoy into a full Sphinx packet built the same way
// the real traffic controller builds one.
package covertraffic

import (
	"crypto/rand"
	mathrand "math/rand"
	"time"

	"github.com/op/go-logging"

	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/poisson"
	"mixclientcore/realtraffic"
	"mixclientcore/sphinxpacket"
	"mixclientcore/taskmanager"
	"mixclientcore/topology"
)

var log = logging.MustGetLogger("coverTraffic")

// Sink is the mix-traffic controller's cover-packet intake
// (mixtraffic.Controller.EnqueueCover). The stream hands packets to the
// same single writer real traffic uses, so the wire never distinguishes
// the two (spec §4.5).
type Sink interface {
	EnqueueCover(pkt *sphinxpacket.Packet, firstHop topology.Node)
}

// Deps bundles everything the cover-traffic stream needs from the rest
// of the client core.
type Deps struct {
	Topology      *topology.Accessor
	SelfRecipient identity.Recipient
	Sink          Sink

	Hops                int
	AverageCoverDelay   time.Duration
	TopologyRefreshRate time.Duration
}

// Stream runs the loop cover traffic emission loop.
type Stream struct {
	deps  Deps
	fount *poisson.Fount
	rng   *mathrand.Rand
}

// New constructs a Stream. Call Start to run it under the task
// supervisor.
func New(deps Deps) *Stream {
	if deps.Hops <= 0 {
		deps.Hops = constants.DefaultNumberOfHops
	}
	if deps.AverageCoverDelay <= 0 {
		deps.AverageCoverDelay = constants.DefaultAverageCoverDelay
	}
	if deps.TopologyRefreshRate <= 0 {
		deps.TopologyRefreshRate = constants.DefaultTopologyRefreshRate
	}
	return &Stream{
		deps:  deps,
		fount: poisson.NewFount(deps.AverageCoverDelay, nil),
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

// Start runs the emission loop under the task supervisor.
func (s *Stream) Start(tc *taskmanager.Client) {
	go s.run(tc)
}

func (s *Stream) run(tc *taskmanager.Client) {
	for {
		select {
		case <-tc.HaltCh():
			tc.Done(nil)
			return
		case <-time.After(s.fount.Next()):
		}

		snapshot := s.deps.Topology.Current()
		if !snapshot.Routable() {
			log.Debugf("topology not routable, backing off loop cover traffic for %s", s.deps.TopologyRefreshRate/2)
			select {
			case <-tc.HaltCh():
				tc.Done(nil)
				return
			case <-time.After(s.deps.TopologyRefreshRate / 2):
			}
			continue
		}

		if err := s.emit(snapshot); err != nil {
			log.Warningf("emitting loop cover packet: %v", err)
		}

		// Honor cooperative cancellation between every two emissions.
		select {
		case <-tc.HaltCh():
			tc.Done(nil)
			return
		default:
		}
	}
}

func (s *Stream) emit(snapshot *topology.Snapshot) error {
	route, _, err := topology.PickRoute(snapshot, s.deps.Hops, s.rng)
	if err != nil {
		return err
	}

	var messageID [constants.MessageIDLength]byte
	if _, err := rand.Read(messageID[:]); err != nil {
		return err
	}
	plaintext, err := realtraffic.EncodeCoverEnvelope()
	if err != nil {
		return err
	}
	fragments, err := sphinxpacket.Fragment(messageID, plaintext)
	if err != nil {
		return err
	}

	for _, frag := range fragments {
		fragmentID := make([]byte, constants.FragmentIDLength)
		if _, err := rand.Read(fragmentID); err != nil {
			return err
		}
		ack := sphinxpacket.AckReplyBlock{FragmentID: fragmentID}

		pkt, firstHop, err := sphinxpacket.BuildForwardPacket(route, s.deps.SelfRecipient, frag, ack)
		if err != nil {
			return err
		}
		s.deps.Sink.EnqueueCover(pkt, firstHop)
	}
	return nil
}
