package receivedbuffer

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"mixclientcore/config"
	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/realtraffic"
	"mixclientcore/replies"
	"mixclientcore/replies/storage"
	"mixclientcore/sphinxpacket"
	"mixclientcore/taskmanager"
	"mixclientcore/topology"
)

type capturingSink struct {
	enqueued chan capturedPacket
}

type capturedPacket struct {
	pkt      *sphinxpacket.Packet
	firstHop topology.Node
}

func newCapturingSink() *capturingSink {
	return &capturingSink{enqueued: make(chan capturedPacket, 16)}
}

func (s *capturingSink) Enqueue(pkt *sphinxpacket.Packet, firstHop topology.Node) error {
	s.enqueued <- capturedPacket{pkt: pkt, firstHop: firstHop}
	return nil
}

type noopReplyBackend struct{}

func (noopReplyBackend) Load() (*storage.Snapshot, error) {
	return &storage.Snapshot{
		SentReplyKeys: make(map[[constants.SURBIDLength]byte][32]byte),
		ReceivedSurbs: make(map[[constants.SenderTagLength]byte][]*sphinxpacket.SURB),
	}, nil
}

func (noopReplyBackend) Store(*storage.Snapshot) error { return nil }

func hopKeyPair(t *testing.T) (priv [32]byte, pub identity.EncryptionKey) {
	t.Helper()
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(pub[:], p)
	return priv, pub
}

func newTestFixture(t *testing.T) (*replies.Controller, *taskmanager.Manager, topology.Node, [32]byte, *topology.Accessor) {
	t.Helper()
	hopPriv, hopPub := hopKeyPair(t)
	node := topology.Node{Encryption: hopPub, Address: "mix0:1789", Layer: 0}
	gw := topology.Node{Address: "gateway0:1789", Layer: -1}
	accessor := topology.NewAccessor()
	accessor.Publish(topology.NewSnapshot(1, [][]topology.Node{{node}}, []topology.Node{gw}))

	mgr := taskmanager.New()
	replyController, err := replies.New(noopReplyBackend{}, time.Minute, time.Hour)
	require.NoError(t, err)
	replyController.Start(mgr.Subscribe("reply-controller"))

	return replyController, mgr, node, hopPriv, accessor
}

func sendThroughRealTraffic(t *testing.T, accessor *topology.Accessor, keys *identity.ManagedKeys, selfRecipient identity.Recipient, replyController *replies.Controller, hopPriv [32]byte, msg realtraffic.InputMessage) *sphinxpacket.Packet {
	t.Helper()
	sink := newCapturingSink()
	rc := realtraffic.New(realtraffic.Deps{
		Topology:           accessor,
		Keys:               keys,
		SelfRecipient:       selfRecipient,
		Replies:            replyController,
		Sink:               sink,
		Lanes:              realtraffic.NewLaneQueueLengths(),
		AckFrames:          make(chan []byte),
		Hops:               1,
		AveragePacketDelay: time.Millisecond,
		Retransmission: config.RetransmissionConfig{
			BaseDelay:          time.Minute,
			MaxDelay:           time.Minute,
			JitterFraction:     0.1,
			MaxRetransmissions: 1,
		},
	})
	mgr := taskmanager.New()
	rc.Start(mgr.Subscribe("real-traffic"))
	defer func() {
		mgr.Shutdown()
		_ = mgr.Wait(context.Background(), time.Second)
	}()

	rc.Input() <- msg

	var sent capturedPacket
	select {
	case sent = <-sink.enqueued:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}

	next, _, isFinal, err := sphinxpacket.Unwrap(sent.pkt, hopPriv)
	require.NoError(t, err)
	require.True(t, isFinal)
	return next
}

// sendAllThroughRealTraffic drives msg through a real traffic controller
// and collects every fragment's unwrapped final packet, in emission
// order, for payloads large enough to span more than one fragment. It
// drains sink.enqueued until no new fragment shows up for idleTimeout,
// rather than assuming an exact fragment count, since the envelope's gob
// framing overhead makes that count not directly computable from the
// payload length alone.
func sendAllThroughRealTraffic(t *testing.T, accessor *topology.Accessor, keys *identity.ManagedKeys, selfRecipient identity.Recipient, replyController *replies.Controller, hopPriv [32]byte, msg realtraffic.InputMessage) []*sphinxpacket.Packet {
	t.Helper()
	sink := newCapturingSink()
	rc := realtraffic.New(realtraffic.Deps{
		Topology:           accessor,
		Keys:               keys,
		SelfRecipient:      selfRecipient,
		Replies:            replyController,
		Sink:               sink,
		Lanes:              realtraffic.NewLaneQueueLengths(),
		AckFrames:          make(chan []byte),
		Hops:               1,
		AveragePacketDelay: time.Millisecond,
		Retransmission: config.RetransmissionConfig{
			BaseDelay:          time.Minute,
			MaxDelay:           time.Minute,
			JitterFraction:     0.1,
			MaxRetransmissions: 1,
		},
	})
	mgr := taskmanager.New()
	rc.Start(mgr.Subscribe("real-traffic"))
	defer func() {
		mgr.Shutdown()
		_ = mgr.Wait(context.Background(), time.Second)
	}()

	rc.Input() <- msg

	const idleTimeout = 250 * time.Millisecond
	var final []*sphinxpacket.Packet
	for {
		select {
		case sent := <-sink.enqueued:
			next, _, isFinal, err := sphinxpacket.Unwrap(sent.pkt, hopPriv)
			require.NoError(t, err)
			require.True(t, isFinal)
			final = append(final, next)
		case <-time.After(idleTimeout):
			if len(final) == 0 {
				t.Fatal("timed out waiting for the first fragment")
			}
			return final
		}
	}
}

func TestControllerDeliversLocallyDecryptableMessage(t *testing.T) {
	replyController, mgr, _, hopPriv, accessor := newTestFixture(t)
	defer func() {
		mgr.Shutdown()
		_ = mgr.Wait(context.Background(), time.Second)
	}()

	keys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	self := identity.NewRecipient(keys.IdentityPublicKey(), keys.EncryptionPublicKey(), identity.NodeIdentity{})

	finalPkt := sendThroughRealTraffic(t, accessor, keys, self, replyController, hopPriv, realtraffic.InputMessage{
		Kind:      realtraffic.Regular,
		Recipient: self,
		Payload:   []byte("hello receiver"),
		Lane:      1,
	})

	raw, err := sphinxpacket.EncodePacket(finalPkt)
	require.NoError(t, err)

	inbound := make(chan []byte, 1)
	c := New(keys, replyController, inbound)
	cmgr := taskmanager.New()
	c.Start(cmgr.Subscribe("received-buffer"))
	defer func() {
		cmgr.Shutdown()
		require.NoError(t, cmgr.Wait(context.Background(), time.Second))
	}()

	deliveries, err := c.RegisterConsumer()
	require.NoError(t, err)

	inbound <- raw

	select {
	case d := <-deliveries:
		require.Equal(t, []byte("hello receiver"), d.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestControllerDeliversViaReplyKey(t *testing.T) {
	replyController, mgr, node, hopPriv, accessor := newTestFixture(t)
	defer func() {
		mgr.Shutdown()
		_ = mgr.Wait(context.Background(), time.Second)
	}()

	ownerKeys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	owner := identity.NewRecipient(ownerKeys.IdentityPublicKey(), ownerKeys.EncryptionPublicKey(), identity.NodeIdentity{})

	var surbID [constants.SURBIDLength]byte
	surbID[0] = 5
	surb, err := sphinxpacket.BuildSURB(surbID, []topology.Node{node}, owner)
	require.NoError(t, err)
	replyController.StoreSentReplyKey(surb.ID, surb.ReplyKey)

	var senderTag [constants.SenderTagLength]byte
	senderTag[0] = 9
	replyController.InsertReceivedSurb(senderTag, surb)

	peerKeys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	finalPkt := sendThroughRealTraffic(t, accessor, peerKeys, identity.Recipient{}, replyController, hopPriv, realtraffic.InputMessage{
		Kind:      realtraffic.Reply,
		SenderTag: senderTag,
		Payload:   []byte("reply payload"),
	})

	raw, err := sphinxpacket.EncodePacket(finalPkt)
	require.NoError(t, err)

	inbound := make(chan []byte, 1)
	c := New(ownerKeys, replyController, inbound)
	cmgr := taskmanager.New()
	c.Start(cmgr.Subscribe("received-buffer"))
	defer func() {
		cmgr.Shutdown()
		require.NoError(t, cmgr.Wait(context.Background(), time.Second))
	}()

	deliveries, err := c.RegisterConsumer()
	require.NoError(t, err)

	inbound <- raw

	select {
	case d := <-deliveries:
		require.Equal(t, []byte("reply payload"), d.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestControllerReassemblesMultiFragmentMessage(t *testing.T) {
	replyController, mgr, _, hopPriv, accessor := newTestFixture(t)
	defer func() {
		mgr.Shutdown()
		_ = mgr.Wait(context.Background(), time.Second)
	}()

	keys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	self := identity.NewRecipient(keys.IdentityPublicKey(), keys.EncryptionPublicKey(), identity.NodeIdentity{})

	// A payload well beyond constants.FragmentPayloadLength (1024 bytes)
	// forces more than one fragment, regression-testing that dedupe no
	// longer gates individual fragments by message_id (it used to drop
	// every fragment after the first before reassembly ever saw it).
	payload := make([]byte, 3*constants.FragmentPayloadLength)
	for i := range payload {
		payload[i] = byte(i)
	}

	finalPkts := sendAllThroughRealTraffic(t, accessor, keys, self, replyController, hopPriv, realtraffic.InputMessage{
		Kind:      realtraffic.Regular,
		Recipient: self,
		Payload:   payload,
		Lane:      1,
	})
	require.Greater(t, len(finalPkts), 1, "expected the payload to span more than one fragment")

	inbound := make(chan []byte, len(finalPkts))
	c := New(keys, replyController, inbound)
	cmgr := taskmanager.New()
	c.Start(cmgr.Subscribe("received-buffer"))
	defer func() {
		cmgr.Shutdown()
		require.NoError(t, cmgr.Wait(context.Background(), time.Second))
	}()

	deliveries, err := c.RegisterConsumer()
	require.NoError(t, err)

	for _, pkt := range finalPkts {
		raw, err := sphinxpacket.EncodePacket(pkt)
		require.NoError(t, err)
		inbound <- raw
	}

	select {
	case d := <-deliveries:
		require.Equal(t, payload, d.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled multi-fragment delivery")
	}

	select {
	case <-deliveries:
		t.Fatal("did not expect a second delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterConsumerTwiceFails(t *testing.T) {
	c := New(nil, nil, make(chan []byte))
	_, err := c.RegisterConsumer()
	require.NoError(t, err)

	_, err = c.RegisterConsumer()
	require.ErrorIs(t, err, ErrConsumerAlreadyRegistered)
}
