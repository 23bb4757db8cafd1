package mixtraffic

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/sphinxpacket"
	"mixclientcore/taskmanager"
	"mixclientcore/topology"
)

type capturingSink struct {
	raw chan []byte
}

func newCapturingSink() *capturingSink {
	return &capturingSink{raw: make(chan []byte, 16)}
}

func (s *capturingSink) Send(raw []byte) error {
	s.raw <- raw
	return nil
}

type refusingSink struct {
	err error
}

func (s refusingSink) Send([]byte) error { return s.err }

func testPacket(t *testing.T) (*sphinxpacket.Packet, topology.Node) {
	t.Helper()
	var priv [32]byte
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	var encKey identity.EncryptionKey
	copy(encKey[:], pub)

	node := topology.Node{Encryption: encKey, Address: "mix0:1789", Layer: 0}

	recipientKeys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	dest := identity.NewRecipient(recipientKeys.IdentityPublicKey(), recipientKeys.EncryptionPublicKey(), identity.NodeIdentity{})

	var messageID [constants.MessageIDLength]byte
	messageID[0] = 7
	frag := sphinxpacket.FragmentPayload{
		Header: sphinxpacket.FragmentHeader{MessageID: messageID, Index: 0, Count: 1},
		Data:   []byte("payload"),
	}
	pkt, firstHop, err := sphinxpacket.BuildForwardPacket([]topology.Node{node}, dest, frag, sphinxpacket.AckReplyBlock{})
	require.NoError(t, err)
	return pkt, firstHop
}

func TestControllerWritesEnqueuedPacketToSink(t *testing.T) {
	pkt, firstHop := testPacket(t)

	sink := newCapturingSink()
	c := New(sink)

	mgr := taskmanager.New()
	c.Start(mgr.Subscribe("mix-traffic"))
	defer func() {
		mgr.Shutdown()
		require.NoError(t, mgr.Wait(context.Background(), time.Second))
	}()

	require.NoError(t, c.Enqueue(pkt, firstHop))

	var raw []byte
	select {
	case raw = <-sink.raw:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet to reach the gateway sink")
	}

	decoded, err := sphinxpacket.DecodePacket(raw)
	require.NoError(t, err)
	require.Equal(t, pkt.Ephemeral, decoded.Ephemeral)
}

func TestControllerBatchesRealAndCoverPackets(t *testing.T) {
	pkt1, firstHop := testPacket(t)
	pkt2, _ := testPacket(t)

	sink := newCapturingSink()
	c := New(sink)

	mgr := taskmanager.New()
	c.Start(mgr.Subscribe("mix-traffic"))
	defer func() {
		mgr.Shutdown()
		require.NoError(t, mgr.Wait(context.Background(), time.Second))
	}()

	require.NoError(t, c.Enqueue(pkt1, firstHop))
	c.EnqueueCover(pkt2, firstHop)

	for i := 0; i < 2; i++ {
		select {
		case <-sink.raw:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

func TestControllerStopsOnSinkFailure(t *testing.T) {
	pkt, firstHop := testPacket(t)

	wantErr := errors.New("gateway session closed")
	c := New(refusingSink{err: wantErr})

	mgr := taskmanager.New()
	c.Start(mgr.Subscribe("mix-traffic"))

	require.NoError(t, c.Enqueue(pkt, firstHop))

	err := mgr.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, wantErr)
}
