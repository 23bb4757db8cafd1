package sphinxpacket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mixclientcore/identity"
	"mixclientcore/topology"
)

func mustNode(t *testing.T, addr string) (topology.Node, [32]byte) {
	t.Helper()
	priv, pub, err := newEphemeralKeyPair()
	require.NoError(t, err)
	return topology.Node{Encryption: pub, Address: addr}, priv
}

func TestBuildForwardPacketPeelsAndDecryptsAtRecipient(t *testing.T) {
	hop0, hop0Priv := mustNode(t, "mix0:1789")
	hop1, hop1Priv := mustNode(t, "mix1:1789")
	hop2, hop2Priv := mustNode(t, "mix2:1789")
	route := []topology.Node{hop0, hop1, hop2}

	recipientKeys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	recipientPriv := recipientKeys.EncryptionKeyPair()
	dest := identity.NewRecipient(recipientKeys.IdentityPublicKey(), recipientKeys.EncryptionPublicKey(), identity.NodeIdentity{})

	frags, err := Fragment([5]byte{1, 2, 3, 4, 5}, []byte("hello mixnet"))
	require.NoError(t, err)
	require.Len(t, frags, 1)

	ack := AckReplyBlock{FragmentID: []byte{1, 2, 3, 4, 5}, AckKey: identity.AckKey{0xAA}}

	pkt, firstHop, err := BuildForwardPacket(route, dest, frags[0], ack)
	require.NoError(t, err)
	require.Equal(t, hop0.Address, firstHop.Address)

	next, nextHop, isFinal, err := Unwrap(pkt, hop0Priv)
	require.NoError(t, err)
	require.False(t, isFinal)
	require.Equal(t, hop1.Address, nextHop)

	next, nextHop, isFinal, err = Unwrap(next, hop1Priv)
	require.NoError(t, err)
	require.False(t, isFinal)
	require.Equal(t, hop2.Address, nextHop)

	next, nextHop, isFinal, err = Unwrap(next, hop2Priv)
	require.NoError(t, err)
	require.True(t, isFinal)
	require.Equal(t, "", nextHop)

	fragment, decodedAck, err := DecryptFinalPayload(next, recipientPriv.Private)
	require.NoError(t, err)
	require.Equal(t, []byte("hello mixnet"), fragment.Data)
	require.Equal(t, ack.AckKey, decodedAck.AckKey)
}

func TestUnwrapFailsForWrongHop(t *testing.T) {
	hop0, _ := mustNode(t, "mix0:1789")
	hop1, hop1Priv := mustNode(t, "mix1:1789")
	route := []topology.Node{hop0, hop1}

	keys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	dest := identity.NewRecipient(keys.IdentityPublicKey(), keys.EncryptionPublicKey(), identity.NodeIdentity{})

	frags, err := Fragment([5]byte{1}, []byte("x"))
	require.NoError(t, err)

	pkt, _, err := BuildForwardPacket(route, dest, frags[0], AckReplyBlock{FragmentID: []byte{1}, AckKey: identity.AckKey{}})
	require.NoError(t, err)

	_, _, _, err = Unwrap(pkt, hop1Priv)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestSURBRoundTrip(t *testing.T) {
	hop0, hop0Priv := mustNode(t, "mix0:1789")
	route := []topology.Node{hop0}

	ownerKeys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	owner := identity.NewRecipient(ownerKeys.IdentityPublicKey(), ownerKeys.EncryptionPublicKey(), identity.NodeIdentity{})

	surb, err := BuildSURB([16]byte{7}, route, owner)
	require.NoError(t, err)

	frags, err := Fragment([5]byte{9}, []byte("reply payload"))
	require.NoError(t, err)

	pkt, firstHop, err := WrapReply(surb, frags[0], AckReplyBlock{FragmentID: []byte{9}, AckKey: identity.AckKey{}})
	require.NoError(t, err)
	require.Equal(t, hop0.Address, firstHop.Address)

	next, _, isFinal, err := Unwrap(pkt, hop0Priv)
	require.NoError(t, err)
	require.True(t, isFinal)

	fragment, _, err := DecryptSURBPayload(surb, next)
	require.NoError(t, err)
	require.Equal(t, []byte("reply payload"), fragment.Data)
}

func TestFragmentReassemble(t *testing.T) {
	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags, err := Fragment([5]byte{1, 2, 3, 4, 5}, payload)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	got := Reassemble(frags)
	require.Equal(t, payload, got)
}
