package sphinxpacket

import (
	"crypto/rand"
	"fmt"

	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/topology"
)

// SURB is a prebuilt reverse path token (spec §3 "SURB"). A peer handed a
// SURB can send a reply to its owner without ever learning the owner's
// address: WrapReply seals the reply payload under the SURB's
// pre-established symmetric ReplyKey, then onion-wraps it through Route
// exactly as a forward packet is wrapped, so mix hops peel it the same
// way regardless of direction.
type SURB struct {
	ID       [constants.SURBIDLength]byte
	Route    []topology.Node
	Owner    identity.Recipient
	ReplyKey [32]byte
}

// BuildSURB creates a fresh SURB addressed back to owner over route, with
// a newly generated single-use ReplyKey (spec §3: "its encryption_key is
// stored in sent-reply keys until a matching reply arrives or TTL
// expires").
func BuildSURB(id [constants.SURBIDLength]byte, route []topology.Node, owner identity.Recipient) (*SURB, error) {
	if len(route) == 0 {
		return nil, fmt.Errorf("sphinxpacket: empty SURB route")
	}
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("sphinxpacket: generating SURB reply key: %w", err)
	}
	return &SURB{ID: id, Route: route, Owner: owner, ReplyKey: key}, nil
}

// WrapReply builds the Sphinx-packet stand-in a peer sends when replying
// via surb: the fragment is sealed under the SURB's ReplyKey (no
// recipient public key needed — the peer never learns the owner's
// identity) and onion-wrapped through surb.Route. It returns the packet
// and the first hop to hand it to.
func WrapReply(surb *SURB, fragment FragmentPayload, ack AckReplyBlock) (*Packet, topology.Node, error) {
	ephemeralPrivate, ephemeralPublic, err := newEphemeralKeyPair()
	if err != nil {
		return nil, topology.Node{}, err
	}

	innerPlaintext := append(fragment.Encode(), encodeAckBlock(ack)...)
	current, err := sealWithSharedKey(surb.ReplyKey, innerPlaintext)
	if err != nil {
		return nil, topology.Node{}, err
	}

	route := surb.Route
	for i := len(route) - 1; i >= 0; i-- {
		nextHop := ""
		if i < len(route)-1 {
			nextHop = route[i+1].Address
		}
		env := onionEnvelope{NextHop: nextHop, Inner: current}
		plaintext, err := encodeEnvelope(env)
		if err != nil {
			return nil, topology.Node{}, err
		}

		hopKey, err := sharedSecret(ephemeralPrivate, route[i].Encryption)
		if err != nil {
			return nil, topology.Node{}, err
		}
		current, err = sealWithSharedKey(hopKey, plaintext)
		if err != nil {
			return nil, topology.Node{}, err
		}
	}

	return &Packet{Ephemeral: ephemeralPublic, Onion: current}, route[0], nil
}

// DecryptSURBPayload opens the innermost sealed payload of a packet that
// arrived via surb, once every onion layer has been peeled, using the
// SURB's stored ReplyKey rather than any long-term private key.
func DecryptSURBPayload(surb *SURB, pkt *Packet) (FragmentPayload, AckReplyBlock, error) {
	return DecryptReplyPayload(surb.ReplyKey, pkt)
}

// DecryptReplyPayload opens the innermost sealed payload of a returning
// SURB-reply packet using only the SURB's stored ReplyKey, independent of
// the rest of the SURB bookkeeping. This is what the received-buffer
// controller calls (spec §4.6 step 2: "Attempt decrypt with each
// candidate reply key from sent_reply_keys"), since by the time a reply
// is inbound, the owner only retains the key, not the original SURB
// object.
func DecryptReplyPayload(replyKey [32]byte, pkt *Packet) (FragmentPayload, AckReplyBlock, error) {
	plaintext, err := openWithSharedKey(replyKey, pkt.Onion)
	if err != nil {
		return FragmentPayload{}, AckReplyBlock{}, ErrDecryptFailed
	}
	return splitFragmentAndAck(plaintext)
}
