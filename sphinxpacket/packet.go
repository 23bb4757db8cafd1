package sphinxpacket

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"

	"mixclientcore/constants"
	"mixclientcore/identity"
	"mixclientcore/topology"
)

// ErrDecryptFailed is returned by Unwrap, DecryptFinalPayload, and
// DecryptSURBPayload when the sealed box does not open under the
// supplied key, i.e. the packet was not addressed to the caller.
var ErrDecryptFailed = errors.New("sphinxpacket: decryption failed")

const secretboxNonceSize = 24

// Packet is a Sphinx-packet stand-in: one X25519 ephemeral share shared
// across every onion layer, plus the nested, layer-encrypted onion body.
// Only the holder of a given hop's encryption private key can peel that
// hop's layer (Unwrap); only the final recipient (or, for a reply, the
// SURB owner) can open the innermost sealed payload.
type Packet struct {
	Ephemeral identity.EncryptionKey
	Onion     []byte
}

type onionEnvelope struct {
	NextHop string
	Inner   []byte
}

func init() {
	gob.Register(onionEnvelope{})
}

func sealWithSharedKey(key [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("sphinxpacket: generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return sealed, nil
}

func openWithSharedKey(key [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < secretboxNonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], sealed[:secretboxNonceSize])
	opened, ok := secretbox.Open(nil, sealed[secretboxNonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}

func sharedSecret(ephemeralPrivate [32]byte, peerPublic identity.EncryptionKey) ([32]byte, error) {
	shared, err := curve25519.X25519(ephemeralPrivate[:], peerPublic[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("sphinxpacket: deriving shared secret: %w", err)
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

func newEphemeralKeyPair() (private [32]byte, public identity.EncryptionKey, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return private, public, fmt.Errorf("sphinxpacket: generating ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return private, public, fmt.Errorf("sphinxpacket: deriving ephemeral public key: %w", err)
	}
	copy(public[:], pub)
	return private, public, nil
}

func encodeEnvelope(env onionEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("sphinxpacket: encoding onion layer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(b []byte) (onionEnvelope, error) {
	var env onionEnvelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return env, fmt.Errorf("sphinxpacket: decoding onion layer: %w", err)
	}
	return env, nil
}

// AckReplyBlock is the small token attached to every forward fragment's
// payload so that a matching inbound ack can be correlated back to the
// pending-ack entry it cancels (spec §4.3: "payload = fragment ∥
// ack_reply_block").
type AckReplyBlock struct {
	FragmentID []byte
	AckKey     identity.AckKey
}

// BuildForwardPacket constructs a Sphinx-packet stand-in carrying
// fragment, addressed to dest via route. It returns the packet and the
// first hop the mix-traffic controller should hand it to (spec §4.3
// packet builder).
func BuildForwardPacket(route []topology.Node, dest identity.Recipient, fragment FragmentPayload, ack AckReplyBlock) (*Packet, topology.Node, error) {
	if len(route) == 0 {
		return nil, topology.Node{}, errors.New("sphinxpacket: empty route")
	}

	ephemeralPrivate, ephemeralPublic, err := newEphemeralKeyPair()
	if err != nil {
		return nil, topology.Node{}, err
	}

	destKey, err := sharedSecret(ephemeralPrivate, dest.Encryption)
	if err != nil {
		return nil, topology.Node{}, err
	}

	innerPlaintext := append(fragment.Encode(), encodeAckBlock(ack)...)
	current, err := sealWithSharedKey(destKey, innerPlaintext)
	if err != nil {
		return nil, topology.Node{}, err
	}

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

// Unwrap peels exactly one onion layer using hopPrivate, the private key
// of the hop currently holding the packet. isFinal reports whether the
// resulting packet's Onion is the innermost payload (addressed to the
// final recipient) rather than another onion layer; nextHopAddress is the
// address the peeled layer says to forward to, empty when isFinal.
//
// This operation is exercised by sphinxpacket's own tests emulating a
// mix hop; the client core itself never calls it, since intermediate mix
// processing is out of scope for the client (spec.md §1).
func Unwrap(pkt *Packet, hopPrivate [32]byte) (next *Packet, nextHopAddress string, isFinal bool, err error) {
	key, err := sharedSecret(hopPrivate, pkt.Ephemeral)
	if err != nil {
		return nil, "", false, err
	}
	plaintext, err := openWithSharedKey(key, pkt.Onion)
	if err != nil {
		return nil, "", false, err
	}
	env, err := decodeEnvelope(plaintext)
	if err != nil {
		return nil, "", false, err
	}
	next = &Packet{Ephemeral: pkt.Ephemeral, Onion: env.Inner}
	return next, env.NextHop, env.NextHop == "", nil
}

// DecryptFinalPayload opens the innermost sealed payload of a packet that
// has already reached its final recipient (every onion layer peeled),
// using the recipient's encryption private key. This is the "local
// encryption private key" decrypt attempt of spec §4.6 step 1.
func DecryptFinalPayload(pkt *Packet, recipientPrivate [32]byte) (FragmentPayload, AckReplyBlock, error) {
	key, err := sharedSecret(recipientPrivate, pkt.Ephemeral)
	if err != nil {
		return FragmentPayload{}, AckReplyBlock{}, err
	}
	plaintext, err := openWithSharedKey(key, pkt.Onion)
	if err != nil {
		return FragmentPayload{}, AckReplyBlock{}, ErrDecryptFailed
	}
	return splitFragmentAndAck(plaintext)
}

// EncodePacket serializes a Packet to the byte slice the gateway's
// mixnet-packet frame carries over the wire.
func EncodePacket(pkt *Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pkt); err != nil {
		return nil, fmt.Errorf("sphinxpacket: encoding packet: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePacket parses a Packet from a gateway mixnet-packet frame's raw
// payload.
func DecodePacket(raw []byte) (*Packet, error) {
	var pkt Packet
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&pkt); err != nil {
		return nil, fmt.Errorf("sphinxpacket: decoding packet: %w", err)
	}
	return &pkt, nil
}

func encodeAckBlock(ack AckReplyBlock) []byte {
	buf := make([]byte, 0, len(ack.FragmentID)+len(ack.AckKey))
	buf = append(buf, byte(len(ack.FragmentID)))
	buf = append(buf, ack.FragmentID...)
	buf = append(buf, ack.AckKey[:]...)
	return buf
}

func decodeAckBlock(b []byte) (AckReplyBlock, []byte, error) {
	if len(b) < 1 {
		return AckReplyBlock{}, nil, fmt.Errorf("sphinxpacket: truncated ack block")
	}
	n := int(b[0])
	if len(b) < 1+n+len(identity.AckKey{}) {
		return AckReplyBlock{}, nil, fmt.Errorf("sphinxpacket: truncated ack block")
	}
	var ack AckReplyBlock
	ack.FragmentID = append([]byte(nil), b[1:1+n]...)
	copy(ack.AckKey[:], b[1+n:1+n+len(identity.AckKey{})])
	return ack, b[1+n+len(identity.AckKey{}):], nil
}

func splitFragmentAndAck(plaintext []byte) (FragmentPayload, AckReplyBlock, error) {
	fragEncodedLen := fragmentHeaderLength + 2 + constants.FragmentPayloadLength
	if len(plaintext) < fragEncodedLen {
		return FragmentPayload{}, AckReplyBlock{}, fmt.Errorf("sphinxpacket: truncated final payload")
	}
	fragment, err := DecodeFragmentPayload(plaintext[:fragEncodedLen])
	if err != nil {
		return FragmentPayload{}, AckReplyBlock{}, err
	}
	ack, _, err := decodeAckBlock(plaintext[fragEncodedLen:])
	if err != nil {
		return FragmentPayload{}, AckReplyBlock{}, err
	}
	return fragment, ack, nil
}
