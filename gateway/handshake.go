package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"mixclientcore/identity"
)

const handshakeNonceSize = 24

func newBlake2bHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// deriveHandshakeKey turns a raw X25519 DH output into the symmetric
// session key via HKDF-BLAKE2b (domain stack: "shared-secret derivation
// is HKDF-BLAKE2b"), analogous to the teacher's vault.stretch key
// derivation but for a DH output rather than a passphrase.
func deriveHandshakeKey(dh []byte) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(newBlake2bHash, dh, nil, []byte("mixclientcore-gateway-handshake"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("gateway: deriving handshake key: %w", err)
	}
	return key, nil
}

func sealHandshake(key [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [handshakeNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("gateway: generating handshake nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

func openHandshake(key [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < handshakeNonceSize {
		return nil, fmt.Errorf("gateway: truncated handshake frame")
	}
	var nonce [handshakeNonceSize]byte
	copy(nonce[:], sealed[:handshakeNonceSize])
	opened, ok := secretbox.Open(nil, sealed[handshakeNonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("gateway: handshake frame decryption failed")
	}
	return opened, nil
}

func newX25519KeyPair() (private [32]byte, public [32]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return private, public, fmt.Errorf("gateway: generating ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return private, public, fmt.Errorf("gateway: deriving ephemeral public key: %w", err)
	}
	copy(public[:], pub)
	return private, public, nil
}

// ClientHandshake performs the four-message handshake described by spec
// §4.1 from the client's side of transport. gatewayIdentity is the
// gateway's long-term Ed25519 public key (obtained out-of-band via
// GatewayDetailsStore), used to verify the gateway's step-2 signature.
// It returns the established gateway-shared symmetric key.
func ClientHandshake(t Transport, clientIdentity identity.IdentityKeyPair, gatewayIdentity ed25519.PublicKey) ([identity.GatewaySharedKeyLength]byte, error) {
	var sharedKey [identity.GatewaySharedKeyLength]byte

	ephemeralPriv, ephemeralPub, err := newX25519KeyPair()
	if err != nil {
		return sharedKey, err
	}

	// Step 1: Client -> Gateway: identity_pubkey ‖ g^x
	msg1 := append(append([]byte(nil), []byte(clientIdentity.Public)...), ephemeralPub[:]...)
	if err := t.Send(frame{kind: frameHandshake, payload: msg1}); err != nil {
		return sharedKey, handshakeFailure(1, err.Error())
	}

	// Step 2: Gateway -> Client: g^y ‖ AES(k, Sig_Gw(g^y ‖ g^x))
	f2, err := t.Receive()
	if err != nil {
		return sharedKey, handshakeFailure(2, err.Error())
	}
	if len(f2.payload) < 32 {
		return sharedKey, handshakeFailure(2, "malformed frame")
	}
	gY := f2.payload[:32]
	sealedSig := f2.payload[32:]

	dh, err := curve25519.X25519(ephemeralPriv[:], gY)
	if err != nil {
		return sharedKey, handshakeFailure(2, "DH key-share rejected")
	}
	k, err := deriveHandshakeKey(dh)
	if err != nil {
		return sharedKey, handshakeFailure(2, err.Error())
	}
	sigGw, err := openHandshake(k, sealedSig)
	if err != nil {
		return sharedKey, handshakeFailure(2, "signature frame decryption failed")
	}
	signed := append(append([]byte(nil), gY...), ephemeralPub[:]...)
	if !ed25519.Verify(gatewayIdentity, signed, sigGw) {
		return sharedKey, handshakeFailure(2, "signature verification failure")
	}

	// Step 3: Client -> Gateway: AES(k, Sig_Cl(g^x ‖ g^y))
	toSign := append(append([]byte(nil), ephemeralPub[:]...), gY...)
	sigCl := ed25519.Sign(clientIdentity.Private, toSign)
	sealedSigCl, err := sealHandshake(k, sigCl)
	if err != nil {
		return sharedKey, handshakeFailure(3, err.Error())
	}
	if err := t.Send(frame{kind: frameHandshake, payload: sealedSigCl}); err != nil {
		return sharedKey, handshakeFailure(3, err.Error())
	}

	// Step 4: Gateway -> Client: DONE(status)
	f4, err := t.Receive()
	if err != nil {
		return sharedKey, handshakeFailure(4, err.Error())
	}
	if len(f4.payload) < 1 || f4.payload[0] != 0 {
		return sharedKey, handshakeFailure(4, "nonzero status")
	}

	copy(sharedKey[:], k[:])
	return sharedKey, nil
}
