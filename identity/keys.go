package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"

	"mixclientcore/constants"
)

// AckKeyLength is the length in bytes of the acknowledgement master key,
// matching the encryption/identity key sizes for uniform handling.
const AckKeyLength = 32

// GatewaySharedKeyLength is the length in bytes of the symmetric key
// established with the gateway during the handshake (spec §4.1).
const GatewaySharedKeyLength = 32

// AckKey is the master key from which the real traffic controller derives
// per-packet ack MAC keys (spec §4.3: "ack key =
// PRF(ack_master, fragment_id)").
type AckKey [AckKeyLength]byte

// EncryptionKeyPair is the client's X25519 keypair used to unwrap Sphinx
// packets addressed to it.
type EncryptionKeyPair struct {
	Public  EncryptionKey
	Private [constants.EncryptionKeyLength]byte
}

// IdentityKeyPair is the client's long-term Ed25519 signing keypair.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// ManagedKeys bundles the four key values spec §3 describes: the identity
// keypair, the encryption keypair, the acknowledgement master key, and the
// gateway-shared key established during the handshake. It is safe for
// concurrent read access; EnsureGatewayKey is the only mutator after
// construction, matching the teacher's write-once "ensure_gateway_key"
// pattern (see base_client/mod.rs's managed_keys.ensure_gateway_key).
type ManagedKeys struct {
	mu sync.RWMutex

	identity   IdentityKeyPair
	encryption EncryptionKeyPair
	ackKey     AckKey

	gatewayShared    [GatewaySharedKeyLength]byte
	hasGatewayShared bool
}

// GenerateManagedKeys creates fresh identity, encryption, and ack keys.
// The gateway-shared key is filled in later by EnsureGatewayKey once the
// handshake completes.
func GenerateManagedKeys() (*ManagedKeys, error) {
	idPub, idPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating identity keypair: %w", err)
	}

	var encPriv [constants.EncryptionKeyLength]byte
	if _, err := rand.Read(encPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generating encryption private key: %w", err)
	}
	var encPub [constants.EncryptionKeyLength]byte
	curve25519.ScalarBaseMult(&encPub, &encPriv)

	var ackKey AckKey
	if _, err := rand.Read(ackKey[:]); err != nil {
		return nil, fmt.Errorf("identity: generating ack key: %w", err)
	}

	return &ManagedKeys{
		identity: IdentityKeyPair{Public: idPub, Private: idPriv},
		encryption: EncryptionKeyPair{
			Public:  EncryptionKey(encPub),
			Private: encPriv,
		},
		ackKey: ackKey,
	}, nil
}

// IdentityPublicKey returns the client's identity public key as a
// NodeIdentity, used to build the client's Recipient address.
func (m *ManagedKeys) IdentityPublicKey() NodeIdentity {
	return identityFromSigningKey(m.identity.Public)
}

// EncryptionPublicKey returns the client's Sphinx-unwrapping public key.
// Invariant (spec §3): this value equals the destination address used in
// outgoing Sphinx packets.
func (m *ManagedKeys) EncryptionPublicKey() EncryptionKey {
	return m.encryption.Public
}

// EncryptionKeyPair returns the full encryption keypair, used by the
// received-buffer controller to attempt local decryption of inbound
// frames.
func (m *ManagedKeys) EncryptionKeyPair() EncryptionKeyPair {
	return m.encryption
}

// IdentityKeyPair returns the full identity keypair, used by the gateway
// session to sign handshake messages.
func (m *ManagedKeys) IdentityKeyPair() IdentityKeyPair {
	return m.identity
}

// AckKey returns the acknowledgement master key.
func (m *ManagedKeys) AckKey() AckKey {
	return m.ackKey
}

// EnsureGatewayKey records the shared key established during the
// handshake. Safe to call exactly once per session; subsequent calls with
// an equal key are no-ops.
func (m *ManagedKeys) EnsureGatewayKey(key [GatewaySharedKeyLength]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayShared = key
	m.hasGatewayShared = true
}

// MustGetGatewaySharedKey returns the gateway-shared key, panicking if the
// handshake has not yet completed — a programmer-invariant violation, not
// a runtime condition callers should expect to handle.
func (m *ManagedKeys) MustGetGatewaySharedKey() [GatewaySharedKeyLength]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasGatewayShared {
		panic("identity: gateway shared key requested before handshake completed")
	}
	return m.gatewayShared
}
