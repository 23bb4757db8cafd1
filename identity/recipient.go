// Package identity implements the mixnet client's key material: the
// ManagedKeys bundle (spec §3), the Recipient address triple, and the
// KeyStore/GatewayDetailsStore persistence capabilities (spec §6).
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"mixclientcore/constants"
)

// NodeIdentity is a mix or gateway node's long-term identity public key.
type NodeIdentity [constants.NodeIdentityLength]byte

// String renders the identity as base64, matching the teacher's
// base58/base64-identity-string convention (config/config.go,
// mix_pki/json.go).
func (n NodeIdentity) String() string {
	return base64.StdEncoding.EncodeToString(n[:])
}

// NodeIdentityFromString parses a base64-encoded identity string.
func NodeIdentityFromString(s string) (NodeIdentity, error) {
	var n NodeIdentity
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("identity: invalid node identity string: %w", err)
	}
	if len(raw) != constants.NodeIdentityLength {
		return n, fmt.Errorf("identity: node identity must be %d bytes, got %d", constants.NodeIdentityLength, len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

// EncryptionKey is an X25519 public key used as a Sphinx unwrapping
// destination.
type EncryptionKey [constants.EncryptionKeyLength]byte

// Recipient is the stable 96-byte client address described by spec §3:
// the concatenation of the client's identity key, its encryption key, and
// its gateway's identity key. Equality is bytewise.
//
// TODO: this assumes the gateway identity in Recipient equals the
// gateway's node-identity bytes; spec.md's Open Questions leave open
// whether a separate mapping should instead be permitted. Flagged, not
// resolved, per the teacher's own "// TODO: below only works under
// assumption that gateway address == gateway id" in the original source.
type Recipient struct {
	Identity   NodeIdentity
	Encryption EncryptionKey
	Gateway    NodeIdentity
}

// NewRecipient builds a Recipient triple.
func NewRecipient(identity NodeIdentity, encryption EncryptionKey, gateway NodeIdentity) Recipient {
	return Recipient{Identity: identity, Encryption: encryption, Gateway: gateway}
}

// Bytes serializes the Recipient as its fixed 96-byte wire concatenation.
func (r Recipient) Bytes() [constants.RecipientLength]byte {
	var out [constants.RecipientLength]byte
	n := copy(out[:], r.Identity[:])
	n += copy(out[n:], r.Encryption[:])
	copy(out[n:], r.Gateway[:])
	return out
}

// Equal performs the bytewise comparison spec §3 requires.
func (r Recipient) Equal(o Recipient) bool {
	return r.Bytes() == o.Bytes()
}

// RecipientFromBytes parses a 96-byte wire value back into a Recipient.
func RecipientFromBytes(b []byte) (Recipient, error) {
	var r Recipient
	if len(b) != constants.RecipientLength {
		return r, fmt.Errorf("identity: recipient must be %d bytes, got %d", constants.RecipientLength, len(b))
	}
	copy(r.Identity[:], b[:constants.NodeIdentityLength])
	copy(r.Encryption[:], b[constants.NodeIdentityLength:constants.NodeIdentityLength+constants.EncryptionKeyLength])
	copy(r.Gateway[:], b[constants.NodeIdentityLength+constants.EncryptionKeyLength:])
	return r, nil
}

// ErrKeyLoadFailed is returned when key material could not be loaded from
// or generated into a KeyStore.
var ErrKeyLoadFailed = errors.New("identity: failed to load key material")

func identityFromSigningKey(pub ed25519.PublicKey) NodeIdentity {
	var n NodeIdentity
	copy(n[:], pub)
	return n
}
