package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// KeyStore is the storage capability for identity/encryption/ack/gateway
// key material (spec §6). Implementations report domain-specific storage
// errors; the core wraps them into a KeyLoadFailed error.
type KeyStore interface {
	// Load returns previously persisted keys, or ErrKeyLoadFailed wrapping
	// a not-found sentinel if none exist yet.
	Load() (*ManagedKeys, error)

	// Store persists the given keys, overwriting any previous values.
	Store(keys *ManagedKeys) error
}

var errNoSuchKeys = errors.New("identity: no key material in store")

const keysBucket = "keys"

const (
	keyFieldIdentityPub  = "identity_pub"
	keyFieldIdentityPriv = "identity_priv"
	keyFieldEncPub       = "encryption_pub"
	keyFieldEncPriv      = "encryption_priv"
	keyFieldAck          = "ack_key"
	keyFieldGatewayKey   = "gateway_shared_key"
)

// BoltKeyStore is the default KeyStore, persisting sealed key material in
// a bbolt bucket, adapted from the teacher's per-account PEM-vault files
// (config/config.go's GetAccountKey / writeKey) into a single structured
// store keyed by field name instead of one file per key type.
type BoltKeyStore struct {
	db *bolt.DB
	v  *vault
}

// NewBoltKeyStore opens (creating if necessary) a bbolt-backed KeyStore at
// path, sealing every stored value with passphrase.
func NewBoltKeyStore(path, passphrase string) (*BoltKeyStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: opening key store: %w", err)
	}
	v, err := newVault(passphrase)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(keysBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: initializing key store: %w", err)
	}
	return &BoltKeyStore{db: db, v: v}, nil
}

// Close releases the underlying database handle.
func (s *BoltKeyStore) Close() error {
	return s.db.Close()
}

func (s *BoltKeyStore) sealedGet(b *bolt.Bucket, field string) ([]byte, bool, error) {
	raw := b.Get([]byte(field))
	if raw == nil {
		return nil, false, nil
	}
	pt, err := s.v.open(raw)
	if err != nil {
		return nil, false, err
	}
	return pt, true, nil
}

// Load implements KeyStore.
func (s *BoltKeyStore) Load() (*ManagedKeys, error) {
	var keys ManagedKeys
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keysBucket))
		if b == nil {
			return nil
		}

		idPub, ok, err := s.sealedGet(b, keyFieldIdentityPub)
		if err != nil || !ok {
			return err
		}
		idPriv, ok, err := s.sealedGet(b, keyFieldIdentityPriv)
		if err != nil || !ok {
			return err
		}
		encPub, ok, err := s.sealedGet(b, keyFieldEncPub)
		if err != nil || !ok {
			return err
		}
		encPriv, ok, err := s.sealedGet(b, keyFieldEncPriv)
		if err != nil || !ok {
			return err
		}
		ack, ok, err := s.sealedGet(b, keyFieldAck)
		if err != nil || !ok {
			return err
		}

		keys.identity = IdentityKeyPair{
			Public:  ed25519.PublicKey(idPub),
			Private: ed25519.PrivateKey(idPriv),
		}
		copy(keys.encryption.Public[:], encPub)
		copy(keys.encryption.Private[:], encPriv)
		copy(keys.ackKey[:], ack)

		if gw, ok, err := s.sealedGet(b, keyFieldGatewayKey); err != nil {
			return err
		} else if ok {
			copy(keys.gatewayShared[:], gw)
			keys.hasGatewayShared = true
		}

		found = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyLoadFailed, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %v", ErrKeyLoadFailed, errNoSuchKeys)
	}
	return &keys, nil
}

// Store implements KeyStore.
func (s *BoltKeyStore) Store(keys *ManagedKeys) error {
	keys.mu.RLock()
	defer keys.mu.RUnlock()

	fields := map[string][]byte{
		keyFieldIdentityPub:  keys.identity.Public,
		keyFieldIdentityPriv: keys.identity.Private,
		keyFieldEncPub:       keys.encryption.Public[:],
		keyFieldEncPriv:      keys.encryption.Private[:],
		keyFieldAck:          keys.ackKey[:],
	}
	if keys.hasGatewayShared {
		fields[keyFieldGatewayKey] = keys.gatewayShared[:]
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(keysBucket))
		if err != nil {
			return err
		}
		for field, value := range fields {
			sealed, err := s.v.seal(value)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(field), sealed); err != nil {
				return err
			}
		}
		return nil
	})
}
