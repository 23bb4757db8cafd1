package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// CredentialStore issues and spends bandwidth credentials (spec §6).
// Real credential issuance (coconut/DKG-style blind signatures) is out
// of scope per spec.md §1; this capability only exercises the boundary
// the session's credentials toggle needs.
type CredentialStore interface {
	// Balance returns the number of unspent credentials available.
	Balance() (uint64, error)
	// Spend deducts n credentials, failing if the balance is
	// insufficient.
	Spend(n uint64) error
	// Issue adds n freshly obtained credentials to the balance.
	Issue(n uint64) error
}

var errInsufficientCredentials = errors.New("gateway: insufficient bandwidth credentials")

var credentialBucket = []byte("credentials")
var balanceKey = []byte("balance")

// BoltCredentialStore is the default bbolt-backed CredentialStore,
// grounded on the teacher's storage/db.go bucket-per-concern layout.
type BoltCredentialStore struct {
	db *bolt.DB
}

// NewBoltCredentialStore opens (creating if absent) a bbolt-backed
// credential store at path.
func NewBoltCredentialStore(path string) (*BoltCredentialStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: opening credential store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: initializing credential store: %w", err)
	}
	return &BoltCredentialStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltCredentialStore) Close() error {
	return s.db.Close()
}

// Balance implements CredentialStore.
func (s *BoltCredentialStore) Balance() (uint64, error) {
	var balance uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(credentialBucket).Get(balanceKey)
		if raw != nil {
			balance = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("gateway: reading credential balance: %w", err)
	}
	return balance, nil
}

// Spend implements CredentialStore.
func (s *BoltCredentialStore) Spend(n uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialBucket)
		var balance uint64
		if raw := b.Get(balanceKey); raw != nil {
			balance = binary.BigEndian.Uint64(raw)
		}
		if balance < n {
			return errInsufficientCredentials
		}
		balance -= n
		return putUint64(b, balanceKey, balance)
	})
}

// Issue implements CredentialStore.
func (s *BoltCredentialStore) Issue(n uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialBucket)
		var balance uint64
		if raw := b.Get(balanceKey); raw != nil {
			balance = binary.BigEndian.Uint64(raw)
		}
		balance += n
		return putUint64(b, balanceKey, balance)
	})
}

func putUint64(b *bolt.Bucket, key []byte, v uint64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	return b.Put(key, raw[:])
}
