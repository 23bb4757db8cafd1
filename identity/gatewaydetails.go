package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"mixclientcore/config"
)

// GatewayDetailsStore is the storage capability for the client's chosen
// gateway (spec §6): gateway id, listener URL, and owner.
type GatewayDetailsStore interface {
	Load() (*config.GatewayEndpointConfig, error)
	Store(details *config.GatewayEndpointConfig) error
}

var errNoGatewayDetails = errors.New("identity: no gateway details in store")

const gatewayBucket = "gateway_details"
const gatewayDetailsKey = "details"

// BoltGatewayDetailsStore is the default GatewayDetailsStore, persisting a
// single JSON record in its own bbolt bucket (no sealing: gateway details
// are not secret, unlike the KeyStore's contents).
type BoltGatewayDetailsStore struct {
	db *bolt.DB
}

// NewBoltGatewayDetailsStore opens (creating if necessary) a bbolt-backed
// GatewayDetailsStore at path.
func NewBoltGatewayDetailsStore(path string) (*BoltGatewayDetailsStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: opening gateway details store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(gatewayBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: initializing gateway details store: %w", err)
	}
	return &BoltGatewayDetailsStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltGatewayDetailsStore) Close() error {
	return s.db.Close()
}

// Load implements GatewayDetailsStore.
func (s *BoltGatewayDetailsStore) Load() (*config.GatewayEndpointConfig, error) {
	var out config.GatewayEndpointConfig
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(gatewayBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(gatewayDetailsKey))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("identity: loading gateway details: %w", err)
	}
	if !found {
		return nil, errNoGatewayDetails
	}
	return &out, nil
}

// Store implements GatewayDetailsStore.
func (s *BoltGatewayDetailsStore) Store(details *config.GatewayEndpointConfig) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("identity: encoding gateway details: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(gatewayBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(gatewayDetailsKey), raw)
	})
}
