// Package storage implements the Reply/SURB controller's persistence
// capability (spec §6 "ReplyStorageBackend"): a snapshot of the
// sent-reply-keys and received-surbs maps, written on shutdown and
// reloaded at startup. Grounded on the teacher's storage/db.go
// bucket-per-concern bbolt layout.
package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"mixclientcore/constants"
	"mixclientcore/sphinxpacket"
	"mixclientcore/topology"
)

// Snapshot is the reply controller's persisted state (spec §3 "Reply
// storage state").
type Snapshot struct {
	SentReplyKeys map[[constants.SURBIDLength]byte][32]byte
	ReceivedSurbs map[[constants.SenderTagLength]byte][]*sphinxpacket.SURB
}

// ReplyStorageBackend loads and stores the reply controller's Snapshot
// (spec §6, capability 3).
type ReplyStorageBackend interface {
	Load() (*Snapshot, error)
	Store(snap *Snapshot) error
}

var bucketName = []byte("reply_storage")
var snapshotKey = []byte("snapshot")

func init() {
	gob.Register(topology.Node{})
}

// BoltReplyStorage is the default bbolt-backed ReplyStorageBackend.
type BoltReplyStorage struct {
	db *bolt.DB
}

// NewBoltReplyStorage opens (creating if absent) a bbolt-backed reply
// storage file at path.
func NewBoltReplyStorage(path string) (*BoltReplyStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("replies/storage: opening %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("replies/storage: initializing bucket: %w", err)
	}
	return &BoltReplyStorage{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltReplyStorage) Close() error {
	return s.db.Close()
}

// Load implements ReplyStorageBackend. An empty store (first run) yields
// an empty, non-nil Snapshot rather than an error.
func (s *BoltReplyStorage) Load() (*Snapshot, error) {
	snap := &Snapshot{
		SentReplyKeys: make(map[[constants.SURBIDLength]byte][32]byte),
		ReceivedSurbs: make(map[[constants.SenderTagLength]byte][]*sphinxpacket.SURB),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(snapshotKey)
		if raw == nil {
			return nil
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(snap)
	})
	if err != nil {
		return nil, fmt.Errorf("replies/storage: loading snapshot: %w", err)
	}
	return snap, nil
}

// Store implements ReplyStorageBackend.
//
// Durability note (spec.md Open Question: "whether reply storage must
// be durably fsynced before shutdown returns"): bbolt's Update commits
// with an fsync by default (db.NoSync is false unless configured
// otherwise), so Store is durable; that default is not overridden here.
func (s *BoltReplyStorage) Store(snap *Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("replies/storage: encoding snapshot: %w", err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(snapshotKey, buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("replies/storage: storing snapshot: %w", err)
	}
	return nil
}
