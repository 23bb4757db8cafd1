// Package topology implements the topology snapshot, its read-optimized
// accessor, and the refresher loop described by spec §4.2, generalizing
// the teacher's StaticPKI (mix_pki/json.go: a layer-keyed map of
// pki.MixDescriptor) into the immutable, versioned snapshot value the
// client core's single-writer/many-reader discipline requires.
package topology

import (
	"mixclientcore/identity"
)

// Node describes one mix or gateway in the current topology.
type Node struct {
	Identity   identity.NodeIdentity
	Encryption identity.EncryptionKey
	Address    string
	Layer      int
}

// Snapshot is an immutable view of the mix network: the set of mix nodes
// per layer and the set of gateways, with a version tag. Snapshots are
// never mutated after construction; a refresh produces a new Snapshot and
// the Accessor swaps it in atomically (spec §3 "Topology snapshot").
type Snapshot struct {
	Version  uint64
	Layers   [][]Node
	Gateways []Node
}

// NewSnapshot builds a Snapshot from per-layer node slices and a gateway
// list. The input slices are copied so the caller's slices may be reused
// or mutated afterward without affecting the snapshot's immutability.
func NewSnapshot(version uint64, layers [][]Node, gateways []Node) *Snapshot {
	copiedLayers := make([][]Node, len(layers))
	for i, l := range layers {
		copiedLayers[i] = append([]Node(nil), l...)
	}
	return &Snapshot{
		Version:  version,
		Layers:   copiedLayers,
		Gateways: append([]Node(nil), gateways...),
	}
}

// Routable reports whether the snapshot is usable for packet construction:
// every mix layer is non-empty and at least one gateway is reachable
// (spec §3 invariant).
func (s *Snapshot) Routable() bool {
	if s == nil || len(s.Layers) == 0 || len(s.Gateways) == 0 {
		return false
	}
	for _, layer := range s.Layers {
		if len(layer) == 0 {
			return false
		}
	}
	return true
}

// NumHops returns the number of mix layers in the snapshot, i.e. the
// route length a packet through this topology would take excluding the
// gateway hop.
func (s *Snapshot) NumHops() int {
	if s == nil {
		return 0
	}
	return len(s.Layers)
}
