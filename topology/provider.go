package topology

import (
	"context"
	"fmt"
	"math/rand"
)

// Provider is the TopologyProvider capability (spec §6): it produces a
// fresh Snapshot from whatever external directory/validator service
// backs it. The core treats fetches as synchronous from the refresher's
// perspective even though an implementation may be async internally.
type Provider interface {
	GetTopology(ctx context.Context) (*Snapshot, error)
}

// DirectoryFetcher is the minimal capability a Provider needs from an
// external directory client, kept separate from Provider itself so test
// code can supply a fake without standing up an HTTP server, mirroring
// the teacher's pki.Client boundary (mix_pki/json.go, session_pool/pool.go).
type DirectoryFetcher interface {
	FetchNodes(ctx context.Context) (layers [][]Node, gateways []Node, err error)
}

// GlobalProvider is the "Global" topology provider variant (spec §4.2):
// it returns every node from the directory, unfiltered.
type GlobalProvider struct {
	fetcher DirectoryFetcher
	version uint64
}

// NewGlobalProvider constructs a GlobalProvider over the given directory
// fetcher.
func NewGlobalProvider(fetcher DirectoryFetcher) *GlobalProvider {
	return &GlobalProvider{fetcher: fetcher}
}

// GetTopology implements Provider.
func (p *GlobalProvider) GetTopology(ctx context.Context) (*Snapshot, error) {
	layers, gateways, err := p.fetcher.FetchNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("topology: fetching directory: %w", err)
	}
	p.version++
	return NewSnapshot(p.version, layers, gateways), nil
}

// GeoAwareProvider is the "GeoAware(group)" variant (spec §4.2): it
// fetches the full directory and then retains only nodes tagged with the
// configured geo group, falling back to the full set for gateways (the
// client always needs at least one reachable gateway regardless of its
// geo group).
type GeoAwareProvider struct {
	fetcher DirectoryFetcher
	group   string
	version uint64

	// groupOf returns the geo group a node belongs to; nodes for which it
	// returns "" are treated as ungrouped and excluded from the filtered
	// set.
	groupOf func(Node) string
}

// NewGeoAwareProvider constructs a GeoAwareProvider selecting only nodes
// in the given group, as determined by groupOf.
func NewGeoAwareProvider(fetcher DirectoryFetcher, group string, groupOf func(Node) string) *GeoAwareProvider {
	return &GeoAwareProvider{fetcher: fetcher, group: group, groupOf: groupOf}
}

// GetTopology implements Provider.
func (p *GeoAwareProvider) GetTopology(ctx context.Context) (*Snapshot, error) {
	layers, gateways, err := p.fetcher.FetchNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("topology: fetching directory: %w", err)
	}

	filteredLayers := make([][]Node, len(layers))
	for i, layer := range layers {
		for _, n := range layer {
			if p.groupOf(n) == p.group {
				filteredLayers[i] = append(filteredLayers[i], n)
			}
		}
	}

	p.version++
	return NewSnapshot(p.version, filteredLayers, gateways), nil
}

// PickRoute chooses a route of the given hop length through the snapshot:
// uniform random over each non-empty layer, a distinct node per layer, no
// layer repeated within the hop (spec §4.3 packet builder). It also picks
// a uniform-random reachable gateway as the final hop.
func PickRoute(s *Snapshot, hops int, rng *rand.Rand) (route []Node, gateway Node, err error) {
	if !s.Routable() {
		return nil, Node{}, fmt.Errorf("topology: snapshot is not routable")
	}
	if hops <= 0 || hops > len(s.Layers) {
		hops = len(s.Layers)
	}

	route = make([]Node, 0, hops)
	for i := 0; i < hops; i++ {
		layer := s.Layers[i]
		route = append(route, layer[rng.Intn(len(layer))])
	}
	gateway = s.Gateways[rng.Intn(len(s.Gateways))]
	return route, gateway, nil
}
