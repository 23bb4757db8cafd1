package topology

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"mixclientcore/identity"
)

// jsonNode is the on-disk representation of one mix or gateway,
// generalizing the teacher's JsonMixDescriptor (mix_pki/json.go) from a
// single flat consensus file into the layered topology shape
// spec §4.2 describes.
type jsonNode struct {
	Identity   string `json:"identity"`
	Encryption string `json:"encryption"`
	Address    string `json:"address"`
	Layer      int    `json:"layer"`
	IsGateway  bool   `json:"is_gateway"`
}

type jsonDirectory struct {
	Nodes []jsonNode `json:"nodes"`
}

func (n jsonNode) toNode() (Node, error) {
	var node Node
	id, err := identity.NodeIdentityFromString(n.Identity)
	if err != nil {
		return node, fmt.Errorf("topology: node %q: %w", n.Address, err)
	}
	encRaw, err := base64.StdEncoding.DecodeString(n.Encryption)
	if err != nil {
		return node, fmt.Errorf("topology: node %q: invalid encryption key: %w", n.Address, err)
	}
	if len(encRaw) != len(node.Encryption) {
		return node, fmt.Errorf("topology: node %q: encryption key must be %d bytes, got %d", n.Address, len(node.Encryption), len(encRaw))
	}
	copy(node.Encryption[:], encRaw)
	node.Identity = id
	node.Address = n.Address
	node.Layer = n.Layer
	return node, nil
}

// JSONFileFetcher is a DirectoryFetcher reading a static topology
// snapshot from on-disk JSON files, one file per configured directory
// URL (config.TopologyConfig.DirectoryURLs doubling as file paths here,
// since the real directory-authority protocol is out of scope per
// spec.md §1). Grounded on the teacher's StaticPKIFromFile
// (mix_pki/json.go), generalized from one flat consensus map into the
// layered Node slices topology.Snapshot needs.
type JSONFileFetcher struct {
	Paths []string
}

// NewJSONFileFetcher constructs a JSONFileFetcher reading from paths.
func NewJSONFileFetcher(paths []string) *JSONFileFetcher {
	return &JSONFileFetcher{Paths: paths}
}

// FetchNodes implements DirectoryFetcher.
func (f *JSONFileFetcher) FetchNodes(ctx context.Context) ([][]Node, []Node, error) {
	var layers [][]Node
	var gateways []Node

	for _, path := range f.Paths {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("topology: reading directory file %q: %w", path, err)
		}
		var dir jsonDirectory
		if err := json.Unmarshal(raw, &dir); err != nil {
			return nil, nil, fmt.Errorf("topology: parsing directory file %q: %w", path, err)
		}

		for _, jn := range dir.Nodes {
			node, err := jn.toNode()
			if err != nil {
				return nil, nil, err
			}
			if jn.IsGateway {
				gateways = append(gateways, node)
				continue
			}
			for len(layers) <= jn.Layer {
				layers = append(layers, nil)
			}
			layers[jn.Layer] = append(layers[jn.Layer], node)
		}
	}

	return layers, gateways, nil
}
