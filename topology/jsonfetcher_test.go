package topology

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func writeDirectoryFile(t *testing.T, dir string, nodes []jsonNode) string {
	t.Helper()
	path := filepath.Join(dir, "directory.json")
	data, err := json.Marshal(jsonDirectory{Nodes: nodes})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func fixtureNode(t *testing.T, idByte byte, layer int, address string, isGateway bool) jsonNode {
	t.Helper()
	var id [32]byte
	id[0] = idByte

	var encPriv [32]byte
	encPriv[1] = idByte
	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	require.NoError(t, err)

	return jsonNode{
		Identity:   base64.StdEncoding.EncodeToString(id[:]),
		Encryption: base64.StdEncoding.EncodeToString(encPub),
		Address:    address,
		Layer:      layer,
		IsGateway:  isGateway,
	}
}

func TestJSONFileFetcherBuildsLayersAndGateways(t *testing.T) {
	dir := t.TempDir()
	nodes := []jsonNode{
		fixtureNode(t, 1, 0, "mix0:1789", false),
		fixtureNode(t, 2, 1, "mix1:1789", false),
		fixtureNode(t, 3, 0, "gateway0:1789", true),
	}
	path := writeDirectoryFile(t, dir, nodes)

	fetcher := NewJSONFileFetcher([]string{path})
	layers, gateways, err := fetcher.FetchNodes(context.Background())
	require.NoError(t, err)

	require.Len(t, layers, 2)
	require.Len(t, layers[0], 1)
	require.Len(t, layers[1], 1)
	require.Equal(t, "mix0:1789", layers[0][0].Address)
	require.Equal(t, "mix1:1789", layers[1][0].Address)
	require.Len(t, gateways, 1)
	require.Equal(t, "gateway0:1789", gateways[0].Address)
}

func TestJSONFileFetcherErrorsOnMissingFile(t *testing.T) {
	fetcher := NewJSONFileFetcher([]string{"/nonexistent/directory.json"})
	_, _, err := fetcher.FetchNodes(context.Background())
	require.Error(t, err)
}
