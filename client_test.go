package mixclientcore

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"mixclientcore/config"
	"mixclientcore/constants"
	"mixclientcore/gateway"
	"mixclientcore/identity"
	"mixclientcore/realtraffic"
	"mixclientcore/topology"
)

type fakeKeyStore struct {
	keys *identity.ManagedKeys
}

func (f *fakeKeyStore) Load() (*identity.ManagedKeys, error) {
	if f.keys == nil {
		return nil, identity.ErrKeyLoadFailed
	}
	return f.keys, nil
}

func (f *fakeKeyStore) Store(keys *identity.ManagedKeys) error {
	f.keys = keys
	return nil
}

type fakeGatewayDetailsStore struct {
	details *config.GatewayEndpointConfig
}

func (f *fakeGatewayDetailsStore) Load() (*config.GatewayEndpointConfig, error) {
	if f.details == nil {
		return nil, errNoDetails
	}
	return f.details, nil
}

func (f *fakeGatewayDetailsStore) Store(details *config.GatewayEndpointConfig) error {
	f.details = details
	return nil
}

var errNoDetails = &testError{"client_test: no gateway details stored"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

type fakeDirectoryFetcher struct {
	layers   [][]topology.Node
	gateways []topology.Node
}

func (f *fakeDirectoryFetcher) FetchNodes(ctx context.Context) ([][]topology.Node, []topology.Node, error) {
	return f.layers, f.gateways, nil
}

func testGatewayNode(t *testing.T, idByte byte, address string) topology.Node {
	t.Helper()
	var id identity.NodeIdentity
	id[0] = idByte
	var encPriv [32]byte
	encPriv[1] = idByte
	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	require.NoError(t, err)
	var enc identity.EncryptionKey
	copy(enc[:], encPub)
	return topology.Node{Identity: id, Encryption: enc, Address: address, Layer: -1}
}

func TestResolveGatewayMustLoadUsesStoredDetails(t *testing.T) {
	keys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)

	gwPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var gwID identity.NodeIdentity
	copy(gwID[:], gwPub)

	detailsStore := &fakeGatewayDetailsStore{details: &config.GatewayEndpointConfig{
		GatewayID:       gwID.String(),
		GatewayListener: "wss://gateway.example:1789",
	}}

	b := NewBaseClientBuilder(config.Default(), &fakeKeyStore{keys: keys}, detailsStore, nil, nil, &fakeDirectoryFetcher{})

	endpoint, err := b.resolveGateway(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wss://gateway.example:1789", endpoint.ListenerURL)
	require.Equal(t, ed25519.PublicKey(gwPub), endpoint.GatewayIdentity)
}

func TestResolveGatewayNewWithGatewayPersistsDetails(t *testing.T) {
	gwPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	detailsStore := &fakeGatewayDetailsStore{}
	b := NewBaseClientBuilder(config.Default(), &fakeKeyStore{}, detailsStore, nil, nil, &fakeDirectoryFetcher{})
	endpoint := &gateway.Endpoint{ListenerURL: "wss://pinned.example:1789", GatewayIdentity: gwPub}
	b.WithGatewaySetup(NewWithGateway, endpoint)

	got, err := b.resolveGateway(context.Background())
	require.NoError(t, err)
	require.Equal(t, endpoint, got)
	require.NotNil(t, detailsStore.details)
	require.Equal(t, "wss://pinned.example:1789", detailsStore.details.GatewayListener)
}

func TestResolveGatewayNewAnyGatewayPicksFromDirectory(t *testing.T) {
	gw := testGatewayNode(t, 9, "wss://any.example:1789")
	detailsStore := &fakeGatewayDetailsStore{}
	b := NewBaseClientBuilder(config.Default(), &fakeKeyStore{}, detailsStore, nil, nil, &fakeDirectoryFetcher{gateways: []topology.Node{gw}})
	b.WithGatewaySetup(NewAnyGateway, nil)

	endpoint, err := b.resolveGateway(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wss://any.example:1789", endpoint.ListenerURL)
	require.NotNil(t, detailsStore.details)
}

func TestResolveGatewayNewAnyGatewayFailsWithNoGateways(t *testing.T) {
	b := NewBaseClientBuilder(config.Default(), &fakeKeyStore{}, &fakeGatewayDetailsStore{}, nil, nil, &fakeDirectoryFetcher{})
	b.WithGatewaySetup(NewAnyGateway, nil)

	_, err := b.resolveGateway(context.Background())
	require.ErrorIs(t, err, topology.ErrInsufficientNetworkTopology)
}

func TestClientInputSendEnqueuesRegularMessage(t *testing.T) {
	keys, err := identity.GenerateManagedKeys()
	require.NoError(t, err)
	recipient := identity.NewRecipient(keys.IdentityPublicKey(), keys.EncryptionPublicKey(), identity.NodeIdentity{})

	messages := make(chan realtraffic.InputMessage, 1)
	in := ClientInput{messages: messages}
	in.Send(recipient, []byte("hello"), 3)

	msg := <-messages
	require.Equal(t, realtraffic.Regular, msg.Kind)
	require.Equal(t, []byte("hello"), msg.Payload)
	require.Equal(t, realtraffic.Lane(3), msg.Lane)
}

func TestClientInputReplyEnqueuesReplyMessage(t *testing.T) {
	messages := make(chan realtraffic.InputMessage, 1)
	in := ClientInput{messages: messages}

	var tag [constants.SenderTagLength]byte
	tag[0] = 1
	in.Reply(tag, []byte("reply"), 0)

	msg := <-messages
	require.Equal(t, realtraffic.Reply, msg.Kind)
	require.Equal(t, tag, msg.SenderTag)
}
