package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltKeyStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.db")

	store, err := NewBoltKeyStore(path, "correct horse battery staple")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load()
	require.ErrorIs(t, err, ErrKeyLoadFailed)

	keys, err := GenerateManagedKeys()
	require.NoError(t, err)
	var shared [GatewaySharedKeyLength]byte
	shared[0] = 0x42
	keys.EnsureGatewayKey(shared)

	require.NoError(t, store.Store(keys))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, keys.IdentityPublicKey(), loaded.IdentityPublicKey())
	require.Equal(t, keys.EncryptionPublicKey(), loaded.EncryptionPublicKey())
	require.Equal(t, keys.AckKey(), loaded.AckKey())
	require.Equal(t, keys.MustGetGatewaySharedKey(), loaded.MustGetGatewaySharedKey())
}

func TestRecipientBytesRoundTrip(t *testing.T) {
	keys, err := GenerateManagedKeys()
	require.NoError(t, err)

	gw, err := NodeIdentityFromString(NodeIdentity{9, 9, 9}.String())
	require.NoError(t, err)

	r := NewRecipient(keys.IdentityPublicKey(), keys.EncryptionPublicKey(), gw)
	encoded := r.Bytes()
	decoded, err := RecipientFromBytes(encoded[:])
	require.NoError(t, err)
	require.True(t, r.Equal(decoded))
}
