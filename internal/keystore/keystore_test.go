package keystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/domain"
	apperrors "cipherchat/pkg/errors"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			kp, err := store.GetKeyPair(ctx, "alice")
			require.NoError(t, err)
			assert.Nil(t, kp)

			has, err := store.HasKeys(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, has)

			want := domain.KeyPair{PublicKey: "pub-a", PrivateKey: "priv-a"}
			require.NoError(t, store.StoreKeyPair(ctx, "alice", want, "device-1"))

			got, err := store.GetKeyPair(ctx, "alice")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, *got)

			has, err = store.HasKeys(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, has)

			// Upsert overwrites (rotation path)
			rotated := domain.KeyPair{PublicKey: "pub-b", PrivateKey: "priv-b"}
			require.NoError(t, store.StoreKeyPair(ctx, "alice", rotated, "device-1"))
			got, err = store.GetKeyPair(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, rotated, *got)
		})
	}
}

func TestStorePreKeys(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.StoreKeyPair(ctx, "bob", domain.KeyPair{PublicKey: "p", PrivateKey: "s"}, ""))

			preKeys := []string{"pk1", "pk2", "pk3"}
			require.NoError(t, store.StorePreKeys(ctx, "bob", preKeys))

			got, err := store.GetPreKeys(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, preKeys, got)

			// Replacement, not append
			require.NoError(t, store.StorePreKeys(ctx, "bob", []string{"pk4"}))
			got, err = store.GetPreKeys(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, []string{"pk4"}, got)
		})
	}
}

func TestDeleteKeys(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.StoreKeyPair(ctx, "carol", domain.KeyPair{PublicKey: "p", PrivateKey: "s"}, ""))
			require.NoError(t, store.DeleteKeys(ctx, "carol"))

			kp, err := store.GetKeyPair(ctx, "carol")
			require.NoError(t, err)
			assert.Nil(t, kp)

			// Deleting an absent record is not an error
			require.NoError(t, store.DeleteKeys(ctx, "carol"))
		})
	}
}

func TestUserIsolation(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.StoreKeyPair(ctx, "alice", domain.KeyPair{PublicKey: "pa", PrivateKey: "sa"}, ""))
			require.NoError(t, store.StoreKeyPair(ctx, "bob", domain.KeyPair{PublicKey: "pb", PrivateKey: "sb"}, ""))

			require.NoError(t, store.DeleteKeys(ctx, "alice"))

			got, err := store.GetKeyPair(ctx, "bob")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "pb", got.PublicKey)
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.StoreKeyPair(ctx, "dave", domain.KeyPair{PublicKey: "p", PrivateKey: "s"}, "dev"))
	require.NoError(t, store.StorePreKeys(ctx, "dave", []string{"pk"}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	kp, err := reopened.GetKeyPair(ctx, "dave")
	require.NoError(t, err)
	require.NotNil(t, kp)
	assert.Equal(t, "p", kp.PublicKey)

	preKeys, err := reopened.GetPreKeys(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, []string{"pk"}, preKeys)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore()
	require.NoError(t, src.StoreKeyPair(ctx, "alice", domain.KeyPair{PublicKey: "pub", PrivateKey: "priv"}, ""))
	require.NoError(t, src.StorePreKeys(ctx, "alice", []string{"pk1", "pk2"}))

	blob, err := ExportKeys(ctx, src, "alice", "correct horse")
	require.NoError(t, err)

	dst := NewMemoryStore()
	require.NoError(t, ImportKeys(ctx, dst, "alice", blob, "correct horse"))

	kp, err := dst.GetKeyPair(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, kp)
	assert.Equal(t, "pub", kp.PublicKey)
	assert.Equal(t, "priv", kp.PrivateKey)

	preKeys, err := dst.GetPreKeys(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"pk1", "pk2"}, preKeys)
}

func TestImportWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore()
	require.NoError(t, src.StoreKeyPair(ctx, "alice", domain.KeyPair{PublicKey: "pub", PrivateKey: "priv"}, ""))

	blob, err := ExportKeys(ctx, src, "alice", "right")
	require.NoError(t, err)

	dst := NewMemoryStore()
	err = ImportKeys(ctx, dst, "alice", blob, "wrong")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKeyMaterial))

	err = ImportKeys(ctx, dst, "alice", []byte("junk"), "right")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKeyMaterial))
}

func TestExportMissingUser(t *testing.T) {
	ctx := context.Background()
	_, err := ExportKeys(ctx, NewMemoryStore(), "ghost", "pw")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStorageUnavailable))
}
