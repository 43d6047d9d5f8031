package kvfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldkeep/hdwallet/walletdb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "wallet.db"), []byte("root key material"), []byte("control salt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ns, err := store.Namespace("control")
	require.NoError(t, err)

	ctx := context.Background()
	err = ns.Update(ctx, func(tx walletdb.Tx) error {
		return tx.Insert([]byte("asset-account-0"), []byte("serialized bytes"))
	})
	require.NoError(t, err)

	var got []byte
	err = ns.View(ctx, func(tx walletdb.Tx) error {
		got = tx.Get([]byte("asset-account-0"))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("serialized bytes"), got)
}

func TestReopenReplaysRecordsAndReconcilesErasure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.db")
	rootKey := []byte("root key material")
	controlSalt := []byte("control salt")

	store, err := Open(path, rootKey, controlSalt)
	require.NoError(t, err)
	ns, err := store.Namespace("control")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		if err := tx.Insert([]byte("k1"), []byte("v1")); err != nil {
			return err
		}
		return tx.Insert([]byte("k2"), []byte("v2"))
	}))

	// Overwrite k1 so the old physical slot is wiped and an erasure
	// placeholder is written in its place.
	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		return tx.Insert([]byte("k1"), []byte("v1-updated"))
	}))

	require.NoError(t, store.Close())

	reopened, err := Open(path, rootKey, controlSalt)
	require.NoError(t, err)
	defer reopened.Close()

	ns2, err := reopened.Namespace("control")
	require.NoError(t, err)

	var v1, v2 []byte
	require.NoError(t, ns2.View(ctx, func(tx walletdb.Tx) error {
		v1 = tx.Get([]byte("k1"))
		v2 = tx.Get([]byte("k2"))
		return nil
	}))
	require.Equal(t, []byte("v1-updated"), v1)
	require.Equal(t, []byte("v2"), v2)
}

func TestEraseRemovesKey(t *testing.T) {
	store := openTestStore(t)
	ns, err := store.Namespace("control")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		return tx.Insert([]byte("k"), []byte("v"))
	}))

	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		return tx.Erase([]byte("k"))
	}))

	var got []byte
	require.NoError(t, ns.View(ctx, func(tx walletdb.Tx) error {
		got = tx.Get([]byte("k"))
		return nil
	}))
	require.Nil(t, got)
}

func TestForEachSeesAllRecords(t *testing.T) {
	store := openTestStore(t)
	ns, err := store.Namespace("control")
	require.NoError(t, err)
	ctx := context.Background()

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		for k, v := range want {
			if err := tx.Insert([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	}))

	got := make(map[string]string)
	require.NoError(t, ns.View(ctx, func(tx walletdb.Tx) error {
		return tx.ForEach(func(k, v []byte) error {
			got[string(k)] = string(v)
			return nil
		})
	}))
	require.Equal(t, want, got)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	store := openTestStore(t)
	ns, err := store.Namespace("control")
	require.NoError(t, err)
	ctx := context.Background()

	tx, err := ns.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Insert([]byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())

	var got []byte
	require.NoError(t, ns.View(ctx, func(tx2 walletdb.Tx) error {
		got = tx2.Get([]byte("k"))
		return nil
	}))
	require.Nil(t, got)
}
