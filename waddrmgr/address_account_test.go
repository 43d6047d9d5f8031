package waddrmgr

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/walletdb"
	"github.com/coldkeep/hdwallet/walletdb/kvfile"
)

func openTestNamespace(t *testing.T) walletdb.Namespace {
	t.Helper()
	dir := t.TempDir()
	store, err := kvfile.Open(filepath.Join(dir, "wallet.db"), []byte("root key material"), []byte("control salt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ns, err := store.Namespace("waddrmgr")
	require.NoError(t, err)
	return ns
}

func newTestAddressAccount(t *testing.T, variant AccountVariant) (*AddressAccount, AccountConfig, *crypto.PrivateKey, [32]byte) {
	t.Helper()

	rootPriv, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	var chainCode [32]byte
	copy(chainCode[:], []byte("deterministic chain code material"))

	cfg := AccountConfig{
		Variant:       variant,
		AddressTypes:  []uint32{0, 1},
		DefaultType:   0,
		IsMainAccount: true,
	}
	copy(cfg.EncryptionKeyID[:], []byte("encryption key id..."))
	copy(cfg.KDFID[:], []byte("kdf identifier......"))
	if variant == VariantBIP32Salted {
		cfg.Salt = []byte("account salt")
	}

	aa, err := MakeNewAddressAccount(nil, cfg, rootPriv, chainCode, nil)
	require.NoError(t, err)
	return aa, cfg, rootPriv, chainCode
}

func TestAddressAccountCommitAndLoadRoundTrip(t *testing.T) {
	ns := openTestNamespace(t)
	ctx := context.Background()

	aa, cfg, rootPriv, chainCode := newTestAddressAccount(t, VariantBIP32)

	// Hand out a couple of receiving and change addresses, one under a
	// non-default type, so the override table has something in it.
	nonDefault := uint32(1)
	_, err := aa.GetNewAddress(nil)
	require.NoError(t, err)
	overridden, err := aa.GetNewAddress(&nonDefault)
	require.NoError(t, err)
	_, err = aa.GetNewChangeAddress()
	require.NoError(t, err)

	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		return aa.Commit(tx)
	}))

	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	var loaded *AddressAccount
	require.NoError(t, ns.View(ctx, func(tx walletdb.Tx) error {
		var err error
		loaded, err = LoadAddressAccount(ctx, tx, aa.ID(), cfg, chainCode, rootPub)
		return err
	}))

	require.Equal(t, aa.ID(), loaded.ID())
	require.Equal(t, aa.outer.FullID(), loaded.outer.FullID())
	require.Equal(t, aa.inner.FullID(), loaded.inner.FullID())
	require.Equal(t, aa.addressTypes, loaded.addressTypes)
	require.Equal(t, aa.defaultType, loaded.defaultType)

	overriddenID := FullAsset(aa.outer.FullID(), overridden.Index())
	gotType, ok := loaded.typeOverrides[overriddenID]
	require.True(t, ok)
	require.Equal(t, nonDefault, gotType)
	require.Len(t, loaded.typeOverrides, 1)

	loadedAsset, loadedType, err := loaded.GetAddressEntryForID(overriddenID)
	require.NoError(t, err)
	require.Equal(t, nonDefault, loadedType)
	require.Equal(t, overridden.Index(), loadedAsset.Index())
}

func TestAddressAccountLoadRejectsMissingHeader(t *testing.T) {
	ns := openTestNamespace(t)
	ctx := context.Background()

	var chainCode [32]byte
	rootPriv, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	err = ns.View(ctx, func(tx walletdb.Tx) error {
		_, err := LoadAddressAccount(ctx, tx, AddressAccountID{9, 9, 9, 9}, AccountConfig{}, chainCode, rootPub)
		return err
	})
	require.Error(t, err)
}

func TestAddressAccountLoadSkipsMalformedOverrideRecord(t *testing.T) {
	ns := openTestNamespace(t)
	ctx := context.Background()

	aa, cfg, rootPriv, chainCode := newTestAddressAccount(t, VariantLegacy)
	_, err := aa.GetNewAddress(nil)
	require.NoError(t, err)

	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		return aa.Commit(tx)
	}))

	// Plant a record under the address-type prefix with a truncated
	// value, simulating a corrupt write that LoadAddressAccount must
	// tolerate by skipping rather than by failing the whole load.
	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		key := append([]byte{AddressTypePrefix}, make([]byte, 12)...)
		return tx.Insert(key, []byte{0x01})
	}))

	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	var loaded *AddressAccount
	require.NoError(t, ns.View(ctx, func(tx walletdb.Tx) error {
		var err error
		loaded, err = LoadAddressAccount(ctx, tx, aa.ID(), cfg, chainCode, rootPub)
		return err
	}))
	require.Empty(t, loaded.typeOverrides)
}

func TestAddressAccountCommitAndLoadRoundTripECDH(t *testing.T) {
	ns := openTestNamespace(t)
	ctx := context.Background()

	aa, cfg, rootPriv, chainCode := newTestAddressAccount(t, VariantECDH)
	_, err := aa.GetNewAddress(nil)
	require.NoError(t, err)

	require.NoError(t, ns.Update(ctx, func(tx walletdb.Tx) error {
		return aa.Commit(tx)
	}))

	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	var loaded *AddressAccount
	require.NoError(t, ns.View(ctx, func(tx walletdb.Tx) error {
		var err error
		loaded, err = LoadAddressAccount(ctx, tx, aa.ID(), cfg, chainCode, rootPub)
		return err
	}))
	require.Equal(t, aa.outer.FullID(), loaded.outer.FullID())

	asset, err := loaded.outer.PeekNextAsset()
	require.NoError(t, err)
	require.NotNil(t, asset)
}

func TestAddressAccountChangeAddressesUseDefaultType(t *testing.T) {
	aa, _, _, _ := newTestAddressAccount(t, VariantBIP32)
	asset, err := aa.GetNewChangeAddress()
	require.NoError(t, err)

	id := FullAsset(aa.inner.FullID(), asset.Index())
	_, hasOverride := aa.typeOverrides[id]
	require.False(t, hasOverride)
}
