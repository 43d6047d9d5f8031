package waddrmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/ddc"
)

// lockedContainer builds a DDC whose root key directly holds the supplied
// seed material, unlockable with any passphrase (tests aren't exercising
// passphrase correctness, only the derivation math above the container).
func lockedContainer(t *testing.T, seed []byte) (*ddc.Container, *ddc.LockHandle) {
	t.Helper()
	spec, err := crypto.FastKDFSpec()
	require.NoError(t, err)

	passphrase := []byte("test passphrase")
	aesKey, err := spec.Derive(passphrase)
	require.NoError(t, err)
	iv := crypto.NewIV()
	ciphertext, err := crypto.EncryptCBC(aesKey, iv[:], seed)
	require.NoError(t, err)

	rootID := [20]byte{0xAA}
	c := ddc.New(rootID)
	c.RegisterKDFSpec(spec.ID(), spec)
	c.RegisterEncryptionKey(rootID, ddc.EncryptedDatum{KDFID: spec.ID(), IV: iv, Ciphertext: ciphertext})

	h, err := c.Lock(func([20]byte) ([]byte, error) { return passphrase, nil })
	require.NoError(t, err)
	return c, h
}

func TestLegacySchemePublicAndPrivateMatch(t *testing.T) {
	var chainCode [32]byte
	hmacTmp := crypto.HMACSHA256([]byte("chaincode"), []byte("account seed"))
	copy(chainCode[:], hmacTmp[:])
	scheme := &LegacyScheme{ChainCode: chainCode}

	rootPriv, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	encKeyID := [20]byte{0xAA}
	kdfSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)

	c, h := lockedContainer(t, rootPriv.Serialize())
	defer h.Close()
	c.RegisterKDFSpec(kdfSpec.ID(), kdfSpec)

	rootSealed := sealRootForTest(t, c, kdfSpec, encKeyID, rootPriv.Serialize())
	rootAsset := NewSingleAsset(0, crypto.SerializeCompressed(rootPub)).WithPrivateKey(rootSealed)

	pubOut, err := scheme.ExtendPublic(rootAsset, 1, 3)
	require.NoError(t, err)
	require.Len(t, pubOut, 3)

	privOut, err := scheme.ExtendPrivate(c, rootAsset, 1, 3, encKeyID, kdfSpec.ID())
	require.NoError(t, err)
	require.Len(t, privOut, 3)

	for i := range pubOut {
		require.Equal(t, pubOut[i].PubKey(), privOut[i].PubKey(),
			"public-only and private derivation must agree on the resulting public key")
	}

	// The chain is stateful: extending again from the last private asset
	// must continue, not restart, the sequence.
	more, err := scheme.ExtendPrivate(c, privOut[2], 4, 4, encKeyID, kdfSpec.ID())
	require.NoError(t, err)
	require.Len(t, more, 1)
	require.NotEqual(t, privOut[2].PubKey(), more[0].PubKey())
}

func TestBIP32SchemeDerivesDeterministically(t *testing.T) {
	rootPriv, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	var chainCode [32]byte
	hmacTmp := crypto.HMACSHA256([]byte("bip32"), []byte("seed"))
	copy(chainCode[:], hmacTmp[:])

	c, h := lockedContainer(t, rootPriv.Serialize())
	defer h.Close()
	encKeyID := [20]byte{0xAA}
	kdfSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	c.RegisterKDFSpec(kdfSpec.ID(), kdfSpec)

	root := NewBIP32RootAsset(crypto.SerializeCompressed(rootPub), chainCode, 0, 0, [4]byte{}, [4]byte{}, nil)

	scheme := &BIP32Scheme{}
	pub1, err := scheme.ExtendPublic(root, 0, 0)
	require.NoError(t, err)
	pub2, err := scheme.ExtendPublic(root, 0, 0)
	require.NoError(t, err)
	require.Equal(t, pub1[0].PubKey(), pub2[0].PubKey(), "derivation from a fixed root and index must be deterministic")

	rootSealed := sealRootForTest(t, c, kdfSpec, encKeyID, rootPriv.Serialize())
	root.privSealed = &rootSealed

	priv, err := scheme.ExtendPrivate(c, root, 0, 2, encKeyID, kdfSpec.ID())
	require.NoError(t, err)
	pubRange, err := scheme.ExtendPublic(root, 0, 2)
	require.NoError(t, err)
	for i := range priv {
		require.Equal(t, pubRange[i].PubKey(), priv[i].PubKey())
	}
}

func sealRootForTest(t *testing.T, c *ddc.Container, spec crypto.KDFSpec, encKeyID [20]byte, plain []byte) ddc.SealedPrivateKey {
	t.Helper()
	aesKey, err := c.DeriveForSeal(encKeyID, spec.ID())
	require.NoError(t, err)
	iv := crypto.NewIV()
	ciphertext, err := crypto.EncryptCBC(aesKey, iv[:], plain)
	require.NoError(t, err)
	return ddc.SealedPrivateKey{
		ID: assetIDFor(0),
		Datum: ddc.EncryptedDatum{
			EncryptionKeyID: encKeyID,
			KDFID:           spec.ID(),
			IV:              iv,
			Ciphertext:      ciphertext,
		},
	}
}

func TestBIP32SaltedSchemeDiffersFromUnsalted(t *testing.T) {
	rootPriv, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	rootPub := crypto.ScalarBaseMultiply(rootPriv)
	var chainCode [32]byte
	hmacTmp := crypto.HMACSHA256([]byte("x"), []byte("y"))
	copy(chainCode[:], hmacTmp[:])
	root := NewBIP32RootAsset(crypto.SerializeCompressed(rootPub), chainCode, 0, 0, [4]byte{}, [4]byte{}, nil)

	plain := &BIP32Scheme{}
	salted := &BIP32SaltedScheme{Salt: []byte("a wallet-specific salt")}

	plainOut, err := plain.ExtendPublic(root, 0, 0)
	require.NoError(t, err)
	saltedOut, err := salted.ExtendPublic(root, 0, 0)
	require.NoError(t, err)
	require.NotEqual(t, plainOut[0].PubKey(), saltedOut[0].PubKey())
}

func TestECDHSchemeAddSaltIsPositional(t *testing.T) {
	rootPriv, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	rootPub := crypto.ScalarBaseMultiply(rootPriv)
	root := NewBIP32RootAsset(crypto.SerializeCompressed(rootPub), [32]byte{}, 0, 0, [4]byte{}, [4]byte{}, nil)

	scheme := &ECDHScheme{}
	hmacA := crypto.HMACSHA256([]byte("a"), nil)
	idx0 := scheme.AddSalt(hmacA[:])
	hmacB := crypto.HMACSHA256([]byte("b"), nil)
	idx1 := scheme.AddSalt(hmacB[:])
	require.Equal(t, AssetIndex(0), idx0)
	require.Equal(t, AssetIndex(1), idx1)

	out, err := scheme.ExtendPublic(root, 0, 1)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotEqual(t, out[0].PubKey(), out[1].PubKey())

	c, h := lockedContainer(t, rootPriv.Serialize())
	defer h.Close()
	kdfSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	c.RegisterKDFSpec(kdfSpec.ID(), kdfSpec)
	encKeyID := [20]byte{0xAA}
	rootSealed := sealRootForTest(t, c, kdfSpec, encKeyID, rootPriv.Serialize())
	root.privSealed = &rootSealed

	priv, err := scheme.ExtendPrivate(c, root, 0, 1, encKeyID, kdfSpec.ID())
	require.NoError(t, err)
	require.Equal(t, out[0].PubKey(), priv[0].PubKey())
	require.Equal(t, out[1].PubKey(), priv[1].PubKey())
}
