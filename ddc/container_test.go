package ddc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldkeep/hdwallet/crypto"
)

func sealRoot(t *testing.T, passphrase []byte, spec crypto.KDFSpec, plaintext []byte) EncryptedDatum {
	t.Helper()
	key, err := spec.Derive(passphrase)
	require.NoError(t, err)
	iv := crypto.NewIV()
	ciphertext, err := crypto.EncryptCBC(key, iv[:], plaintext)
	require.NoError(t, err)
	return EncryptedDatum{KDFID: spec.ID(), IV: iv, Ciphertext: ciphertext}
}

func sealUnder(t *testing.T, parentMaterial []byte, kdfID [20]byte, spec crypto.KDFSpec, plaintext []byte, parentID [20]byte) EncryptedDatum {
	t.Helper()
	key, err := spec.Derive(parentMaterial)
	require.NoError(t, err)
	iv := crypto.NewIV()
	ciphertext, err := crypto.EncryptCBC(key, iv[:], plaintext)
	require.NoError(t, err)
	return EncryptedDatum{EncryptionKeyID: parentID, KDFID: kdfID, IV: iv, Ciphertext: ciphertext}
}

func TestGetPrivateKeyDecryptsUnderRootKey(t *testing.T) {
	spec, err := crypto.FastKDFSpec()
	require.NoError(t, err)

	rootID := [20]byte{1}
	passphrase := []byte("hunter2")
	rootMaterial := []byte("32-byte-ish root encryption key")
	rootDatum := sealRoot(t, passphrase, spec, rootMaterial)

	c := New(rootID)
	c.RegisterKDFSpec(spec.ID(), spec)
	c.RegisterEncryptionKey(rootID, rootDatum)

	privKDF, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	c.RegisterKDFSpec(privKDF.ID(), privKDF)

	privPlain := []byte("the actual 32 byte private key!")
	privDatum := sealUnder(t, rootMaterial, privKDF.ID(), privKDF, privPlain, rootID)
	sealed := SealedPrivateKey{ID: [20]byte{9}, Datum: privDatum}

	prompted := 0
	h, err := c.Lock(func(id [20]byte) ([]byte, error) {
		prompted++
		require.Equal(t, rootID, id)
		return passphrase, nil
	})
	require.NoError(t, err)
	defer h.Close()

	got, err := c.GetPrivateKey(sealed)
	require.NoError(t, err)
	require.Equal(t, privPlain, got)
	require.Equal(t, 1, prompted)

	// A second resolution within the same scope must not re-prompt.
	_, err = c.GetPrivateKey(sealed)
	require.NoError(t, err)
	require.Equal(t, 1, prompted)
}

func TestGetPrivateKeyResolvesChainedEncryptionKey(t *testing.T) {
	rootSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	rootID := [20]byte{1}
	passphrase := []byte("correct horse")
	rootMaterial := []byte("root key material 32 bytes long")
	rootDatum := sealRoot(t, passphrase, rootSpec, rootMaterial)

	midSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	midID := [20]byte{2}
	midMaterial := []byte("intermediate key material bytes")
	midDatum := sealUnder(t, rootMaterial, midSpec.ID(), midSpec, midMaterial, rootID)

	privSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	privPlain := []byte("leaf private key material, 32 b")
	privDatum := sealUnder(t, midMaterial, privSpec.ID(), privSpec, privPlain, midID)

	c := New(rootID)
	c.RegisterKDFSpec(rootSpec.ID(), rootSpec)
	c.RegisterKDFSpec(midSpec.ID(), midSpec)
	c.RegisterKDFSpec(privSpec.ID(), privSpec)
	c.RegisterEncryptionKey(rootID, rootDatum)
	c.RegisterEncryptionKey(midID, midDatum)

	h, err := c.Lock(func(id [20]byte) ([]byte, error) {
		return passphrase, nil
	})
	require.NoError(t, err)
	defer h.Close()

	sealed := SealedPrivateKey{ID: [20]byte{9}, Datum: privDatum}
	got, err := c.GetPrivateKey(sealed)
	require.NoError(t, err)
	require.Equal(t, privPlain, got)
}

func TestGetPrivateKeyWithoutLockFails(t *testing.T) {
	c := New([20]byte{1})
	_, err := c.GetPrivateKey(SealedPrivateKey{})
	require.Error(t, err)
}

func TestChangePassphraseRequiresExclusiveLock(t *testing.T) {
	spec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	rootID := [20]byte{1}
	passphrase := []byte("old passphrase")
	rootMaterial := []byte("root key material 32 bytes long")
	rootDatum := sealRoot(t, passphrase, spec, rootMaterial)

	c := New(rootID)
	c.RegisterKDFSpec(spec.ID(), spec)
	c.RegisterEncryptionKey(rootID, rootDatum)

	h1, err := c.Lock(func(id [20]byte) ([]byte, error) { return passphrase, nil })
	require.NoError(t, err)
	h2, err := c.Lock(func(id [20]byte) ([]byte, error) { return passphrase, nil })
	require.NoError(t, err)

	newSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	_, err = c.ChangePassphrase(h1, []byte("new passphrase"), newSpec, true)
	require.Error(t, err)

	h2.Close()
	h1.Close()
}

func TestChangePassphraseRotatesAndOldPassphraseNoLongerWorks(t *testing.T) {
	spec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	rootID := [20]byte{1}
	oldPass := []byte("old passphrase")
	rootMaterial := []byte("root key material 32 bytes long")
	rootDatum := sealRoot(t, oldPass, spec, rootMaterial)

	c := New(rootID)
	c.RegisterKDFSpec(spec.ID(), spec)
	c.RegisterEncryptionKey(rootID, rootDatum)

	h, err := c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), oldPass...), nil })
	require.NoError(t, err)

	newSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	newPass := []byte("new passphrase")
	_, err = c.ChangePassphrase(h, newPass, newSpec, true)
	require.NoError(t, err)
	h.Close()

	h2, err := c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), newPass...), nil })
	require.NoError(t, err)
	defer h2.Close()

	got, err := c.resolveKeyMaterial(rootID)
	require.NoError(t, err)
	require.Equal(t, rootMaterial, got)

	h2.Close()

	_, err = c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), oldPass...), nil })
	require.NoError(t, err)
	_, err = c.resolveKeyMaterial(rootID)
	require.Error(t, err)
}

func TestChangePassphraseWithoutReplaceKeepsBothPassphrasesValid(t *testing.T) {
	spec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	rootID := [20]byte{1}
	oldPass := []byte("alpha")
	rootMaterial := []byte("root key material 32 bytes long")
	rootDatum := sealRoot(t, oldPass, spec, rootMaterial)

	c := New(rootID)
	c.RegisterKDFSpec(spec.ID(), spec)
	c.RegisterEncryptionKey(rootID, rootDatum)

	h, err := c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), oldPass...), nil })
	require.NoError(t, err)

	newSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	newPass := []byte("beta")
	_, err = c.ChangePassphrase(h, newPass, newSpec, false)
	require.NoError(t, err)
	h.Close()

	hNew, err := c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), newPass...), nil })
	require.NoError(t, err)
	got, err := c.resolveKeyMaterial(rootID)
	require.NoError(t, err)
	require.Equal(t, rootMaterial, got)
	hNew.Close()

	hOld, err := c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), oldPass...), nil })
	require.NoError(t, err)
	got, err = c.resolveKeyMaterial(rootID)
	require.NoError(t, err)
	require.Equal(t, rootMaterial, got)
	hOld.Close()

	// A subsequent replace=true rotation retires every prior unlocker.
	gammaSpec, err := crypto.FastKDFSpec()
	require.NoError(t, err)
	gammaPass := []byte("gamma")
	hFinal, err := c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), oldPass...), nil })
	require.NoError(t, err)
	_, err = c.ChangePassphrase(hFinal, gammaPass, gammaSpec, true)
	require.NoError(t, err)
	hFinal.Close()

	_, err = c.Lock(func(id [20]byte) ([]byte, error) { return append([]byte(nil), oldPass...), nil })
	require.NoError(t, err)
	_, err = c.resolveKeyMaterial(rootID)
	require.Error(t, err)
}
