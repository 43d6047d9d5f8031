package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	priv, err := NewPrivateKey()
	require.NoError(t, err)

	pub := ScalarBaseMultiply(priv)
	ser := SerializeCompressed(pub)
	require.Len(t, ser, 33)

	parsed, err := ParseCompressedPubKey(ser)
	require.NoError(t, err)
	require.True(t, pub.IsEqual(parsed))
}

func TestSignAndVerify(t *testing.T) {
	priv, err := NewPrivateKey()
	require.NoError(t, err)
	pub := ScalarBaseMultiply(priv)

	msgHash := Sha256([]byte("a transaction's signature hash"))
	sig, err := Sign(priv, msgHash[:])
	require.NoError(t, err)
	require.True(t, Verify(pub, msgHash[:], sig))

	wrongHash := Sha256([]byte("a different message"))
	require.False(t, Verify(pub, wrongHash[:], sig))
}

func TestECDHIsSymmetric(t *testing.T) {
	alicePriv, err := NewPrivateKey()
	require.NoError(t, err)
	bobPriv, err := NewPrivateKey()
	require.NoError(t, err)

	alicePub := ScalarBaseMultiply(alicePriv)
	bobPub := ScalarBaseMultiply(bobPriv)

	sharedFromAlice := ScalarMultiply(bobPub, alicePriv)
	sharedFromBob := ScalarMultiply(alicePub, bobPriv)

	require.Equal(t, SerializeCompressed(sharedFromAlice), SerializeCompressed(sharedFromBob))
}

func TestAddPrivateKeysMatchesPublicPointAddition(t *testing.T) {
	base, err := NewPrivateKey()
	require.NoError(t, err)
	tweak := Sha256([]byte("child index 7"))

	childPriv, err := AddPrivateKeys(base, tweak[:])
	require.NoError(t, err)

	gotPub := ScalarBaseMultiply(childPriv)

	basePub := ScalarBaseMultiply(base)
	tweakPub := ScalarBaseMultiply(PrivateKeyFromBytes(tweak[:]))
	wantPub := AddPublicKeys(basePub, tweakPub)

	require.Equal(t, SerializeCompressed(wantPub), SerializeCompressed(gotPub))
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := Sha256([]byte("a 32 byte aes key from somewhere"))
	iv := NewIV()

	for _, plaintext := range [][]byte{
		[]byte(""),
		[]byte("short"),
		[]byte("exactly sixteen!"),
		[]byte("this message is considerably longer than one AES block"),
	} {
		ciphertext, err := EncryptCBC(key[:], iv[:], plaintext)
		require.NoError(t, err)
		require.Equal(t, 0, len(ciphertext)%16)

		recovered, err := DecryptCBC(key[:], iv[:], ciphertext)
		require.NoError(t, err)
		require.Equal(t, plaintext, recovered)
	}
}

func TestKDFSpecIsDeterministicAndSaltBound(t *testing.T) {
	spec, err := FastKDFSpec()
	require.NoError(t, err)

	pass := []byte("correct horse battery staple")
	k1, err := spec.Derive(pass)
	require.NoError(t, err)
	k2, err := spec.Derive(pass)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	other, err := FastKDFSpec()
	require.NoError(t, err)
	k3, err := other.Derive(pass)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	require.NotEqual(t, spec.ID(), other.ID())
}

func TestEnvelopeSealAndOpenRoundTrip(t *testing.T) {
	rootKey := Sha256([]byte("wallet root entropy"))
	controlSalt := Sha256([]byte("control db salt"))

	session, err := DeriveSessionKeys(rootKey[:], controlSalt[:], 0)
	require.NoError(t, err)

	dbKey := []byte{0, 0, 0, 7}
	dataKey := []byte("asset-account-header")
	dataVal := []byte("serialized asset account bytes go here")

	env, err := SealEnvelope(dbKey, dataKey, dataVal, session.DecryptPubKey(), session.MacKey)
	require.NoError(t, err)

	gotKey, gotVal, err := OpenEnvelope(env, dbKey, session)
	require.NoError(t, err)
	require.Equal(t, dataKey, gotKey)
	require.Equal(t, dataVal, gotVal)
}

func TestEnvelopeRejectsWrongDbKey(t *testing.T) {
	rootKey := Sha256([]byte("wallet root entropy"))
	controlSalt := Sha256([]byte("control db salt"))
	session, err := DeriveSessionKeys(rootKey[:], controlSalt[:], 0)
	require.NoError(t, err)

	dbKey := []byte{0, 0, 0, 1}
	env, err := SealEnvelope(dbKey, []byte("k"), []byte("v"), session.DecryptPubKey(), session.MacKey)
	require.NoError(t, err)

	wrongDbKey := []byte{0, 0, 0, 2}
	_, _, err = OpenEnvelope(env, wrongDbKey, session)
	require.Error(t, err)

	var cryptoErr Error
	require.ErrorAs(t, err, &cryptoErr)
	require.Equal(t, ErrMacMismatch, cryptoErr.ErrorCode)
}

func TestEnvelopeRejectsWrongSession(t *testing.T) {
	rootKey := Sha256([]byte("wallet root entropy"))
	controlSalt := Sha256([]byte("control db salt"))
	session0, err := DeriveSessionKeys(rootKey[:], controlSalt[:], 0)
	require.NoError(t, err)
	session1, err := DeriveSessionKeys(rootKey[:], controlSalt[:], 1)
	require.NoError(t, err)

	dbKey := []byte{0, 0, 0, 3}
	env, err := SealEnvelope(dbKey, []byte("k"), []byte("v"), session0.DecryptPubKey(), session0.MacKey)
	require.NoError(t, err)

	_, _, err = OpenEnvelope(env, dbKey, session1)
	require.Error(t, err)
}

func TestDeriveSessionKeysDiffersByCounter(t *testing.T) {
	rootKey := Sha256([]byte("wallet root entropy"))
	controlSalt := Sha256([]byte("control db salt"))

	s0, err := DeriveSessionKeys(rootKey[:], controlSalt[:], 0)
	require.NoError(t, err)
	s1, err := DeriveSessionKeys(rootKey[:], controlSalt[:], 1)
	require.NoError(t, err)

	require.NotEqual(t, s0.MacKey, s1.MacKey)
	require.NotEqual(t,
		SerializeCompressed(s0.DecryptPubKey()),
		SerializeCompressed(s1.DecryptPubKey()),
	)
}
