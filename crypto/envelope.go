package crypto

import (
	"encoding/binary"
)

// SessionKeys is a single (decryption private key, MAC key) pair produced by
// the key-cycling HMAC chain. Every record ever written or read under a
// given key-cycle counter uses the same pair.
type SessionKeys struct {
	// DecryptPrivKey is this session's static EC private key. Envelopes
	// addressed to DecryptPubKey are opened by ECDH-ing the envelope's
	// ephemeral public key against this scalar.
	DecryptPrivKey *PrivateKey

	// MacKey authenticates every envelope written or read under this
	// session.
	MacKey [32]byte
}

// DecryptPubKey returns the compressed public key envelopes should be
// addressed to under this session.
func (s SessionKeys) DecryptPubKey() *PublicKey {
	return ScalarBaseMultiply(s.DecryptPrivKey)
}

// DeriveSessionKeys derives the session keypair for key-cycle counter from
// rootKey and controlSalt. Counter 0 is the first session a freshly created
// record store uses; loadAllEntries-style recovery replays this derivation
// once per key-cycle marker encountered while scanning the store.
//
// The derivation is a two-stage HMAC chain: rootKey is first salted with
// controlSalt (HMAC-SHA256), then each counter value HMAC-SHA512s the salted
// root under a 4-byte big-endian key. The first 32 bytes of that HMAC become
// the session's decryption private key; the second 32 become its MAC key.
func DeriveSessionKeys(rootKey, controlSalt []byte, counter uint32) (SessionKeys, error) {
	saltedRoot := HMACSHA256(controlSalt, rootKey)

	var counterKey [4]byte
	binary.BigEndian.PutUint32(counterKey[:], counter)
	hmacVal := HMACSHA512(counterKey[:], saltedRoot[:])

	decrPrivBytes := hmacVal[:32]
	var macKey [32]byte
	copy(macKey[:], hmacVal[32:])

	if err := CheckPrivateKey(decrPrivBytes); err != nil {
		return SessionKeys{}, newError(ErrKDFFailure, "derived decryption key is invalid", err)
	}
	priv := PrivateKeyFromBytes(decrPrivBytes)

	return SessionKeys{DecryptPrivKey: priv, MacKey: macKey}, nil
}

// Envelope is a sealed, self-authenticating record ready to be written to
// the physical store: an ephemeral public key, an IV, and a ciphertext. Its
// wire layout is localPubKey(33) || iv(16) || ciphertext.
type Envelope []byte

// SealEnvelope authenticates and encrypts (dataKey, dataVal) for storage
// under dbKey, addressed to the session whose public key is decryptPubKey.
//
// The payload is HMAC-SHA256'd together with dbKey so that a sealed envelope
// can never be replayed under a different database slot without detection,
// then the hmac-prefixed payload is AES-CBC encrypted under a one-time key
// derived by ECDH-ing a fresh ephemeral key against decryptPubKey. This
// mirrors an integrated encryption scheme: the ephemeral public key travels
// in the clear alongside the ciphertext and the recipient recovers the same
// AES key by multiplying it with their own decryption private key.
func SealEnvelope(dbKey, dataKey, dataVal []byte, decryptPubKey *PublicKey, macKey [32]byte) (Envelope, error) {
	payload := encodeLengthPrefixed(dataKey, dataVal)

	hmacInput := append(append([]byte{}, payload...), dbKey...)
	hmac := HMACSHA256(macKey[:], hmacInput)

	plainBlob := append(append([]byte{}, hmac[:]...), payload...)

	localPriv, err := NewPrivateKey()
	if err != nil {
		return nil, err
	}
	localPub := SerializeCompressed(ScalarBaseMultiply(localPriv))

	ecdhPoint := ScalarMultiply(decryptPubKey, localPriv)
	encrKey := Hash256(SerializeCompressed(ecdhPoint))

	iv := NewIV()
	ciphertext, err := EncryptCBC(encrKey[:], iv[:], plainBlob)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 0, len(localPub)+IVSize+len(ciphertext))
	packet = append(packet, localPub...)
	packet = append(packet, iv[:]...)
	packet = append(packet, ciphertext...)
	return Envelope(packet), nil
}

// OpenEnvelope authenticates and decrypts env, which was sealed under dbKey,
// returning the original (dataKey, dataVal) pair. It fails with
// ErrMacMismatch when the decrypted payload's HMAC does not match, which is
// how an envelope moved to a different dbKey is caught. An envelope whose
// ciphertext was tampered with or that was sealed under a different
// session's keys usually fails earlier, while decrypting or parsing, with
// ErrEnvelopeCorruption.
func OpenEnvelope(env Envelope, dbKey []byte, session SessionKeys) (dataKey, dataVal []byte, err error) {
	if len(env) < 33+IVSize {
		return nil, nil, newError(ErrEnvelopeCorruption, "envelope too short", nil)
	}

	localPub, parseErr := ParseCompressedPubKey(env[:33])
	if parseErr != nil {
		return nil, nil, newError(ErrEnvelopeCorruption, "invalid ephemeral public key", parseErr)
	}
	iv := env[33 : 33+IVSize]
	ciphertext := env[33+IVSize:]

	ecdhPoint := ScalarMultiply(localPub, session.DecryptPrivKey)
	decrKey := Hash256(SerializeCompressed(ecdhPoint))

	plainBlob, decErr := DecryptCBC(decrKey[:], iv, ciphertext)
	if decErr != nil {
		return nil, nil, decErr
	}
	if len(plainBlob) < 32 {
		return nil, nil, newError(ErrEnvelopeCorruption, "decrypted blob too short", nil)
	}

	hmac := plainBlob[:32]
	payload := plainBlob[32:]

	dataKey, dataVal, decodeErr := decodeLengthPrefixed(payload)
	if decodeErr != nil {
		return nil, nil, decodeErr
	}

	hmacInput := append(append([]byte{}, payload...), dbKey...)
	computedHmac := HMACSHA256(session.MacKey[:], hmacInput)
	if !constantTimeEqual(computedHmac[:], hmac) {
		return nil, nil, newError(ErrMacMismatch, "envelope authentication failed", nil)
	}

	return dataKey, dataVal, nil
}

func encodeLengthPrefixed(dataKey, dataVal []byte) []byte {
	buf := make([]byte, 0, len(dataKey)+len(dataVal)+20)
	buf = appendUvarint(buf, uint64(len(dataKey)))
	buf = append(buf, dataKey...)
	buf = appendUvarint(buf, uint64(len(dataVal)))
	buf = append(buf, dataVal...)
	return buf
}

func decodeLengthPrefixed(b []byte) (dataKey, dataVal []byte, err error) {
	keyLen, n, ok := readUvarint(b)
	if !ok {
		return nil, nil, newError(ErrEnvelopeCorruption, "truncated data-key length", nil)
	}
	b = b[n:]
	if uint64(len(b)) < keyLen {
		return nil, nil, newError(ErrEnvelopeCorruption, "truncated data key", nil)
	}
	dataKey, b = b[:keyLen], b[keyLen:]

	valLen, n, ok := readUvarint(b)
	if !ok {
		return nil, nil, newError(ErrEnvelopeCorruption, "truncated data-value length", nil)
	}
	b = b[n:]
	if uint64(len(b)) != valLen {
		return nil, nil, newError(ErrEnvelopeCorruption, "loose data entry", nil)
	}
	dataVal = b

	return dataKey, dataVal, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(b []byte) (v uint64, n int, ok bool) {
	v, n = binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, false
	}
	return v, n, true
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
