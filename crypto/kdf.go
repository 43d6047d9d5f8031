package crypto

import (
	"golang.org/x/crypto/scrypt"

	"github.com/coldkeep/hdwallet/internal/prng"
)

// KDFSpec holds the parameters of a single memory-hard key derivation. A
// wallet file can carry more than one KDFSpec (for example, a fast one used
// when the wallet is first created and a slower one installed later by a
// passphrase rotation), so every derived key is identified by the Hash160 of
// its serialized parameters rather than by position.
type KDFSpec struct {
	// Salt is mixed into every derivation performed under this spec.
	Salt []byte

	// N, R, P are the scrypt cost parameters (CPU/memory cost, block
	// size, and parallelization, respectively).
	N, R, P int

	// KeyLen is the length in bytes of the derived key.
	KeyLen int
}

// DefaultKDFSpec mirrors the cost parameters a freshly created wallet is
// expected to use: expensive enough to slow down an offline brute-force
// attempt on the passphrase, cheap enough for an interactive unlock.
func DefaultKDFSpec() (KDFSpec, error) {
	salt := prng.Bytes(32)
	return KDFSpec{
		Salt:   salt,
		N:      262144, // 2^18
		R:      8,
		P:      1,
		KeyLen: 32,
	}, nil
}

// FastKDFSpec trades security for speed and exists only for tests.
func FastKDFSpec() (KDFSpec, error) {
	salt := prng.Bytes(32)
	return KDFSpec{
		Salt:   salt,
		N:      16,
		R:      8,
		P:      1,
		KeyLen: 32,
	}, nil
}

// ID returns the Hash160 of the spec's serialized parameters. It uniquely
// identifies which KDFSpec produced a given derived key without exposing the
// passphrase or the derived key itself.
func (s KDFSpec) ID() [20]byte {
	return Hash160(s.serialize())
}

func (s KDFSpec) serialize() []byte {
	buf := make([]byte, 0, len(s.Salt)+16)
	buf = append(buf, s.Salt...)
	buf = appendUint32(buf, uint32(s.N))
	buf = appendUint32(buf, uint32(s.R))
	buf = appendUint32(buf, uint32(s.P))
	buf = appendUint32(buf, uint32(s.KeyLen))
	return buf
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Derive runs scrypt over passphrase under s, returning a key of s.KeyLen
// bytes. The caller is responsible for zeroing passphrase and the returned
// key once they are no longer needed.
func (s KDFSpec) Derive(passphrase []byte) ([]byte, error) {
	key, err := scrypt.Key(passphrase, s.Salt, s.N, s.R, s.P, s.KeyLen)
	if err != nil {
		return nil, newError(ErrKDFFailure, "scrypt derivation failed", err)
	}
	return key, nil
}
