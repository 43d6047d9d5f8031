package crypto

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/coldkeep/hdwallet/internal/prng"
)

// PrivateKey wraps a secp256k1 scalar.
type PrivateKey = secp256k1.PrivateKey

// PublicKey wraps a secp256k1 curve point.
type PublicKey = secp256k1.PublicKey

// NewPrivateKey draws a fresh, uniformly random private key from the
// process-wide PRNG.
func NewPrivateKey() (*PrivateKey, error) {
	for {
		buf := prng.Bytes(32)
		priv := secp256k1.PrivKeyFromBytes(buf)
		if err := CheckPrivateKey(priv.Serialize()); err != nil {
			continue
		}
		return priv, nil
	}
}

// CheckPrivateKey verifies that b is a valid secp256k1 scalar: 32 bytes,
// nonzero, and less than the group order.
func CheckPrivateKey(b []byte) error {
	if len(b) != 32 {
		return newError(ErrInvalidKey, "private key must be 32 bytes", nil)
	}
	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(b)
	if overflow || scalar.IsZero() {
		return newError(ErrInvalidKey, "private key out of range", nil)
	}
	return nil
}

// PrivateKeyFromBytes constructs a private key directly from a 32-byte
// scalar already known to be in range, such as one produced by a
// deterministic HMAC-chain derivation.
func PrivateKeyFromBytes(b []byte) *PrivateKey {
	return secp256k1.PrivKeyFromBytes(b)
}

// ParseCompressedPubKey decodes a 33-byte compressed secp256k1 public key.
func ParseCompressedPubKey(b []byte) (*PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, newError(ErrInvalidKey, "invalid compressed public key", err)
	}
	return pub, nil
}

// SerializeCompressed returns the 33-byte compressed encoding of pub.
func SerializeCompressed(pub *PublicKey) []byte {
	return pub.SerializeCompressed()
}

// Sign produces a low-S-normalized DER signature over msgHash with priv.
func Sign(priv *PrivateKey, msgHash []byte) ([]byte, error) {
	if len(msgHash) != 32 {
		return nil, newError(ErrSignatureFailure, "message hash must be 32 bytes", nil)
	}
	sig := ecdsa.Sign(priv, msgHash)
	return sig.Serialize(), nil
}

// Verify checks a DER signature over msgHash against pub.
func Verify(pub *PublicKey, msgHash, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(msgHash, pub)
}

// ScalarMultiply computes scalar*pub and returns the resulting point. It
// backs the ECDH shared-secret computation of SealEnvelope/OpenEnvelope and
// the legacy derivation scheme's public chain. The ECDH derivation scheme
// does not use it: root_pub + G*salt takes the G*salt term from
// ScalarBaseMultiply below and adds the two points with AddPublicKeys.
func ScalarMultiply(pub *PublicKey, scalar *PrivateKey) *PublicKey {
	var pubJacobian, result secp256k1.JacobianPoint
	pub.AsJacobian(&pubJacobian)

	secp256k1.ScalarMultNonConst(&scalar.Key, &pubJacobian, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// ScalarBaseMultiply computes scalar*G.
func ScalarBaseMultiply(scalar *PrivateKey) *PublicKey {
	return scalar.PubKey()
}

// AddPublicKeys returns the curve point p1+p2.
func AddPublicKeys(p1, p2 *PublicKey) *PublicKey {
	var j1, j2, sum secp256k1.JacobianPoint
	p1.AsJacobian(&j1)
	p2.AsJacobian(&j2)
	secp256k1.AddNonConst(&j1, &j2, &sum)
	sum.ToAffine()
	return secp256k1.NewPublicKey(&sum.X, &sum.Y)
}

// AddPrivateKeys returns the scalar sum s1+tweak mod N, used by the BIP32
// family of derivation schemes to tweak a parent private key into a child
// private key.
func AddPrivateKeys(s1 *PrivateKey, tweak []byte) (*PrivateKey, error) {
	sum := new(secp256k1.ModNScalar)
	if overflow := sum.SetByteSlice(tweak); overflow {
		return nil, newError(ErrInvalidKey, "tweak out of range", nil)
	}
	sum.Add(&s1.Key)
	if sum.IsZero() {
		return nil, newError(ErrInvalidKey, "derived private key is zero", nil)
	}
	return &secp256k1.PrivateKey{Key: *sum}, nil
}

// MultiplyPrivateKeys returns the scalar product s1*factor mod N, used by
// the legacy chain-code derivation scheme to chain a parent private key
// into the next private key in the sequence.
func MultiplyPrivateKeys(s1 *PrivateKey, factor []byte) (*PrivateKey, error) {
	f := new(secp256k1.ModNScalar)
	if overflow := f.SetByteSlice(factor); overflow {
		return nil, newError(ErrInvalidKey, "chain code out of range", nil)
	}
	if f.IsZero() {
		return nil, newError(ErrInvalidKey, "chain code is zero", nil)
	}
	f.Mul(&s1.Key)
	if f.IsZero() {
		return nil, newError(ErrInvalidKey, "derived private key is zero", nil)
	}
	return &secp256k1.PrivateKey{Key: *f}, nil
}
