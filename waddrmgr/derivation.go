package waddrmgr

import (
	"encoding/binary"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/ddc"
)

// DerivationScheme generates new assets in a chain. Every scheme can
// extend a public-only chain; extending a private chain additionally
// requires an open DDC lock and seals each new private key under the
// caller's chosen encryption key.
type DerivationScheme interface {
	// Name identifies the scheme for persistence.
	Name() string

	// ExtendPublic derives assets for every index in [startIndex,
	// endIndex], inclusive, given the asset this scheme chains from:
	// the immediately preceding asset for Legacy, or the account root
	// for BIP32, BIP32-salted and ECDH.
	ExtendPublic(start AssetEntry, startIndex, endIndex AssetIndex) ([]AssetEntry, error)

	// ExtendPrivate is the private-key analogue of ExtendPublic. start
	// must already carry a usable private key (the caller is
	// responsible for walking back to the nearest private ancestor
	// first); every returned asset's private key is sealed under
	// (encryptionKeyID, kdfID).
	ExtendPrivate(c *ddc.Container, start AssetEntry, startIndex, endIndex AssetIndex,
		encryptionKeyID, kdfID [20]byte) ([]AssetEntry, error)
}

func ser32(i uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], i)
	return b[:]
}

// decryptStartPrivate returns the plaintext private key for start, which
// must carry a sealed private key.
func decryptStartPrivate(c *ddc.Container, start AssetEntry) ([]byte, error) {
	sealed, ok := start.PrivKeyDatum()
	if !ok {
		return nil, managerError(ErrEncryptedDataMissing, "start asset has no private key to extend from", nil)
	}
	plain, err := c.GetPrivateKey(sealed)
	if err != nil {
		return nil, managerError(ErrEncryptedDataMissing, "decrypting start asset's private key", err)
	}
	return plain, nil
}

// --- Legacy chain-code scheme -----------------------------------------

// LegacyScheme chains each entry from the one before it by scalar
// multiplication with a fixed chain code, the pre-BIP32 Armory wallet
// scheme. It has no notion of an account root beyond the first asset in
// the chain.
type LegacyScheme struct {
	ChainCode [32]byte
}

func (s *LegacyScheme) Name() string { return "legacy" }

func (s *LegacyScheme) ExtendPublic(start AssetEntry, startIndex, endIndex AssetIndex) ([]AssetEntry, error) {
	prevPub, err := crypto.ParseCompressedPubKey(start.PubKey())
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "legacy scheme: invalid starting public key", err)
	}

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		nextPriv := crypto.PrivateKeyFromBytes(s.ChainCode[:])
		nextPub := crypto.ScalarMultiply(prevPub, nextPriv)
		out = append(out, NewSingleAsset(i, crypto.SerializeCompressed(nextPub)))
		prevPub = nextPub
	}
	return out, nil
}

func (s *LegacyScheme) ExtendPrivate(c *ddc.Container, start AssetEntry, startIndex, endIndex AssetIndex,
	encryptionKeyID, kdfID [20]byte) ([]AssetEntry, error) {

	prevPrivBytes, err := decryptStartPrivate(c, start)
	if err != nil {
		return nil, err
	}
	prevPriv := crypto.PrivateKeyFromBytes(prevPrivBytes)

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		nextPriv, err := crypto.MultiplyPrivateKeys(prevPriv, s.ChainCode[:])
		if err != nil {
			return nil, managerError(ErrInvariantViolation, "legacy scheme: chained private key derivation failed", err)
		}
		nextPub := crypto.ScalarBaseMultiply(nextPriv)

		sealed, err := sealPrivateKeyFor(c, assetIDFor(i), encryptionKeyID, kdfID, nextPriv.Serialize())
		if err != nil {
			return nil, err
		}
		asset := NewSingleAsset(i, crypto.SerializeCompressed(nextPub)).WithPrivateKey(sealed)
		out = append(out, asset)
		prevPriv = nextPriv
	}
	return out, nil
}

// --- BIP32 scheme -------------------------------------------------------

// BIP32Scheme derives every child non-hardened, directly from the
// account root, following BIP32 CKDpub/CKDpriv.
type BIP32Scheme struct{}

func (s *BIP32Scheme) Name() string { return "bip32" }

func ckdPub(parentPub *crypto.PublicKey, chainCode []byte, index uint32) (*crypto.PublicKey, []byte, error) {
	data := append(append([]byte{}, crypto.SerializeCompressed(parentPub)...), ser32(index)...)
	i := crypto.HMACSHA512(chainCode, data)
	il, ir := i[:32], i[32:]

	if err := crypto.CheckPrivateKey(il); err != nil {
		return nil, nil, managerError(ErrInvariantViolation, "bip32: invalid intermediate key, index must be re-tried", err)
	}
	tweak := crypto.PrivateKeyFromBytes(il)
	childPub := crypto.AddPublicKeys(crypto.ScalarBaseMultiply(tweak), parentPub)
	return childPub, ir, nil
}

func ckdPriv(parentPriv *crypto.PrivateKey, chainCode []byte, index uint32) (*crypto.PrivateKey, []byte, error) {
	parentPub := crypto.ScalarBaseMultiply(parentPriv)
	data := append(append([]byte{}, crypto.SerializeCompressed(parentPub)...), ser32(index)...)
	i := crypto.HMACSHA512(chainCode, data)
	il, ir := i[:32], i[32:]

	childPriv, err := crypto.AddPrivateKeys(parentPriv, il)
	if err != nil {
		return nil, nil, managerError(ErrInvariantViolation, "bip32: invalid child private key, index must be re-tried", err)
	}
	return childPriv, ir, nil
}

func rootOf(start AssetEntry) (*BIP32RootAsset, error) {
	root, ok := start.(*BIP32RootAsset)
	if !ok {
		return nil, managerError(ErrWrongDerivationScheme, "bip32 schemes derive from a BIP32 account root asset", nil)
	}
	return root, nil
}

func (s *BIP32Scheme) ExtendPublic(start AssetEntry, startIndex, endIndex AssetIndex) ([]AssetEntry, error) {
	root, err := rootOf(start)
	if err != nil {
		return nil, err
	}
	rootPub, err := crypto.ParseCompressedPubKey(root.PubKey())
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "bip32 scheme: invalid root public key", err)
	}

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		childPub, _, err := ckdPub(rootPub, root.ChainCode[:], uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, NewSingleAsset(i, crypto.SerializeCompressed(childPub)))
	}
	return out, nil
}

func (s *BIP32Scheme) ExtendPrivate(c *ddc.Container, start AssetEntry, startIndex, endIndex AssetIndex,
	encryptionKeyID, kdfID [20]byte) ([]AssetEntry, error) {
	root, err := rootOf(start)
	if err != nil {
		return nil, err
	}
	rootPrivBytes, err := decryptStartPrivate(c, root)
	if err != nil {
		return nil, err
	}
	rootPriv := crypto.PrivateKeyFromBytes(rootPrivBytes)

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		childPriv, _, err := ckdPriv(rootPriv, root.ChainCode[:], uint32(i))
		if err != nil {
			return nil, err
		}
		childPub := crypto.ScalarBaseMultiply(childPriv)

		sealed, err := sealPrivateKeyFor(c, assetIDFor(i), encryptionKeyID, kdfID, childPriv.Serialize())
		if err != nil {
			return nil, err
		}
		out = append(out, NewSingleAsset(i, crypto.SerializeCompressed(childPub)).WithPrivateKey(sealed))
	}
	return out, nil
}

// --- BIP32-salted scheme --------------------------------------------------

// BIP32SaltedScheme is BIP32Scheme with a fixed salt mixed into the chain
// code used at each derivation step, binding the chain to a secret the
// account root's chain code alone does not carry.
type BIP32SaltedScheme struct {
	Salt []byte
}

func (s *BIP32SaltedScheme) Name() string { return "bip32-salted" }

func (s *BIP32SaltedScheme) stepChainCode(pub *crypto.PublicKey) []byte {
	mixed := crypto.HMACSHA256(s.Salt, crypto.SerializeCompressed(pub))
	return mixed[:]
}

func (s *BIP32SaltedScheme) ExtendPublic(start AssetEntry, startIndex, endIndex AssetIndex) ([]AssetEntry, error) {
	root, err := rootOf(start)
	if err != nil {
		return nil, err
	}
	rootPub, err := crypto.ParseCompressedPubKey(root.PubKey())
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "bip32-salted scheme: invalid root public key", err)
	}

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		childPub, _, err := ckdPub(rootPub, s.stepChainCode(rootPub), uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, NewSingleAsset(i, crypto.SerializeCompressed(childPub)))
	}
	return out, nil
}

func (s *BIP32SaltedScheme) ExtendPrivate(c *ddc.Container, start AssetEntry, startIndex, endIndex AssetIndex,
	encryptionKeyID, kdfID [20]byte) ([]AssetEntry, error) {
	root, err := rootOf(start)
	if err != nil {
		return nil, err
	}
	rootPrivBytes, err := decryptStartPrivate(c, root)
	if err != nil {
		return nil, err
	}
	rootPriv := crypto.PrivateKeyFromBytes(rootPrivBytes)
	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		childPriv, _, err := ckdPriv(rootPriv, s.stepChainCode(rootPub), uint32(i))
		if err != nil {
			return nil, err
		}
		childPub := crypto.ScalarBaseMultiply(childPriv)

		sealed, err := sealPrivateKeyFor(c, assetIDFor(i), encryptionKeyID, kdfID, childPriv.Serialize())
		if err != nil {
			return nil, err
		}
		out = append(out, NewSingleAsset(i, crypto.SerializeCompressed(childPub)).WithPrivateKey(sealed))
	}
	return out, nil
}

// --- ECDH scheme ----------------------------------------------------------

// ECDHScheme derives pub_i = root_pub + G*salts[i] from a persistent,
// ordered salt table rather than hashing the parent key forward; the
// salt→index mapping, not a chain code, is what must be persisted.
type ECDHScheme struct {
	Salts [][]byte
}

// AddSalt appends a new salt to the table and returns its index, the
// position future ExtendPublic/ExtendPrivate calls will derive against.
func (s *ECDHScheme) AddSalt(salt []byte) AssetIndex {
	s.Salts = append(s.Salts, append([]byte{}, salt...))
	return AssetIndex(len(s.Salts) - 1)
}

func (s *ECDHScheme) Name() string { return "ecdh" }

func (s *ECDHScheme) saltFor(i AssetIndex) ([]byte, error) {
	if i < 0 || int(i) >= len(s.Salts) {
		return nil, managerError(ErrInvariantViolation, "ecdh scheme: no salt registered for index", nil)
	}
	return s.Salts[i], nil
}

func (s *ECDHScheme) ExtendPublic(start AssetEntry, startIndex, endIndex AssetIndex) ([]AssetEntry, error) {
	root, err := rootOf(start)
	if err != nil {
		return nil, err
	}
	rootPub, err := crypto.ParseCompressedPubKey(root.PubKey())
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "ecdh scheme: invalid root public key", err)
	}

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		salt, err := s.saltFor(i)
		if err != nil {
			return nil, err
		}
		saltScalar := crypto.PrivateKeyFromBytes(salt)
		childPub := crypto.AddPublicKeys(rootPub, crypto.ScalarBaseMultiply(saltScalar))
		out = append(out, NewSingleAsset(i, crypto.SerializeCompressed(childPub)))
	}
	return out, nil
}

func (s *ECDHScheme) ExtendPrivate(c *ddc.Container, start AssetEntry, startIndex, endIndex AssetIndex,
	encryptionKeyID, kdfID [20]byte) ([]AssetEntry, error) {
	root, err := rootOf(start)
	if err != nil {
		return nil, err
	}
	rootPrivBytes, err := decryptStartPrivate(c, root)
	if err != nil {
		return nil, err
	}
	rootPriv := crypto.PrivateKeyFromBytes(rootPrivBytes)

	out := make([]AssetEntry, 0, int(endIndex-startIndex)+1)
	for i := startIndex; i <= endIndex; i++ {
		salt, err := s.saltFor(i)
		if err != nil {
			return nil, err
		}
		childPriv, err := crypto.AddPrivateKeys(rootPriv, salt)
		if err != nil {
			return nil, managerError(ErrInvariantViolation, "ecdh scheme: derived private key is invalid", err)
		}
		childPub := crypto.ScalarBaseMultiply(childPriv)

		sealed, err := sealPrivateKeyFor(c, assetIDFor(i), encryptionKeyID, kdfID, childPriv.Serialize())
		if err != nil {
			return nil, err
		}
		out = append(out, NewSingleAsset(i, crypto.SerializeCompressed(childPub)).WithPrivateKey(sealed))
	}
	return out, nil
}

// assetIDFor derives a sealed-private-key identity from an asset index
// alone; callers that need it bound to a specific account compose it with
// their own full asset ID instead.
func assetIDFor(i AssetIndex) [20]byte {
	var id [20]byte
	binary.BigEndian.PutUint64(id[12:], uint64(int64(i)))
	return id
}
