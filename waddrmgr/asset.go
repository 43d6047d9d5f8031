package waddrmgr

import (
	"encoding/binary"
	"fmt"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/ddc"
)

// AssetEntry is one key (or set of keys, for multisig) at a numbered
// position in an asset account's chain.
type AssetEntry interface {
	// Index returns this asset's position in its chain. RootIndex
	// identifies the account-root sentinel.
	Index() AssetIndex

	// HasPrivateKey reports whether a private-key slot has been
	// materialized for this asset (not merely whether it is derivable).
	HasPrivateKey() bool

	// PubKey returns the asset's compressed public key. For Multisig,
	// this is undefined; callers must use SubAssets instead.
	PubKey() []byte

	// PrivKeyDatum returns the asset's sealed private key, if
	// HasPrivateKey is true.
	PrivKeyDatum() (ddc.SealedPrivateKey, bool)

	// Serialize returns the asset's stable on-disk encoding.
	Serialize() []byte
}

// SingleAsset is a plain public key with an optional encrypted private
// key.
type SingleAsset struct {
	index      AssetIndex
	pubKey     []byte
	privSealed *ddc.SealedPrivateKey
}

// NewSingleAsset constructs a public-only asset entry.
func NewSingleAsset(index AssetIndex, pubKey []byte) *SingleAsset {
	return &SingleAsset{index: index, pubKey: append([]byte{}, pubKey...)}
}

// WithPrivateKey returns a copy of a carrying a sealed private key.
func (a *SingleAsset) WithPrivateKey(sealed ddc.SealedPrivateKey) *SingleAsset {
	copyOf := *a
	copyOf.privSealed = &sealed
	return &copyOf
}

func (a *SingleAsset) Index() AssetIndex   { return a.index }
func (a *SingleAsset) HasPrivateKey() bool { return a.privSealed != nil }
func (a *SingleAsset) PubKey() []byte      { return a.pubKey }

func (a *SingleAsset) PrivKeyDatum() (ddc.SealedPrivateKey, bool) {
	if a.privSealed == nil {
		return ddc.SealedPrivateKey{}, false
	}
	return *a.privSealed, true
}

const (
	assetTagSingle    byte = 0x01
	assetTagBIP32Root byte = 0x02
	assetTagMultisig  byte = 0x03
)

func (a *SingleAsset) Serialize() []byte {
	buf := []byte{assetTagSingle}
	buf = appendVarBytes(buf, a.pubKey)
	if a.privSealed != nil {
		buf = append(buf, 1)
		buf = appendSealedPrivateKey(buf, *a.privSealed)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// BIP32RootAsset is the account-root asset for BIP32-family schemes: a
// Single plus the extended-key metadata needed to derive further without
// consulting the seed.
type BIP32RootAsset struct {
	SingleAsset
	ChainCode         [32]byte
	Depth             uint8
	LeafIndex         uint32
	ParentFingerprint [4]byte
	SeedFingerprint   [4]byte
	DerivationPath    []uint32
}

// NewBIP32RootAsset constructs a BIP32 account-root asset.
func NewBIP32RootAsset(pubKey []byte, chainCode [32]byte, depth uint8, leafIndex uint32,
	parentFP, seedFP [4]byte, path []uint32) *BIP32RootAsset {
	return &BIP32RootAsset{
		SingleAsset:       SingleAsset{index: RootIndex, pubKey: append([]byte{}, pubKey...)},
		ChainCode:         chainCode,
		Depth:             depth,
		LeafIndex:         leafIndex,
		ParentFingerprint: parentFP,
		SeedFingerprint:   seedFP,
		DerivationPath:    append([]uint32{}, path...),
	}
}

func (a *BIP32RootAsset) Serialize() []byte {
	buf := []byte{assetTagBIP32Root}
	buf = appendVarBytes(buf, a.pubKey)
	if a.privSealed != nil {
		buf = append(buf, 1)
		buf = appendSealedPrivateKey(buf, *a.privSealed)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, a.ChainCode[:]...)
	buf = append(buf, a.Depth)
	buf = appendUint32(buf, a.LeafIndex)
	buf = append(buf, a.ParentFingerprint[:]...)
	buf = append(buf, a.SeedFingerprint[:]...)
	buf = appendUint32(buf, uint32(len(a.DerivationPath)))
	for _, step := range a.DerivationPath {
		buf = appendUint32(buf, step)
	}
	return buf
}

// MultisigAsset is an M-of-N asset whose stack slots are each filled by one
// of N independently derived Single sub-assets.
type MultisigAsset struct {
	index     AssetIndex
	m, n      int
	subAssets []*SingleAsset
}

// NewMultisigAsset constructs an M-of-N multisig asset from its ordered
// sub-assets. len(subAssets) must equal n.
func NewMultisigAsset(index AssetIndex, m, n int, subAssets []*SingleAsset) (*MultisigAsset, error) {
	if len(subAssets) != n {
		return nil, fmt.Errorf("waddrmgr: multisig asset needs %d sub-assets, got %d", n, len(subAssets))
	}
	return &MultisigAsset{index: index, m: m, n: n, subAssets: subAssets}, nil
}

func (a *MultisigAsset) Index() AssetIndex { return a.index }
func (a *MultisigAsset) M() int            { return a.m }
func (a *MultisigAsset) N() int            { return a.n }
func (a *MultisigAsset) SubAssets() []*SingleAsset {
	return a.subAssets
}

func (a *MultisigAsset) HasPrivateKey() bool {
	for _, sub := range a.subAssets {
		if sub.HasPrivateKey() {
			return true
		}
	}
	return false
}

// PubKey is unsupported for multisig assets; use SubAssets.
func (a *MultisigAsset) PubKey() []byte { return nil }

func (a *MultisigAsset) PrivKeyDatum() (ddc.SealedPrivateKey, bool) {
	return ddc.SealedPrivateKey{}, false
}

func (a *MultisigAsset) Serialize() []byte {
	buf := []byte{assetTagMultisig, byte(a.m), byte(a.n)}
	for _, sub := range a.subAssets {
		sub := sub.Serialize()
		buf = appendVarBytes(buf, sub)
	}
	return buf
}

func appendVarBytes(buf, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// readVarBytes reads a length-prefixed byte string starting at buf[0] and
// returns it along with the unconsumed remainder of buf.
func readVarBytes(buf []byte) (value, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated value: want %d bytes, have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("truncated uint32")
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], nil
}

func readSealedPrivateKey(buf []byte) (ddc.SealedPrivateKey, []byte, error) {
	if len(buf) < 20+20+20+16 {
		return ddc.SealedPrivateKey{}, nil, fmt.Errorf("truncated sealed private key")
	}
	var sealed ddc.SealedPrivateKey
	copy(sealed.ID[:], buf[:20])
	buf = buf[20:]
	copy(sealed.Datum.EncryptionKeyID[:], buf[:20])
	buf = buf[20:]
	copy(sealed.Datum.KDFID[:], buf[:20])
	buf = buf[20:]
	copy(sealed.Datum.IV[:], buf[:16])
	buf = buf[16:]
	ciphertext, rest, err := readVarBytes(buf)
	if err != nil {
		return ddc.SealedPrivateKey{}, nil, err
	}
	sealed.Datum.Ciphertext = append([]byte{}, ciphertext...)
	return sealed, rest, nil
}

// deserializeSingleAsset parses a Single asset record at the given index.
func deserializeSingleAsset(index AssetIndex, b []byte) (*SingleAsset, error) {
	if len(b) < 1 || b[0] != assetTagSingle {
		return nil, fmt.Errorf("not a single-asset record")
	}
	buf := b[1:]
	pubKey, buf, err := readVarBytes(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < 1 {
		return nil, fmt.Errorf("truncated private-key flag")
	}
	hasPriv := buf[0] != 0
	buf = buf[1:]

	asset := NewSingleAsset(index, pubKey)
	if hasPriv {
		sealed, _, err := readSealedPrivateKey(buf)
		if err != nil {
			return nil, err
		}
		asset = asset.WithPrivateKey(sealed)
	}
	return asset, nil
}

// deserializeBIP32RootAsset parses a BIP32 account-root record. Its index
// is always RootIndex.
func deserializeBIP32RootAsset(b []byte) (*BIP32RootAsset, error) {
	if len(b) < 1 || b[0] != assetTagBIP32Root {
		return nil, fmt.Errorf("not a bip32-root asset record")
	}
	buf := b[1:]
	pubKey, buf, err := readVarBytes(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < 1 {
		return nil, fmt.Errorf("truncated private-key flag")
	}
	hasPriv := buf[0] != 0
	buf = buf[1:]

	var sealed ddc.SealedPrivateKey
	if hasPriv {
		sealed, buf, err = readSealedPrivateKey(buf)
		if err != nil {
			return nil, err
		}
	}

	if len(buf) < 32+1+4+4+4 {
		return nil, fmt.Errorf("truncated bip32-root metadata")
	}
	var chainCode [32]byte
	copy(chainCode[:], buf[:32])
	buf = buf[32:]
	depth := buf[0]
	buf = buf[1:]
	leafIndex, buf, err := readUint32(buf)
	if err != nil {
		return nil, err
	}
	var parentFP, seedFP [4]byte
	copy(parentFP[:], buf[:4])
	buf = buf[4:]
	copy(seedFP[:], buf[:4])
	buf = buf[4:]

	pathLen, buf, err := readUint32(buf)
	if err != nil {
		return nil, err
	}
	path := make([]uint32, pathLen)
	for i := range path {
		path[i], buf, err = readUint32(buf)
		if err != nil {
			return nil, err
		}
	}

	root := NewBIP32RootAsset(pubKey, chainCode, depth, leafIndex, parentFP, seedFP, path)
	if hasPriv {
		root.SingleAsset = *root.SingleAsset.WithPrivateKey(sealed)
	}
	return root, nil
}

// deserializeMultisigAsset parses a Multisig asset record at the given
// index.
func deserializeMultisigAsset(index AssetIndex, b []byte) (*MultisigAsset, error) {
	if len(b) < 3 || b[0] != assetTagMultisig {
		return nil, fmt.Errorf("not a multisig asset record")
	}
	m, n := int(b[1]), int(b[2])
	buf := b[3:]

	subs := make([]*SingleAsset, 0, n)
	for len(buf) > 0 {
		subBytes, rest, err := readVarBytes(buf)
		if err != nil {
			return nil, err
		}
		sub, err := deserializeSingleAsset(index, subBytes)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
		buf = rest
	}
	return NewMultisigAsset(index, m, n, subs)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendSealedPrivateKey(buf []byte, sealed ddc.SealedPrivateKey) []byte {
	buf = append(buf, sealed.ID[:]...)
	buf = append(buf, sealed.Datum.EncryptionKeyID[:]...)
	buf = append(buf, sealed.Datum.KDFID[:]...)
	buf = append(buf, sealed.Datum.IV[:]...)
	buf = appendVarBytes(buf, sealed.Datum.Ciphertext)
	return buf
}

// sealPrivateKeyFor encrypts priv under the encryption key identified by
// encryptionKeyID/kdfID via a fresh container lock the caller is already
// holding, and assigns assetID as the sealed key's identity.
func sealPrivateKeyFor(c *ddc.Container, assetID [20]byte, encryptionKeyID, kdfID [20]byte, priv []byte) (ddc.SealedPrivateKey, error) {
	aesKey, err := c.DeriveForSeal(encryptionKeyID, kdfID)
	if err != nil {
		return ddc.SealedPrivateKey{}, err
	}
	iv := crypto.NewIV()
	ciphertext, err := crypto.EncryptCBC(aesKey, iv[:], priv)
	if err != nil {
		return ddc.SealedPrivateKey{}, err
	}
	return ddc.SealedPrivateKey{
		ID: assetID,
		Datum: ddc.EncryptedDatum{
			EncryptionKeyID: encryptionKeyID,
			KDFID:           kdfID,
			IV:              iv,
			Ciphertext:      ciphertext,
		},
	}, nil
}
