package waddrmgr

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/ddc"
	"github.com/coldkeep/hdwallet/walletdb"
)

// AccountVariant selects which derivation scheme family an AddressAccount
// is built around.
type AccountVariant int

const (
	VariantLegacy AccountVariant = iota
	VariantBIP32
	VariantBIP32Salted
	VariantECDH
)

// AccountConfig describes the parameters MakeNewAddressAccount needs to build a fresh
// address account: the permitted address types, the default among them,
// and the path/flags folded into the account-ID hash.
type AccountConfig struct {
	Variant            AccountVariant
	SoftDerivationPath []uint32
	AddressTypes       []uint32
	DefaultType        uint32
	IsMainAccount      bool

	// Used only by VariantBIP32Salted.
	Salt []byte

	EncryptionKeyID [20]byte
	KDFID           [20]byte
}

// AddressAccount groups an outer (receiving) and inner (change) asset
// account under one set of permitted address types, plus the override
// table and hash index that let external code map a script hash back to
// the asset that generated it.
type AddressAccount struct {
	mu sync.Mutex

	id    AddressAccountID
	outer *AssetAccount
	inner *AssetAccount

	addressTypes []uint32
	defaultType  uint32

	// typeOverrides holds assetID -> addressType only for assets
	// instantiated with a non-default type.
	typeOverrides map[FullAssetID]uint32

	hash160Index map[string]assetIDAndType
}

type assetIDAndType struct {
	id     FullAssetID
	aeType uint32
}

// deriveAddressAccountID computes the account ID per the BIP32-family
// formula: first 4 bytes of Hash160(publicRoot || softDerivationPath ||
// outerID || innerID || addressTypes || defaultType || mainFlag).
func deriveAddressAccountID(publicRoot []byte, cfg AccountConfig, outerID, innerID AssetAccountID) AddressAccountID {
	buf := append([]byte{}, publicRoot...)
	for _, step := range cfg.SoftDerivationPath {
		buf = appendUint32(buf, step)
	}
	buf = append(buf, outerID[:]...)
	buf = append(buf, innerID[:]...)
	for _, t := range cfg.AddressTypes {
		buf = appendUint32(buf, t)
	}
	buf = appendUint32(buf, cfg.DefaultType)
	if cfg.IsMainAccount {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	h := crypto.Hash160(buf)
	var id AddressAccountID
	copy(id[:], h[:4])
	return id
}

func schemeFor(cfg AccountConfig, chainCode [32]byte) DerivationScheme {
	switch cfg.Variant {
	case VariantLegacy:
		return &LegacyScheme{ChainCode: chainCode}
	case VariantBIP32Salted:
		return &BIP32SaltedScheme{Salt: cfg.Salt}
	case VariantECDH:
		return &ECDHScheme{}
	default:
		return &BIP32Scheme{}
	}
}

// MakeNewAddressAccount dispatches by cfg.Variant to build the outer and
// inner asset accounts' root assets from rootPriv and registers the
// account under a collision-checked ID. existingIDs is consulted (along
// with the two reserved IDs) to detect a collision. The root assets it
// builds carry public keys only; c is not used.
func MakeNewAddressAccount(c *ddc.Container, cfg AccountConfig, rootPriv *crypto.PrivateKey, chainCode [32]byte,
	existingIDs map[AddressAccountID]bool) (*AddressAccount, error) {

	rootPub := crypto.ScalarBaseMultiply(rootPriv)

	outerTweak := crypto.HMACSHA256([]byte("outer"), chainCode[:])
	outerPriv, err := crypto.AddPrivateKeys(rootPriv, outerTweak[:])
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "deriving outer root", err)
	}
	innerTweak := crypto.HMACSHA256([]byte("inner"), chainCode[:])
	innerPriv, err := crypto.AddPrivateKeys(rootPriv, innerTweak[:])
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "deriving inner root", err)
	}

	outerID := AssetAccountID{0, 0, 0, 0}
	innerID := AssetAccountID{0, 0, 0, 1}

	accountID := deriveAddressAccountID(crypto.SerializeCompressed(rootPub), cfg, outerID, innerID)
	if accountID.IsReserved() || existingIDs[accountID] {
		return nil, managerError(ErrAccountIDCollision, "generated address-account id collides with a reserved or existing id", nil)
	}

	outerScheme := schemeFor(cfg, chainCode)
	innerScheme := schemeFor(cfg, chainCode)

	outerRoot, err := rootAssetFor(cfg.Variant, outerPriv, chainCode)
	if err != nil {
		return nil, err
	}
	innerRoot, err := rootAssetFor(cfg.Variant, innerPriv, chainCode)
	if err != nil {
		return nil, err
	}

	if cfg.Variant == VariantECDH {
		// Materialize the root itself as salt index 0 of its own table
		// so extendPublic has something to start counting from.
		ecdhRootSalt := crypto.HMACSHA256([]byte("ecdh-root"), chainCode[:])
		outerScheme.(*ECDHScheme).AddSalt(ecdhRootSalt[:])
		innerScheme.(*ECDHScheme).AddSalt(ecdhRootSalt[:])
	}

	outer := NewAssetAccount(Full(accountID, outerID), outerScheme, outerRoot, cfg.EncryptionKeyID, cfg.KDFID)
	inner := NewAssetAccount(Full(accountID, innerID), innerScheme, innerRoot, cfg.EncryptionKeyID, cfg.KDFID)

	return &AddressAccount{
		id:            accountID,
		outer:         outer,
		inner:         inner,
		addressTypes:  append([]uint32{}, cfg.AddressTypes...),
		defaultType:   cfg.DefaultType,
		typeOverrides: make(map[FullAssetID]uint32),
		hash160Index:  make(map[string]assetIDAndType),
	}, nil
}

func rootAssetFor(variant AccountVariant, priv *crypto.PrivateKey, chainCode [32]byte) (AssetEntry, error) {
	return rootAssetForPubKey(variant, crypto.ScalarBaseMultiply(priv), chainCode), nil
}

// rootAssetForPubKey builds the same root asset rootAssetFor would, from an
// already-known public key rather than a private scalar. Loading an
// address account never needs the root's private key: GetNewAddress only
// derives public-chain assets. Neither this root nor the one rootAssetFor
// returns carries a sealed private key, so FillPrivateKey on an account
// built around it fails with ErrEncryptedDataMissing for any asset that
// does not already hold one (for Legacy, whose chain holds no earlier
// private asset either).
func rootAssetForPubKey(variant AccountVariant, pub *crypto.PublicKey, chainCode [32]byte) AssetEntry {
	pubBytes := crypto.SerializeCompressed(pub)

	switch variant {
	case VariantLegacy:
		return NewSingleAsset(RootIndex, pubBytes)
	default:
		return NewBIP32RootAsset(pubBytes, chainCode, 0, 0, [4]byte{}, [4]byte{}, nil)
	}
}

// outerInnerPubKeys derives the outer (receiving) and inner (change) root
// public keys from the address account's own root public key, the same
// tweak-and-add formula MakeNewAddressAccount applies to the private
// scalar. Deriving the tweak as a public-key addition means loading never
// needs rootPriv, matching LoadAssetAccount's own watch-capable contract.
func outerInnerPubKeys(rootPub *crypto.PublicKey, chainCode [32]byte) (outerPub, innerPub *crypto.PublicKey) {
	outerHMAC := crypto.HMACSHA256([]byte("outer"), chainCode[:])
	innerHMAC := crypto.HMACSHA256([]byte("inner"), chainCode[:])
	outerTweak := crypto.ScalarBaseMultiply(crypto.PrivateKeyFromBytes(outerHMAC[:]))
	innerTweak := crypto.ScalarBaseMultiply(crypto.PrivateKeyFromBytes(innerHMAC[:]))
	return crypto.AddPublicKeys(rootPub, outerTweak), crypto.AddPublicKeys(rootPub, innerTweak)
}

// ID returns the account's address-account ID.
func (aa *AddressAccount) ID() AddressAccountID { return aa.id }

// Outer returns the receiving-chain asset account.
func (aa *AddressAccount) Outer() *AssetAccount { return aa.outer }

// Inner returns the change-chain asset account.
func (aa *AddressAccount) Inner() *AssetAccount { return aa.inner }

// GetNewAddress hands out the next receiving asset. If aeType is nil, the
// account default is used and no override is recorded; otherwise a
// non-default type is recorded in the override table.
func (aa *AddressAccount) GetNewAddress(aeType *uint32) (AssetEntry, error) {
	asset, err := aa.outer.GetNewAsset()
	if err != nil {
		return nil, err
	}

	aa.mu.Lock()
	defer aa.mu.Unlock()
	if aeType != nil && *aeType != aa.defaultType {
		fullID := FullAsset(aa.outer.FullID(), asset.Index())
		aa.typeOverrides[fullID] = *aeType
	}
	return asset, nil
}

// GetNewChangeAddress hands out the next change asset; change addresses
// always use the account default type.
func (aa *AddressAccount) GetNewChangeAddress() (AssetEntry, error) {
	return aa.inner.GetNewAsset()
}

// GetAddressEntryForID returns the asset at assetID along with its
// effective address type (an override if recorded, otherwise the
// account default). Requesting an index beyond the owning asset
// account's lastUsedIndex fails with ErrUnrequestedAddress.
func (aa *AddressAccount) GetAddressEntryForID(assetID FullAssetID) (AssetEntry, uint32, error) {
	full := assetID.Account()
	index := assetID.Index()

	var account *AssetAccount
	switch full {
	case aa.outer.FullID():
		account = aa.outer
	case aa.inner.FullID():
		account = aa.inner
	default:
		return nil, 0, managerError(ErrInvariantViolation, "asset id does not belong to this address account", nil)
	}

	account.mu.Lock()
	lastUsed := account.lastUsedIndex
	asset, ok := account.assets[index]
	account.mu.Unlock()

	if index > lastUsed || !ok {
		return nil, 0, managerError(ErrUnrequestedAddress, "requested index exceeds last handed-out address", nil)
	}

	aa.mu.Lock()
	aeType, hasOverride := aa.typeOverrides[assetID]
	aa.mu.Unlock()
	if !hasOverride {
		aeType = aa.defaultType
	}
	return asset, aeType, nil
}

// SetAddressTypeOverride sets or clears (when aeType equals the default)
// the address-type override for assetID.
func (aa *AddressAccount) SetAddressTypeOverride(assetID FullAssetID, aeType uint32) {
	aa.mu.Lock()
	defer aa.mu.Unlock()
	if aeType == aa.defaultType {
		delete(aa.typeOverrides, assetID)
		return
	}
	aa.typeOverrides[assetID] = aeType
}

// GetAssetIDPairForAddr refreshes the cached hash index via hash, then
// returns the (assetID, addressType) pair that produced scriptHash.
func (aa *AddressAccount) GetAssetIDPairForAddr(hash AddressHasher, scriptHash []byte) (FullAssetID, uint32, bool, error) {
	for _, account := range []*AssetAccount{aa.outer, aa.inner} {
		if err := account.UpdateAddressHashMap(hash, aa.addressTypes); err != nil {
			return FullAssetID{}, 0, false, err
		}
	}

	aa.mu.Lock()
	defer aa.mu.Unlock()
	pair, ok := aa.hash160Index[string(scriptHash)]
	if !ok {
		// Fall back to each asset account's own index, which
		// UpdateAddressHashMap just refreshed; the refresh populates
		// AssetAccount.hashIndex, not AddressAccount's — merge it in.
		for _, account := range []*AssetAccount{aa.outer, aa.inner} {
			if id, found := account.LookupHash160(scriptHash); found {
				aeType, hasOverride := aa.typeOverrides[id]
				if !hasOverride {
					aeType = aa.defaultType
				}
				aa.hash160Index[string(scriptHash)] = assetIDAndType{id: id, aeType: aeType}
				return id, aeType, true, nil
			}
		}
		return FullAssetID{}, 0, false, nil
	}
	return pair.id, pair.aeType, true, nil
}

// GetWatchingOnlyCopy returns a structurally identical AddressAccount with
// every private key stripped, suitable for handing to a resolver that
// must never see decrypted key material.
func (aa *AddressAccount) GetWatchingOnlyCopy() *AddressAccount {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	copyOf := &AddressAccount{
		id:            aa.id,
		outer:         aa.outer.watchingOnlyCopy(),
		inner:         aa.inner.watchingOnlyCopy(),
		addressTypes:  append([]uint32{}, aa.addressTypes...),
		defaultType:   aa.defaultType,
		typeOverrides: make(map[FullAssetID]uint32, len(aa.typeOverrides)),
		hash160Index:  make(map[string]assetIDAndType, len(aa.hash160Index)),
	}
	for k, v := range aa.typeOverrides {
		copyOf.typeOverrides[k] = v
	}
	for k, v := range aa.hash160Index {
		copyOf.hash160Index[k] = v
	}
	return copyOf
}

// watchingOnlyCopy returns a's structure with every asset's private key
// dropped.
func (a *AssetAccount) watchingOnlyCopy() *AssetAccount {
	a.mu.Lock()
	defer a.mu.Unlock()

	copyOf := NewAssetAccount(a.fullID, a.scheme, stripPrivateKey(a.root), a.encryptionKeyID, a.kdfID)
	copyOf.lastUsedIndex = a.lastUsedIndex
	copyOf.lastHashedAsset = a.lastHashedAsset
	for idx, asset := range a.assets {
		copyOf.assets[idx] = stripPrivateKey(asset)
	}
	for h, id := range a.hashIndex {
		copyOf.hashIndex[h] = id
	}
	return copyOf
}

func stripPrivateKey(asset AssetEntry) AssetEntry {
	switch a := asset.(type) {
	case *SingleAsset:
		return NewSingleAsset(a.Index(), a.PubKey())
	case *BIP32RootAsset:
		stripped := NewBIP32RootAsset(a.PubKey(), a.ChainCode, a.Depth, a.LeafIndex, a.ParentFingerprint, a.SeedFingerprint, a.DerivationPath)
		return stripped
	case *MultisigAsset:
		subs := make([]*SingleAsset, len(a.subAssets))
		for i, sub := range a.subAssets {
			subs[i] = NewSingleAsset(sub.Index(), sub.PubKey())
		}
		stripped, _ := NewMultisigAsset(a.Index(), a.m, a.n, subs)
		return stripped
	default:
		return asset
	}
}

// Account returns the full asset-account id portion of a full asset id.
func (f FullAssetID) Account() FullAssetAccountID {
	var account FullAssetAccountID
	copy(account[:], f[:8])
	return account
}

// Index returns the asset-index portion of a full asset id.
func (f FullAssetID) Index() AssetIndex {
	return AssetIndex(int32(binary.BigEndian.Uint32(f[8:])))
}

// Commit writes the address-account header and both asset accounts'
// state into tx.
func (aa *AddressAccount) Commit(tx walletdb.Tx) error {
	aa.mu.Lock()
	header := aa.serializeHeader()
	overrides := make(map[FullAssetID]uint32, len(aa.typeOverrides))
	for k, v := range aa.typeOverrides {
		overrides[k] = v
	}
	aa.mu.Unlock()

	if err := tx.Insert(addressAccountKey(aa.id), header); err != nil {
		return err
	}
	if err := aa.outer.Commit(tx); err != nil {
		return err
	}
	if err := aa.inner.Commit(tx); err != nil {
		return err
	}
	for assetID, aeType := range overrides {
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, aeType)
		if err := tx.Insert(addressTypeKey(assetID), val); err != nil {
			return err
		}
	}
	return nil
}

func (aa *AddressAccount) serializeHeader() []byte {
	buf := aa.outer.fullID[4:8]
	buf = append(append([]byte{}, buf...), aa.inner.fullID[4:8]...)
	buf = appendUint32(buf, uint32(len(aa.addressTypes)))
	for _, t := range aa.addressTypes {
		buf = appendUint32(buf, t)
	}
	buf = appendUint32(buf, aa.defaultType)
	return buf
}

// LoadAddressAccount reconstructs an address account from its persisted
// header, delegating to LoadAssetAccount for the outer and inner chains.
// Like LoadAssetAccount, it needs its account-variant derivation
// parameters (cfg and chainCode) and its own root public key supplied by
// the caller rather than read back from the header: the header only
// records the two asset-account IDs and the permitted address types, not
// the chain code or salt that produced them. rootPub is the address
// account's own extended public key, the same one deriveAddressAccountID
// hashed when the account was first created; only the public key is
// needed since loading never requires the private scalar.
func LoadAddressAccount(ctx context.Context, tx walletdb.Tx, id AddressAccountID,
	cfg AccountConfig, chainCode [32]byte, rootPub *crypto.PublicKey) (*AddressAccount, error) {

	header := tx.Get(addressAccountKey(id))
	if header == nil {
		return nil, managerError(ErrInvariantViolation, "address account has no header record", nil)
	}
	if len(header) < 4+4+4 {
		return nil, managerError(ErrInvariantViolation, "truncated address account header", nil)
	}

	var outerSub, innerSub AssetAccountID
	copy(outerSub[:], header[0:4])
	copy(innerSub[:], header[4:8])

	rest := header[8:]
	numTypes := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(len(rest)) != uint64(numTypes)*4+4 {
		return nil, managerError(ErrInvariantViolation, "address account header has inconsistent address-type count", nil)
	}
	addressTypes := make([]uint32, numTypes)
	for i := range addressTypes {
		addressTypes[i] = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	}
	defaultType := binary.BigEndian.Uint32(rest[:4])

	outerFullID := Full(id, outerSub)
	innerFullID := Full(id, innerSub)

	outerScheme := schemeFor(cfg, chainCode)
	innerScheme := schemeFor(cfg, chainCode)

	outerPub, innerPub := outerInnerPubKeys(rootPub, chainCode)
	outerRoot := rootAssetForPubKey(cfg.Variant, outerPub, chainCode)
	innerRoot := rootAssetForPubKey(cfg.Variant, innerPub, chainCode)

	if cfg.Variant == VariantECDH {
		ecdhRootSalt := crypto.HMACSHA256([]byte("ecdh-root"), chainCode[:])
		outerScheme.(*ECDHScheme).AddSalt(ecdhRootSalt[:])
		innerScheme.(*ECDHScheme).AddSalt(ecdhRootSalt[:])
	}

	outer, err := LoadAssetAccount(ctx, tx, outerFullID, outerScheme, outerRoot, cfg.EncryptionKeyID, cfg.KDFID)
	if err != nil {
		return nil, fmt.Errorf("waddrmgr: loading outer chain of address account %x: %w", id, err)
	}
	inner, err := LoadAssetAccount(ctx, tx, innerFullID, innerScheme, innerRoot, cfg.EncryptionKeyID, cfg.KDFID)
	if err != nil {
		return nil, fmt.Errorf("waddrmgr: loading inner chain of address account %x: %w", id, err)
	}

	aa := &AddressAccount{
		id:            id,
		outer:         outer,
		inner:         inner,
		addressTypes:  addressTypes,
		defaultType:   defaultType,
		typeOverrides: make(map[FullAssetID]uint32),
		hash160Index:  make(map[string]assetIDAndType),
	}

	err = tx.ForEach(func(dataKey, dataVal []byte) error {
		if len(dataKey) == 0 || dataKey[0] != AddressTypePrefix {
			return nil
		}
		if len(dataKey) != 1+12 || len(dataVal) != 4 {
			log.Warnf("waddrmgr: skipping malformed address-type override record (key %d bytes, value %d bytes)",
				len(dataKey), len(dataVal))
			return nil
		}
		var assetID FullAssetID
		copy(assetID[:], dataKey[1:13])
		if assetID.Account() != outerFullID && assetID.Account() != innerFullID {
			return nil
		}
		aa.typeOverrides[assetID] = binary.BigEndian.Uint32(dataVal)
		return nil
	})
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "scanning address-type overrides", err)
	}

	return aa, nil
}
