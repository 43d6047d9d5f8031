package waddrmgr

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/coldkeep/hdwallet/ddc"
	"github.com/coldkeep/hdwallet/walletdb"
)

// LookupWindow is the number of assets an AssetAccount extends its public
// chain by whenever GetNewAsset runs out of already-derived assets. An ECDH
// chain is extended only as far as its salt table reaches.
const LookupWindow = 20

// AssetAccount is a single deterministically-derived chain of assets: one
// derivation scheme, one root, and a monotone count of materialized
// entries. Grounded on btcwallet's per-scope key manager (one chain, one
// set of lookahead addresses) generalized to this wallet's four schemes.
type AssetAccount struct {
	mu sync.Mutex

	fullID FullAssetAccountID
	scheme DerivationScheme
	root   AssetEntry

	// assets holds every asset derived so far, indexed by position.
	// lastUsedIndex is the highest index a caller has actually been
	// handed; entries beyond it exist only as public-chain lookahead.
	assets        map[AssetIndex]AssetEntry
	lastUsedIndex AssetIndex

	// lastHashedAsset is the cursor UpdateAddressHashMap resumes from.
	lastHashedAsset AssetIndex
	hashIndex       map[string]FullAssetID // hash160(pubkey or script) -> asset id

	encryptionKeyID [20]byte
	kdfID           [20]byte
}

// NewAssetAccount constructs an account around an already-derived root
// asset. The root itself occupies RootIndex and is never handed out by
// GetNewAsset/PeekNextAsset.
func NewAssetAccount(fullID FullAssetAccountID, scheme DerivationScheme, root AssetEntry,
	encryptionKeyID, kdfID [20]byte) *AssetAccount {
	return &AssetAccount{
		fullID:          fullID,
		scheme:          scheme,
		root:            root,
		assets:          make(map[AssetIndex]AssetEntry),
		lastUsedIndex:   RootIndex,
		lastHashedAsset: RootIndex,
		hashIndex:       make(map[string]FullAssetID),
		encryptionKeyID: encryptionKeyID,
		kdfID:           kdfID,
	}
}

// FullID returns the account's global identifier.
func (a *AssetAccount) FullID() FullAssetAccountID { return a.fullID }

// lastDerived returns the highest index already present in a.assets, or
// RootIndex if the chain is still empty.
func (a *AssetAccount) lastDerived() AssetIndex {
	highest := RootIndex
	for idx := range a.assets {
		if idx > highest {
			highest = idx
		}
	}
	return highest
}

// chainBasis returns the asset the derivation scheme extends from: the
// most recently derived asset for a stateful chain (Legacy), or the
// account root for the BIP32 family.
func (a *AssetAccount) chainBasis() AssetEntry {
	if _, ok := a.scheme.(*LegacyScheme); ok {
		if last := a.lastDerived(); last != RootIndex {
			return a.assets[last]
		}
	}
	return a.root
}

// ensureDerivedThrough extends the public chain, if necessary, so that
// a.assets holds every index up to and including target.
func (a *AssetAccount) ensureDerivedThrough(target AssetIndex) error {
	last := a.lastDerived()
	if target <= last {
		return nil
	}

	end := target + LookupWindow
	if ecdh, ok := a.scheme.(*ECDHScheme); ok {
		// ECDH assets exist only for registered salts, so the lookahead
		// stops at the end of the salt table.
		if top := AssetIndex(len(ecdh.Salts)) - 1; top < end {
			end = top
		}
		if end < target {
			end = target
		}
	}
	basis := a.chainBasis()
	derived, err := a.scheme.ExtendPublic(basis, last+1, end)
	if err != nil {
		return managerError(ErrInvariantViolation, "extending public chain", err)
	}
	for _, asset := range derived {
		a.assets[asset.Index()] = asset
	}
	return nil
}

// GetNewAsset bumps lastUsedIndex and returns the next asset, extending
// the public chain by LookupWindow if it has run dry.
func (a *AssetAccount) GetNewAsset() (AssetEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.lastUsedIndex + 1
	if err := a.ensureDerivedThrough(next); err != nil {
		return nil, err
	}
	a.lastUsedIndex = next
	return a.assets[next], nil
}

// PeekNextAsset returns the asset GetNewAsset would return, without
// advancing lastUsedIndex.
func (a *AssetAccount) PeekNextAsset() (AssetEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.lastUsedIndex + 1
	if err := a.ensureDerivedThrough(next); err != nil {
		return nil, err
	}
	return a.assets[next], nil
}

// nearestPrivateAncestor walks backward from target to find the nearest
// asset (or the root) that already carries a materialized private key,
// for the Legacy scheme's stateful chain. BIP32-family schemes always
// derive directly from the root, so they never need to walk back.
func (a *AssetAccount) nearestPrivateAncestor(target AssetIndex) (AssetEntry, AssetIndex) {
	if _, ok := a.scheme.(*LegacyScheme); !ok {
		return a.root, RootIndex
	}
	for i := target; i > RootIndex; i-- {
		if asset, ok := a.assets[i]; ok && asset.HasPrivateKey() {
			return asset, i
		}
	}
	return a.root, RootIndex
}

// FillPrivateKey materializes the private key of the asset at index, if it
// is not already present, and returns the updated asset. The caller must be holding the
// DDC lock.
func (a *AssetAccount) FillPrivateKey(c *ddc.Container, index AssetIndex) (AssetEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureDerivedThrough(index); err != nil {
		return nil, err
	}
	if existing, ok := a.assets[index]; ok && existing.HasPrivateKey() {
		return existing, nil
	}

	ancestor, ancestorIndex := a.nearestPrivateAncestor(index)
	if !ancestor.HasPrivateKey() {
		return nil, managerError(ErrEncryptedDataMissing, "no private ancestor available to extend from", nil)
	}

	derived, err := a.scheme.ExtendPrivate(c, ancestor, ancestorIndex+1, index, a.encryptionKeyID, a.kdfID)
	if err != nil {
		return nil, err
	}
	for _, asset := range derived {
		a.assets[asset.Index()] = asset
	}
	return a.assets[index], nil
}

// AddressHasher computes the hash160 used to key the address-hash
// index for the given asset/address-type pair. Callers outside this
// package pass the script-building logic through; this package only
// owns the cache, not the address-type -> script mapping itself.
type AddressHasher func(asset AssetEntry, aeType uint32) ([]byte, error)

// UpdateAddressHashMap computes hash160(asset, addressType) for every
// missing pair from lastHashedAsset forward through the current
// lastUsedIndex, for each addressType in types, and inserts the results
// into the lookup index.
func (a *AssetAccount) UpdateAddressHashMap(hash AddressHasher, types []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.lastHashedAsset + 1; i <= a.lastUsedIndex; i++ {
		asset, ok := a.assets[i]
		if !ok {
			return managerError(ErrInvariantViolation, "address hash refresh reached an undefined asset index", nil)
		}
		for _, aeType := range types {
			h, err := hash(asset, aeType)
			if err != nil {
				return managerError(ErrInvariantViolation, "computing address hash", err)
			}
			a.hashIndex[string(h)] = FullAsset(a.fullID, i)
		}
	}
	a.lastHashedAsset = a.lastUsedIndex
	return nil
}

// LookupHash160 resolves a previously indexed hash160 to its asset id.
func (a *AssetAccount) LookupHash160(h []byte) (FullAssetID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.hashIndex[string(h)]
	return id, ok
}

// Commit writes the account's header, count, top index and every
// materialized asset entry into tx.
func (a *AssetAccount) Commit(tx walletdb.Tx) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	header := make([]byte, 0, 1+1+len(a.scheme.Name()))
	header = append(header, accountTypeTag(a.scheme))
	header = appendVarBytes(header, []byte(a.scheme.Name()))
	if err := tx.Insert(assetAccountKey(a.fullID), header); err != nil {
		return err
	}

	count := make([]byte, 8)
	binary.BigEndian.PutUint64(count, uint64(len(a.assets)))
	if err := tx.Insert(assetCountKey(a.fullID), count); err != nil {
		return err
	}

	top := make([]byte, 8)
	binary.BigEndian.PutUint64(top, uint64(int64(a.lastUsedIndex)))
	if err := tx.Insert(assetTopIndexKey(a.fullID), top); err != nil {
		return err
	}

	for i, asset := range a.assets {
		if err := tx.Insert(assetEntryKey(a.fullID, i), asset.Serialize()); err != nil {
			return err
		}
	}
	return nil
}

func accountTypeTag(scheme DerivationScheme) byte {
	switch scheme.(type) {
	case *LegacyScheme:
		return 0x01
	case *BIP32Scheme:
		return 0x02
	case *BIP32SaltedScheme:
		return 0x03
	case *ECDHScheme:
		return 0x04
	default:
		return 0x00
	}
}

// LoadAssetAccount reconstructs an account from its persisted records.
// scheme and root must already be known to the caller (LoadAddressAccount
// builds them from its caller-supplied configuration, chain code and root
// public key, not from any persisted record) because the derivation parameters they carry — chain code,
// salts, salt table — are account-variant state, not per-asset state.
func LoadAssetAccount(ctx context.Context, tx walletdb.Tx, fullID FullAssetAccountID,
	scheme DerivationScheme, root AssetEntry, encryptionKeyID, kdfID [20]byte) (*AssetAccount, error) {

	countBytes := tx.Get(assetCountKey(fullID))
	if countBytes == nil {
		return nil, managerError(ErrInvariantViolation, "asset account has no count record", nil)
	}
	count := binary.BigEndian.Uint64(countBytes)

	topBytes := tx.Get(assetTopIndexKey(fullID))
	if topBytes == nil {
		return nil, managerError(ErrInvariantViolation, "asset account has no top-index record", nil)
	}
	lastUsedIndex := AssetIndex(int64(binary.BigEndian.Uint64(topBytes)))

	account := NewAssetAccount(fullID, scheme, root, encryptionKeyID, kdfID)
	account.lastUsedIndex = lastUsedIndex
	account.lastHashedAsset = RootIndex

	loaded := 0
	err := tx.ForEach(func(dataKey, dataVal []byte) error {
		if len(dataKey) != 1+8+4 || dataKey[0] != AssetEntryPrefix {
			return nil
		}
		var keyFullID FullAssetAccountID
		copy(keyFullID[:], dataKey[1:9])
		if keyFullID != fullID {
			return nil
		}
		index := AssetIndex(int32(binary.BigEndian.Uint32(dataKey[9:13])))
		asset, err := deserializeAsset(index, dataVal)
		if err != nil {
			return fmt.Errorf("waddrmgr: deserializing asset %d of account %x: %w", index, fullID, err)
		}
		account.assets[index] = asset
		loaded++
		return nil
	})
	if err != nil {
		return nil, managerError(ErrInvariantViolation, "scanning asset entries", err)
	}
	if uint64(loaded) != count {
		return nil, managerError(ErrInvariantViolation,
			fmt.Sprintf("asset count mismatch: header says %d, found %d", count, loaded), nil)
	}

	return account, nil
}

func deserializeAsset(index AssetIndex, b []byte) (AssetEntry, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty asset record")
	}
	switch b[0] {
	case assetTagSingle:
		return deserializeSingleAsset(index, b)
	case assetTagBIP32Root:
		return deserializeBIP32RootAsset(b)
	case assetTagMultisig:
		return deserializeMultisigAsset(index, b)
	default:
		return nil, fmt.Errorf("unknown asset tag 0x%02x", b[0])
	}
}
