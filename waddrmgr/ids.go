// Package waddrmgr implements the wallet's key tree: asset accounts (a
// single deterministically-derived chain of keys), address accounts (one or
// more asset accounts grouped under an address-type policy), and the four
// derivation schemes that generate new keys in a chain.
//
// Naming and account/manager responsibilities follow btcwallet's waddrmgr
// package; the derivation math and persisted record layout follow this
// wallet's own scheme rather than BIP44/waddrmgr's scope hierarchy.
package waddrmgr

import "encoding/binary"

// AddressAccountID identifies one address account within a wallet.
type AddressAccountID [4]byte

// AssetAccountID identifies one asset account within its owning address
// account.
type AssetAccountID [4]byte

// FullAssetAccountID globally identifies an asset account: the owning
// address account's ID followed by the asset account's own ID.
type FullAssetAccountID [8]byte

// Full returns the full asset-account ID combining addr and asset.
func Full(addr AddressAccountID, asset AssetAccountID) FullAssetAccountID {
	var full FullAssetAccountID
	copy(full[:4], addr[:])
	copy(full[4:], asset[:])
	return full
}

// AddressAccountID returns the owning address account's ID.
func (f FullAssetAccountID) AddressAccountID() AddressAccountID {
	var id AddressAccountID
	copy(id[:], f[:4])
	return id
}

// AssetAccountID returns the asset account's own ID within its address
// account.
func (f FullAssetAccountID) AssetAccountID() AssetAccountID {
	var id AssetAccountID
	copy(id[:], f[4:])
	return id
}

// AssetIndex is the position of an asset within its asset account's chain.
// RootIndex is a sentinel for the account-root asset rather than a
// numbered chain entry.
type AssetIndex int64

// RootIndex denotes the account-root sentinel asset, never a numbered
// chain member.
const RootIndex AssetIndex = -1

// FullAssetID globally identifies a single asset: its owning asset
// account's full ID followed by its index.
type FullAssetID [12]byte

// FullAsset returns the full asset ID for index within account.
func FullAsset(account FullAssetAccountID, index AssetIndex) FullAssetID {
	var full FullAssetID
	copy(full[:8], account[:])
	binary.BigEndian.PutUint32(full[8:], uint32(index))
	return full
}

// LegacyAccountID and ImportsAccountID are reserved address-account IDs
// that newly generated account IDs must never collide with: the first
// holds every asset derived under the pre-BIP32 chain-code scheme, the
// second holds keys imported from outside any derivation scheme.
var (
	LegacyAccountID  = AddressAccountID{0xff, 0xff, 0xff, 0xfe}
	ImportsAccountID = AddressAccountID{0xff, 0xff, 0xff, 0xff}
)

// IsReserved reports whether id collides with one of the wallet's reserved
// address-account IDs.
func (id AddressAccountID) IsReserved() bool {
	return id == LegacyAccountID || id == ImportsAccountID
}
