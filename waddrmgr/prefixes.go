package waddrmgr

// Logical-key prefixes. Every record the wallet writes to its key/value
// store is addressed by one of these tags followed by a fixed-width
// identifier, matching the layout a btcwallet waddrmgr reader would
// expect from manager.go's bucket key helpers, adapted to this wallet's
// flat (non-bucketed) key space.
const (
	AddressAccountPrefix byte = 0x10
	AssetAccountPrefix   byte = 0x11
	AssetCountPrefix     byte = 0x12
	AssetTopIndexPrefix  byte = 0x13
	AssetEntryPrefix     byte = 0x14
	AddressTypePrefix    byte = 0x15

	WalletHeaderPrefix  byte = 0x20
	EncryptionKeyPrefix byte = 0x21
	KDFPrefix           byte = 0x22
	WalletSeedKey       byte = 0x23

	MetadataAssetPrefix byte = 0x30
)

func assetEntryKey(full FullAssetAccountID, index AssetIndex) []byte {
	key := make([]byte, 0, 1+8+4)
	key = append(key, AssetEntryPrefix)
	key = append(key, full[:]...)
	key = appendUint32(key, uint32(int32(index)))
	return key
}

func assetAccountKey(full FullAssetAccountID) []byte {
	key := make([]byte, 0, 1+8)
	key = append(key, AssetAccountPrefix)
	return append(key, full[:]...)
}

func assetCountKey(full FullAssetAccountID) []byte {
	key := make([]byte, 0, 1+8)
	key = append(key, AssetCountPrefix)
	return append(key, full[:]...)
}

func assetTopIndexKey(full FullAssetAccountID) []byte {
	key := make([]byte, 0, 1+8)
	key = append(key, AssetTopIndexPrefix)
	return append(key, full[:]...)
}

func addressAccountKey(id AddressAccountID) []byte {
	key := make([]byte, 0, 1+4)
	key = append(key, AddressAccountPrefix)
	return append(key, id[:]...)
}

func addressTypeKey(full FullAssetID) []byte {
	key := make([]byte, 0, 1+12)
	key = append(key, AddressTypePrefix)
	return append(key, full[:]...)
}
