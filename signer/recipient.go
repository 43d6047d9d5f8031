package signer

// RecipientKind classifies a recipient's output script template.
type RecipientKind int

const (
	RecipientUniversal RecipientKind = iota
	RecipientP2PKH
	RecipientP2PK
	RecipientP2WPKH
	RecipientP2SH
	RecipientP2WSH
	RecipientOpReturn
)

// Recipient is one transaction output.
type Recipient struct {
	Value    int64
	PkScript []byte
	Kind     RecipientKind

	// BIP32Path optionally names the derivation path that produced
	// PkScript, for watch-only exchange with a hardware signer.
	BIP32Path []uint32
}
