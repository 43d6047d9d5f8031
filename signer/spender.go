package signer

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Status is a spender's position in the resolve→sign state machine.
type Status int

const (
	// StatusUnknown: the outpoint is known but its output script has
	// not yet been examined.
	StatusUnknown Status = iota

	// StatusEmpty: the output script has been parsed but no stack
	// slot has been filled in.
	StatusEmpty

	// StatusResolved: every non-signature stack slot is populated
	// (public keys, script hashes, redeem/witness scripts).
	StatusResolved

	// StatusPartiallySigned applies only to M-of-N multisig: at least
	// one but fewer than M signatures are present.
	StatusPartiallySigned

	// StatusSigned: complete and valid; verification passes.
	StatusSigned
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusEmpty:
		return "Empty"
	case StatusResolved:
		return "Resolved"
	case StatusPartiallySigned:
		return "PartiallySigned"
	case StatusSigned:
		return "Signed"
	default:
		return "Invalid"
	}
}

// ScriptKind classifies a spender's output script.
type ScriptKind int

const (
	KindUnknown ScriptKind = iota
	KindP2PKH
	KindP2PK
	KindP2WPKH
	KindP2SH
	KindP2WSH
	KindMultisig
)

// ResolverFeed is the oracle a spender's resolution step consults. It is
// typically bound to an address account (for public lookups) and a DDC
// lock (for signing), so the caller controls exactly when private key
// material is touched.
type ResolverFeed interface {
	// PubKeyForHash160 returns the public key whose Hash160 is h, or
	// nil if unknown.
	PubKeyForHash160(h [20]byte) []byte

	// ScriptForScriptHash returns the redeem/witness script whose
	// hash is h, or nil if unknown. h is 20 bytes for P2SH, 32 for
	// P2WSH.
	ScriptForScriptHash(h []byte) []byte

	// BIP32PathForPubKey optionally returns the derivation path for
	// pubKey, for watch-only exchange; ok is false if unavailable.
	BIP32PathForPubKey(pubKey []byte) (path []uint32, ok bool)

	// Sign produces a DER (ECDSA) signature over msgHash, scoped to
	// pubKey. isSegwit selects BIP143 vs. legacy message construction
	// upstream of this call; Sign itself only needs the final hash.
	Sign(msgHash []byte, pubKey []byte, isSegwit bool) ([]byte, error)
}

// Spender is one transaction input under resolution.
type Spender struct {
	Outpoint wire.OutPoint
	Sequence uint32
	SigHash  txscript.SigHashType

	// Value and PkScript describe the UTXO being spent; both are
	// required before sighash computation for segwit inputs, and
	// PkScript is required for every input.
	Value    int64
	PkScript []byte

	Status Status
	Kind   ScriptKind

	// Resolved public data.
	PubKeys       [][]byte
	RedeemScript  []byte
	WitnessScript []byte
	M, N          int // for multisig: threshold and key count

	// Partial/complete stacks.
	LegacyScript []byte
	Witness      wire.TxWitness

	// Signatures collected so far, keyed by the signing pubkey's
	// compressed bytes so out-of-order merges are still well-defined.
	Signatures map[string][]byte

	flags txscript.ScriptFlags
}

// IsSegwit reports whether this spender's script template requires a
// witness (native or nested).
func (s *Spender) IsSegwit() bool {
	return s.Kind == KindP2WPKH || s.Kind == KindP2WSH
}

// requiredSignatures returns how many signatures this spender needs to
// reach StatusSigned.
func (s *Spender) requiredSignatures() int {
	if s.Kind == KindMultisig || (s.Kind == KindP2SH && s.M > 0) || (s.Kind == KindP2WSH && s.M > 0) {
		return s.M
	}
	return 1
}

func (s *Spender) recomputeStatus() {
	switch {
	case s.Kind == KindUnknown:
		s.Status = StatusUnknown
	case len(s.Signatures) == 0 && s.PubKeys == nil:
		s.Status = StatusEmpty
	case len(s.Signatures) == 0:
		s.Status = StatusResolved
	case len(s.Signatures) < s.requiredSignatures():
		s.Status = StatusPartiallySigned
	default:
		s.Status = StatusSigned
	}
}

// PrevOutHash is a convenience accessor used when building sighash
// caches keyed by outpoint.
func (s *Spender) PrevOutHash() chainhash.Hash {
	return s.Outpoint.Hash
}
