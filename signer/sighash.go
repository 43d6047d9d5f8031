package signer

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// sighashCache holds the per-transaction prevout fetcher and the BIP143
// digest caches that txscript.NewTxSigHashes builds once per signing
// pass, per spec: every input's BIP143 hash reuses the same
// hashPrevouts/hashSequence/hashOutputs terms rather than recomputing
// them per input.
type sighashCache struct {
	tx        *wire.MsgTx
	prevOuts  *txscript.MultiPrevOutFetcher
	hashCache *txscript.TxSigHashes
}

// newSighashCache builds the shared sighash state for tx given the full
// set of spenders being signed, keyed by outpoint.
func newSighashCache(tx *wire.MsgTx, spenders []*Spender) *sighashCache {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, sp := range spenders {
		fetcher.AddPrevOut(sp.Outpoint, &wire.TxOut{
			Value:    sp.Value,
			PkScript: sp.PkScript,
		})
	}
	return &sighashCache{
		tx:        tx,
		prevOuts:  fetcher,
		hashCache: txscript.NewTxSigHashes(tx, fetcher),
	}
}

// legacySigHash computes the pre-segwit sighash for inputIdx against
// signScript (the redeem script for P2SH, or the output script itself
// for bare P2PKH/P2PK).
func (c *sighashCache) legacySigHash(inputIdx int, signScript []byte, hashType txscript.SigHashType) ([]byte, error) {
	return txscript.CalcSignatureHash(signScript, hashType, c.tx, inputIdx)
}

// segwitSigHash computes the BIP143 sighash for inputIdx. signScript is
// the witness script being satisfied (the P2WPKH synthetic script, or
// the real witness script for P2WSH).
func (c *sighashCache) segwitSigHash(inputIdx int, signScript []byte, hashType txscript.SigHashType, value int64) ([]byte, error) {
	return txscript.CalcWitnessSigHash(signScript, c.hashCache, hashType, c.tx, inputIdx, value)
}

// p2wpkhSignScript builds the synthetic P2PKH-shaped script BIP143 uses
// in place of a real witness script when spending native or nested
// P2WPKH outputs.
func p2wpkhSignScript(pubKeyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubKeyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// signHash returns the message digest a ResolverFeed.Sign call for this
// spender and pubkey must sign over, selecting legacy vs. BIP143
// construction from the spender's resolved Kind.
func (s *Spender) signHash(c *sighashCache, inputIdx int, pubKeyHash160 [20]byte) ([]byte, error) {
	hashType := s.SigHash
	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	switch s.Kind {
	case KindP2PKH, KindP2PK:
		return c.legacySigHash(inputIdx, s.signScriptLegacy(), hashType)
	case KindP2SH:
		return c.legacySigHash(inputIdx, s.RedeemScript, hashType)
	case KindP2WPKH:
		script, err := p2wpkhSignScript(pubKeyHash160[:])
		if err != nil {
			return nil, signerError(ErrUnknownScript, "building p2wpkh sign script", err)
		}
		return c.segwitSigHash(inputIdx, script, hashType, s.Value)
	case KindP2WSH, KindMultisig:
		return c.segwitSigHash(inputIdx, s.WitnessScript, hashType, s.Value)
	default:
		return nil, signerError(ErrNotResolved, "spender has no resolved script kind", nil)
	}
}

// signScriptLegacy returns the script consulted for a bare P2PKH/P2PK
// sighash: the output's own pkScript.
func (s *Spender) signScriptLegacy() []byte {
	return s.PkScript
}
