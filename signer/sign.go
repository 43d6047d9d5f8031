package signer

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// verifyFlags are OR'd per spender during Verify: every spender
// contributes the flags its script template requires.
const (
	flagsLegacy = txscript.ScriptBip16 | txscript.ScriptVerifyCheckLockTimeVerify |
		txscript.ScriptVerifyCheckSequenceVerify
	flagsSegwit = flagsLegacy | txscript.ScriptVerifyWitness
)

// Session binds a SignerState to the network whose address and script
// conventions are used to resolve it. The transaction and the resolver
// feed are passed to each call rather than stored.
type Session struct {
	State       *SignerState
	ChainParams *chaincfg.Params
}

// NewSession starts a signer session for state against the given
// network's address/script conventions.
func NewSession(state *SignerState, chainParams *chaincfg.Params) *Session {
	return &Session{State: state, ChainParams: chainParams}
}

// BuildTx assembles the unsigned skeleton transaction: inputs in
// spender order, outputs in recipient order, the session's lock time.
// Witness and sigScript fields are populated only once Sign has run.
func (sess *Session) BuildTx() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = sess.State.LockTime

	for _, sp := range sess.State.Spenders {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: sp.Outpoint,
			SignatureScript:  sp.LegacyScript,
			Witness:          sp.Witness,
			Sequence:         sp.Sequence,
		})
	}
	for _, r := range sess.State.Recipients {
		tx.AddTxOut(&wire.TxOut{Value: r.Value, PkScript: r.PkScript})
	}
	return tx
}

// Resolve walks every spender's output script, classifying it and
// filling in every non-signature slot via feed. A spender already past
// StatusEmpty is left untouched so resolution is idempotent across a
// merge.
func (sess *Session) Resolve(feed ResolverFeed) error {
	for _, sp := range sess.State.Spenders {
		if sp.Status != StatusUnknown && sp.Status != StatusEmpty {
			continue
		}
		if err := resolveSpender(sp, feed, sess.ChainParams); err != nil {
			return err
		}
	}
	return nil
}

func resolveSpender(sp *Spender, feed ResolverFeed, chainParams *chaincfg.Params) error {
	class, addrs, requiredSigs, err := txscript.ExtractPkScriptAddrs(sp.PkScript, chainParams)
	if err != nil {
		return signerError(ErrUnknownScript, "classifying output script", err)
	}

	switch class {
	case txscript.PubKeyHashTy:
		sp.Kind = KindP2PKH
		if err := resolveHash160Addr(sp, feed, addrs); err != nil {
			return err
		}

	case txscript.PubKeyTy:
		sp.Kind = KindP2PK
		if len(addrs) != 1 {
			return signerError(ErrUnknownScript, "p2pk script without exactly one address", nil)
		}
		sp.PubKeys = [][]byte{addrs[0].ScriptAddress()}

	case txscript.WitnessV0PubKeyHashTy:
		sp.Kind = KindP2WPKH
		if err := resolveHash160Addr(sp, feed, addrs); err != nil {
			return err
		}

	case txscript.ScriptHashTy:
		if err := resolveP2SH(sp, feed, chainParams); err != nil {
			return err
		}

	case txscript.WitnessV0ScriptHashTy:
		if err := resolveP2WSH(sp, feed, chainParams); err != nil {
			return err
		}

	case txscript.MultiSigTy:
		sp.Kind = KindMultisig
		sp.N = len(addrs)
		sp.M = requiredSigs
		for _, a := range addrs {
			sp.PubKeys = append(sp.PubKeys, a.ScriptAddress())
		}

	default:
		return signerError(ErrUnknownScript, "unsupported output script class", nil)
	}

	if sp.Signatures == nil {
		sp.Signatures = make(map[string][]byte)
	}
	sp.recomputeStatus()
	return nil
}

func resolveHash160Addr(sp *Spender, feed ResolverFeed, addrs []btcutil.Address) error {
	if len(addrs) != 1 {
		return signerError(ErrUnknownScript, "hash160 script without exactly one address", nil)
	}
	var h160 [20]byte
	copy(h160[:], addrs[0].ScriptAddress())
	pubKey := feed.PubKeyForHash160(h160)
	if pubKey == nil {
		return signerError(ErrUnknownScript, "resolver has no pubkey for hash160", nil)
	}
	sp.PubKeys = [][]byte{pubKey}
	return nil
}

func resolveP2SH(sp *Spender, feed ResolverFeed, chainParams *chaincfg.Params) error {
	addr, err := btcutil.NewAddressScriptHashFromHash(
		extractScriptHash(sp.PkScript), chainParams,
	)
	if err != nil {
		return signerError(ErrUnknownScript, "building p2sh address", err)
	}
	redeem := feed.ScriptForScriptHash(addr.ScriptAddress())
	if redeem == nil {
		return signerError(ErrUnknownScript, "resolver has no redeem script for script hash", nil)
	}
	sp.RedeemScript = redeem

	if isWitnessV0PubKeyHash(redeem) {
		sp.Kind = KindP2WPKH
		return resolveNestedP2WPKH(sp, feed, redeem)
	}

	innerClass, addrs, requiredSigs, err := txscript.ExtractPkScriptAddrs(redeem, chainParams)
	if err != nil {
		return signerError(ErrUnknownScript, "classifying redeem script", err)
	}
	if innerClass != txscript.MultiSigTy {
		return signerError(ErrUnknownScript, "unsupported p2sh redeem script class", nil)
	}
	sp.Kind = KindP2SH
	sp.N = len(addrs)
	sp.M = requiredSigs
	for _, a := range addrs {
		sp.PubKeys = append(sp.PubKeys, a.ScriptAddress())
	}
	return nil
}

func resolveNestedP2WPKH(sp *Spender, feed ResolverFeed, witnessProgram []byte) error {
	var h160 [20]byte
	copy(h160[:], witnessProgram[2:])
	pubKey := feed.PubKeyForHash160(h160)
	if pubKey == nil {
		return signerError(ErrUnknownScript, "resolver has no pubkey for nested p2wpkh", nil)
	}
	sp.PubKeys = [][]byte{pubKey}

	builder := txscript.NewScriptBuilder()
	builder.AddData(witnessProgram)
	script, err := builder.Script()
	if err != nil {
		return signerError(ErrUnknownScript, "building nested p2wpkh sigScript", err)
	}
	sp.LegacyScript = script
	return nil
}

func resolveP2WSH(sp *Spender, feed ResolverFeed, chainParams *chaincfg.Params) error {
	witness := feed.ScriptForScriptHash(extractWitnessScriptHash(sp.PkScript))
	if witness == nil {
		return signerError(ErrUnknownScript, "resolver has no witness script for script hash", nil)
	}
	sp.WitnessScript = witness

	innerClass, addrs, requiredSigs, err := txscript.ExtractPkScriptAddrs(witness, chainParams)
	if err != nil {
		return signerError(ErrUnknownScript, "classifying witness script", err)
	}
	if innerClass != txscript.MultiSigTy {
		return signerError(ErrUnknownScript, "unsupported p2wsh witness script class", nil)
	}
	sp.Kind = KindP2WSH
	sp.N = len(addrs)
	sp.M = requiredSigs
	for _, a := range addrs {
		sp.PubKeys = append(sp.PubKeys, a.ScriptAddress())
	}
	return nil
}

func extractScriptHash(pkScript []byte) []byte {
	// OP_HASH160 <20 bytes> OP_EQUAL
	return pkScript[2:22]
}

func extractWitnessScriptHash(pkScript []byte) []byte {
	// OP_0 <32 bytes>
	return pkScript[2:34]
}

func isWitnessV0PubKeyHash(script []byte) bool {
	return len(script) == 22 && script[0] == 0 && script[1] == 20
}

// Sign computes and stores the signature(s) for every resolved spender,
// consulting feed for each required public key. tx must be the
// skeleton produced by BuildTx for this session's spenders.
func (sess *Session) Sign(tx *wire.MsgTx, feed ResolverFeed) error {
	cache := newSighashCache(tx, sess.State.Spenders)

	for i, sp := range sess.State.Spenders {
		if sp.Status == StatusUnknown || sp.Status == StatusEmpty {
			return signerError(ErrNotResolved, "spender is not resolved", nil)
		}
		if sp.Status == StatusSigned {
			continue
		}
		if err := sess.signSpender(cache, i, sp, feed); err != nil {
			return err
		}
	}
	return nil
}

// signSpender asks feed for a signature under each of the spender's
// pubkeys it doesn't already hold one for. A multisig spender's
// cosigner set typically spans several parties, each holding only its
// own key, so feed declining a given pubkey is expected and not fatal
// there; for single-signer kinds it is the only attempt and its
// failure is returned.
func (sess *Session) signSpender(cache *sighashCache, inputIdx int, sp *Spender, feed ResolverFeed) error {
	multiParty := sp.requiredSignatures() > 1

	for _, pubKey := range sp.PubKeys {
		if len(sp.Signatures) >= sp.requiredSignatures() {
			break
		}
		pubKeyStr := string(pubKey)
		if _, have := sp.Signatures[pubKeyStr]; have {
			continue
		}
		var h160 [20]byte
		copy(h160[:], btcutil.Hash160(pubKey))

		hash, err := sp.signHash(cache, inputIdx, h160)
		if err != nil {
			return err
		}
		sig, err := feed.Sign(hash, pubKey, sp.IsSegwit())
		if err != nil {
			if multiParty {
				continue
			}
			return signerError(ErrSignatureRejected, "resolver feed rejected signing request", err)
		}
		sp.Signatures[pubKeyStr] = sig
	}

	if err := assembleStacks(sp); err != nil {
		return err
	}
	sp.recomputeStatus()
	return nil
}

// assembleStacks builds the final LegacyScript/Witness from whatever
// signatures are currently collected, so a partially signed multisig
// spender carries a usable (if incomplete) stack across a merge.
func assembleStacks(sp *Spender) error {
	hashType := sp.SigHash
	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	switch sp.Kind {
	case KindP2PKH, KindP2PK:
		sig, pubKey, ok := soleSignature(sp)
		if !ok {
			return nil
		}
		builder := txscript.NewScriptBuilder()
		builder.AddData(append(sig, byte(hashType)))
		if sp.Kind == KindP2PKH {
			builder.AddData(pubKey)
		}
		script, err := builder.Script()
		if err != nil {
			return signerError(ErrUnknownScript, "building legacy sigScript", err)
		}
		sp.LegacyScript = script

	case KindP2WPKH:
		sig, pubKey, ok := soleSignature(sp)
		if !ok {
			return nil
		}
		sp.Witness = wire.TxWitness{append(sig, byte(hashType)), pubKey}

	case KindP2SH:
		if len(sp.Signatures) == 0 {
			return nil
		}
		sigScript, err := multisigSigScript(sp, hashType)
		if err != nil {
			return signerError(ErrUnknownScript, "building p2sh multisig sigScript", err)
		}
		sp.LegacyScript = sigScript

	case KindP2WSH, KindMultisig:
		if len(sp.Signatures) == 0 {
			return nil
		}
		sp.Witness = multisigWitness(sp, hashType)
	}
	return nil
}

func soleSignature(sp *Spender) (sig, pubKey []byte, ok bool) {
	for pk, s := range sp.Signatures {
		return s, []byte(pk), true
	}
	return nil, nil, false
}

// multisigSigScript returns the full sigScript for a legacy P2SH
// multisig spend: OP_0 <sig1> <sig2> ... <redeemScript>, ordered to
// match sp.PubKeys.
func multisigSigScript(sp *Spender, hashType txscript.SigHashType) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	for _, pubKey := range sp.PubKeys {
		if sig, ok := sp.Signatures[string(pubKey)]; ok {
			builder.AddData(append(sig, byte(hashType)))
		}
	}
	builder.AddData(sp.RedeemScript)
	return builder.Script()
}

// multisigWitness returns the witness stack for a native P2WSH
// multisig: an empty item, each present signature in PubKeys order,
// then the witness script.
func multisigWitness(sp *Spender, hashType txscript.SigHashType) wire.TxWitness {
	witness := wire.TxWitness{nil}
	for _, pubKey := range sp.PubKeys {
		if sig, ok := sp.Signatures[string(pubKey)]; ok {
			witness = append(witness, append(sig, byte(hashType)))
		}
	}
	witness = append(witness, sp.WitnessScript)
	return witness
}

// InjectSignature admits a signature produced by an external signer
// (e.g. a hardware device) for the given input and pubkey. The spender
// must already be Resolved.
func (sess *Session) InjectSignature(inputIdx int, sig []byte, pubKey []byte) error {
	if inputIdx < 0 || inputIdx >= len(sess.State.Spenders) {
		return signerError(ErrNotResolved, "input index out of range", nil)
	}
	sp := sess.State.Spenders[inputIdx]
	if sp.Status == StatusUnknown || sp.Status == StatusEmpty {
		return signerError(ErrNotResolved, "spender is not resolved", nil)
	}
	if sp.Signatures == nil {
		sp.Signatures = make(map[string][]byte)
	}
	sp.Signatures[string(pubKey)] = sig

	if err := assembleStacks(sp); err != nil {
		return err
	}
	sp.recomputeStatus()
	return nil
}

// Verify runs the transaction-script verifier against every spender
// using the OR of all spenders' required flags, transitioning them to
// StatusSigned on success.
func (sess *Session) Verify(tx *wire.MsgTx) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, sp := range sess.State.Spenders {
		fetcher.AddPrevOut(sp.Outpoint, &wire.TxOut{Value: sp.Value, PkScript: sp.PkScript})
	}
	hashCache := txscript.NewTxSigHashes(tx, fetcher)

	flags := txscript.ScriptFlags(0)
	for _, sp := range sess.State.Spenders {
		if sp.IsSegwit() {
			flags |= flagsSegwit
		} else {
			flags |= flagsLegacy
		}
	}

	for i, sp := range sess.State.Spenders {
		engine, err := txscript.NewEngine(
			sp.PkScript, tx, i, flags, nil, hashCache, sp.Value, fetcher,
		)
		if err != nil {
			return signerError(ErrSignatureRejected, "building verify engine", err)
		}
		if err := engine.Execute(); err != nil {
			return signerError(ErrSignatureRejected, "script verification failed", err)
		}
		sp.Status = StatusSigned
	}
	return nil
}

// GetTxId returns the transaction's hash. For fully-segwit
// transactions this is computable without signatures; any legacy or
// nested-segwit input must be signed first, or ErrUnsignedLegacyInput
// is returned.
func (sess *Session) GetTxId(tx *wire.MsgTx) (chainhash.Hash, error) {
	for _, sp := range sess.State.Spenders {
		// Native segwit inputs carry no sigScript; nested ones do.
		if sp.IsSegwit() && len(sp.RedeemScript) == 0 {
			continue
		}
		if sp.Status != StatusSigned {
			return chainhash.Hash{}, signerError(ErrUnsignedLegacyInput, "legacy input is unsigned", nil)
		}
	}
	return tx.TxHash(), nil
}
