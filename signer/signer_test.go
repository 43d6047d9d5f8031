package signer

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

// keyringFeed is a ResolverFeed backed by an in-memory set of private
// keys, used to drive signing without touching the wallet's own key
// vault.
type keyringFeed struct {
	byHash160    map[[20]byte][]byte
	byScriptHash map[string][]byte
	privKeys     map[string]*btcec.PrivateKey
}

func newKeyringFeed() *keyringFeed {
	return &keyringFeed{
		byHash160:    make(map[[20]byte][]byte),
		byScriptHash: make(map[string][]byte),
		privKeys:     make(map[string]*btcec.PrivateKey),
	}
}

func (k *keyringFeed) addKey(priv *btcec.PrivateKey) []byte {
	pubKey := priv.PubKey().SerializeCompressed()
	var h160 [20]byte
	copy(h160[:], btcutil.Hash160(pubKey))
	k.byHash160[h160] = pubKey
	k.privKeys[string(pubKey)] = priv
	return pubKey
}

func (k *keyringFeed) addScript(hash []byte, script []byte) {
	k.byScriptHash[string(hash)] = script
}

func (k *keyringFeed) PubKeyForHash160(h [20]byte) []byte {
	return k.byHash160[h]
}

func (k *keyringFeed) ScriptForScriptHash(h []byte) []byte {
	return k.byScriptHash[string(h)]
}

func (k *keyringFeed) BIP32PathForPubKey(pubKey []byte) ([]uint32, bool) {
	return nil, false
}

func (k *keyringFeed) Sign(msgHash, pubKey []byte, isSegwit bool) ([]byte, error) {
	priv := k.privKeys[string(pubKey)]
	sig := ecdsa.Sign(priv, msgHash)
	return sig.Serialize(), nil
}

func newTestPrivKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv
}

func buildFundingTx(t *testing.T, pkScript []byte, value int64) (*wire.MsgTx, wire.OutPoint) {
	t.Helper()
	fundingTx := wire.NewMsgTx(wire.TxVersion)
	fundingTx.AddTxIn(&wire.TxIn{})
	fundingTx.AddTxOut(wire.NewTxOut(value, pkScript))
	return fundingTx, wire.OutPoint{Hash: fundingTx.TxHash(), Index: 0}
}

func TestSignP2WPKHSpendVerifiesAndEstimatesSize(t *testing.T) {
	feed := newKeyringFeed()
	priv := newTestPrivKey(t, 0x01)
	pubKey := feed.addKey(priv)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	const inputValue = int64(100000)
	_, outpoint := buildFundingTx(t, pkScript, inputValue)

	destPriv := newTestPrivKey(t, 0x02)
	destPubKey := destPriv.PubKey().SerializeCompressed()
	destAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(destPubKey), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	destScript, err := txscript.PayToAddrScript(destAddr)
	require.NoError(t, err)

	state := NewSignerState(0)
	state.AddSpender(&Spender{
		Outpoint: outpoint,
		Sequence: wire.MaxTxInSequenceNum,
		SigHash:  txscript.SigHashAll,
		Value:    inputValue,
		PkScript: pkScript,
	})
	state.AddRecipient(&Recipient{Value: inputValue - 1000, PkScript: destScript})

	sess := NewSession(state, &chaincfg.MainNetParams)
	require.NoError(t, sess.Resolve(feed))
	require.Equal(t, StatusResolved, state.Spenders[0].Status)

	tx := sess.BuildTx()
	require.NoError(t, sess.Sign(tx, feed))

	tx = sess.BuildTx()
	require.NoError(t, sess.Verify(tx))
	require.Equal(t, StatusSigned, state.Spenders[0].Status)

	txid, err := sess.GetTxId(tx)
	require.NoError(t, err)
	require.NotEqual(t, chainhash.Hash{}, txid)

	estimate := EstimateVirtualSize(
		[]InputEstimate{{Kind: KindP2WPKH}}, tx.TxOut, false,
	)
	actual := mempoolVirtualSize(tx)
	require.InDelta(t, actual, estimate, float64(2*len(tx.TxIn)+20))
}

// mempoolVirtualSize computes a transaction's own virtual size the way
// the network would, for comparison against EstimateVirtualSize's
// worst-case prediction.
func mempoolVirtualSize(tx *wire.MsgTx) int {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize()
	return (baseSize*3 + totalSize + 3) / 4
}

func build2of3WitnessScript(t *testing.T, pubKeys [][]byte) []byte {
	t.Helper()
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	for _, pk := range pubKeys {
		builder.AddData(pk)
	}
	builder.AddOp(txscript.OP_3)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	script, err := builder.Script()
	require.NoError(t, err)
	return script
}

func TestP2WSHMultisigPartialSignMergeIsCommutative(t *testing.T) {
	feed := newKeyringFeed()
	var pubKeys [][]byte
	for i := byte(1); i <= 3; i++ {
		pubKeys = append(pubKeys, feed.addKey(newTestPrivKey(t, i)))
	}
	witnessScript := build2of3WitnessScript(t, pubKeys)
	scriptHash := chainhash.HashB(witnessScript)
	feed.addScript(scriptHash, witnessScript)

	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash).
		Script()
	require.NoError(t, err)

	const inputValue = int64(500000)
	_, outpoint := buildFundingTx(t, pkScript, inputValue)

	newState := func() *SignerState {
		state := NewSignerState(0)
		state.AddSpender(&Spender{
			Outpoint: outpoint,
			Sequence: wire.MaxTxInSequenceNum,
			SigHash:  txscript.SigHashAll,
			Value:    inputValue,
			PkScript: pkScript,
		})
		state.AddRecipient(&Recipient{Value: inputValue - 2000, PkScript: pkScript})
		return state
	}

	stateA := newState()
	sessA := NewSession(stateA, &chaincfg.MainNetParams)
	require.NoError(t, sessA.Resolve(feed))
	tx := sessA.BuildTx()
	cacheFeedA := &singleKeyFeed{keyringFeed: feed, only: pubKeys[0]}
	require.NoError(t, sessA.Sign(tx, cacheFeedA))

	stateB := newState()
	sessB := NewSession(stateB, &chaincfg.MainNetParams)
	require.NoError(t, sessB.Resolve(feed))
	tx2 := sessB.BuildTx()
	cacheFeedB := &singleKeyFeed{keyringFeed: feed, only: pubKeys[1]}
	require.NoError(t, sessB.Sign(tx2, cacheFeedB))

	mergedAB := NewSignerState(0)
	require.NoError(t, mergedAB.Merge(stateA))
	require.NoError(t, mergedAB.Merge(stateB))

	mergedBA := NewSignerState(0)
	require.NoError(t, mergedBA.Merge(stateB))
	require.NoError(t, mergedBA.Merge(stateA))

	require.Equal(t, mergedAB.SerializeState(), mergedBA.SerializeState(),
		"merge order must not change wire output:\nA∘B=%s\nB∘A=%s",
		spew.Sdump(mergedAB), spew.Sdump(mergedBA))
	require.Equal(t, StatusSigned, mergedAB.Spenders[0].Status)
}

// singleKeyFeed restricts signing to a single pubkey, so each
// simulated party only contributes its own signature to a multisig
// spender.
type singleKeyFeed struct {
	*keyringFeed
	only []byte
}

func (f *singleKeyFeed) Sign(msgHash, pubKey []byte, isSegwit bool) ([]byte, error) {
	if string(pubKey) != string(f.only) {
		return nil, signerError(ErrSignatureRejected, "no key for pubkey", nil)
	}
	return f.keyringFeed.Sign(msgHash, pubKey, isSegwit)
}
