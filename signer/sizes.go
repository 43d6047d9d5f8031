package signer

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// Worst-case script and input/output size estimates. Adapted from
// btcwallet's wallet/txsizes, extended with the P2WSH multisig terms
// this wallet's signer needs for scenario 3-style spends.
const (
	redeemP2PKHSigScriptSize = 1 + 73 + 1 + 33
	p2PKHPkScriptSize        = 1 + 1 + 1 + 20 + 1 + 1
	redeemP2PKHInputSize     = 32 + 4 + 1 + redeemP2PKHSigScriptSize + 4

	p2WPKHPkScriptSize             = 1 + 1 + 20
	redeemP2WPKHInputSize          = 32 + 4 + 1 + 0 + 4
	redeemP2WPKHInputWitnessWeight = 1 + 1 + 73 + 1 + 33

	// redeemP2WSHInputBaseSize has no sigScript: the multisig redeem
	// script and signatures live entirely in the witness.
	redeemP2WSHInputBaseSize = 32 + 4 + 1 + 0 + 4
)

// p2PKHOutputSize is the serialize size of a transaction output paying a
// compressed P2PKH script.
func p2PKHOutputSize() int { return 8 + 1 + p2PKHPkScriptSize }

// p2WPKHOutputSize is the serialize size of a transaction output paying a
// P2WPKH script.
func p2WPKHOutputSize() int { return 8 + 1 + p2WPKHPkScriptSize }

// redeemMultisigWitnessWeight returns the worst-case witness weight for
// spending an m-of-n native P2WSH multisig output: an OP_0 placeholder
// per unsigned slot is never present in the final witness, so this
// counts the single leading empty item, exactly m DER signatures, and the
// redeem script itself.
func redeemMultisigWitnessWeight(m, n int) int {
	redeemScriptSize := 1 + n*34 + 2 // OP_m <pub>*n OP_n OP_CHECKMULTISIG, compressed pubkeys
	// 1 wu item count, 1 wu for the empty item OP_CHECKMULTISIG consumes,
	// then m signatures (1 wu len + 72 sig + 1 sighash each), then the
	// redeem script (1 wu len + script) as the final item.
	return 1 + 1 + m*(1+73) + 1 + redeemScriptSize
}

// SumOutputSerializeSizes sums the serialized size of outputs.
func SumOutputSerializeSizes(outputs []*wire.TxOut) (serializeSize int) {
	for _, txOut := range outputs {
		serializeSize += txOut.SerializeSize()
	}
	return serializeSize
}

// InputEstimate describes the worst-case size contribution of one input
// to EstimateVirtualSize, selected by the spender's resolved Kind.
type InputEstimate struct {
	Kind ScriptKind
	M, N int // only meaningful for KindP2WSH/KindMultisig
}

// EstimateVirtualSize returns a worst-case virtual size estimate for a
// signed transaction spending the given inputs and paying the given
// outputs, optionally incrementing for a P2WPKH change output.
func EstimateVirtualSize(inputs []InputEstimate, txOuts []*wire.TxOut, addP2WPKHChange bool) int {
	outputCount := len(txOuts)
	changeSize := 0
	if addP2WPKHChange {
		changeSize = p2WPKHOutputSize()
		outputCount++
	}

	baseSize := 8 + wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(outputCount)) +
		SumOutputSerializeSizes(txOuts) + changeSize

	witnessWeight := 0
	hasWitness := false
	for _, in := range inputs {
		switch in.Kind {
		case KindP2PKH, KindP2PK:
			baseSize += redeemP2PKHInputSize
		case KindP2WPKH:
			baseSize += redeemP2WPKHInputSize
			witnessWeight += redeemP2WPKHInputWitnessWeight
			hasWitness = true
		case KindP2WSH, KindMultisig:
			baseSize += redeemP2WSHInputBaseSize
			witnessWeight += redeemMultisigWitnessWeight(in.M, in.N)
			hasWitness = true
		default:
			baseSize += redeemP2PKHInputSize
		}
	}

	if hasWitness {
		witnessWeight += 2 + wire.VarIntSerializeSize(uint64(len(inputs)))
	}

	return baseSize + (witnessWeight+3)/blockchain.WitnessScaleFactor
}
