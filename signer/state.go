package signer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// stateVersion is the on-wire format tag for SerializeState.
const stateVersion = 1

// SignerState is the in-memory model serialized for exchange between
// cooperating signers (e.g. a watch-only coordinator and a hardware
// signer), per the length-delimited tagged wire format.
type SignerState struct {
	LockTime   uint32
	Spenders   []*Spender
	Recipients []*Recipient
}

// NewSignerState starts an empty signer state for a transaction with
// the given lock time.
func NewSignerState(lockTime uint32) *SignerState {
	return &SignerState{LockTime: lockTime}
}

// AddSpender appends a new spender in input order.
func (s *SignerState) AddSpender(sp *Spender) {
	s.Spenders = append(s.Spenders, sp)
}

// AddRecipient appends a new recipient in output order.
func (s *SignerState) AddRecipient(r *Recipient) {
	s.Recipients = append(s.Recipients, r)
}

// --- wire encoding -----------------------------------------------------
//
// Every field is length-delimited: byte slices as a varint length
// followed by the bytes, integers as fixed-width big-endian. This
// mirrors the persisted record encodings used throughout the wallet's
// storage layer rather than introducing a separate framing scheme.

func putVarBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

func getVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func getUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// SerializeState produces the self-describing envelope exchanged
// between cooperating signers: version, lock time, spenders, then
// recipients.
func (s *SignerState) SerializeState() []byte {
	var buf bytes.Buffer
	putUint32(&buf, stateVersion)
	putUint32(&buf, s.LockTime)

	putUint32(&buf, uint32(len(s.Spenders)))
	for _, sp := range s.Spenders {
		serializeSpender(&buf, sp)
	}

	putUint32(&buf, uint32(len(s.Recipients)))
	for _, r := range s.Recipients {
		serializeRecipient(&buf, r)
	}
	return buf.Bytes()
}

func serializeSpender(buf *bytes.Buffer, sp *Spender) {
	buf.Write(sp.Outpoint.Hash[:])
	putUint32(buf, sp.Outpoint.Index)
	putUint32(buf, sp.Sequence)
	putUint32(buf, uint32(sp.SigHash))
	putUint64(buf, uint64(sp.Value))
	putVarBytes(buf, sp.PkScript)
	putUint32(buf, uint32(sp.Kind))

	putUint32(buf, uint32(len(sp.PubKeys)))
	for _, pk := range sp.PubKeys {
		putVarBytes(buf, pk)
	}
	putVarBytes(buf, sp.RedeemScript)
	putVarBytes(buf, sp.WitnessScript)
	putUint32(buf, uint32(sp.M))
	putUint32(buf, uint32(sp.N))

	putVarBytes(buf, sp.LegacyScript)
	putUint32(buf, uint32(len(sp.Witness)))
	for _, item := range sp.Witness {
		putVarBytes(buf, item)
	}

	putUint32(buf, uint32(len(sp.Signatures)))
	pubKeys := make([]string, 0, len(sp.Signatures))
	for pubKey := range sp.Signatures {
		pubKeys = append(pubKeys, pubKey)
	}
	sort.Strings(pubKeys)
	for _, pubKey := range pubKeys {
		putVarBytes(buf, []byte(pubKey))
		putVarBytes(buf, sp.Signatures[pubKey])
	}
}

func deserializeSpender(r *bytes.Reader) (*Spender, error) {
	sp := &Spender{Signatures: make(map[string][]byte)}

	if _, err := io.ReadFull(r, sp.Outpoint.Hash[:]); err != nil {
		return nil, err
	}
	idx, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	sp.Outpoint.Index = idx

	if sp.Sequence, err = getUint32(r); err != nil {
		return nil, err
	}
	sigHash, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	sp.SigHash = txscript.SigHashType(sigHash)

	value, err := getUint64(r)
	if err != nil {
		return nil, err
	}
	sp.Value = int64(value)

	if sp.PkScript, err = getVarBytes(r); err != nil {
		return nil, err
	}
	kind, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	sp.Kind = ScriptKind(kind)

	pubKeyCount, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < pubKeyCount; i++ {
		pk, err := getVarBytes(r)
		if err != nil {
			return nil, err
		}
		sp.PubKeys = append(sp.PubKeys, pk)
	}

	if sp.RedeemScript, err = getVarBytes(r); err != nil {
		return nil, err
	}
	if sp.WitnessScript, err = getVarBytes(r); err != nil {
		return nil, err
	}
	m, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	n, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	sp.M, sp.N = int(m), int(n)

	if sp.LegacyScript, err = getVarBytes(r); err != nil {
		return nil, err
	}
	witnessCount, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < witnessCount; i++ {
		item, err := getVarBytes(r)
		if err != nil {
			return nil, err
		}
		sp.Witness = append(sp.Witness, item)
	}

	sigCount, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < sigCount; i++ {
		pubKey, err := getVarBytes(r)
		if err != nil {
			return nil, err
		}
		sig, err := getVarBytes(r)
		if err != nil {
			return nil, err
		}
		sp.Signatures[string(pubKey)] = sig
	}

	sp.recomputeStatus()
	return sp, nil
}

func serializeRecipient(buf *bytes.Buffer, r *Recipient) {
	putUint64(buf, uint64(r.Value))
	putVarBytes(buf, r.PkScript)
	putUint32(buf, uint32(r.Kind))
	putUint32(buf, uint32(len(r.BIP32Path)))
	for _, step := range r.BIP32Path {
		putUint32(buf, step)
	}
}

func deserializeRecipient(r *bytes.Reader) (*Recipient, error) {
	value, err := getUint64(r)
	if err != nil {
		return nil, err
	}
	rec := &Recipient{Value: int64(value)}
	if rec.PkScript, err = getVarBytes(r); err != nil {
		return nil, err
	}
	kind, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	rec.Kind = RecipientKind(kind)

	stepCount, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < stepCount; i++ {
		step, err := getUint32(r)
		if err != nil {
			return nil, err
		}
		rec.BIP32Path = append(rec.BIP32Path, step)
	}
	return rec, nil
}

// DeserializeState parses an envelope produced by SerializeState. It
// does not merge; call Merge on an existing SignerState to apply it.
func DeserializeState(b []byte) (*SignerState, error) {
	r := bytes.NewReader(b)

	version, err := getUint32(r)
	if err != nil {
		return nil, signerError(ErrStateMergeConflict, "reading state version", err)
	}
	if version != stateVersion {
		return nil, signerError(ErrStateMergeConflict, fmt.Sprintf("unsupported state version %d", version), nil)
	}

	s := &SignerState{}
	if s.LockTime, err = getUint32(r); err != nil {
		return nil, signerError(ErrStateMergeConflict, "reading lock time", err)
	}

	spenderCount, err := getUint32(r)
	if err != nil {
		return nil, signerError(ErrStateMergeConflict, "reading spender count", err)
	}
	for i := uint32(0); i < spenderCount; i++ {
		sp, err := deserializeSpender(r)
		if err != nil {
			return nil, signerError(ErrStateMergeConflict, "reading spender", err)
		}
		s.Spenders = append(s.Spenders, sp)
	}

	recipientCount, err := getUint32(r)
	if err != nil {
		return nil, signerError(ErrStateMergeConflict, "reading recipient count", err)
	}
	for i := uint32(0); i < recipientCount; i++ {
		rec, err := deserializeRecipient(r)
		if err != nil {
			return nil, signerError(ErrStateMergeConflict, "reading recipient", err)
		}
		s.Recipients = append(s.Recipients, rec)
	}

	return s, nil
}

// Merge applies incoming into s: spenders are matched by outpoint and
// merged slot-by-slot (a filled slot that disagrees with the incoming
// value is a conflict; an empty slot takes the incoming value;
// signatures accumulate up to the threshold). Unknown outpoints are
// appended as new spenders, and recipients are appended or matched by
// script. Any attempt by incoming to reorder spenders or recipients
// already present in s is rejected.
func (s *SignerState) Merge(incoming *SignerState) error {
	if s.LockTime != incoming.LockTime {
		return signerError(ErrStateMergeConflict, "lock time mismatch", nil)
	}

	index := make(map[wire.OutPoint]int, len(s.Spenders))
	for i, sp := range s.Spenders {
		index[sp.Outpoint] = i
	}

	seenOrder := make([]wire.OutPoint, 0, len(incoming.Spenders))
	for _, incSp := range incoming.Spenders {
		if i, ok := index[incSp.Outpoint]; ok {
			if err := mergeSpender(s.Spenders[i], incSp); err != nil {
				return err
			}
			seenOrder = append(seenOrder, incSp.Outpoint)
			continue
		}
		index[incSp.Outpoint] = len(s.Spenders)
		s.Spenders = append(s.Spenders, cloneSpender(incSp))
	}

	if err := checkPrefixOrderPreserved(s.Spenders, seenOrder); err != nil {
		return err
	}

	for _, incRec := range incoming.Recipients {
		matched := false
		for _, rec := range s.Recipients {
			if bytes.Equal(rec.PkScript, incRec.PkScript) {
				if rec.Value != incRec.Value {
					return signerError(ErrStateMergeConflict, "recipient value mismatch", nil)
				}
				matched = true
				break
			}
		}
		if !matched {
			clone := *incRec
			s.Recipients = append(s.Recipients, &clone)
		}
	}

	return nil
}

// cloneSpender deep-copies sp so merging it into a state never lets
// that state's later mutations leak back into the source the spender
// was read from.
func cloneSpender(sp *Spender) *Spender {
	clone := *sp
	clone.PubKeys = append([][]byte(nil), sp.PubKeys...)
	clone.RedeemScript = append([]byte(nil), sp.RedeemScript...)
	clone.WitnessScript = append([]byte(nil), sp.WitnessScript...)
	clone.LegacyScript = append([]byte(nil), sp.LegacyScript...)
	clone.Witness = append(wire.TxWitness(nil), sp.Witness...)
	clone.Signatures = make(map[string][]byte, len(sp.Signatures))
	for k, v := range sp.Signatures {
		clone.Signatures[k] = append([]byte(nil), v...)
	}
	return &clone
}

// checkPrefixOrderPreserved verifies that the relative order of
// outpoints shared between the two states (those the incoming state
// already knew about) matches their order in s.
func checkPrefixOrderPreserved(spenders []*Spender, incomingKnown []wire.OutPoint) error {
	if len(incomingKnown) == 0 {
		return nil
	}
	positions := make(map[wire.OutPoint]int, len(spenders))
	for i, sp := range spenders {
		positions[sp.Outpoint] = i
	}
	last := -1
	for _, op := range incomingKnown {
		pos := positions[op]
		if pos < last {
			return signerError(ErrStateMergeReordered, "incoming state reorders existing spenders", nil)
		}
		last = pos
	}
	return nil
}

func mergeSpender(dst, src *Spender) error {
	if dst.Outpoint != src.Outpoint {
		return signerError(ErrStateMergeConflict, "outpoint mismatch in merge", nil)
	}
	if err := mergeBytesSlot(&dst.PkScript, src.PkScript, "pkScript"); err != nil {
		return err
	}
	if dst.Value != 0 && src.Value != 0 && dst.Value != src.Value {
		return signerError(ErrStateMergeConflict, "value mismatch", nil)
	}
	if dst.Value == 0 {
		dst.Value = src.Value
	}
	if dst.Kind == KindUnknown {
		dst.Kind = src.Kind
	} else if src.Kind != KindUnknown && dst.Kind != src.Kind {
		return signerError(ErrStateMergeConflict, "script kind mismatch", nil)
	}

	if err := mergeBytesSlot(&dst.RedeemScript, src.RedeemScript, "redeemScript"); err != nil {
		return err
	}
	if err := mergeBytesSlot(&dst.WitnessScript, src.WitnessScript, "witnessScript"); err != nil {
		return err
	}
	if dst.M == 0 {
		dst.M = src.M
	}
	if dst.N == 0 {
		dst.N = src.N
	}

	if len(dst.PubKeys) == 0 && len(src.PubKeys) > 0 {
		dst.PubKeys = src.PubKeys
	}

	// LegacyScript and Witness are derived from Signatures, not merged
	// directly: a stack built from only one side's signatures would
	// otherwise shadow the complete stack the merged signature set can
	// now produce.
	if dst.Signatures == nil {
		dst.Signatures = make(map[string][]byte)
	}
	for pubKey, sig := range src.Signatures {
		if existing, ok := dst.Signatures[pubKey]; ok {
			if !bytes.Equal(existing, sig) {
				return signerError(ErrStateMergeConflict, "conflicting signature for pubkey", nil)
			}
			continue
		}
		dst.Signatures[pubKey] = sig
	}

	if err := assembleStacks(dst); err != nil {
		return err
	}
	dst.recomputeStatus()
	return nil
}

// mergeBytesSlot implements the slot-merge rule shared by every
// resolved-data field: empty takes the incoming value, a filled slot
// that disagrees is a conflict, identical data is a no-op.
func mergeBytesSlot(dst *[]byte, src []byte, name string) error {
	if len(src) == 0 {
		return nil
	}
	if len(*dst) == 0 {
		*dst = src
		return nil
	}
	if !bytes.Equal(*dst, src) {
		return signerError(ErrStateMergeConflict, "conflicting "+name, nil)
	}
	return nil
}
