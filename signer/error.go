// Package signer builds, partially signs and verifies Bitcoin
// transactions against assets resolved through a caller-supplied
// resolver feed, typically backed by an address account and a DDC lock.
//
// Grounded on btcwallet's wallet.ComputeInputScript (legacy vs. segwit
// witness construction) and wallet/txsizes (worst-case size tables),
// generalized into an explicit spender/recipient state machine with a
// mergeable wire format rather than a single fire-and-forget sign call.
package signer

import "fmt"

// ErrorCode identifies a specific failure raised by this package.
type ErrorCode int

const (
	// ErrUnknownScript indicates the resolver feed could not classify
	// or resolve a spender's output script.
	ErrUnknownScript ErrorCode = iota

	// ErrStateMergeConflict indicates an incoming signer state
	// disagrees with the receiver's state on already-resolved data.
	ErrStateMergeConflict

	// ErrStateMergeReordered indicates an incoming state attempted to
	// reorder existing spenders or recipients.
	ErrStateMergeReordered

	// ErrUnsignedLegacyInput indicates a txid was requested before a
	// legacy or nested-segwit input was signed.
	ErrUnsignedLegacyInput

	// ErrNotResolved indicates an operation requiring a Resolved (or
	// later) spender was attempted on one that is Empty or Unknown.
	ErrNotResolved

	// ErrSignatureRejected indicates a signature failed verification
	// against the spender's script.
	ErrSignatureRejected
)

var errorCodeStrings = map[ErrorCode]string{
	ErrUnknownScript:       "ErrUnknownScript",
	ErrStateMergeConflict:  "ErrStateMergeConflict",
	ErrStateMergeReordered: "ErrStateMergeReordered",
	ErrUnsignedLegacyInput: "ErrUnsignedLegacyInput",
	ErrNotResolved:         "ErrNotResolved",
	ErrSignatureRejected:   "ErrSignatureRejected",
}

func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// SignerError is the error type returned by every fallible operation in
// this package.
type SignerError struct {
	ErrorCode   ErrorCode
	Description string
	Err         error
}

func (e SignerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

func (e SignerError) Unwrap() error {
	return e.Err
}

func signerError(c ErrorCode, desc string, err error) SignerError {
	return SignerError{ErrorCode: c, Description: desc, Err: err}
}
