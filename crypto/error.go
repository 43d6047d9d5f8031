package crypto

import "fmt"

// ErrorCode identifies a kind of cryptographic failure.
type ErrorCode int

// These constants identify the specific reason a CryptoError was raised.
const (
	// ErrInvalidKey indicates a key (private or public) failed a
	// validity check, such as a scalar outside [1, N-1] or a point not on
	// the curve.
	ErrInvalidKey ErrorCode = iota

	// ErrMacMismatch indicates an authentication tag did not match the
	// computed one. The associated ciphertext must be treated as
	// tampered or corrupt.
	ErrMacMismatch

	// ErrEnvelopeCorruption indicates an encrypted envelope was too
	// short or otherwise structurally invalid to parse.
	ErrEnvelopeCorruption

	// ErrKDFFailure indicates the key derivation function's parameters
	// were invalid or the derivation itself failed.
	ErrKDFFailure

	// ErrSignatureFailure indicates an ECDSA sign or verify operation
	// failed for reasons other than an invalid key.
	ErrSignatureFailure
)

var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidKey:         "ErrInvalidKey",
	ErrMacMismatch:        "ErrMacMismatch",
	ErrEnvelopeCorruption: "ErrEnvelopeCorruption",
	ErrKDFFailure:         "ErrKDFFailure",
	ErrSignatureFailure:   "ErrSignatureFailure",
}

func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is the error type returned by every fallible operation in this
// package. All cryptographic failures are fatal to the caller's current
// operation; none are meant to be retried without a change of input.
type Error struct {
	ErrorCode   ErrorCode
	Description string
	Err         error
}

func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

func (e Error) Unwrap() error {
	return e.Err
}

func newError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}
