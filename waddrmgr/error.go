package waddrmgr

import "fmt"

// ErrorCode identifies a specific failure raised by this package.
type ErrorCode int

const (
	// ErrAccountIDCollision indicates a freshly generated account ID
	// collided with a reserved ID or an existing account.
	ErrAccountIDCollision ErrorCode = iota

	// ErrUnrequestedAddress indicates an index above the account's
	// lastUsedIndex was requested through the address API.
	ErrUnrequestedAddress

	// ErrInvariantViolation indicates an on-disk count mismatch,
	// unfilled chain gap, or otherwise corrupt persisted state.
	ErrInvariantViolation

	// ErrEncryptedDataMissing indicates an asset's private key slot has
	// not yet been materialized.
	ErrEncryptedDataMissing

	// ErrWrongDerivationScheme indicates an operation was attempted
	// against a derivation scheme that does not support it (for
	// example, extending a chain scheme with a salt operation).
	ErrWrongDerivationScheme
)

var errorCodeStrings = map[ErrorCode]string{
	ErrAccountIDCollision:    "ErrAccountIDCollision",
	ErrUnrequestedAddress:    "ErrUnrequestedAddress",
	ErrInvariantViolation:    "ErrInvariantViolation",
	ErrEncryptedDataMissing:  "ErrEncryptedDataMissing",
	ErrWrongDerivationScheme: "ErrWrongDerivationScheme",
}

func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// ManagerError is the error type this package uses for the failure
// conditions listed under ErrorCode. Not every error it returns is one:
// NewMultisigAsset's sub-asset count check returns a fmt.Errorf error, and
// the Commit methods return errors from walletdb.Tx unchanged.
type ManagerError struct {
	ErrorCode   ErrorCode
	Description string
	Err         error
}

func (e ManagerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

func (e ManagerError) Unwrap() error {
	return e.Err
}

func managerError(c ErrorCode, desc string, err error) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc, Err: err}
}
