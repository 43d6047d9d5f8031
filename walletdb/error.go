package walletdb

import "errors"

// Errors returned by DB and Namespace operations.
var (
	// ErrDbNotOpen is returned when a database instance is accessed
	// before it is opened or after it is closed.
	ErrDbNotOpen = errors.New("database not open")

	// ErrNamespaceNotFound is returned by DeleteNamespace when the named
	// sub-database does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// Errors returned by Tx operations.
var (
	// ErrTxClosed is returned when attempting to commit or roll back a
	// transaction that has already been committed or rolled back.
	ErrTxClosed = errors.New("transaction closed")

	// ErrTxNotWritable is returned when Insert or Erase is called
	// against a read-only transaction.
	ErrTxNotWritable = errors.New("transaction not writable")

	// ErrKeyRequired is returned when inserting a zero-length data key.
	ErrKeyRequired = errors.New("data key required")
)

// Errors returned while reconciling a namespace's on-disk record stream at
// load time. These are fatal: a namespace that cannot reconcile its record
// stream must refuse to load rather than serve a torn view of it.
var (
	// ErrDuplicateLogicalKey is returned when a namespace's record
	// stream contains two live (non-erased) records for the same
	// logical key. A legitimate rewrite always erases the old record's
	// physical slot before writing the new one, so two live sightings
	// of the same logical key can only mean the stream itself is
	// corrupt.
	ErrDuplicateLogicalKey = errors.New("duplicate logical key across records")
)
