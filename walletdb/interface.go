// Package walletdb defines the storage interface the rest of the wallet core
// programs against: a fixed set of named, independently keyed sub-databases,
// each holding logical (dataKey -> dataVal) records that are transparently
// encrypted and authenticated on the way to and from disk.
//
// Unlike a generic bucketed key/value store, a walletdb.DB never exposes the
// physical key a record is stored under. Every write is free to relocate the
// record to a fresh physical slot, and every erasure must overwrite the old
// slot's ciphertext before it is abandoned, so the interface is expressed in
// terms of logical keys only.
//
// This interface was shaped by btcwallet's walletdb package, adapted from
// its generic nested-bucket model to the flat, encrypted, erasure-aware
// record store the core needs.
package walletdb

import "context"

// Tx represents a single database transaction against one sub-database. A
// read-only Tx observes a consistent snapshot; a read-write Tx buffers its
// writes until Commit, and Rollback discards them entirely.
type Tx interface {
	// Get returns the value stored under dataKey, or nil if it does not
	// exist. The returned slice is only valid until the transaction
	// ends.
	Get(dataKey []byte) []byte

	// Insert stores dataVal under dataKey, replacing any prior value.
	// Returns ErrTxNotWritable against a read-only transaction.
	Insert(dataKey, dataVal []byte) error

	// Erase removes dataKey. It is not an error to erase a key that does
	// not exist. Returns ErrTxNotWritable against a read-only
	// transaction.
	Erase(dataKey []byte) error

	// ForEach invokes fn once for every (dataKey, dataVal) pair present
	// at the time ForEach is called. Iteration order is unspecified.
	ForEach(fn func(dataKey, dataVal []byte) error) error

	// Commit writes all buffered inserts and erasures to persistent
	// storage. Returns ErrTxClosed if already committed or rolled back.
	Commit() error

	// Rollback discards all buffered writes. Returns ErrTxClosed if
	// already committed or rolled back.
	Rollback() error
}

// Namespace is one of the wallet's fixed sub-databases: the control
// database, the wallet header database, or one of its per-account
// sub-wallets.
type Namespace interface {
	// Begin starts a transaction, blocking if a writable transaction is
	// requested while another one is already open.
	Begin(ctx context.Context, writable bool) (Tx, error)

	// View runs fn inside a managed read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// Update runs fn inside a managed read-write transaction, committing
	// on a nil return and rolling back otherwise.
	Update(ctx context.Context, fn func(Tx) error) error

	// Name returns the sub-database's name, as passed to DB.Namespace.
	Name() string
}

// DB is a physical container of walletdb namespaces, backed by a single
// file on disk.
type DB interface {
	// Namespace returns the sub-database identified by name, creating it
	// on first access.
	Namespace(name string) (Namespace, error)

	// DeleteNamespace permanently removes the named sub-database and
	// every record it holds.
	DeleteNamespace(name string) error

	// Namespaces lists every sub-database currently present.
	Namespaces() ([]string, error)

	// Close cleanly shuts the database down, syncing all pending writes.
	Close() error
}
