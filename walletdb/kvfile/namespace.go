package kvfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/walletdb"
)

// Namespace is the kvfile-backed implementation of walletdb.Namespace. It
// keeps the logical-to-physical key map and the current session's
// encryption keys resident in memory; only sealed envelopes ever touch the
// bbolt bucket.
type Namespace struct {
	store      *Store
	name       string
	bucketName []byte

	mu             sync.RWMutex
	dataKeyToDbKey map[string]uint32
	values         map[string][]byte
	dbKeyCounter   uint32

	sessionCounter uint32
	session        crypto.SessionKeys

	writeMu sync.Mutex // serializes read-write transactions
}

func (ns *Namespace) Name() string { return ns.name }

// load replays the namespace's record stream, reconciling erasure gaps and
// rotating through session keys exactly as they were written, then appends
// a fresh key-cycle marker and advances to a new session for this process's
// own writes.
func (ns *Namespace) load() error {
	session, err := crypto.DeriveSessionKeys(ns.store.rootKey, ns.store.controlSalt, 0)
	if err != nil {
		return err
	}

	gaps := make(map[uint32]struct{})
	dataKeyToDbKey := make(map[string]uint32)
	values := make(map[string][]byte)
	sessionCounter := uint32(0)
	prevDbKey := int64(-1)

	err = ns.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ns.bucketName)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 4 {
				return fmt.Errorf("kvfile: invalid physical key length %d", len(k))
			}
			dbKeyInt := dbKeyFromBytes(k)

			if int64(dbKeyInt)-prevDbKey != 1 {
				for i := prevDbKey + 1; i < int64(dbKeyInt); i++ {
					gaps[uint32(i)] = struct{}{}
				}
			}
			prevDbKey = int64(dbKeyInt)

			dataKey, dataVal, err := crypto.OpenEnvelope(crypto.Envelope(v), k, session)
			if err != nil {
				return fmt.Errorf("kvfile: opening record %d: %w", dbKeyInt, err)
			}

			if len(dataKey) != 0 {
				if prevDataDbKey, ok := dataKeyToDbKey[string(dataKey)]; ok {
					return fmt.Errorf("kvfile: %w %q: live at records %d and %d",
						walletdb.ErrDuplicateLogicalKey, dataKey, prevDataDbKey, dbKeyInt)
				}
				dataKeyToDbKey[string(dataKey)] = dbKeyInt
				values[string(dataKey)] = dataVal
				continue
			}

			// Meta record.
			switch {
			case bytes.Equal(dataVal, []byte(metaKeyCycle)):
				sessionCounter++
				session, err = crypto.DeriveSessionKeys(ns.store.rootKey, ns.store.controlSalt, sessionCounter)
				if err != nil {
					return err
				}

			case bytes.HasPrefix(dataVal, []byte(metaErased)):
				oldDbKey, err := parseErasurePlaceholder(dataVal)
				if err != nil {
					return err
				}
				if _, ok := gaps[oldDbKey]; !ok {
					return fmt.Errorf("kvfile: erasure placeholder for unexpected gap %d", oldDbKey)
				}
				delete(gaps, oldDbKey)

			default:
				return fmt.Errorf("kvfile: unrecognized meta record at %d", dbKeyInt)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(gaps) != 0 {
		return fmt.Errorf("kvfile: %d unaccounted-for dbkey gaps in %q", len(gaps), ns.name)
	}

	ns.dataKeyToDbKey = dataKeyToDbKey
	ns.values = values
	ns.dbKeyCounter = uint32(prevDbKey + 1)
	ns.sessionCounter = sessionCounter
	ns.session = session

	return ns.appendKeyCycleMarkerAndRotate()
}

// appendKeyCycleMarkerAndRotate seals a key-cycle flag under the session
// that just finished loading, then advances the namespace to a fresh
// session for the records this process is about to write. Every future
// load will encounter this flag and rotate its own decryption keys at the
// same point in the stream.
func (ns *Namespace) appendKeyCycleMarkerAndRotate() error {
	dbKey := ns.nextDbKey()
	env, err := sealFor(dbKey, nil, []byte(metaKeyCycle), ns)
	if err != nil {
		return err
	}

	if err := ns.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ns.bucketName)
		return b.Put(dbKeyBytes(dbKey), env)
	}); err != nil {
		return err
	}

	ns.sessionCounter++
	session, err := crypto.DeriveSessionKeys(ns.store.rootKey, ns.store.controlSalt, ns.sessionCounter)
	if err != nil {
		return err
	}
	ns.session = session
	return nil
}

func (ns *Namespace) nextDbKey() uint32 {
	k := ns.dbKeyCounter
	ns.dbKeyCounter++
	return k
}

func parseErasurePlaceholder(dataVal []byte) (uint32, error) {
	rest := dataVal[len(metaErased):]
	n, sz := binary.Uvarint(rest)
	if sz <= 0 {
		return 0, fmt.Errorf("kvfile: truncated erasure placeholder")
	}
	rest = rest[sz:]
	if uint64(len(rest)) != n || n != 4 {
		return 0, fmt.Errorf("kvfile: malformed erasure placeholder")
	}
	return dbKeyFromBytes(rest), nil
}

func encodeErasurePlaceholder(oldDbKey uint32) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], 4)
	buf := append([]byte(metaErased), tmp[:n]...)
	return append(buf, dbKeyBytes(oldDbKey)...)
}

// Begin starts a transaction against this namespace.
func (ns *Namespace) Begin(ctx context.Context, writable bool) (walletdb.Tx, error) {
	if writable {
		ns.writeMu.Lock()
	}
	return &tx{ns: ns, writable: writable, writes: make(map[string]*pendingWrite)}, nil
}

func (ns *Namespace) View(ctx context.Context, fn func(walletdb.Tx) error) error {
	t, err := ns.Begin(ctx, false)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

func (ns *Namespace) Update(ctx context.Context, fn func(walletdb.Tx) error) error {
	t, err := ns.Begin(ctx, true)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}
