package kvfile

import (
	"go.etcd.io/bbolt"

	"github.com/coldkeep/hdwallet/walletdb"
)

// pendingWrite is a buffered mutation, applied to the namespace only when
// the owning transaction commits.
type pendingWrite struct {
	val   []byte
	erase bool
}

// tx is the kvfile-backed implementation of walletdb.Tx.
type tx struct {
	ns       *Namespace
	writable bool
	closed   bool
	writes   map[string]*pendingWrite
}

func (t *tx) Get(dataKey []byte) []byte {
	if w, ok := t.writes[string(dataKey)]; ok {
		if w.erase {
			return nil
		}
		return w.val
	}

	t.ns.mu.RLock()
	defer t.ns.mu.RUnlock()
	return t.ns.values[string(dataKey)]
}

func (t *tx) Insert(dataKey, dataVal []byte) error {
	if !t.writable {
		return walletdb.ErrTxNotWritable
	}
	if len(dataKey) == 0 {
		return walletdb.ErrKeyRequired
	}
	t.writes[string(dataKey)] = &pendingWrite{val: append([]byte{}, dataVal...)}
	return nil
}

func (t *tx) Erase(dataKey []byte) error {
	if !t.writable {
		return walletdb.ErrTxNotWritable
	}
	t.writes[string(dataKey)] = &pendingWrite{erase: true}
	return nil
}

func (t *tx) ForEach(fn func(dataKey, dataVal []byte) error) error {
	t.ns.mu.RLock()
	snapshot := make(map[string][]byte, len(t.ns.values))
	for k, v := range t.ns.values {
		snapshot[k] = v
	}
	t.ns.mu.RUnlock()

	for k, w := range t.writes {
		if w.erase {
			delete(snapshot, k)
		} else {
			snapshot[k] = w.val
		}
	}

	for k, v := range snapshot {
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Commit applies every buffered write to the bbolt bucket inside a single
// transaction, following the erase-then-rewrite protocol: a key with a
// prior physical slot is wiped there and its old slot number recorded in a
// fresh erasure placeholder before any replacement value is written under
// a brand new slot.
func (t *tx) Commit() error {
	if t.closed {
		return walletdb.ErrTxClosed
	}
	t.closed = true
	if !t.writable {
		return nil
	}
	defer t.ns.writeMu.Unlock()

	ns := t.ns
	ns.mu.Lock()
	defer ns.mu.Unlock()

	return ns.store.db.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(ns.bucketName)

		for dataKey, w := range t.writes {
			oldDbKey, existed := ns.dataKeyToDbKey[dataKey]
			if existed {
				if err := wipeSlot(b, oldDbKey); err != nil {
					return err
				}

				placeholderKey := ns.nextDbKey()
				env, err := sealFor(placeholderKey, nil, encodeErasurePlaceholder(oldDbKey), ns)
				if err != nil {
					return err
				}
				if err := b.Put(dbKeyBytes(placeholderKey), env); err != nil {
					return err
				}

				delete(ns.dataKeyToDbKey, dataKey)
				delete(ns.values, dataKey)
			}

			if w.erase {
				continue
			}

			newDbKey := ns.nextDbKey()
			env, err := sealFor(newDbKey, []byte(dataKey), w.val, ns)
			if err != nil {
				return err
			}
			if err := b.Put(dbKeyBytes(newDbKey), env); err != nil {
				return err
			}

			ns.dataKeyToDbKey[dataKey] = newDbKey
			ns.values[dataKey] = w.val
		}
		return nil
	})
}

func (t *tx) Rollback() error {
	if t.closed {
		return walletdb.ErrTxClosed
	}
	t.closed = true
	if t.writable {
		t.ns.writeMu.Unlock()
	}
	return nil
}

// wipeSlot overwrites a physical slot's ciphertext with zeros before
// deleting it, so a crash between the two operations can't leave a stale
// but still-decryptable envelope on disk.
func wipeSlot(b *bbolt.Bucket, dbKey uint32) error {
	key := dbKeyBytes(dbKey)
	if existing := b.Get(key); existing != nil {
		zeroed := make([]byte, len(existing))
		if err := b.Put(key, zeroed); err != nil {
			return err
		}
	}
	return b.Delete(key)
}
