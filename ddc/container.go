// Package ddc implements the decrypted-data container: the single place in
// the wallet core where a passphrase-derived or chained encryption key is
// ever held in plaintext, and only for the duration of an explicit lock
// scope.
//
// A container holds a tree of encryption keys. The root ("default") key is
// protected directly by a user passphrase run through a KDFSpec; every
// other key, and every private key in the wallet, is protected by some
// encryption key in the tree, possibly several links up. Resolving a
// private key therefore means walking up the tree, prompting the user for
// a passphrase only at the link that actually needs one, and caching every
// key decrypted along the way for the remainder of the lock scope.
//
// Grounded on cppForSwig/DecryptedDataContainer.cpp's populateEncryptionKey
// (recursive parent resolution) and getDecryptedPrivateData (decrypt-once,
// cache-for-the-scope).
package ddc

import (
	"fmt"
	"sync"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/internal/zero"
)

// PromptFunc asks the user for the passphrase protecting encryptionKeyID.
// It must be a pure function of its input: given the same key ID, it
// returns the same passphrase (or the same error) every time it is called
// within a single lock scope. The container may call it more than once for
// the same ID while resolving a chain of keys, so side effects (counting
// attempts, rate limiting) belong in the caller supplying this function,
// not in the container. The container zeroes the returned slice as soon as
// it has used it, so fn must return a fresh slice on every call rather than
// a buffer it hands out again.
type PromptFunc func(encryptionKeyID [20]byte) ([]byte, error)

// EncryptedDatum is a single ciphertext sealed under one encryption key and
// one KDF-derived AES key.
type EncryptedDatum struct {
	EncryptionKeyID [20]byte
	KDFID           [20]byte
	IV              [16]byte
	Ciphertext      []byte
}

// SealedPrivateKey is a private scalar sealed for storage, identified the
// same way the address/asset manager identifies it.
type SealedPrivateKey struct {
	ID    [20]byte
	Datum EncryptedDatum
}

// encryptionKeyNode is one key in the container's tree: either the
// passphrase-protected root (ParentID is the zero value and KDFID names the
// KDFSpec run over the passphrase) or a key protected by another key
// already in the tree.
//
// altDatums holds additional sealed forms of the same key material left
// behind by a changePassphrase(replace=false) rotation: the old and new
// passphrase both stay valid unlockers until a later replace=true rotation
// retires them.
type encryptionKeyNode struct {
	datum     EncryptedDatum
	altDatums []EncryptedDatum
}

// Container is the decrypted-data container. The zero value is not usable;
// construct with New.
type Container struct {
	mu    sync.Mutex
	depth int

	prompt PromptFunc

	kdfSpecs     map[[20]byte]crypto.KDFSpec
	keyNodes     map[[20]byte]encryptionKeyNode
	defaultKeyID [20]byte

	decryptedKeys map[[20]byte][]byte
	derivedCache  map[[20]byte]map[[20]byte][]byte
}

// New constructs an empty container. defaultKeyID identifies the
// passphrase-protected root key; its node and KDFSpec must be registered
// with RegisterEncryptionKey/RegisterKDFSpec before the first Lock.
func New(defaultKeyID [20]byte) *Container {
	return &Container{
		defaultKeyID: defaultKeyID,
		kdfSpecs:     make(map[[20]byte]crypto.KDFSpec),
		keyNodes:     make(map[[20]byte]encryptionKeyNode),
	}
}

// RegisterKDFSpec makes spec available for derivations under id.
func (c *Container) RegisterKDFSpec(id [20]byte, spec crypto.KDFSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kdfSpecs[id] = spec
}

// RegisterEncryptionKey records the sealed form of an encryption key,
// keyed by its own ID. The root key is registered the same way as any
// other: its datum's EncryptionKeyID is conventionally the zero value,
// meaning "derive directly from the prompted passphrase" rather than from
// another key in the tree.
func (c *Container) RegisterEncryptionKey(id [20]byte, datum EncryptedDatum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyNodes[id] = encryptionKeyNode{datum: datum}
}

// LockHandle represents ownership of an open lock scope. Close must be
// called exactly once, typically via defer, to release the scope and (once
// every nested Lock has closed) zeroize every key decrypted during it.
type LockHandle struct {
	c      *Container
	closed bool
}

// Lock opens a decryption scope, prompting via fn whenever a passphrase is
// needed to resolve a key the caller asks for. Lock is reentrant: calling
// Lock again before the first LockHandle is closed returns a nested handle
// that shares the same cache and does not re-run fn for keys already
// resolved.
func (c *Container) Lock(fn PromptFunc) (*LockHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.depth == 0 {
		c.prompt = fn
		c.decryptedKeys = make(map[[20]byte][]byte)
		c.derivedCache = make(map[[20]byte]map[[20]byte][]byte)
	}
	c.depth++

	return &LockHandle{c: c}, nil
}

// Close releases this handle's hold on the lock scope. Once the last
// outstanding handle closes, every key decrypted during the scope is
// zeroized and forgotten.
func (h *LockHandle) Close() {
	if h.closed {
		return
	}
	h.closed = true

	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	c.depth--
	if c.depth > 0 {
		return
	}

	for id, key := range c.decryptedKeys {
		zero.Bytes(key)
		delete(c.decryptedKeys, id)
	}
	for _, kdfMap := range c.derivedCache {
		for kdfID, key := range kdfMap {
			zero.Bytes(key)
			delete(kdfMap, kdfID)
		}
	}
	c.derivedCache = nil
	c.prompt = nil
}

func (c *Container) ownsLock() bool {
	return c.depth > 0
}

// GetPrivateKey resolves and returns the plaintext of a sealed private key.
// The caller must be holding an open LockHandle. The returned slice is a
// fresh plaintext owned by the caller: decrypted private keys are not
// cached, so every call decrypts again, and the container does not zeroize
// the returned slice when the lock scope closes.
func (c *Container) GetPrivateKey(sealed SealedPrivateKey) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLock() {
		return nil, fmt.Errorf("ddc: container is not locked")
	}

	aesKey, err := c.resolveAESKey(sealed.Datum.EncryptionKeyID, sealed.Datum.KDFID)
	if err != nil {
		return nil, err
	}

	plain, err := crypto.DecryptCBC(aesKey, sealed.Datum.IV[:], sealed.Datum.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ddc: decrypting private key %x: %w", sealed.ID, err)
	}
	return plain, nil
}

// DeriveForSeal returns the AES key identified by (encryptionKeyID, kdfID),
// for callers that need to encrypt fresh material under an already-sealed
// encryption key (for example, materializing a new asset's private key).
// The caller must be holding an open LockHandle.
func (c *Container) DeriveForSeal(encryptionKeyID, kdfID [20]byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsLock() {
		return nil, fmt.Errorf("ddc: container is not locked")
	}
	return c.resolveAESKey(encryptionKeyID, kdfID)
}

// resolveAESKey returns the derived AES key identified by (encryptionKeyID,
// kdfID), deriving and caching it (and, recursively, any parent key
// required to do so) if it is not already cached. Callers must hold c.mu.
func (c *Container) resolveAESKey(encryptionKeyID, kdfID [20]byte) ([]byte, error) {
	if cached, ok := c.derivedCache[encryptionKeyID][kdfID]; ok {
		return cached, nil
	}

	keyMaterial, err := c.resolveKeyMaterial(encryptionKeyID)
	if err != nil {
		return nil, err
	}

	spec, ok := c.kdfSpecs[kdfID]
	if !ok {
		return nil, fmt.Errorf("ddc: unknown kdf id %x", kdfID)
	}

	derived, err := spec.Derive(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("ddc: deriving aes key: %w", err)
	}

	if c.derivedCache[encryptionKeyID] == nil {
		c.derivedCache[encryptionKeyID] = make(map[[20]byte][]byte)
	}
	c.derivedCache[encryptionKeyID][kdfID] = derived
	return derived, nil
}

// resolveKeyMaterial returns the plaintext of encryption key id, prompting
// for a passphrase if id is the passphrase-protected root, or recursively
// resolving and using its parent otherwise. Callers must hold c.mu.
func (c *Container) resolveKeyMaterial(id [20]byte) ([]byte, error) {
	if cached, ok := c.decryptedKeys[id]; ok {
		return cached, nil
	}

	if id == c.defaultKeyID {
		return c.resolvePassphraseProtectedKey(id)
	}

	node, ok := c.keyNodes[id]
	if !ok {
		return nil, fmt.Errorf("ddc: unknown encryption key id %x", id)
	}

	parentAESKey, err := c.resolveAESKey(node.datum.EncryptionKeyID, node.datum.KDFID)
	if err != nil {
		return nil, err
	}

	plain, err := crypto.DecryptCBC(parentAESKey, node.datum.IV[:], node.datum.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ddc: decrypting encryption key %x: %w", id, err)
	}

	c.decryptedKeys[id] = plain
	return plain, nil
}

// resolvePassphraseProtectedKey prompts the user for the passphrase
// protecting the root key and decrypts it directly with a KDF-derived key,
// with no parent in the tree. Callers must hold c.mu.
//
// A root key may carry more than one sealed form at once (every unlocker
// left behind by a changePassphrase(replace=false) rotation), so the single
// prompted passphrase is tried against the primary datum and then, in
// order, each alternate form until one decrypts cleanly.
func (c *Container) resolvePassphraseProtectedKey(id [20]byte) ([]byte, error) {
	node, ok := c.keyNodes[id]
	if !ok {
		return nil, fmt.Errorf("ddc: unknown root encryption key id %x", id)
	}

	if c.prompt == nil {
		return nil, fmt.Errorf("ddc: no passphrase prompt registered for this lock scope")
	}
	passphrase, err := c.prompt(id)
	if err != nil {
		return nil, fmt.Errorf("ddc: passphrase prompt failed: %w", err)
	}
	defer zero.Bytes(passphrase)

	candidates := make([]EncryptedDatum, 0, 1+len(node.altDatums))
	candidates = append(candidates, node.datum)
	candidates = append(candidates, node.altDatums...)

	var lastErr error
	for _, datum := range candidates {
		spec, ok := c.kdfSpecs[datum.KDFID]
		if !ok {
			lastErr = fmt.Errorf("ddc: unknown kdf id %x for root key", datum.KDFID)
			continue
		}

		aesKey, err := spec.Derive(passphrase)
		if err != nil {
			lastErr = fmt.Errorf("ddc: deriving root key material: %w", err)
			continue
		}

		plain, err := crypto.DecryptCBC(aesKey, datum.IV[:], datum.Ciphertext)
		zero.Bytes(aesKey)
		if err != nil {
			lastErr = fmt.Errorf("ddc: wrong passphrase or corrupt root key: %w", err)
			continue
		}

		c.decryptedKeys[id] = plain
		return plain, nil
	}

	return nil, lastErr
}
