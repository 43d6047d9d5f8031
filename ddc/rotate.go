package ddc

import (
	"fmt"

	"github.com/coldkeep/hdwallet/crypto"
	"github.com/coldkeep/hdwallet/internal/zero"
)

// ChangePassphrase re-seals the root encryption key under a new passphrase
// and KDFSpec, returning the new sealed datum for the caller to persist.
// It requires h to be the sole outstanding lock scope (depth 1): rotating
// the root key while another caller might be mid-resolution of a chain
// hanging off it would let that caller observe a torn state, so
// ChangePassphrase refuses to run under a shared lock.
//
// If replace is false, the new sealed form is added alongside every
// existing one: both the old and new passphrases unlock the root key
// afterward. If replace is true, every prior sealed form is discarded and
// only the new passphrase unlocks it.
func (c *Container) ChangePassphrase(h *LockHandle, newPassphrase []byte, newSpec crypto.KDFSpec, replace bool) (EncryptedDatum, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.closed || h.c != c {
		return EncryptedDatum{}, fmt.Errorf("ddc: invalid lock handle")
	}
	if c.depth != 1 {
		return EncryptedDatum{}, fmt.Errorf("ddc: passphrase rotation requires exclusive ownership of the lock (depth=%d)", c.depth)
	}

	rootMaterial, err := c.resolveKeyMaterial(c.defaultKeyID)
	if err != nil {
		return EncryptedDatum{}, fmt.Errorf("ddc: resolving current root key: %w", err)
	}
	rootCopy := append([]byte{}, rootMaterial...)
	defer zero.Bytes(rootCopy)

	newAESKey, err := newSpec.Derive(newPassphrase)
	if err != nil {
		return EncryptedDatum{}, fmt.Errorf("ddc: deriving new root key material: %w", err)
	}
	defer zero.Bytes(newAESKey)

	iv := crypto.NewIV()
	ciphertext, err := crypto.EncryptCBC(newAESKey, iv[:], rootCopy)
	if err != nil {
		return EncryptedDatum{}, fmt.Errorf("ddc: sealing rotated root key: %w", err)
	}

	newDatum := EncryptedDatum{
		EncryptionKeyID: [20]byte{}, // root keys have no parent
		KDFID:           newSpec.ID(),
		IV:              iv,
		Ciphertext:      ciphertext,
	}

	c.kdfSpecs[newSpec.ID()] = newSpec

	existing := c.keyNodes[c.defaultKeyID]
	var altDatums []EncryptedDatum
	if !replace {
		altDatums = make([]EncryptedDatum, 0, 1+len(existing.altDatums))
		altDatums = append(altDatums, existing.datum)
		altDatums = append(altDatums, existing.altDatums...)
	}
	c.keyNodes[c.defaultKeyID] = encryptionKeyNode{datum: newDatum, altDatums: altDatums}

	// The derived-key cache for the root id only holds AES keys derived
	// under KDF ids still named by a live sealed form; the new KDF id was
	// never cached, and entries for surviving old KDF ids (replace=false)
	// are still valid, so nothing needs invalidating there. A
	// replace=true rotation drops every retired sealed form's KDF id
	// from the node above, leaving any cache entry for it simply unused.
	return newDatum, nil
}
