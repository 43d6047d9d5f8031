// Package prng implements a process-wide, Fortuna-style cryptographic random
// number generator. It is used everywhere the core needs fresh entropy:
// ephemeral IES envelope keys, AES IVs, KDF salts and freshly minted private
// keys.
//
// No library in the reference corpus ships a Fortuna generator, so this is
// built directly on crypto/aes (as the block cipher driving the generator)
// and crypto/rand (as the entropy source reseeding it) rather than a
// third-party CSPRNG of unknown provenance.
package prng

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
)

// reseedInterval is the number of Read calls between automatic reseeds from
// the OS entropy source.
const reseedInterval = 1000

// Generator is a Fortuna-style generator: a 256-bit key plus a 128-bit
// counter driving AES-CTR, periodically reseeded by hashing fresh OS entropy
// into the key. It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	key     [32]byte
	counter [aes.BlockSize]byte
	reads   uint64
	seeded  bool
}

// Global is the process-wide generator used by the rest of the core unless a
// caller supplies its own.
var Global = New()

// New returns a freshly seeded generator.
func New() *Generator {
	g := &Generator{}
	g.reseed()
	return g
}

// reseed mixes fresh OS entropy into the generator key. Callers must hold
// g.mu.
func (g *Generator) reseed() {
	var seed [64]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("prng: failed to read OS entropy: %v", err))
	}

	h := sha256.New()
	h.Write(g.key[:])
	h.Write(seed[:])
	sum := h.Sum(nil)
	copy(g.key[:], sum)

	g.seeded = true
	g.reads = 0
}

// incrementCounter treats the counter as a little-endian 128-bit integer and
// increments it by one, providing the non-repeating nonce stream AES-CTR
// needs. Callers must hold g.mu.
func (g *Generator) incrementCounter() {
	for i := range g.counter {
		g.counter[i]++
		if g.counter[i] != 0 {
			return
		}
	}
}

// Read fills p with cryptographically secure random bytes. It implements
// io.Reader and never returns an error.
func (g *Generator) Read(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.seeded {
		g.reseed()
	}

	block, err := aes.NewCipher(g.key[:])
	if err != nil {
		return 0, err
	}
	stream := cipher.NewCTR(block, g.counter[:])

	n := len(p)
	for i := 0; i < n; i += aes.BlockSize {
		end := i + aes.BlockSize
		if end > n {
			end = n
		}
		stream.XORKeyStream(p[i:end], p[i:end])
		g.incrementCounter()
	}

	// Fortuna generators re-key themselves after every request so a
	// compromise of the current key can't be used to recover past output.
	var freshKey [32]byte
	stream.XORKeyStream(freshKey[:], freshKey[:])
	g.incrementCounter()
	copy(g.key[:], freshKey[:])

	g.reads++
	if g.reads >= reseedInterval {
		g.reseed()
	}

	return n, nil
}

// Bytes returns n freshly generated random bytes drawn from the global
// generator.
func Bytes(n int) []byte {
	b := make([]byte, n)
	_, _ = Global.Read(b)
	return b
}
