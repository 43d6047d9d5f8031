// Package zero contains helpers to scrub decrypted key material from memory
// once a caller is done with it. It backs the scoped decryption guard in the
// ddc package.
package zero

// Bytes overwrites every byte of b with 0x00. It is used to scrub decrypted
// private keys, encryption keys and passphrases as soon as they are no
// longer needed.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears a 32-byte array in place.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// Bytea64 clears a 64-byte array in place.
func Bytea64(b *[64]byte) {
	*b = [64]byte{}
}
