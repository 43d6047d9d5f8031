package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"github.com/coldkeep/hdwallet/internal/prng"
)

// IVSize is the length in bytes of an AES-CBC initialization vector.
const IVSize = aes.BlockSize

// NewIV draws a fresh random initialization vector from the process-wide
// PRNG.
func NewIV() [IVSize]byte {
	var iv [IVSize]byte
	copy(iv[:], prng.Bytes(IVSize))
	return iv
}

// EncryptCBC PKCS7-pads plaintext to a multiple of the AES block size and
// encrypts it under key with AES-CBC using iv. key must be 16, 24, or 32
// bytes.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newError(ErrInvalidKey, "invalid AES key", err)
	}
	if len(iv) != IVSize {
		return nil, newError(ErrEnvelopeCorruption, "invalid IV length", nil)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptCBC decrypts ciphertext under key with AES-CBC using iv and strips
// the PKCS7 padding.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newError(ErrInvalidKey, "invalid AES key", err)
	}
	if len(iv) != IVSize {
		return nil, newError(ErrEnvelopeCorruption, "invalid IV length", nil)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, newError(ErrEnvelopeCorruption, "ciphertext is not a multiple of the block size", nil)
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, b...), padding...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	n := len(b)
	if n == 0 {
		return nil, newError(ErrEnvelopeCorruption, "empty plaintext", nil)
	}
	padLen := int(b[n-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > n {
		return nil, newError(ErrEnvelopeCorruption, "invalid PKCS7 padding", nil)
	}
	for _, c := range b[n-padLen:] {
		if int(c) != padLen {
			return nil, newError(ErrEnvelopeCorruption, "invalid PKCS7 padding", nil)
		}
	}
	return b[:n-padLen], nil
}
