package crypto

import (
	"golang.org/x/crypto/chacha20poly1305"
)

// ContentKeySize is the size of a session content key.
const ContentKeySize = chacha20poly1305.KeySize

// NewContentKey generates a fresh symmetric content key.
func NewContentKey() ([]byte, error) {
	key := make([]byte, ContentKeySize)
	if err := readRandom(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext under the content key with a random nonce. The
// nonce is prepended to the ciphertext. aad is authenticated but not
// encrypted.
func Seal(contentKey, plaintext, aad []byte) ([]byte, error) {
	if len(contentKey) != ContentKeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if err := readRandom(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. It returns ErrMalformed for structurally invalid input
// and ErrDecryptionFailed on an integrity-check mismatch.
func Open(contentKey, blob, aad []byte) ([]byte, error) {
	if len(contentKey) != ContentKeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.New(contentKey)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
