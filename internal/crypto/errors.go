package crypto

import "errors"

var (
	ErrInvalidKey       = errors.New("crypto: invalid key material")
	ErrDecryptionFailed = errors.New("crypto: message authentication failed")
	ErrMalformed        = errors.New("crypto: malformed ciphertext")
)
