package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoWrap = "e2ee-sdk-wrap"

// Wrap encrypts content (typically a session content key) for the recipient
// using an ephemeral Diffie-Hellman exchange. The output is the ephemeral
// public key followed by the AEAD ciphertext.
func (p *devicePublicKey) Wrap(content []byte) ([]byte, error) {
	eph, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	dh, err := curve25519.X25519(eph.private[:], p.dhPublic[:])
	if err != nil {
		return nil, err
	}
	key, nonce, err := deriveCipherParams(dh)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 32+len(content)+aead.Overhead())
	out = append(out, eph.public[:]...)
	return aead.Seal(out, nonce[:], content, eph.public[:]), nil
}

// Unwrap reverses Wrap using the recipient's private key.
func (k *deviceKey) Unwrap(blob []byte) ([]byte, error) {
	if len(blob) < 32+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	var ephPub [32]byte
	copy(ephPub[:], blob[:32])
	dh, err := curve25519.X25519(k.dhPrivate[:], ephPub[:])
	if err != nil {
		return nil, ErrMalformed
	}
	key, nonce, err := deriveCipherParams(dh)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	content, err := aead.Open(nil, nonce[:], blob[32:], ephPub[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return content, nil
}

type x25519KeyPair struct {
	private [32]byte
	public  [32]byte
}

func generateX25519KeyPair() (x25519KeyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return x25519KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return x25519KeyPair{}, err
	}
	var kp x25519KeyPair
	kp.private = priv
	copy(kp.public[:], pub)
	return kp, nil
}

func deriveCipherParams(secret []byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoWrap))
	var key [32]byte
	var nonce [12]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	if _, err := io.ReadFull(hk, nonce[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	return key, nonce, nil
}
