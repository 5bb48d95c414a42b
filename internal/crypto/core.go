package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests can
// substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// PrivateKey is the capability held by a device or group: it can unwrap
// content keys wrapped for the matching PublicKey and sign payloads. Concrete
// key material stays opaque to callers so the primitive suite is swappable.
type PrivateKey interface {
	Public() PublicKey
	Unwrap(blob []byte) ([]byte, error)
	Sign(message []byte) []byte
	Bytes() []byte
}

// PublicKey can wrap content keys for the matching PrivateKey and verify its
// signatures.
type PublicKey interface {
	Wrap(content []byte) ([]byte, error)
	Verify(message, sig []byte) bool
	Bytes() []byte
}

// deviceKey combines an Ed25519 signing key pair with the corresponding X25519
// key material used for wrapping, derived from the same seed.
type deviceKey struct {
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	dhPrivate      [32]byte
	dhPublic       [32]byte
}

type devicePublicKey struct {
	signingPublic ed25519.PublicKey
	dhPublic      [32]byte
}

// GenerateKey creates a fresh key pair for a device or group.
func GenerateKey() (PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	return keyFromSeed(seed)
}

func keyFromSeed(seed []byte) (PrivateKey, error) {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	return &deviceKey{
		signingPublic:  append(ed25519.PublicKey(nil), pub...),
		signingPrivate: append(ed25519.PrivateKey(nil), priv...),
		dhPrivate:      dhPriv,
		dhPublic:       dhPub,
	}, nil
}

// ParsePrivateKey restores a private key from its Bytes() serialization (the
// Ed25519 seed).
func ParsePrivateKey(b []byte) (PrivateKey, error) {
	if len(b) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	return keyFromSeed(append([]byte(nil), b...))
}

// ParsePublicKey restores a public key from its Bytes() serialization
// (X25519 point followed by the Ed25519 public key).
func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) != 32+ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	pub := &devicePublicKey{signingPublic: append(ed25519.PublicKey(nil), b[32:]...)}
	copy(pub.dhPublic[:], b[:32])
	return pub, nil
}

func (k *deviceKey) Public() PublicKey {
	return &devicePublicKey{
		signingPublic: append(ed25519.PublicKey(nil), k.signingPublic...),
		dhPublic:      k.dhPublic,
	}
}

func (k *deviceKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.signingPrivate, message)
}

func (k *deviceKey) Bytes() []byte {
	return append([]byte(nil), k.signingPrivate.Seed()...)
}

func (p *devicePublicKey) Verify(message, sig []byte) bool {
	return ed25519.Verify(p.signingPublic, message, sig)
}

func (p *devicePublicKey) Bytes() []byte {
	out := make([]byte, 0, 32+len(p.signingPublic))
	out = append(out, p.dhPublic[:]...)
	return append(out, p.signingPublic...)
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

var _ io.Reader = randReader{}
