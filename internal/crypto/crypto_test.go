package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return bytes.NewReader(buf)
}

func TestWrapUnwrapRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	content := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := key.Public().Wrap(content)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := key.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("roundtrip mismatch: got %x want %x", got, content)
	}
}

func TestUnwrapWrongKey(t *testing.T) {
	alice, err := GenerateKey()
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := GenerateKey()
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	wrapped, err := alice.Public().Wrap([]byte("secret content key"))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := bob.Unwrap(wrapped); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestUnwrapTruncated(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := key.Unwrap([]byte("short")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestUnwrapTampered(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	wrapped, err := key.Public().Wrap([]byte("content"))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	wrapped[len(wrapped)-1] ^= 0x01
	if _, err := key.Unwrap(wrapped); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	contentKey, err := NewContentKey()
	if err != nil {
		t.Fatalf("content key: %v", err)
	}
	aad := []byte("session-42")
	sealed, err := Seal(contentKey, []byte("hello"), aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	clear, err := Open(contentKey, sealed, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(clear) != "hello" {
		t.Fatalf("roundtrip mismatch: %q", clear)
	}
}

func TestOpenWrongAAD(t *testing.T) {
	contentKey, err := NewContentKey()
	if err != nil {
		t.Fatalf("content key: %v", err)
	}
	sealed, err := Seal(contentKey, []byte("hello"), []byte("session-a"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(contentKey, sealed, []byte("session-b")); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenShortBlob(t *testing.T) {
	contentKey, err := NewContentKey()
	if err != nil {
		t.Fatalf("content key: %v", err)
	}
	if _, err := Open(contentKey, []byte{1, 2, 3}, nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("attest me")
	sig := key.Sign(msg)
	if !key.Public().Verify(msg, sig) {
		t.Fatal("signature did not verify")
	}
	if key.Public().Verify([]byte("attest me!"), sig) {
		t.Fatal("signature verified against wrong message")
	}
}

func TestKeySerializationRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := ParsePrivateKey(key.Bytes())
	if err != nil {
		t.Fatalf("parse private: %v", err)
	}
	if !bytes.Equal(restored.Bytes(), key.Bytes()) {
		t.Fatal("private key bytes changed across parse")
	}

	pub, err := ParsePublicKey(key.Public().Bytes())
	if err != nil {
		t.Fatalf("parse public: %v", err)
	}
	wrapped, err := pub.Wrap([]byte("content"))
	if err != nil {
		t.Fatalf("wrap with parsed public: %v", err)
	}
	got, err := restored.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("unwrap with parsed private: %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("roundtrip mismatch: %q", got)
	}
}

func TestParseKeyRejectsBadSizes(t *testing.T) {
	if _, err := ParsePrivateKey(make([]byte, 16)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("private: want ErrInvalidKey, got %v", err)
	}
	if _, err := ParsePublicKey(make([]byte, 33)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("public: want ErrInvalidKey, got %v", err)
	}
}

func TestDeterministicRandom(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(64))
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("first key: %v", err)
	}
	restore()

	restore = UseDeterministicRandom(deterministicReader(64))
	defer restore()
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("second key: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("deterministic source produced different keys")
	}
	if !bytes.Equal(a.Public().Bytes(), b.Public().Bytes()) {
		t.Fatal("deterministic source produced different public keys")
	}
}
