package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ec, err := NewEnvelopeCrypto(testKey(7))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	enc, err := ec.Encrypt([]byte("s3cr3t"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(enc.Ciphertext, []byte("s3cr3t")) {
		t.Fatalf("ciphertext contains plaintext")
	}
	got, err := ec.Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "s3cr3t" {
		t.Fatalf("expected s3cr3t, got %q", got)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, _ := NewEnvelopeCrypto(testKey(1))
	b, _ := NewEnvelopeCrypto(testKey(2))
	enc, err := a.Encrypt([]byte("value"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(enc); err == nil {
		t.Fatalf("expected decrypt with wrong master key to fail")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	ec, _ := NewEnvelopeCrypto(testKey(3))
	enc, _ := ec.Encrypt([]byte("value"))
	enc.Ciphertext[0] ^= 0xff
	if _, err := ec.Decrypt(enc); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
}

func TestNewEnvelopeCryptoRejectsShortKey(t *testing.T) {
	if _, err := NewEnvelopeCrypto([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestLookupHashIsStableAndKeyed(t *testing.T) {
	a, _ := NewEnvelopeCrypto(testKey(4))
	a2, _ := NewEnvelopeCrypto(testKey(4))
	b, _ := NewEnvelopeCrypto(testKey(5))

	h1 := a.LookupHash([]byte("secret"))
	if h1 != a2.LookupHash([]byte("secret")) {
		t.Fatalf("lookup hash not stable across instances")
	}
	if h1 == b.LookupHash([]byte("secret")) {
		t.Fatalf("lookup hash should depend on master key")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestLoadMasterKey(t *testing.T) {
	key, err := LoadMasterKey(strings.Repeat("ab", 32), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(key))
	}
	if _, err := LoadMasterKey("", ""); err == nil {
		t.Fatalf("expected error when no key configured")
	}
	if _, err := LoadMasterKey("zz", ""); err == nil {
		t.Fatalf("expected error for non-hex key")
	}
}
