// Package crypto implements envelope encryption for HMAC secret values at rest.
// Each secret gets a unique DEK (Data Encryption Key) encrypted by a master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EncryptedData holds all the components of an envelope-encrypted value.
type EncryptedData struct {
	Ciphertext       []byte
	Nonce            []byte
	EncryptedDEK     []byte
	DEKNonce         []byte
	MasterKeyVersion int
}

// EnvelopeCrypto handles envelope encryption using AES-256-GCM.
type EnvelopeCrypto struct {
	masterKey        []byte
	masterKeyVersion int
	lookupKey        []byte
}

// lookupInfo separates the lookup-hash key from any other key derived from the master key.
const lookupInfo = "anchorpipe hmac-secret lookup v1"

// NewEnvelopeCrypto creates a new EnvelopeCrypto instance from a 32-byte master key.
func NewEnvelopeCrypto(masterKey []byte) (*EnvelopeCrypto, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be exactly 32 bytes, got %d", len(masterKey))
	}

	lookupKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(lookupInfo)), lookupKey); err != nil {
		return nil, fmt.Errorf("deriving lookup key: %w", err)
	}

	return &EnvelopeCrypto{
		masterKey:        masterKey,
		masterKeyVersion: 1,
		lookupKey:        lookupKey,
	}, nil
}

// LoadMasterKey decodes a hex master key given inline or, when keyHex is
// empty, read from keyFile.
func LoadMasterKey(keyHex, keyFile string) ([]byte, error) {
	if keyHex == "" {
		if keyFile == "" {
			return nil, errors.New("MASTER_KEY or MASTER_KEY_FILE is required")
		}
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("reading master key file: %w", err)
		}
		keyHex = strings.TrimSpace(string(data))
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding master key hex: %w", err)
	}
	return key, nil
}

// Encrypt performs envelope encryption on plaintext.
// 1. Generate a random DEK
// 2. Encrypt plaintext with DEK using AES-256-GCM
// 3. Encrypt DEK with master key using AES-256-GCM
func (ec *EnvelopeCrypto) Encrypt(plaintext []byte) (*EncryptedData, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generating DEK: %w", err)
	}
	defer wipe(dek)

	ciphertext, nonce, err := aesGCMEncrypt(dek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting plaintext with DEK: %w", err)
	}

	encryptedDEK, dekNonce, err := aesGCMEncrypt(ec.masterKey, dek)
	if err != nil {
		return nil, fmt.Errorf("encrypting DEK with master key: %w", err)
	}

	return &EncryptedData{
		Ciphertext:       ciphertext,
		Nonce:            nonce,
		EncryptedDEK:     encryptedDEK,
		DEKNonce:         dekNonce,
		MasterKeyVersion: ec.masterKeyVersion,
	}, nil
}

// Decrypt performs envelope decryption.
func (ec *EnvelopeCrypto) Decrypt(data *EncryptedData) ([]byte, error) {
	if data == nil {
		return nil, errors.New("no encrypted data")
	}
	if data.MasterKeyVersion != 0 && data.MasterKeyVersion != ec.masterKeyVersion {
		return nil, fmt.Errorf("unknown master key version %d", data.MasterKeyVersion)
	}

	dek, err := aesGCMDecrypt(ec.masterKey, data.EncryptedDEK, data.DEKNonce)
	if err != nil {
		return nil, fmt.Errorf("decrypting DEK: %w", err)
	}
	defer wipe(dek)

	plaintext, err := aesGCMDecrypt(dek, data.Ciphertext, data.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plaintext, nil
}

// LookupHash returns a keyed one-way hash of a secret value. It is stable for
// a given master key, so rows can be indexed by it without storing plaintext.
func (ec *EnvelopeCrypto) LookupHash(plaintext []byte) string {
	mac := hmac.New(sha256.New, ec.lookupKey)
	mac.Write(plaintext)
	return hex.EncodeToString(mac.Sum(nil))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// aesGCMEncrypt encrypts data using AES-256-GCM with a random nonce.
func aesGCMEncrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// aesGCMDecrypt decrypts data using AES-256-GCM.
func aesGCMDecrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}
