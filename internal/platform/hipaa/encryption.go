package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// FieldEncryptor encrypts individual PHI column values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PHIEncryptor provides AES-256-GCM field-level encryption for PHI columns.
type PHIEncryptor struct {
	aead cipher.AEAD
}

func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *PHIEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("phi decrypt: ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Keys are the per-purpose subkeys derived from PHI_ENCRYPTION_KEY.
type Keys struct {
	Encryption []byte
	BlindIndex []byte
}

// DeriveKeys expands the hex master key with HKDF-SHA256 using salt, so the
// encryption key and the blind-index key are never the same bytes.
func DeriveKeys(hexMaster, salt string) (Keys, error) {
	master, err := hex.DecodeString(hexMaster)
	if err != nil {
		return Keys{}, fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(master) != 32 {
		return Keys{}, fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(master))
	}
	if salt == "" {
		return Keys{}, fmt.Errorf("PHI_SALT is required")
	}

	derive := func(info string) ([]byte, error) {
		out := make([]byte, 32)
		r := hkdf.New(sha256.New, master, []byte(salt), []byte(info))
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", info, err)
		}
		return out, nil
	}

	enc, err := derive("phi-encryption")
	if err != nil {
		return Keys{}, err
	}
	idx, err := derive("phi-blind-index")
	if err != nil {
		return Keys{}, err
	}
	return Keys{Encryption: enc, BlindIndex: idx}, nil
}

// blindIndex is HMAC-SHA256 over the normalized value. Normalization drops
// whitespace and dashes so "123-45-6789" and "123456789" match.
func blindIndex(key []byte, value string) string {
	normalized := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, strings.ToLower(value))
	if normalized == "" {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}
