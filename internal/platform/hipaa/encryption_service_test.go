package hipaa

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewEncryptionService_ValidKey(t *testing.T) {
	svc, err := NewEncryptionService(hex.EncodeToString(generateTestKey(t)), "pepper", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !svc.IsEnabled() {
		t.Fatal("expected encryption to be enabled")
	}

	ct, err := svc.EncryptField("555-0100")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ct == "555-0100" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}
	pt, err := svc.DecryptField(ct)
	if err != nil || pt != "555-0100" {
		t.Fatalf("decrypt: got %q, %v", pt, err)
	}
}

func TestNewEncryptionService_EmptyKeyPassesThrough(t *testing.T) {
	svc, err := NewEncryptionService("", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.IsEnabled() {
		t.Fatal("expected encryption disabled")
	}
	if v, _ := svc.EncryptField("plain"); v != "plain" {
		t.Errorf("expected pass-through, got %q", v)
	}
	if svc.BlindIndex("123456789") == "" {
		t.Error("expected blind index even when encryption is disabled")
	}
}

func TestNewEncryptionService_InvalidKey(t *testing.T) {
	if _, err := NewEncryptionService(strings.Repeat("g", 64), "pepper", zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid hex key")
	}
	if _, err := NewEncryptionService(hex.EncodeToString(generateTestKey(t)), "", zerolog.Nop()); err == nil {
		t.Fatal("expected error when salt is missing")
	}
}

func TestEncryptionService_EmptyValues(t *testing.T) {
	svc, _ := NewEncryptionService(hex.EncodeToString(generateTestKey(t)), "pepper", zerolog.Nop())
	if v, err := svc.EncryptField(""); err != nil || v != "" {
		t.Errorf("expected empty value to stay empty, got %q, %v", v, err)
	}
	if v, err := svc.DecryptField(""); err != nil || v != "" {
		t.Errorf("expected empty value to stay empty, got %q, %v", v, err)
	}
}

func TestEncryptionService_BlindIndexStable(t *testing.T) {
	key := hex.EncodeToString(generateTestKey(t))
	a, _ := NewEncryptionService(key, "pepper", zerolog.Nop())
	b, _ := NewEncryptionService(key, "pepper", zerolog.Nop())
	if a.BlindIndex("123-45-6789") != b.BlindIndex("123456789") {
		t.Error("expected the same key and salt to produce the same index")
	}
}
