package crypto

import (
	"strings"
	"testing"
)

func testKeys() map[string][]byte {
	return map[string][]byte{
		"k1": []byte("0123456789abcdef0123456789abcdef"),
		"k2": []byte("fedcba9876543210fedcba9876543210"),
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	m, err := NewManager("k1", testKeys())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	sealed, err := m.SealString("sk-secret-value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "sk-secret-value") {
		t.Fatalf("sealed value leaks plaintext: %s", sealed)
	}

	got, err := m.OpenString(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "sk-secret-value" {
		t.Fatalf("expected plaintext roundtrip, got %q", got)
	}
}

func TestOpenAfterKeyRotation(t *testing.T) {
	old, err := NewManager("k1", testKeys())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	sealed, err := old.SealString("value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Rotated manager keeps k1 in the ring, so old envelopes still open.
	rotated, err := NewManager("k2", testKeys())
	if err != nil {
		t.Fatalf("new rotated manager: %v", err)
	}
	got, err := rotated.OpenString(sealed)
	if err != nil {
		t.Fatalf("open with rotated current key: %v", err)
	}
	if got != "value" {
		t.Fatalf("expected plaintext, got %q", got)
	}
}

func TestNewManagerRejectsBadKeys(t *testing.T) {
	if _, err := NewManager("missing", testKeys()); err == nil {
		t.Fatal("expected error for unknown current key id")
	}
	if _, err := NewManager("k1", map[string][]byte{"k1": []byte("short")}); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}
}
