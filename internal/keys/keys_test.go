package keys

import (
	"testing"

	"github.com/google/uuid"
)

func TestAPIKeyPK_RoundTrip(t *testing.T) {
	id := uuid.MustParse("5f0c8a3e-1b2d-4c5e-9f60-7a8b9c0d1e2f")

	pk := APIKeyPK(id)
	if pk != "APIKEY#5f0c8a3e-1b2d-4c5e-9f60-7a8b9c0d1e2f" {
		t.Errorf("unexpected pk %q", pk)
	}

	got, ok := ParseAPIKeyPK(pk)
	if !ok {
		t.Fatalf("ParseAPIKeyPK(%q) failed", pk)
	}
	if got != id {
		t.Errorf("expected %s, got %s", id, got)
	}
}

func TestParseAPIKeyPK_Invalid(t *testing.T) {
	tests := []string{
		"",
		"APIKEY#",
		"APIKEY#not-a-uuid",
		"AUDIT#5f0c8a3e-1b2d-4c5e-9f60-7a8b9c0d1e2f",
		"5f0c8a3e-1b2d-4c5e-9f60-7a8b9c0d1e2f",
	}

	for _, pk := range tests {
		if _, ok := ParseAPIKeyPK(pk); ok {
			t.Errorf("ParseAPIKeyPK(%q) should fail", pk)
		}
	}
}

func TestIndexKeys(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"key hash", KeyHashPK("abc123"), "KEYHASH#abc123"},
		{"user lowercased", UserPK("Alice@Example.COM"), "USER#alice@example.com"},
		{"user sort key", UserKeySK("2025-01-02T03:04:05Z"), "APIKEY#2025-01-02T03:04:05Z"},
		{"audit", AuditPK("k1"), "AUDIT#k1"},
		{"revoked", RevokedSK("2025-01-02T03:04:05Z"), "REVOKED#2025-01-02T03:04:05Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, tt.got)
			}
		})
	}
}

func TestUserPK_CaseInsensitive(t *testing.T) {
	if UserPK("Bob@Example.com") != UserPK("bob@example.com") {
		t.Error("expected user keys to ignore case")
	}
}
