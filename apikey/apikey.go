// Package apikey holds the API key lifecycle entity and its persistence contract.
package apikey

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyType distinguishes user-bound keys from organization-level keys.
type KeyType string

const (
	TypeUser   KeyType = "USER"
	TypeSystem KeyType = "SYSTEM"
)

// Status is derived from an APIKey at read time and never stored.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

// expiringSoonWindow is how far ahead ExpiringSoon looks.
const expiringSoonWindow = 7 * 24 * time.Hour

// APIKey is a hashed credential for programmatic access.
type APIKey struct {
	ID             uuid.UUID
	Name           string  `validate:"required,max=100"`
	KeyHash        string  `validate:"required,max=255"`
	KeyPrefix      string  `validate:"required,max=20"`
	Type           KeyType `validate:"required,oneof=USER SYSTEM"`
	UserEmail      string  `validate:"omitempty,email,max=255"`
	CreatedByEmail string  `validate:"required,email,max=255"`
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
	RevokedAt      *time.Time
	RevokedByEmail string `validate:"omitempty,max=255"`
	Active         bool
}

// New returns an active key with a fresh identifier.
func New(name, keyHash, keyPrefix string, keyType KeyType, userEmail, createdBy string, expiresAt *time.Time) *APIKey {
	return &APIKey{
		ID:             uuid.New(),
		Name:           name,
		KeyHash:        keyHash,
		KeyPrefix:      keyPrefix,
		Type:           keyType,
		UserEmail:      strings.ToLower(userEmail),
		CreatedByEmail: strings.ToLower(createdBy),
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      expiresAt,
		Active:         true,
	}
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Status derives the lifecycle state. Revocation wins over expiry.
func (k *APIKey) Status(now time.Time) Status {
	if k.RevokedAt != nil || !k.Active {
		return StatusRevoked
	}
	if k.Expired(now) {
		return StatusExpired
	}
	return StatusActive
}

// Valid reports whether the key may authenticate a request.
func (k *APIKey) Valid(now time.Time) bool {
	return k.Status(now) == StatusActive
}

// ExpiringSoon reports whether an unexpired key expires within seven days.
func (k *APIKey) ExpiringSoon(now time.Time) bool {
	if k.ExpiresAt == nil || k.Expired(now) {
		return false
	}
	return k.ExpiresAt.Before(now.Add(expiringSoonWindow))
}

// MarkUsed records a successful authentication.
func (k *APIKey) MarkUsed(now time.Time) {
	t := now.UTC()
	k.LastUsedAt = &t
}

// Revoke moves the key to REVOKED in memory. Persisting it is the
// repository's job; see Repository.RevokeWithGuard.
func (k *APIKey) Revoke(by string, now time.Time) {
	t := now.UTC()
	k.RevokedAt = &t
	k.RevokedByEmail = strings.ToLower(by)
	k.Active = false
}

// Clone returns a deep copy.
func (k *APIKey) Clone() *APIKey {
	c := *k
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.LastUsedAt = cloneTime(k.LastUsedAt)
	c.RevokedAt = cloneTime(k.RevokedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
