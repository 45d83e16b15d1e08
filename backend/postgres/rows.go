package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/store"
)

// apiKeyRow is one api_keys row as scanned by pgx.RowToStructByName.
type apiKeyRow struct {
	ID             uuid.UUID  `db:"id"`
	Name           string     `db:"key_name"`
	KeyHash        string     `db:"key_hash"`
	KeyPrefix      string     `db:"key_prefix"`
	KeyType        string     `db:"key_type"`
	UserEmail      *string    `db:"user_email"`
	CreatedByEmail string     `db:"created_by_email"`
	CreatedAt      time.Time  `db:"created_at"`
	ExpiresAt      *time.Time `db:"expires_at"`
	LastUsedAt     *time.Time `db:"last_used_at"`
	RevokedAt      *time.Time `db:"revoked_at"`
	RevokedByEmail *string    `db:"revoked_by_email"`
	IsActive       bool       `db:"is_active"`
}

func (r apiKeyRow) toKey() (*apikey.APIKey, error) {
	keyType := apikey.KeyType(r.KeyType)
	if keyType != apikey.TypeUser && keyType != apikey.TypeSystem {
		return nil, &store.CorruptError{Key: "api_keys/" + r.ID.String(), Reason: "unknown key type " + r.KeyType}
	}
	if r.CreatedAt.IsZero() {
		return nil, &store.CorruptError{Key: "api_keys/" + r.ID.String(), Reason: "missing created_at"}
	}
	return &apikey.APIKey{
		ID:             r.ID,
		Name:           r.Name,
		KeyHash:        r.KeyHash,
		KeyPrefix:      r.KeyPrefix,
		Type:           keyType,
		UserEmail:      deref(r.UserEmail),
		CreatedByEmail: r.CreatedByEmail,
		CreatedAt:      r.CreatedAt.UTC(),
		ExpiresAt:      utc(r.ExpiresAt),
		LastUsedAt:     utc(r.LastUsedAt),
		RevokedAt:      utc(r.RevokedAt),
		RevokedByEmail: deref(r.RevokedByEmail),
		Active:         r.IsActive,
	}, nil
}

// keyArgs orders k's fields as keyColumns does.
func keyArgs(k *apikey.APIKey) []any {
	return []any{
		k.ID,
		k.Name,
		k.KeyHash,
		k.KeyPrefix,
		string(k.Type),
		nullable(k.UserEmail),
		k.CreatedByEmail,
		k.CreatedAt,
		k.ExpiresAt,
		k.LastUsedAt,
		k.RevokedAt,
		nullable(k.RevokedByEmail),
		k.Active,
	}
}

// truncateTimes drops precision timestamptz cannot hold, so the returned key
// reads back unchanged.
func truncateTimes(k *apikey.APIKey) {
	k.CreatedAt = k.CreatedAt.UTC().Truncate(time.Microsecond)
	k.ExpiresAt = truncate(k.ExpiresAt)
	k.LastUsedAt = truncate(k.LastUsedAt)
	k.RevokedAt = truncate(k.RevokedAt)
}

func truncate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
