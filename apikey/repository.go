package apikey

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/twinstore/repository"
)

// Repository is implemented once per backend.
type Repository interface {
	repository.Repository[*APIKey, uuid.UUID]

	// FindByKeyHash returns repository.ErrNotFound when no key has the hash.
	FindByKeyHash(ctx context.Context, keyHash string) (*APIKey, error)
	FindByUserEmail(ctx context.Context, email string) ([]*APIKey, error)
	FindByKeyType(ctx context.Context, keyType KeyType) ([]*APIKey, error)
	FindByActive(ctx context.Context, active bool) ([]*APIKey, error)
	FindByUserEmailAndActive(ctx context.Context, email string, active bool) ([]*APIKey, error)
	FindByCreatedByEmail(ctx context.Context, email string) ([]*APIKey, error)

	// FindExpired returns active keys whose expiry is at or before now.
	FindExpired(ctx context.Context, now time.Time) ([]*APIKey, error)

	// RevokeWithGuard revokes key only if it is still active at commit time.
	// Losing that race yields ErrAlreadyRevoked; a missing key yields
	// repository.ErrNotFound.
	RevokeWithGuard(ctx context.Context, key *APIKey, revokedBy string) (*APIKey, error)

	// RotateAtomically creates newKey and revokes oldKey in one atomic write.
	// Either both land or neither does.
	RotateAtomically(ctx context.Context, oldKey, newKey *APIKey, revokedBy string) (*APIKey, error)

	// SaveAllAtomically writes every key or none.
	SaveAllAtomically(ctx context.Context, keys []*APIKey) ([]*APIKey, error)

	// DeleteAllAtomically removes every key or none.
	DeleteAllAtomically(ctx context.Context, keys []*APIKey) error
}

// PrepareForSave assigns an identifier and creation time when absent,
// lowercases the stored emails, and validates the result. Both backends call
// it before writing, so email lookups can compare lowercased values.
func PrepareForSave(k *APIKey, now time.Time) error {
	k.UserEmail = strings.ToLower(k.UserEmail)
	k.CreatedByEmail = strings.ToLower(k.CreatedByEmail)
	k.RevokedByEmail = strings.ToLower(k.RevokedByEmail)
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now.UTC()
	}
	return k.Validate()
}
