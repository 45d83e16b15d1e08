// Package postgres implements the API key repository on PostgreSQL.
//
// Every statement runs through a store.Executor configured with this
// package's Classify, so retry bounds, spans and the error taxonomy match the
// DynamoDB backend. Guarded writes are conditional UPDATEs inside a
// transaction; a zero-row update is resolved by probing for the key.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/repository"
	"github.com/jacentio/twinstore/store"
)

const keyColumns = `id, key_name, key_hash, key_prefix, key_type, user_email, created_by_email,
	created_at, expires_at, last_used_at, revoked_at, revoked_by_email, is_active`

const upsertKey = `INSERT INTO api_keys (` + keyColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO UPDATE SET
		key_name = EXCLUDED.key_name,
		key_hash = EXCLUDED.key_hash,
		key_prefix = EXCLUDED.key_prefix,
		key_type = EXCLUDED.key_type,
		user_email = EXCLUDED.user_email,
		created_by_email = EXCLUDED.created_by_email,
		created_at = EXCLUDED.created_at,
		expires_at = EXCLUDED.expires_at,
		last_used_at = EXCLUDED.last_used_at,
		revoked_at = EXCLUDED.revoked_at,
		revoked_by_email = EXCLUDED.revoked_by_email,
		is_active = EXCLUDED.is_active`

const insertKey = `INSERT INTO api_keys (` + keyColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const revokeKey = `UPDATE api_keys
	SET is_active = FALSE, revoked_at = $2, revoked_by_email = $3
	WHERE id = $1 AND is_active
	RETURNING ` + keyColumns

// APIKeyRepository implements apikey.Repository. It holds no mutable state
// and is safe for concurrent use.
type APIKeyRepository struct {
	pool   *pgxpool.Pool
	exec   *store.Executor
	logger *slog.Logger
	now    func() time.Time
	policy store.RetryPolicy
}

var _ apikey.Repository = (*APIKeyRepository)(nil)

// Option configures an APIKeyRepository.
type Option func(*APIKeyRepository)

// WithClock overrides the clock used for creation and revocation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *APIKeyRepository) { r.now = now }
}

// WithRetryPolicy overrides store.DefaultRetryPolicy.
func WithRetryPolicy(p store.RetryPolicy) Option {
	return func(r *APIKeyRepository) { r.policy = p }
}

// NewAPIKeyRepository creates a repository over pool. The schema must already
// be migrated; see Migrate. A nil logger uses slog.Default().
func NewAPIKeyRepository(pool *pgxpool.Pool, logger *slog.Logger, opts ...Option) *APIKeyRepository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &APIKeyRepository{
		pool:   pool,
		logger: logger,
		now:    time.Now,
		policy: store.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.exec = store.NewExecutor(r.policy, logger, store.WithClassifier(Classify))
	return r
}

// Save upserts key, assigning an id and creation time when absent.
// The caller's value is not modified; the stored key is returned.
func (r *APIKeyRepository) Save(ctx context.Context, key *apikey.APIKey) (*apikey.APIKey, error) {
	saved, err := r.prepare(key)
	if err != nil {
		return nil, err
	}
	err = r.exec.Do(ctx, "SaveApiKey", func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, upsertKey, keyArgs(saved)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("api key saved", "keyID", saved.ID)
	return saved, nil
}

func (r *APIKeyRepository) FindByID(ctx context.Context, id uuid.UUID) (*apikey.APIKey, error) {
	row, err := store.Run(ctx, r.exec, "FindApiKeyById", func(ctx context.Context) (apiKeyRow, error) {
		rows, _ := r.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
		return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[apiKeyRow])
	})
	if err != nil {
		return nil, err
	}
	return row.toKey()
}

func (r *APIKeyRepository) FindAll(ctx context.Context) ([]*apikey.APIKey, error) {
	return r.list(ctx, "FindAllApiKeys", `TRUE`)
}

// Delete removes key unconditionally. Deleting a missing key succeeds.
func (r *APIKeyRepository) Delete(ctx context.Context, key *apikey.APIKey) error {
	if key == nil || key.ID == uuid.Nil {
		return apikey.ErrMissingID
	}
	err := r.exec.Do(ctx, "DeleteApiKey", func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, key.ID)
		return err
	})
	if err != nil {
		return err
	}
	r.logger.Debug("api key deleted", "keyID", key.ID)
	return nil
}

func (r *APIKeyRepository) Count(ctx context.Context) (int64, error) {
	return store.Run(ctx, r.exec, "CountApiKeys", func(ctx context.Context) (int64, error) {
		var n int64
		err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n)
		return n, err
	})
}

func (r *APIKeyRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return store.Run(ctx, r.exec, "ApiKeyExists", func(ctx context.Context) (bool, error) {
		return exists(ctx, r.pool, id)
	})
}

func (r *APIKeyRepository) FindByKeyHash(ctx context.Context, keyHash string) (*apikey.APIKey, error) {
	found, err := r.list(ctx, "FindApiKeyByHash", `key_hash = $1`, keyHash)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("api key with hash: %w", repository.ErrNotFound)
	}
	if len(found) > 1 {
		r.logger.Warn("multiple api keys share a hash", "count", len(found))
	}
	return found[0], nil
}

// FindByUserEmail returns the user's keys, oldest first.
func (r *APIKeyRepository) FindByUserEmail(ctx context.Context, email string) ([]*apikey.APIKey, error) {
	return r.list(ctx, "FindApiKeysByUser", `LOWER(user_email) = LOWER($1)`, email)
}

func (r *APIKeyRepository) FindByKeyType(ctx context.Context, keyType apikey.KeyType) ([]*apikey.APIKey, error) {
	return r.list(ctx, "FindApiKeysByType", `key_type = $1`, string(keyType))
}

func (r *APIKeyRepository) FindByActive(ctx context.Context, active bool) ([]*apikey.APIKey, error) {
	return r.list(ctx, "FindApiKeysByActive", `is_active = $1`, active)
}

func (r *APIKeyRepository) FindByUserEmailAndActive(ctx context.Context, email string, active bool) ([]*apikey.APIKey, error) {
	return r.list(ctx, "FindApiKeysByUserAndActive", `LOWER(user_email) = LOWER($1) AND is_active = $2`, email, active)
}

func (r *APIKeyRepository) FindByCreatedByEmail(ctx context.Context, email string) ([]*apikey.APIKey, error) {
	return r.list(ctx, "FindApiKeysByCreator", `created_by_email = $1`, strings.ToLower(email))
}

// FindExpired returns active keys whose expiry is at or before now.
func (r *APIKeyRepository) FindExpired(ctx context.Context, now time.Time) ([]*apikey.APIKey, error) {
	return r.list(ctx, "FindExpiredApiKeys", `is_active AND expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
}

// RevokeWithGuard marks key revoked only if it is still active when the
// transaction commits.
func (r *APIKeyRepository) RevokeWithGuard(ctx context.Context, key *apikey.APIKey, revokedBy string) (*apikey.APIKey, error) {
	if key == nil || key.ID == uuid.Nil {
		return nil, apikey.ErrMissingID
	}
	revoked := key.Clone()
	revoked.Revoke(revokedBy, r.clock())

	row, err := store.Run(ctx, r.exec, "RevokeApiKey", func(ctx context.Context) (apiKeyRow, error) {
		var out apiKeyRow
		err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			var err error
			out, err = revokeIn(ctx, tx, revoked)
			return err
		})
		return out, err
	})
	if err != nil {
		return nil, r.guardFailure(err, key.ID)
	}
	r.logger.Info("api key revoked", "keyID", key.ID, "revokedBy", revoked.RevokedByEmail)
	return row.toKey()
}

// RotateAtomically revokes oldKey and inserts newKey in one transaction.
func (r *APIKeyRepository) RotateAtomically(ctx context.Context, oldKey, newKey *apikey.APIKey, revokedBy string) (*apikey.APIKey, error) {
	if oldKey == nil || oldKey.ID == uuid.Nil {
		return nil, apikey.ErrMissingID
	}
	created, err := r.prepare(newKey)
	if err != nil {
		return nil, err
	}
	if created.ID == oldKey.ID {
		return nil, fmt.Errorf("%w: replacement must have a new id", apikey.ErrInvalid)
	}

	revoked := oldKey.Clone()
	revoked.Revoke(revokedBy, r.clock())

	err = r.exec.Do(ctx, "RotateApiKey", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			if _, err := revokeIn(ctx, tx, revoked); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, insertKey, keyArgs(created)...)
			return err
		})
	})
	if err != nil {
		err = r.guardFailure(err, oldKey.ID)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return nil, fmt.Errorf("%w: %w", apikey.ErrAlreadyExists, err)
		}
		return nil, err
	}
	r.logger.Info("api key rotated",
		"oldKeyID", oldKey.ID,
		"newKeyID", created.ID,
		"revokedBy", revoked.RevokedByEmail,
	)
	return created, nil
}

// SaveAllAtomically upserts every key in one transaction.
func (r *APIKeyRepository) SaveAllAtomically(ctx context.Context, keys []*apikey.APIKey) ([]*apikey.APIKey, error) {
	if len(keys) == 0 {
		return []*apikey.APIKey{}, nil
	}

	saved := make([]*apikey.APIKey, 0, len(keys))
	seen := make(map[uuid.UUID]bool, len(keys))
	for _, k := range keys {
		s, err := r.prepare(k)
		if err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s in batch", apikey.ErrInvalid, s.ID)
		}
		seen[s.ID] = true
		saved = append(saved, s)
	}

	err := r.exec.Do(ctx, "SaveAllApiKeys", func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, s := range saved {
			batch.Queue(upsertKey, keyArgs(s)...)
		}
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			return tx.SendBatch(ctx, batch).Close()
		})
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("api keys saved", "count", len(saved))
	return saved, nil
}

// DeleteAllAtomically removes every key in a single statement.
func (r *APIKeyRepository) DeleteAllAtomically(ctx context.Context, keys []*apikey.APIKey) error {
	ids := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		if k == nil || k.ID == uuid.Nil {
			return apikey.ErrMissingID
		}
		ids = append(ids, k.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	return r.exec.Do(ctx, "DeleteAllApiKeys", func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = ANY($1)`, ids)
		return err
	})
}

// list runs a filtered select ordered by creation time.
func (r *APIKeyRepository) list(ctx context.Context, op, where string, args ...any) ([]*apikey.APIKey, error) {
	rows, err := store.Run(ctx, r.exec, op, func(ctx context.Context) ([]apiKeyRow, error) {
		rows, _ := r.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE `+where+` ORDER BY created_at, id`, args...)
		return pgx.CollectRows(rows, pgx.RowToStructByName[apiKeyRow])
	})
	if err != nil {
		return nil, err
	}
	out := make([]*apikey.APIKey, 0, len(rows))
	for _, row := range rows {
		k, err := row.toKey()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	r.logger.Debug("query completed", "operation", op, "count", len(out))
	return out, nil
}

// prepare copies key and fills in store-assigned fields.
func (r *APIKeyRepository) prepare(key *apikey.APIKey) (*apikey.APIKey, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", apikey.ErrInvalid)
	}
	c := key.Clone()
	if err := apikey.PrepareForSave(c, r.clock()); err != nil {
		return nil, err
	}
	truncateTimes(c)
	return c, nil
}

// clock returns now at the precision timestamptz stores.
func (r *APIKeyRepository) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// guardFailure turns a failed revoke guard into a domain error.
func (r *APIKeyRepository) guardFailure(err error, id uuid.UUID) error {
	var ge *guardError
	if !errors.As(err, &ge) {
		return err
	}
	if ge.missing {
		return fmt.Errorf("api key %s: %w", id, repository.ErrNotFound)
	}
	r.logger.Warn("api key already revoked", "keyID", id)
	return fmt.Errorf("api key %s: %w: %w", id, apikey.ErrAlreadyRevoked, err)
}

// guardError reports that a guarded revoke matched no active row.
type guardError struct {
	id      uuid.UUID
	missing bool
}

func (e *guardError) Error() string {
	if e.missing {
		return fmt.Sprintf("api key %s does not exist", e.id)
	}
	return fmt.Sprintf("api key %s is not active", e.id)
}

// revokeIn applies the guarded revoke inside tx. When no active row matches,
// an existence probe in the same transaction tells missing from revoked.
func revokeIn(ctx context.Context, tx pgx.Tx, revoked *apikey.APIKey) (apiKeyRow, error) {
	rows, _ := tx.Query(ctx, revokeKey, revoked.ID, revoked.RevokedAt, revoked.RevokedByEmail)
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[apiKeyRow])
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return apiKeyRow{}, err
	}
	found, err := exists(ctx, tx, revoked.ID)
	if err != nil {
		return apiKeyRow{}, err
	}
	return apiKeyRow{}, &guardError{id: revoked.ID, missing: !found}
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func exists(ctx context.Context, q querier, id uuid.UUID) (bool, error) {
	var found bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM api_keys WHERE id = $1)`, id).Scan(&found)
	return found, err
}
