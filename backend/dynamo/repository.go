// Package dynamo implements the API key repository on a single DynamoDB table.
//
// Keys live under PK=APIKEY#<id>, SK=METADATA. GSI1 indexes the key hash and
// GSI2 the owning user's email; other lookups scan the table filtered on
// entityType. Guarded writes are conditional write units, so concurrent
// revocations and rotations of the same key resolve to exactly one winner.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/internal/keys"
	"github.com/jacentio/twinstore/repository"
	"github.com/jacentio/twinstore/store"
)

// APIKeyRepository implements apikey.Repository. It holds no mutable state
// and is safe for concurrent use.
type APIKeyRepository struct {
	store  *store.Store
	codec  APIKeyCodec
	keys   entityTable[*apikey.APIKey]
	logger *slog.Logger
	now    func() time.Time
}

var _ apikey.Repository = (*APIKeyRepository)(nil)

// Option configures an APIKeyRepository.
type Option func(*APIKeyRepository)

// WithClock overrides the clock used for creation and revocation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *APIKeyRepository) { r.now = now }
}

// NewAPIKeyRepository creates a repository over s. A nil logger uses slog.Default().
func NewAPIKeyRepository(s *store.Store, logger *slog.Logger, opts ...Option) *APIKeyRepository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &APIKeyRepository{
		store:  s,
		keys:   newEntityTable[*apikey.APIKey](s, APIKeyCodec{}, keys.EntityAPIKey, logger),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save upserts key, assigning an id and creation time when absent.
// The caller's value is not modified; the stored key is returned.
func (r *APIKeyRepository) Save(ctx context.Context, key *apikey.APIKey) (*apikey.APIKey, error) {
	saved, err := r.prepare(key)
	if err != nil {
		return nil, err
	}
	if err := r.keys.put(ctx, "SaveApiKey", saved, nil); err != nil {
		return nil, err
	}
	r.logger.Debug("api key saved", "keyID", saved.ID)
	return saved, nil
}

func (r *APIKeyRepository) FindByID(ctx context.Context, id uuid.UUID) (*apikey.APIKey, error) {
	return r.keys.get(ctx, "FindApiKeyById", r.codec.Key(id))
}

func (r *APIKeyRepository) FindAll(ctx context.Context) ([]*apikey.APIKey, error) {
	return r.keys.scan(ctx, "FindAllApiKeys", nil)
}

// Delete removes key unconditionally. Deleting a missing key succeeds.
func (r *APIKeyRepository) Delete(ctx context.Context, key *apikey.APIKey) error {
	if key == nil || key.ID == uuid.Nil {
		return apikey.ErrMissingID
	}
	if err := r.store.Delete(ctx, "DeleteApiKey", r.codec.Key(key.ID), nil); err != nil {
		return err
	}
	r.logger.Debug("api key deleted", "keyID", key.ID)
	return nil
}

func (r *APIKeyRepository) Count(ctx context.Context) (int64, error) {
	return r.keys.count(ctx, "CountApiKeys")
}

func (r *APIKeyRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.keys.exists(ctx, "ApiKeyExists", r.codec.Key(id))
}

// FindByKeyHash looks the hash up in GSI1.
func (r *APIKeyRepository) FindByKeyHash(ctx context.Context, keyHash string) (*apikey.APIKey, error) {
	found, err := r.keys.query(ctx, "FindApiKeyByHash", store.QueryInput{
		IndexName:    keys.IndexKeyHash,
		KeyCondition: indexEquals(keys.AttrGSI1PK, keys.KeyHashPK(keyHash)),
	})
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

// FindByUserEmail returns the user's keys, oldest first, from GSI2.
func (r *APIKeyRepository) FindByUserEmail(ctx context.Context, email string) ([]*apikey.APIKey, error) {
	return r.keys.query(ctx, "FindApiKeysByUser", store.QueryInput{
		IndexName:    keys.IndexUserEmail,
		KeyCondition: indexEquals(keys.AttrGSI2PK, keys.UserPK(email)),
	})
}

func (r *APIKeyRepository) FindByKeyType(ctx context.Context, keyType apikey.KeyType) ([]*apikey.APIKey, error) {
	return r.keys.scan(ctx, "FindApiKeysByType", attrEquals("keyType", &types.AttributeValueMemberS{Value: string(keyType)}))
}

func (r *APIKeyRepository) FindByActive(ctx context.Context, active bool) ([]*apikey.APIKey, error) {
	return r.keys.scan(ctx, "FindApiKeysByActive", attrEquals("isActive", &types.AttributeValueMemberBOOL{Value: active}))
}

func (r *APIKeyRepository) FindByUserEmailAndActive(ctx context.Context, email string, active bool) ([]*apikey.APIKey, error) {
	return r.keys.query(ctx, "FindApiKeysByUserAndActive", store.QueryInput{
		IndexName:    keys.IndexUserEmail,
		KeyCondition: indexEquals(keys.AttrGSI2PK, keys.UserPK(email)),
		Filter:       attrEquals("isActive", &types.AttributeValueMemberBOOL{Value: active}),
	})
}

func (r *APIKeyRepository) FindByCreatedByEmail(ctx context.Context, email string) ([]*apikey.APIKey, error) {
	return r.keys.scan(ctx, "FindApiKeysByCreator", attrEquals("createdByEmail", &types.AttributeValueMemberS{Value: strings.ToLower(email)}))
}

// FindExpired returns active keys whose expiry is at or before now.
func (r *APIKeyRepository) FindExpired(ctx context.Context, now time.Time) ([]*apikey.APIKey, error) {
	return r.keys.scan(ctx, "FindExpiredApiKeys", &store.Expr{
		Text: "#active = :true AND attribute_exists(#expiresAt) AND #expiresAt <= :now",
		Names: map[string]string{
			"#active":    "isActive",
			"#expiresAt": "expiresAt",
		},
		Values: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":now":  &types.AttributeValueMemberS{Value: formatTime(now)},
		},
	})
}

// RevokeWithGuard marks key revoked only if it is still active when the
// write commits.
func (r *APIKeyRepository) RevokeWithGuard(ctx context.Context, key *apikey.APIKey, revokedBy string) (*apikey.APIKey, error) {
	if key == nil || key.ID == uuid.Nil {
		return nil, apikey.ErrMissingID
	}
	revoked := key.Clone()
	revoked.Revoke(revokedBy, r.now())

	unit := store.NewWriteBuilder(r.store.TableName()).
		UpdateIf(r.codec.Key(key.ID), revokeUpdate(revoked), activeGuard(), "revoke api key "+key.ID.String()).
		Build()

	if err := r.store.Commit(ctx, "RevokeApiKey", unit); err != nil {
		return nil, r.guardFailure(err, key.ID, 0)
	}
	r.logger.Info("api key revoked", "keyID", key.ID, "revokedBy", revoked.RevokedByEmail)
	return revoked, nil
}

// RotateAtomically stores newKey and revokes oldKey in one write unit.
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
	item, err := r.codec.Encode(created)
	if err != nil {
		return nil, err
	}

	revoked := oldKey.Clone()
	revoked.Revoke(revokedBy, r.now())

	unit := store.NewWriteBuilder(r.store.TableName()).
		PutIf(item, store.NotExists(keys.AttrPK), "create api key "+created.ID.String()).
		UpdateIf(r.codec.Key(oldKey.ID), revokeUpdate(revoked), activeGuard(), "revoke api key "+oldKey.ID.String()).
		Build()

	if err := r.store.Commit(ctx, "RotateApiKey", unit); err != nil {
		return nil, r.guardFailure(err, oldKey.ID, 1)
	}
	r.logger.Info("api key rotated",
		"oldKeyID", oldKey.ID,
		"newKeyID", created.ID,
		"revokedBy", revoked.RevokedByEmail,
	)
	return created, nil
}

// SaveAllAtomically upserts every key in one write unit.
func (r *APIKeyRepository) SaveAllAtomically(ctx context.Context, batch []*apikey.APIKey) ([]*apikey.APIKey, error) {
	if len(batch) == 0 {
		return []*apikey.APIKey{}, nil
	}

	saved := make([]*apikey.APIKey, 0, len(batch))
	seen := make(map[uuid.UUID]bool, len(batch))
	b := store.NewWriteBuilder(r.store.TableName())
	for _, k := range batch {
		s, err := r.prepare(k)
		if err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s in batch", apikey.ErrInvalid, s.ID)
		}
		seen[s.ID] = true

		item, err := r.codec.Encode(s)
		if err != nil {
			return nil, err
		}
		b.Put(item, "save api key "+s.ID.String())
		saved = append(saved, s)
	}

	if err := r.store.Commit(ctx, "SaveAllApiKeys", b.Build()); err != nil {
		return nil, err
	}
	r.logger.Debug("api keys saved", "count", len(saved))
	return saved, nil
}

// DeleteAllAtomically removes every key in one write unit.
func (r *APIKeyRepository) DeleteAllAtomically(ctx context.Context, batch []*apikey.APIKey) error {
	b := store.NewWriteBuilder(r.store.TableName())
	seen := make(map[uuid.UUID]bool, len(batch))
	for _, k := range batch {
		if k == nil || k.ID == uuid.Nil {
			return apikey.ErrMissingID
		}
		if seen[k.ID] {
			continue
		}
		seen[k.ID] = true
		b.Delete(r.codec.Key(k.ID), "delete api key "+k.ID.String())
	}
	return r.store.Commit(ctx, "DeleteAllApiKeys", b.Build())
}

// prepare copies key and fills in store-assigned fields.
func (r *APIKeyRepository) prepare(key *apikey.APIKey) (*apikey.APIKey, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", apikey.ErrInvalid)
	}
	c := key.Clone()
	if err := apikey.PrepareForSave(c, r.now()); err != nil {
		return nil, err
	}
	return c, nil
}

// guardFailure turns a failed revoke guard into a domain error. Only a
// failed condition on the write at index revokeAt reports the key's prior
// state: none means the key is missing, otherwise it was already revoked.
// Other cancellation codes, such as TransactionConflict, stay conflicts.
func (r *APIKeyRepository) guardFailure(err error, id uuid.UUID, revokeAt int) error {
	var se *store.Error
	if !errors.As(err, &se) || se.Kind != store.KindConflict {
		return err
	}

	for _, reason := range se.Reasons {
		if reason.Index != revokeAt {
			continue
		}
		if reason.Code != reasonConditionFailed {
			return err
		}
		if len(reason.Item) == 0 {
			return fmt.Errorf("api key %s: %w", id, repository.ErrNotFound)
		}
		r.logger.Warn("api key already revoked", "keyID", id, "operation", se.Op)
		return fmt.Errorf("api key %s: %w: %w", id, apikey.ErrAlreadyRevoked, err)
	}
	for _, reason := range se.Reasons {
		if reason.Code == reasonConditionFailed {
			return fmt.Errorf("%w: %w", apikey.ErrAlreadyExists, err)
		}
	}
	return err
}

const reasonConditionFailed = "ConditionalCheckFailed"

// activeGuard holds only while the key exists and is active.
func activeGuard() *store.Expr {
	return &store.Expr{
		Text:   "attribute_exists(#pk) AND #active = :true",
		Names:  map[string]string{"#pk": keys.AttrPK, "#active": "isActive"},
		Values: map[string]types.AttributeValue{":true": &types.AttributeValueMemberBOOL{Value: true}},
	}
}

func revokeUpdate(revoked *apikey.APIKey) *store.Expr {
	return &store.Expr{
		Text: "SET #active = :false, #revokedAt = :revokedAt, #revokedBy = :revokedBy",
		Names: map[string]string{
			"#active":    "isActive",
			"#revokedAt": "revokedAt",
			"#revokedBy": "revokedByEmail",
		},
		Values: map[string]types.AttributeValue{
			":false":     &types.AttributeValueMemberBOOL{Value: false},
			":revokedAt": &types.AttributeValueMemberS{Value: formatTimePtr(revoked.RevokedAt)},
			":revokedBy": &types.AttributeValueMemberS{Value: revoked.RevokedByEmail},
		},
	}
}

func attrEquals(attr string, value types.AttributeValue) *store.Expr {
	return &store.Expr{
		Text:   "#attr = :attr",
		Names:  map[string]string{"#attr": attr},
		Values: map[string]types.AttributeValue{":attr": value},
	}
}
