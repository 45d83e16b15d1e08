package dynamo

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/internal/keys"
	"github.com/jacentio/twinstore/store"
)

// timeLayout is fixed-width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// apiKeyRecord is the stored form of an API key.
type apiKeyRecord struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	GSI1PK     string `dynamodbav:"GSI1PK"`
	GSI1SK     string `dynamodbav:"GSI1SK"`
	GSI2PK     string `dynamodbav:"GSI2PK,omitempty"`
	GSI2SK     string `dynamodbav:"GSI2SK,omitempty"`
	EntityType string `dynamodbav:"entityType"`

	ID             string `dynamodbav:"id"`
	Name           string `dynamodbav:"keyName"`
	KeyHash        string `dynamodbav:"keyHash"`
	KeyPrefix      string `dynamodbav:"keyPrefix"`
	KeyType        string `dynamodbav:"keyType"`
	UserEmail      string `dynamodbav:"userEmail,omitempty"`
	CreatedByEmail string `dynamodbav:"createdByEmail"`
	CreatedAt      string `dynamodbav:"createdAt"`
	ExpiresAt      string `dynamodbav:"expiresAt,omitempty"`
	LastUsedAt     string `dynamodbav:"lastUsedAt,omitempty"`
	RevokedAt      string `dynamodbav:"revokedAt,omitempty"`
	RevokedByEmail string `dynamodbav:"revokedByEmail,omitempty"`
	IsActive       bool   `dynamodbav:"isActive"`
}

// APIKeyCodec maps API keys to single-table items. Keys with a user email
// are projected into the user index; system keys are not.
type APIKeyCodec struct{}

var _ store.Codec[*apikey.APIKey] = APIKeyCodec{}

// Key returns the primary key of the item for id.
func (APIKeyCodec) Key(id uuid.UUID) store.PK {
	return store.PK{
		keys.AttrPK: &types.AttributeValueMemberS{Value: keys.APIKeyPK(id)},
		keys.AttrSK: &types.AttributeValueMemberS{Value: keys.MetadataSK},
	}
}

func (APIKeyCodec) Encode(k *apikey.APIKey) (store.Item, error) {
	if k == nil {
		return nil, fmt.Errorf("encode nil api key")
	}
	if k.ID == uuid.Nil {
		return nil, apikey.ErrMissingID
	}

	createdAt := formatTime(k.CreatedAt)
	rec := apiKeyRecord{
		PK:             keys.APIKeyPK(k.ID),
		SK:             keys.MetadataSK,
		GSI1PK:         keys.KeyHashPK(k.KeyHash),
		GSI1SK:         keys.APIKeyPK(k.ID),
		EntityType:     keys.EntityAPIKey,
		ID:             k.ID.String(),
		Name:           k.Name,
		KeyHash:        k.KeyHash,
		KeyPrefix:      k.KeyPrefix,
		KeyType:        string(k.Type),
		UserEmail:      k.UserEmail,
		CreatedByEmail: k.CreatedByEmail,
		CreatedAt:      createdAt,
		ExpiresAt:      formatTimePtr(k.ExpiresAt),
		LastUsedAt:     formatTimePtr(k.LastUsedAt),
		RevokedAt:      formatTimePtr(k.RevokedAt),
		RevokedByEmail: k.RevokedByEmail,
		IsActive:       k.Active,
	}
	if k.UserEmail != "" {
		rec.GSI2PK = keys.UserPK(k.UserEmail)
		rec.GSI2SK = keys.UserKeySK(createdAt)
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal api key %s: %w", k.ID, err)
	}
	return item, nil
}

func (APIKeyCodec) Decode(item store.Item) (*apikey.APIKey, error) {
	var rec apiKeyRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, &store.CorruptError{Key: itemKey(item), Reason: "unmarshal", Err: err}
	}
	corrupt := func(reason string, err error) error {
		return &store.CorruptError{Key: rec.PK, Reason: reason, Err: err}
	}

	if rec.EntityType != keys.EntityAPIKey {
		return nil, corrupt(fmt.Sprintf("entity type %q", rec.EntityType), nil)
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, corrupt("id", err)
	}
	if pkID, ok := keys.ParseAPIKeyPK(rec.PK); !ok || pkID != id {
		return nil, corrupt("id does not match partition key", nil)
	}

	keyType := apikey.KeyType(rec.KeyType)
	if keyType != apikey.TypeUser && keyType != apikey.TypeSystem {
		return nil, corrupt(fmt.Sprintf("key type %q", rec.KeyType), nil)
	}

	createdAt, err := parseTime(rec.CreatedAt)
	if err != nil {
		return nil, corrupt("createdAt", err)
	}
	expiresAt, err := parseTimePtr(rec.ExpiresAt)
	if err != nil {
		return nil, corrupt("expiresAt", err)
	}
	lastUsedAt, err := parseTimePtr(rec.LastUsedAt)
	if err != nil {
		return nil, corrupt("lastUsedAt", err)
	}
	revokedAt, err := parseTimePtr(rec.RevokedAt)
	if err != nil {
		return nil, corrupt("revokedAt", err)
	}

	return &apikey.APIKey{
		ID:             id,
		Name:           rec.Name,
		KeyHash:        rec.KeyHash,
		KeyPrefix:      rec.KeyPrefix,
		Type:           keyType,
		UserEmail:      rec.UserEmail,
		CreatedByEmail: rec.CreatedByEmail,
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
		LastUsedAt:     lastUsedAt,
		RevokedAt:      revokedAt,
		RevokedByEmail: rec.RevokedByEmail,
		Active:         rec.IsActive,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func itemKey(item store.Item) string {
	if v, ok := item[keys.AttrPK].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return "<no key>"
}
