// Package keys builds the partition and sort keys of the single-table layout.
package keys

import (
	"strings"

	"github.com/google/uuid"
)

// Attribute names shared by every item in the table.
const (
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entityType"
)

// Index names.
const (
	IndexKeyHash   = "GSI1"
	IndexUserEmail = "GSI2"
)

// Entity type tags stored in AttrEntityType.
const (
	EntityAPIKey = "ApiKey"
	EntityAudit  = "AuditEvent"
)

const (
	prefixAPIKey  = "APIKEY#"
	prefixKeyHash = "KEYHASH#"
	prefixUser    = "USER#"
	prefixAudit   = "AUDIT#"
	prefixRevoked = "REVOKED#"

	// MetadataSK is the sort key of an entity's primary item.
	MetadataSK = "METADATA"
)

// APIKeyPK returns the partition key of an API key item.
func APIKeyPK(id uuid.UUID) string {
	return prefixAPIKey + id.String()
}

// ParseAPIKeyPK extracts the key id from a partition key built by APIKeyPK.
func ParseAPIKeyPK(pk string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(pk, prefixAPIKey)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// KeyHashPK returns the GSI1 partition key for a key hash lookup.
func KeyHashPK(keyHash string) string {
	return prefixKeyHash + keyHash
}

// UserPK returns the GSI2 partition key for a user's keys.
// Emails are compared case-insensitively.
func UserPK(email string) string {
	return prefixUser + strings.ToLower(email)
}

// UserKeySK returns the GSI2 sort key, ordering a user's keys by creation.
func UserKeySK(createdAt string) string {
	return prefixAPIKey + createdAt
}

// AuditPK returns the partition key of a key's audit trail.
func AuditPK(keyID string) string {
	return prefixAudit + keyID
}

// RevokedSK returns the sort key of a revocation audit event.
func RevokedSK(revokedAt string) string {
	return prefixRevoked + revokedAt
}
