// Package stream turns DynamoDB Streams records from the single table into
// follow-up writes. Records are routed by their entityType attribute to a
// handler registered for that type.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/twinstore/internal/keys"
	"github.com/jacentio/twinstore/repository"
	"github.com/jacentio/twinstore/store"
)

const revocationTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ChangeHandler processes one stream record of a registered entity type.
type ChangeHandler func(ctx context.Context, record events.DynamoDBEventRecord) error

// Registry maps entity types to their change handlers.
type Registry struct {
	handlers map[string]ChangeHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ChangeHandler)}
}

// Register sets the handler for entityType, replacing any previous one.
func (r *Registry) Register(entityType string, h ChangeHandler) {
	r.handlers[entityType] = h
}

// Lookup returns the handler registered for entityType.
func (r *Registry) Lookup(entityType string) (ChangeHandler, bool) {
	h, ok := r.handlers[entityType]
	return h, ok
}

// Handler processes DynamoDB stream events for the single table.
type Handler struct {
	store    *store.Store
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates a handler with the API key revocation handler registered.
func NewHandler(s *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:    s,
		registry: NewRegistry(),
		logger:   logger,
	}
	h.registry.Register(keys.EntityAPIKey, h.recordRevocation)
	return h
}

// Registry returns the handler's registry so callers can add entity types.
func (h *Handler) Registry() *Registry { return h.registry }

// HandleRevocations processes every record in order and stops at the first
// failure so Lambda retries the batch. Handlers are idempotent.
func (h *Handler) HandleRevocations(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// HandleBatch reports failed records individually so Lambda only retries
// from the first failure. It requires ReportBatchItemFailures on the event
// source mapping.
func (h *Handler) HandleBatch(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"sequenceNumber", record.Change.SequenceNumber,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			// Later records must wait for this one to succeed.
			break
		}
	}
	return resp, nil
}

// processRecord routes a single record by the entity type of its image.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	image := record.Change.NewImage
	if len(image) == 0 {
		image = record.Change.OldImage
	}
	entityType := getStringAttr(image, keys.AttrEntityType)

	handle, ok := h.registry.Lookup(entityType)
	if !ok {
		h.logger.Debug("no handler for entity type",
			"eventID", record.EventID,
			"entityType", entityType,
		)
		return nil
	}
	return handle(ctx, record)
}

// recordRevocation writes an audit item when an API key flips from active
// to inactive. Redelivered records find the item already written.
func (h *Handler) recordRevocation(ctx context.Context, record events.DynamoDBEventRecord) error {
	// Only MODIFY events can carry a revocation
	if record.EventName != string(events.DynamoDBOperationTypeModify) {
		return nil
	}
	oldImage, newImage := record.Change.OldImage, record.Change.NewImage
	if !getBoolAttr(oldImage, "isActive") || getBoolAttr(newImage, "isActive") {
		return nil
	}

	key := ConvertStreamKey(record.Change.Keys)
	pk, _ := key[keys.AttrPK].(*types.AttributeValueMemberS)
	if pk == nil {
		return fmt.Errorf("stream record %s: missing %s", record.EventID, keys.AttrPK)
	}
	id, ok := keys.ParseAPIKeyPK(pk.Value)
	if !ok {
		return fmt.Errorf("stream record %s: malformed key %q", record.EventID, pk.Value)
	}

	revokedAt := getStringAttr(newImage, "revokedAt")
	if revokedAt == "" {
		revokedAt = record.Change.ApproximateCreationDateTime.UTC().Format(revocationTimeLayout)
	}
	revokedBy := getStringAttr(newImage, "revokedByEmail")

	item := store.Item{
		keys.AttrPK:         &types.AttributeValueMemberS{Value: keys.AuditPK(id.String())},
		keys.AttrSK:         &types.AttributeValueMemberS{Value: keys.RevokedSK(revokedAt)},
		keys.AttrEntityType: &types.AttributeValueMemberS{Value: keys.EntityAudit},
		"keyId":             &types.AttributeValueMemberS{Value: id.String()},
		"action":            &types.AttributeValueMemberS{Value: "REVOKED"},
		"revokedAt":         &types.AttributeValueMemberS{Value: revokedAt},
		"sourceEventId":     &types.AttributeValueMemberS{Value: record.EventID},
		"recordedAt":        &types.AttributeValueMemberS{Value: time.Now().UTC().Format(revocationTimeLayout)},
	}
	if revokedBy != "" {
		item["revokedByEmail"] = &types.AttributeValueMemberS{Value: revokedBy}
	}
	if name := getStringAttr(newImage, "keyName"); name != "" {
		item["keyName"] = &types.AttributeValueMemberS{Value: name}
	}
	if prefix := getStringAttr(newImage, "keyPrefix"); prefix != "" {
		item["keyPrefix"] = &types.AttributeValueMemberS{Value: prefix}
	}

	err := h.store.Put(ctx, "RecordRevocation", item, store.NotExists(keys.AttrPK))
	if errors.Is(err, repository.ErrConflict) {
		h.logger.Debug("revocation already recorded", "keyID", id, "revokedAt", revokedAt)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record revocation of %s: %w", id, err)
	}

	h.logger.Info("revocation recorded",
		"keyID", id,
		"revokedAt", revokedAt,
		"revokedBy", revokedBy,
	)
	return nil
}
