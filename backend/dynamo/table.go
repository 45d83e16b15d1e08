package dynamo

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/twinstore/internal/keys"
	"github.com/jacentio/twinstore/repository"
	"github.com/jacentio/twinstore/store"
)

// entityTable runs typed reads and writes for one entity type of the single
// table. Every scan is restricted to items tagged with entityType.
type entityTable[T any] struct {
	store      *store.Store
	codec      store.Codec[T]
	entityType string
	logger     *slog.Logger
}

func newEntityTable[T any](s *store.Store, codec store.Codec[T], entityType string, logger *slog.Logger) entityTable[T] {
	return entityTable[T]{store: s, codec: codec, entityType: entityType, logger: logger}
}

// typeFilter restricts a scan to this table's entity type.
func (t entityTable[T]) typeFilter() *store.Expr {
	return &store.Expr{
		Text:   "#entityType = :entityType",
		Names:  map[string]string{"#entityType": keys.AttrEntityType},
		Values: map[string]types.AttributeValue{":entityType": &types.AttributeValueMemberS{Value: t.entityType}},
	}
}

func (t entityTable[T]) get(ctx context.Context, op string, key store.PK) (T, error) {
	var zero T
	item, err := t.store.Get(ctx, op, key)
	if err != nil {
		return zero, err
	}
	return t.codec.Decode(item)
}

func (t entityTable[T]) exists(ctx context.Context, op string, key store.PK) (bool, error) {
	_, err := t.store.Get(ctx, op, key)
	if itemMissing(err) {
		return false, nil
	}
	return err == nil, err
}

// itemMissing reports whether err is the bare not-found of an absent item.
// A missing table also classifies as not found, but arrives as a
// *store.Error and must surface.
func itemMissing(err error) bool {
	var se *store.Error
	if errors.As(err, &se) {
		return false
	}
	return errors.Is(err, repository.ErrNotFound)
}

func (t entityTable[T]) put(ctx context.Context, op string, entity T, cond *store.Expr) error {
	item, err := t.codec.Encode(entity)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, op, item, cond)
}

// scan returns every entity of this type matching filter, across all pages.
func (t entityTable[T]) scan(ctx context.Context, op string, filter *store.Expr) ([]T, error) {
	items, err := t.store.Scan(ctx, op, store.ScanInput{Filter: store.And(t.typeFilter(), filter)})
	if err != nil {
		return nil, err
	}
	out, err := store.DecodeAll(t.codec, items)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("scan completed", "operation", op, "count", len(out))
	return out, nil
}

func (t entityTable[T]) query(ctx context.Context, op string, input store.QueryInput) ([]T, error) {
	input.Filter = store.And(t.typeFilter(), input.Filter)
	items, err := t.store.Query(ctx, op, input)
	if err != nil {
		return nil, err
	}
	out, err := store.DecodeAll(t.codec, items)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("query completed", "operation", op, "index", input.IndexName, "count", len(out))
	return out, nil
}

func (t entityTable[T]) count(ctx context.Context, op string) (int64, error) {
	return t.store.Count(ctx, op, store.ScanInput{Filter: t.typeFilter()})
}

// indexEquals builds a key condition selecting one partition of an index.
func indexEquals(attr, value string) store.Expr {
	return store.Expr{
		Text:   "#ipk = :ipk",
		Names:  map[string]string{"#ipk": attr},
		Values: map[string]types.AttributeValue{":ipk": &types.AttributeValueMemberS{Value: value}},
	}
}
