package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/twinstore/repository"
)

// Client is the subset of the DynamoDB API the store uses.
// *dynamodb.Client satisfies it.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store runs single-table DynamoDB operations through a retrying Executor.
// It holds no mutable state and is safe for concurrent use.
type Store struct {
	client Client
	config Config
	exec   *Executor
	logger *slog.Logger
}

// New creates a new Store instance. A nil logger uses slog.Default().
func New(client Client, config Config, logger *slog.Logger, opts ...ExecutorOption) *Store {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		config: config,
		exec:   NewExecutor(config.Retry, logger, opts...),
		logger: logger,
	}
}

// TableName returns the table the store operates on.
func (s *Store) TableName() string { return s.config.TableName }

// Executor returns the executor every call goes through.
func (s *Store) Executor() *Executor { return s.exec }

// Get retrieves an item by key, returning repository.ErrNotFound if missing.
func (s *Store) Get(ctx context.Context, op string, key PK) (Item, error) {
	out, err := Run(ctx, s.exec, op, func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.config.TableName),
			Key:            key,
			ConsistentRead: aws.Bool(true),
		})
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, repository.ErrNotFound
	}
	return out.Item, nil
}

// Put writes a full item, guarded by cond when non-nil.
func (s *Store) Put(ctx context.Context, op string, item Item, cond *Expr) error {
	names, values := bindings(cond)
	return s.exec.Do(ctx, op, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.config.TableName),
			Item:                      item,
			ConditionExpression:       exprText(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return err
	})
}

// Delete removes an item by key, guarded by cond when non-nil.
// Deleting a missing item without a condition succeeds.
func (s *Store) Delete(ctx context.Context, op string, key PK, cond *Expr) error {
	names, values := bindings(cond)
	return s.exec.Do(ctx, op, func(ctx context.Context) error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.config.TableName),
			Key:                       key,
			ConditionExpression:       exprText(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return err
	})
}

// Query returns every item matching input, following continuation keys
// until the result set is exhausted. Each page read is retried on its own.
func (s *Store) Query(ctx context.Context, op string, input QueryInput) ([]Item, error) {
	names, values := bindings(&input.KeyCondition, input.Filter)
	queryInput := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.TableName),
		KeyConditionExpression:    aws.String(input.KeyCondition.Text),
		FilterExpression:          exprText(input.Filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          input.ScanIndexForward,
	}
	if input.IndexName != "" {
		queryInput.IndexName = aws.String(input.IndexName)
	}
	if input.PageSize > 0 {
		queryInput.Limit = aws.Int32(input.PageSize)
	}

	// Paginate through all results
	var items []Item
	paginator := dynamodb.NewQueryPaginator(s.client, queryInput)
	for page := 1; paginator.HasMorePages(); page++ {
		out, err := Run(ctx, s.exec, op, func(ctx context.Context) (*dynamodb.QueryOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		items = append(items, out.Items...)
	}
	return items, nil
}

// Scan returns every item matching input across all pages.
func (s *Store) Scan(ctx context.Context, op string, input ScanInput) ([]Item, error) {
	var items []Item
	err := s.scanPages(ctx, op, input, types.SelectAllAttributes, func(out *dynamodb.ScanOutput) {
		items = append(items, out.Items...)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Count returns the number of items matching input across all pages.
func (s *Store) Count(ctx context.Context, op string, input ScanInput) (int64, error) {
	var total int64
	err := s.scanPages(ctx, op, input, types.SelectCount, func(out *dynamodb.ScanOutput) {
		total += int64(out.Count)
	})
	return total, err
}

func (s *Store) scanPages(ctx context.Context, op string, input ScanInput, sel types.Select, visit func(*dynamodb.ScanOutput)) error {
	names, values := bindings(input.Filter)
	scanInput := &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.TableName),
		FilterExpression:          exprText(input.Filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		Select:                    sel,
	}
	if input.IndexName != "" {
		scanInput.IndexName = aws.String(input.IndexName)
	}
	if input.PageSize > 0 {
		scanInput.Limit = aws.Int32(input.PageSize)
	}

	paginator := dynamodb.NewScanPaginator(s.client, scanInput)
	for page := 1; paginator.HasMorePages(); page++ {
		out, err := Run(ctx, s.exec, op, func(ctx context.Context) (*dynamodb.ScanOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		visit(out)
	}
	return nil
}

// ErrUnitTooLarge is returned when a write unit exceeds MaxTransactionItems.
var ErrUnitTooLarge = errors.New("write unit exceeds transaction item limit")

// Commit applies every write in unit atomically. Either all conditions hold
// and all writes land, or none do. An empty unit is a no-op.
//
// Transient failures retry the whole unit under one client request token,
// so an attempt that committed before its response was lost is replayed as
// a success instead of failing its own guards. A failed guard is returned
// at once as an *Error of KindConflict whose Reasons name the failing writes.
func (s *Store) Commit(ctx context.Context, op string, unit WriteUnit) error {
	if unit.Len() == 0 {
		s.logger.Debug("no writes to commit", "operation", op)
		return nil
	}
	if unit.Len() > s.config.MaxTransactionItems {
		return fmt.Errorf("%s: %w: %d writes, limit %d", op, ErrUnitTooLarge, unit.Len(), s.config.MaxTransactionItems)
	}

	labels := unit.Labels()
	token := uuid.NewString()
	s.logger.Info("committing write unit",
		"operation", op,
		"writes", len(labels),
		"labels", strings.Join(labels, "; "),
		"token", token,
	)

	items := unit.TransactItems()
	err := s.exec.Do(ctx, op, func(ctx context.Context) error {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems:      items,
			ClientRequestToken: aws.String(token),
		})
		return err
	})
	if err != nil {
		return s.explainCancellation(err, labels)
	}

	s.logger.Info("write unit committed", "operation", op, "writes", len(labels))
	return nil
}

// explainCancellation attaches per-write reasons to a cancelled unit's error.
func (s *Store) explainCancellation(err error, labels []string) error {
	var se *Error
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &se) || !errors.As(se.Err, &txErr) {
		return err
	}

	for i, r := range txErr.CancellationReasons {
		code := deref(r.Code)
		if code == "" || code == reasonNone {
			continue
		}
		label := "unknown write"
		if i < len(labels) {
			label = labels[i]
		}
		se.Reasons = append(se.Reasons, Reason{
			Index:   i,
			Label:   label,
			Code:    code,
			Message: deref(r.Message),
			Item:    r.Item,
		})
		s.logger.Warn("write unit descriptor failed",
			"write", i+1,
			"label", label,
			"code", code,
		)
	}
	return se
}
