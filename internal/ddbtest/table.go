// Package ddbtest provides an in-memory DynamoDB table for tests.
//
// Table implements the subset of the DynamoDB API the store uses: single-item
// reads and writes, paginated queries and scans, and atomic write units with
// per-descriptor cancellation reasons. Condition, filter, key-condition and
// SET/REMOVE update expressions are evaluated for the forms the repository
// layer emits. Faults can be queued per operation to exercise retries.
package ddbtest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Operation names accepted by Fail and Calls.
const (
	OpGetItem            = "GetItem"
	OpPutItem            = "PutItem"
	OpDeleteItem         = "DeleteItem"
	OpQuery              = "Query"
	OpScan               = "Scan"
	OpTransactWriteItems = "TransactWriteItems"
)

const maxTransactItems = 100

type keySchema struct {
	hash     string
	rangeKey string
}

// Table is a single in-memory table. It is safe for concurrent use; every
// call is applied atomically under one lock.
type Table struct {
	name    string
	key     keySchema
	indexes map[string]keySchema
	maxPage int32

	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	calls  map[string]int
	faults map[string][]error
	lost   map[string][]error

	// tokens holds the client request tokens of committed transactions.
	tokens map[string]bool
}

// Option configures a Table.
type Option func(*Table)

// WithIndex adds a global secondary index projecting all attributes.
// Items lacking the index's hash key are not indexed.
func WithIndex(name, hashKey, rangeKey string) Option {
	return func(t *Table) { t.indexes[name] = keySchema{hash: hashKey, rangeKey: rangeKey} }
}

// WithMaxPageSize caps the items evaluated per Query or Scan page, standing
// in for the engine's response size limit.
func WithMaxPageSize(n int32) Option {
	return func(t *Table) { t.maxPage = n }
}

// WithKeySchema overrides the primary key attributes. Default: PK, SK.
func WithKeySchema(hashKey, rangeKey string) Option {
	return func(t *Table) { t.key = keySchema{hash: hashKey, rangeKey: rangeKey} }
}

// New creates an empty table.
func New(name string, opts ...Option) *Table {
	t := &Table{
		name:    name,
		key:     keySchema{hash: "PK", rangeKey: "SK"},
		indexes: make(map[string]keySchema),
		items:   make(map[string]map[string]types.AttributeValue),
		calls:   make(map[string]int),
		faults:  make(map[string][]error),
		lost:    make(map[string][]error),
		tokens:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fail queues errors returned by the next calls of op, one per call.
func (t *Table) Fail(op string, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[op] = append(t.faults[op], errs...)
}

// FailAfterCommit queues errors returned by the next calls of op after the
// call has been applied, standing in for a response lost in transit.
func (t *Table) FailAfterCommit(op string, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lost[op] = append(t.lost[op], errs...)
}

// Calls returns how many times op has been called, failed calls included.
func (t *Table) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// ResetCalls zeroes every call counter.
func (t *Table) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.calls)
}

// Seed stores items directly, bypassing conditions, counters and faults.
func (t *Table) Seed(items ...map[string]types.AttributeValue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, it := range items {
		k, err := t.key.encode(it)
		if err != nil {
			panic(err)
		}
		t.items[k] = maps.Clone(it)
	}
}

// Item returns a copy of the item stored under the given key values, or nil.
func (t *Table) Item(hash, rangeKey string) map[string]types.AttributeValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.items[hash+"\x00"+rangeKey])
}

// Len returns the number of stored items.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// begin records a call and returns a queued fault, if any. Callers hold t.mu.
func (t *Table) begin(ctx context.Context, op string, table *string) error {
	t.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := t.faults[op]; len(q) > 0 {
		t.faults[op] = q[1:]
		return q[0]
	}
	if table != nil && aws.ToString(table) != t.name {
		return &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: " + aws.ToString(table))}
	}
	return nil
}

func (t *Table) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(ctx, OpGetItem, in.TableName); err != nil {
		return nil, err
	}
	k, err := t.key.encode(in.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: maps.Clone(t.items[k])}, nil
}

func (t *Table) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(ctx, OpPutItem, in.TableName); err != nil {
		return nil, err
	}
	k, err := t.key.encode(in.Item)
	if err != nil {
		return nil, err
	}
	if err := t.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[k]); err != nil {
		return nil, err
	}
	t.items[k] = maps.Clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (t *Table) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(ctx, OpDeleteItem, in.TableName); err != nil {
		return nil, err
	}
	k, err := t.key.encode(in.Key)
	if err != nil {
		return nil, err
	}
	if err := t.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[k]); err != nil {
		return nil, err
	}
	delete(t.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

// check evaluates a single-item condition, returning the engine's
// conditional check failure when it does not hold.
func (t *Table) check(cond *string, names map[string]string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) error {
	ok, err := t.holds(cond, names, values, current)
	if err != nil {
		return err
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	return nil
}

func (t *Table) holds(cond *string, names map[string]string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) (bool, error) {
	if aws.ToString(cond) == "" {
		return true, nil
	}
	ok, err := evalCondition(*cond, names, values, current)
	if err != nil {
		return false, validationError(err.Error())
	}
	return ok, nil
}

func (t *Table) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(ctx, OpQuery, in.TableName); err != nil {
		return nil, err
	}
	if aws.ToString(in.KeyConditionExpression) == "" {
		return nil, validationError("KeyConditionExpression must be specified")
	}
	schema, err := t.schema(in.IndexName)
	if err != nil {
		return nil, err
	}

	var candidates []map[string]types.AttributeValue
	for _, it := range t.indexed(schema) {
		ok, err := t.holds(in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, it)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, it)
		}
	}

	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	p, err := t.page(candidates, schema, forward, in.ExclusiveStartKey, aws.ToInt32(in.Limit),
		in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.QueryOutput{
		Count:            p.count,
		ScannedCount:     p.scanned,
		LastEvaluatedKey: p.lastKey,
	}
	if in.Select != types.SelectCount {
		out.Items = p.items
	}
	return out, nil
}

func (t *Table) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(ctx, OpScan, in.TableName); err != nil {
		return nil, err
	}
	schema, err := t.schema(in.IndexName)
	if err != nil {
		return nil, err
	}

	p, err := t.page(t.indexed(schema), schema, true, in.ExclusiveStartKey, aws.ToInt32(in.Limit),
		in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.ScanOutput{
		Count:            p.count,
		ScannedCount:     p.scanned,
		LastEvaluatedKey: p.lastKey,
	}
	if in.Select != types.SelectCount {
		out.Items = p.items
	}
	return out, nil
}

func (t *Table) schema(index *string) (keySchema, error) {
	if index == nil {
		return t.key, nil
	}
	s, ok := t.indexes[*index]
	if !ok {
		return keySchema{}, validationError("The table does not have the specified index: " + *index)
	}
	return s, nil
}

// indexed returns the items visible through schema.
func (t *Table) indexed(schema keySchema) []map[string]types.AttributeValue {
	var out []map[string]types.AttributeValue
	for _, it := range t.items {
		if _, ok := it[schema.hash]; !ok {
			continue
		}
		if schema.rangeKey != "" {
			if _, ok := it[schema.rangeKey]; !ok {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

type page struct {
	items   []map[string]types.AttributeValue
	count   int32
	scanned int32
	lastKey map[string]types.AttributeValue
}

// page orders candidates, resumes after startKey and evaluates at most limit
// items. The filter runs after the limit, as it does in the engine.
func (t *Table) page(candidates []map[string]types.AttributeValue, schema keySchema, forward bool,
	startKey map[string]types.AttributeValue, limit int32,
	filter *string, names map[string]string, values map[string]types.AttributeValue,
) (page, error) {
	order := func(it map[string]types.AttributeValue) []string {
		return []string{
			scalar(it[schema.hash]), scalar(it[schema.rangeKey]),
			scalar(it[t.key.hash]), scalar(it[t.key.rangeKey]),
		}
	}
	slices.SortFunc(candidates, func(a, b map[string]types.AttributeValue) int {
		c := slices.Compare(order(a), order(b))
		if !forward {
			c = -c
		}
		return c
	})

	start := 0
	if len(startKey) > 0 {
		from := order(startKey)
		start = len(candidates)
		for i, it := range candidates {
			c := slices.Compare(order(it), from)
			if (forward && c > 0) || (!forward && c < 0) {
				start = i
				break
			}
		}
	}

	if t.maxPage > 0 && (limit <= 0 || limit > t.maxPage) {
		limit = t.maxPage
	}

	var p page
	for _, it := range candidates[start:] {
		if limit > 0 && p.scanned == limit {
			break
		}
		p.scanned++
		ok, err := t.holds(filter, names, values, it)
		if err != nil {
			return page{}, err
		}
		if ok {
			p.count++
			p.items = append(p.items, maps.Clone(it))
		}
		if limit > 0 && p.scanned == limit {
			p.lastKey = t.lastKey(it, schema)
		}
	}
	return p, nil
}

func (t *Table) lastKey(it map[string]types.AttributeValue, schema keySchema) map[string]types.AttributeValue {
	key := make(map[string]types.AttributeValue)
	for _, attr := range []string{t.key.hash, t.key.rangeKey, schema.hash, schema.rangeKey} {
		if v, ok := it[attr]; ok && attr != "" {
			key[attr] = v
		}
	}
	return key
}

func (t *Table) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(ctx, OpTransactWriteItems, nil); err != nil {
		return nil, err
	}
	// A repeated token reports the earlier commit again without reapplying it.
	token := aws.ToString(in.ClientRequestToken)
	if token != "" && t.tokens[token] {
		return t.afterCommit(OpTransactWriteItems, &dynamodb.TransactWriteItemsOutput{})
	}
	if n := len(in.TransactItems); n == 0 || n > maxTransactItems {
		return nil, validationError(fmt.Sprintf("Member must have length less than or equal to %d and at least 1, got %d", maxTransactItems, n))
	}

	type pending struct {
		key    string
		result map[string]types.AttributeValue // nil deletes
	}
	var (
		writes  []pending
		reasons = make([]types.CancellationReason, len(in.TransactItems))
		failed  bool
		seen    = make(map[string]bool)
	)

	for i, ti := range in.TransactItems {
		w, err := t.describe(ti)
		if err != nil {
			return nil, err
		}
		if w.table != t.name {
			return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: " + w.table)}
		}
		k, err := t.key.encode(w.key)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			return nil, validationError("Transaction request cannot include multiple operations on one item")
		}
		seen[k] = true

		current := t.items[k]
		ok, err := t.holds(w.cond, w.names, w.values, current)
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{
				Code:    aws.String("ConditionalCheckFailed"),
				Message: aws.String("The conditional request failed"),
			}
			if w.returnOld && current != nil {
				reasons[i].Item = maps.Clone(current)
			}
			continue
		}
		reasons[i] = types.CancellationReason{Code: aws.String("None")}

		switch {
		case ti.Put != nil:
			writes = append(writes, pending{k, maps.Clone(ti.Put.Item)})
		case ti.Update != nil:
			base := current
			if base == nil {
				base = maps.Clone(map[string]types.AttributeValue(ti.Update.Key))
			}
			updated, err := applyUpdate(aws.ToString(ti.Update.UpdateExpression), w.names, w.values, base)
			if err != nil {
				return nil, validationError(err.Error())
			}
			writes = append(writes, pending{k, updated})
		case ti.Delete != nil:
			writes = append(writes, pending{k, nil})
		}
	}

	if failed {
		codes := make([]string, len(reasons))
		for i, r := range reasons {
			codes[i] = aws.ToString(r.Code)
		}
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons [" + strings.Join(codes, ", ") + "]"),
			CancellationReasons: reasons,
		}
	}

	for _, w := range writes {
		if w.result == nil {
			delete(t.items, w.key)
			continue
		}
		t.items[w.key] = w.result
	}
	if token != "" {
		t.tokens[token] = true
	}
	return t.afterCommit(OpTransactWriteItems, &dynamodb.TransactWriteItemsOutput{})
}

// afterCommit returns a queued lost-response error for op, if any.
// Callers hold t.mu.
func (t *Table) afterCommit(op string, out *dynamodb.TransactWriteItemsOutput) (*dynamodb.TransactWriteItemsOutput, error) {
	if q := t.lost[op]; len(q) > 0 {
		t.lost[op] = q[1:]
		return nil, q[0]
	}
	return out, nil
}

type descriptor struct {
	table     string
	key       map[string]types.AttributeValue
	cond      *string
	names     map[string]string
	values    map[string]types.AttributeValue
	returnOld bool
}

func (t *Table) describe(ti types.TransactWriteItem) (descriptor, error) {
	switch {
	case ti.Put != nil:
		return descriptor{
			table: aws.ToString(ti.Put.TableName), key: ti.Put.Item, cond: ti.Put.ConditionExpression,
			names: ti.Put.ExpressionAttributeNames, values: ti.Put.ExpressionAttributeValues,
			returnOld: ti.Put.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld,
		}, nil
	case ti.Update != nil:
		return descriptor{
			table: aws.ToString(ti.Update.TableName), key: ti.Update.Key, cond: ti.Update.ConditionExpression,
			names: ti.Update.ExpressionAttributeNames, values: ti.Update.ExpressionAttributeValues,
			returnOld: ti.Update.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld,
		}, nil
	case ti.Delete != nil:
		return descriptor{
			table: aws.ToString(ti.Delete.TableName), key: ti.Delete.Key, cond: ti.Delete.ConditionExpression,
			names: ti.Delete.ExpressionAttributeNames, values: ti.Delete.ExpressionAttributeValues,
			returnOld: ti.Delete.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld,
		}, nil
	case ti.ConditionCheck != nil:
		return descriptor{}, validationError("ConditionCheck descriptors are not supported")
	}
	return descriptor{}, validationError("empty transact item")
}

// encode returns the storage key of an item or key map.
func (s keySchema) encode(item map[string]types.AttributeValue) (string, error) {
	h, ok := item[s.hash].(*types.AttributeValueMemberS)
	if !ok {
		return "", validationError("missing key attribute " + s.hash)
	}
	if s.rangeKey == "" {
		return h.Value + "\x00", nil
	}
	r, ok := item[s.rangeKey].(*types.AttributeValueMemberS)
	if !ok {
		return "", validationError("missing key attribute " + s.rangeKey)
	}
	return h.Value + "\x00" + r.Value, nil
}

// scalar renders a key attribute for ordering.
func scalar(v types.AttributeValue) string {
	switch x := v.(type) {
	case *types.AttributeValueMemberS:
		return x.Value
	case *types.AttributeValueMemberN:
		return x.Value
	}
	return ""
}

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg}
}
