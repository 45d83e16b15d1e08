package store

import (
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// WriteAction is the kind of change a Write describes.
type WriteAction int

const (
	ActionPut WriteAction = iota
	ActionUpdate
	ActionDelete
)

func (a WriteAction) String() string {
	switch a {
	case ActionPut:
		return "put"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is one descriptor of a write unit.
type Write struct {
	Action WriteAction
	Table  string

	// Item is the full item for puts.
	Item map[string]types.AttributeValue

	// Key locates the item for updates and deletes.
	Key PK

	// Update is the update expression for ActionUpdate.
	Update *Expr

	// Condition guards the write. Nil means unconditional.
	Condition *Expr

	// ReturnOldOnFailure asks the engine to report the item's state when the
	// condition fails, so callers can tell "missing" from "guard failed".
	ReturnOldOnFailure bool

	// Label names the write in logs and errors. It has no storage effect.
	Label string
}

func (w Write) transactItem() types.TransactWriteItem {
	names, values := bindings(w.Update, w.Condition)
	var onFailure types.ReturnValuesOnConditionCheckFailure
	if w.ReturnOldOnFailure {
		onFailure = types.ReturnValuesOnConditionCheckFailureAllOld
	}

	switch w.Action {
	case ActionUpdate:
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                           aws.String(w.Table),
			Key:                                 w.Key,
			UpdateExpression:                    exprText(w.Update),
			ConditionExpression:                 exprText(w.Condition),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: onFailure,
		}}
	case ActionDelete:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                           aws.String(w.Table),
			Key:                                 w.Key,
			ConditionExpression:                 exprText(w.Condition),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: onFailure,
		}}
	default:
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                           aws.String(w.Table),
			Item:                                w.Item,
			ConditionExpression:                 exprText(w.Condition),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: onFailure,
		}}
	}
}

// WriteBuilder accumulates descriptors for one atomic write unit.
// It performs no I/O.
type WriteBuilder struct {
	table  string
	writes []Write
}

// NewWriteBuilder returns a builder whose descriptors target table unless
// added with Add.
func NewWriteBuilder(table string) *WriteBuilder {
	return &WriteBuilder{table: table}
}

// Add appends a fully specified descriptor.
func (b *WriteBuilder) Add(w Write) *WriteBuilder {
	if w.Table == "" {
		w.Table = b.table
	}
	w.Item = maps.Clone(w.Item)
	w.Key = maps.Clone(w.Key)
	b.writes = append(b.writes, w)
	return b
}

// Put adds an unconditional full-item write.
func (b *WriteBuilder) Put(item map[string]types.AttributeValue, label string) *WriteBuilder {
	return b.Add(Write{Action: ActionPut, Item: item, Label: label})
}

// PutIf adds a full-item write guarded by cond.
func (b *WriteBuilder) PutIf(item map[string]types.AttributeValue, cond *Expr, label string) *WriteBuilder {
	return b.Add(Write{Action: ActionPut, Item: item, Condition: cond, Label: label})
}

// UpdateIf adds a partial update guarded by cond. The item's prior state is
// reported on guard failure.
func (b *WriteBuilder) UpdateIf(key PK, update, cond *Expr, label string) *WriteBuilder {
	return b.Add(Write{
		Action:             ActionUpdate,
		Key:                key,
		Update:             update,
		Condition:          cond,
		ReturnOldOnFailure: true,
		Label:              label,
	})
}

// Delete adds an unconditional delete.
func (b *WriteBuilder) Delete(key PK, label string) *WriteBuilder {
	return b.Add(Write{Action: ActionDelete, Key: key, Label: label})
}

// DeleteIf adds a delete guarded by cond.
func (b *WriteBuilder) DeleteIf(key PK, cond *Expr, label string) *WriteBuilder {
	return b.Add(Write{Action: ActionDelete, Key: key, Condition: cond, Label: label})
}

// Len returns the number of descriptors added so far.
func (b *WriteBuilder) Len() int { return len(b.writes) }

// Build returns an immutable unit holding the descriptors added so far.
// The builder may keep being used; later additions do not affect the unit.
func (b *WriteBuilder) Build() WriteUnit {
	return WriteUnit{writes: append([]Write(nil), b.writes...)}
}

// WriteUnit is an ordered, immutable set of writes committed all-or-nothing.
// The same unit may be submitted again after a transient failure.
type WriteUnit struct {
	writes []Write
}

// Len returns the number of descriptors.
func (u WriteUnit) Len() int { return len(u.writes) }

// Writes returns a copy of the descriptors.
func (u WriteUnit) Writes() []Write {
	return append([]Write(nil), u.writes...)
}

// Labels returns the descriptor labels in order.
func (u WriteUnit) Labels() []string {
	labels := make([]string, len(u.writes))
	for i, w := range u.writes {
		labels[i] = w.Label
	}
	return labels
}

// TransactItems renders the unit for TransactWriteItems.
func (u WriteUnit) TransactItems() []types.TransactWriteItem {
	items := make([]types.TransactWriteItem, len(u.writes))
	for i, w := range u.writes {
		items[i] = w.transactItem()
	}
	return items
}
