package store

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// Item is one stored item: a flat attribute map including its key.
type Item = map[string]types.AttributeValue

// QueryInput defines parameters for querying the table or one of its indexes.
type QueryInput struct {
	// IndexName is the optional GSI/LSI to query.
	IndexName string

	// KeyCondition selects the partition (and optionally a sort key range).
	KeyCondition Expr

	// Filter is applied after items are read. Optional.
	Filter *Expr

	// PageSize bounds the items read per call (0 = engine default).
	// Every page is drained regardless.
	PageSize int32

	// ScanIndexForward determines sort order (true = ascending, false = descending).
	ScanIndexForward *bool
}

// ScanInput defines parameters for a full-table scan.
type ScanInput struct {
	// IndexName is the optional index to scan.
	IndexName string

	// Filter is applied after items are read. Optional.
	Filter *Expr

	// PageSize bounds the items read per call (0 = engine default).
	PageSize int32
}
