package ddbtest

import "github.com/jacentio/twinstore/internal/keys"

// NewSingleTable creates a table with the key schema and indexes of the
// single-table layout.
func NewSingleTable(name string, opts ...Option) *Table {
	base := []Option{
		WithKeySchema(keys.AttrPK, keys.AttrSK),
		WithIndex(keys.IndexKeyHash, keys.AttrGSI1PK, keys.AttrGSI1SK),
		WithIndex(keys.IndexUserEmail, keys.AttrGSI2PK, keys.AttrGSI2SK),
	}
	return New(name, append(base, opts...)...)
}
