package store

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Expr is a DynamoDB expression with its placeholder bindings. It is used for
// conditions, updates, key conditions and filters alike.
type Expr struct {
	Text   string
	Names  map[string]string
	Values map[string]types.AttributeValue
}

// IsZero reports whether the expression is empty.
func (e *Expr) IsZero() bool {
	return e == nil || e.Text == ""
}

// NotExists returns a condition that holds only when attr is absent,
// i.e. the item does not exist yet when attr is a key attribute.
func NotExists(attr string) *Expr {
	return &Expr{
		Text:  "attribute_not_exists(#key)",
		Names: map[string]string{"#key": attr},
	}
}

// Exists returns a condition that holds only when attr is present.
func Exists(attr string) *Expr {
	return &Expr{
		Text:  "attribute_exists(#key)",
		Names: map[string]string{"#key": attr},
	}
}

// bindings merges the placeholders of every non-empty expression.
// Returns nil maps when nothing is bound, as the API rejects empty maps.
func bindings(exprs ...*Expr) (map[string]string, map[string]types.AttributeValue) {
	names := make([]map[string]string, 0, len(exprs))
	values := make([]map[string]types.AttributeValue, 0, len(exprs))
	for _, e := range exprs {
		if e.IsZero() {
			continue
		}
		names = append(names, e.Names)
		values = append(values, e.Values)
	}
	n := mergeExprNames(names...)
	v := mergeExprValues(values...)
	if len(n) == 0 {
		n = nil
	}
	if len(v) == 0 {
		v = nil
	}
	return n, v
}

func exprText(e *Expr) *string {
	if e.IsZero() {
		return nil
	}
	return aws.String(e.Text)
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// mergeExprValues merges multiple expression attribute value maps.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// And joins expressions with AND, merging their bindings. Empty expressions
// are skipped; nil is returned when none remain.
func And(exprs ...*Expr) *Expr {
	var parts []*Expr
	for _, e := range exprs {
		if !e.IsZero() {
			parts = append(parts, e)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}

	texts := make([]string, len(parts))
	for i, e := range parts {
		texts[i] = "(" + e.Text + ")"
	}
	names, values := bindings(parts...)
	return &Expr{Text: strings.Join(texts, " AND "), Names: names, Values: values}
}
