package ddbtest

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }
func b(v bool) types.AttributeValue   { return &types.AttributeValueMemberBOOL{Value: v} }

func TestEvalCondition(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":       s("APIKEY#1"),
		"isActive": b(true),
		"count":    n("5"),
		"name":     s("deploy-key"),
	}
	names := map[string]string{"#pk": "PK", "#active": "isActive", "#name": "name"}
	values := map[string]types.AttributeValue{
		":true":   b(true),
		":false":  b(false),
		":three":  n("3"),
		":ten":    n("10"),
		":prefix": s("deploy"),
		":pk":     s("APIKEY#1"),
	}

	tests := []struct {
		expr     string
		expected bool
	}{
		{"attribute_exists(#pk)", true},
		{"attribute_not_exists(#pk)", false},
		{"attribute_not_exists(missing)", true},
		{"#active = :true", true},
		{"#active = :false", false},
		{"#active <> :false", true},
		{"attribute_exists(#pk) AND #active = :true", true},
		{"attribute_exists(#pk) AND #active = :false", false},
		{"#active = :false OR #pk = :pk", true},
		{"NOT #active = :false", true},
		{"(#active = :false OR count > :three) AND begins_with(#name, :prefix)", true},
		{"count BETWEEN :three AND :ten", true},
		{"count < :three", false},
		{"count >= :three", true},
		{"missing = :true", false},
		{"contains(#name, :prefix)", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalCondition(tt.expr, names, values, item)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEvalCondition_Errors(t *testing.T) {
	tests := []string{
		"#undefined = :true",
		"isActive = :undefined",
		"attribute_exists(PK",
		"isActive ! :true",
		"size(PK) > :three",
	}

	for _, expr := range tests {
		if _, err := evalCondition(expr, nil, map[string]types.AttributeValue{":true": b(true)}, nil); err == nil {
			t.Errorf("expected error for %q", expr)
		}
	}
}

func TestApplyUpdate(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":       s("APIKEY#1"),
		"isActive": b(true),
		"uses":     n("2"),
		"note":     s("old"),
	}
	names := map[string]string{"#active": "isActive", "#at": "revokedAt"}
	values := map[string]types.AttributeValue{
		":false": b(false),
		":at":    s("2025-01-01T00:00:00Z"),
		":one":   n("1"),
		":zero":  n("0"),
	}

	got, err := applyUpdate("SET #active = :false, #at = :at, uses = uses + :one, hits = if_not_exists(hits, :zero) REMOVE note",
		names, values, item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v := got["isActive"].(*types.AttributeValueMemberBOOL).Value; v {
		t.Error("expected isActive false")
	}
	if v := got["revokedAt"].(*types.AttributeValueMemberS).Value; v != "2025-01-01T00:00:00Z" {
		t.Errorf("unexpected revokedAt %q", v)
	}
	if v := got["uses"].(*types.AttributeValueMemberN).Value; v != "3" {
		t.Errorf("expected uses 3, got %q", v)
	}
	if v := got["hits"].(*types.AttributeValueMemberN).Value; v != "0" {
		t.Errorf("expected hits 0, got %q", v)
	}
	if _, ok := got["note"]; ok {
		t.Error("expected note removed")
	}

	// The input item is left untouched.
	if v := item["isActive"].(*types.AttributeValueMemberBOOL).Value; !v {
		t.Error("input item was modified")
	}
}

func TestApplyUpdate_Errors(t *testing.T) {
	tests := []string{
		"",
		"ADD uses :one",
		"SET uses = missing",
		"SET note = note + :one",
	}

	item := map[string]types.AttributeValue{"note": s("x")}
	values := map[string]types.AttributeValue{":one": n("1")}
	for _, expr := range tests {
		if _, err := applyUpdate(expr, nil, values, item); err == nil {
			t.Errorf("expected error for %q", expr)
		}
	}
}
