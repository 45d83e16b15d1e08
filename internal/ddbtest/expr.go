package ddbtest

import (
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokName
	tokValue
	tokLParen
	tokRParen
	tokComma
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '=' || c == '+' || c == '-':
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == '<' || c == '>':
			op := string(c)
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				op += string(s[i+1])
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		case c == '#' || c == ':':
			j := i + 1
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("empty placeholder at offset %d", i)
			}
			kind := tokName
			if c == ':' {
				kind = tokValue
			}
			toks = append(toks, token{kind, s[i:j]})
			i = j
		case isWordByte(s[i]):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func isWordByte(b byte) bool {
	return b == '_' || b == '.' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// parser evaluates an expression against one item while parsing it.
type parser struct {
	toks   []token
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
	item   map[string]types.AttributeValue
}

func newParser(text string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (*parser, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, names: names, values: values, item: item}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) error {
	t := p.next()
	if t.kind != kind {
		return fmt.Errorf("expected %q, got %q", text, t.text)
	}
	return nil
}

// evalCondition reports whether item satisfies a condition or filter expression.
func evalCondition(text string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	p, err := newParser(text, names, values, item)
	if err != nil {
		return false, err
	}
	ok, err := p.or()
	if err != nil {
		return false, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return false, fmt.Errorf("unexpected token %q", t.text)
	}
	return ok, nil
}

func (p *parser) or() (bool, error) {
	v, err := p.and()
	if err != nil {
		return false, err
	}
	for p.keyword("OR") {
		r, err := p.and()
		if err != nil {
			return false, err
		}
		v = v || r
	}
	return v, nil
}

func (p *parser) and() (bool, error) {
	v, err := p.not()
	if err != nil {
		return false, err
	}
	for p.keyword("AND") {
		r, err := p.not()
		if err != nil {
			return false, err
		}
		v = v && r
	}
	return v, nil
}

func (p *parser) not() (bool, error) {
	if p.keyword("NOT") {
		v, err := p.not()
		return !v, err
	}
	return p.primary()
}

func (p *parser) primary() (bool, error) {
	if p.peek().kind == tokLParen {
		p.next()
		v, err := p.or()
		if err != nil {
			return false, err
		}
		return v, p.expect(tokRParen, ")")
	}

	if t := p.peek(); t.kind == tokIdent && p.toks[p.pos+1].kind == tokLParen {
		return p.function()
	}

	left, err := p.operand()
	if err != nil {
		return false, err
	}
	if p.keyword("BETWEEN") {
		lo, err := p.operand()
		if err != nil {
			return false, err
		}
		if !p.keyword("AND") {
			return false, fmt.Errorf("expected AND in BETWEEN")
		}
		hi, err := p.operand()
		if err != nil {
			return false, err
		}
		return compare(left, lo, ">=") && compare(left, hi, "<="), nil
	}
	op := p.next()
	if op.kind != tokOp || op.text == "+" || op.text == "-" {
		return false, fmt.Errorf("expected comparator, got %q", op.text)
	}
	right, err := p.operand()
	if err != nil {
		return false, err
	}
	return compare(left, right, op.text), nil
}

func (p *parser) function() (bool, error) {
	name := strings.ToLower(p.next().text)
	p.next() // (
	var ok bool
	switch name {
	case "attribute_exists", "attribute_not_exists":
		attr, err := p.path()
		if err != nil {
			return false, err
		}
		_, present := p.item[attr]
		ok = present == (name == "attribute_exists")
	case "begins_with", "contains":
		a, err := p.operand()
		if err != nil {
			return false, err
		}
		if err := p.expect(tokComma, ","); err != nil {
			return false, err
		}
		b, err := p.operand()
		if err != nil {
			return false, err
		}
		ok = stringOp(name, a, b)
	default:
		return false, fmt.Errorf("unsupported function %s", name)
	}
	return ok, p.expect(tokRParen, ")")
}

func stringOp(fn string, a, b types.AttributeValue) bool {
	sub, ok := b.(*types.AttributeValueMemberS)
	if !ok {
		return false
	}
	switch v := a.(type) {
	case *types.AttributeValueMemberS:
		if fn == "begins_with" {
			return strings.HasPrefix(v.Value, sub.Value)
		}
		return strings.Contains(v.Value, sub.Value)
	case *types.AttributeValueMemberSS:
		if fn == "contains" {
			for _, s := range v.Value {
				if s == sub.Value {
					return true
				}
			}
		}
	}
	return false
}

// path resolves an attribute reference to its name.
func (p *parser) path() (string, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return t.text, nil
	case tokName:
		n, ok := p.names[t.text]
		if !ok {
			return "", fmt.Errorf("undefined attribute name %s", t.text)
		}
		return n, nil
	}
	return "", fmt.Errorf("expected attribute, got %q", t.text)
}

// operand resolves a path or value placeholder. Missing attributes are nil.
func (p *parser) operand() (types.AttributeValue, error) {
	if t := p.peek(); t.kind == tokValue {
		p.next()
		v, ok := p.values[t.text]
		if !ok {
			return nil, fmt.Errorf("undefined attribute value %s", t.text)
		}
		return v, nil
	}
	attr, err := p.path()
	if err != nil {
		return nil, err
	}
	return p.item[attr], nil
}

func compare(a, b types.AttributeValue, op string) bool {
	if a == nil || b == nil {
		return op == "<>"
	}
	var c int
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return op == "<>"
		}
		c = strings.Compare(x.Value, y.Value)
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return op == "<>"
		}
		xf, err1 := strconv.ParseFloat(x.Value, 64)
		yf, err2 := strconv.ParseFloat(y.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		switch {
		case xf < yf:
			c = -1
		case xf > yf:
			c = 1
		}
	default:
		eq := reflect.DeepEqual(a, b)
		switch op {
		case "=":
			return eq
		case "<>":
			return !eq
		}
		return false
	}
	switch op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// applyUpdate returns a copy of item with a SET/REMOVE update expression
// applied. Right-hand sides see the item as it was before the update.
func applyUpdate(text string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	p, err := newParser(text, names, values, item)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(item)
	if out == nil {
		out = make(map[string]types.AttributeValue)
	}

	seen := false
	for p.peek().kind != tokEOF {
		switch {
		case p.keyword("SET"):
			if err := p.setClause(out); err != nil {
				return nil, err
			}
		case p.keyword("REMOVE"):
			if err := p.removeClause(out); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported update clause %q", p.peek().text)
		}
		seen = true
	}
	if !seen {
		return nil, fmt.Errorf("empty update expression")
	}
	return out, nil
}

func (p *parser) setClause(out map[string]types.AttributeValue) error {
	for {
		attr, err := p.path()
		if err != nil {
			return err
		}
		if t := p.next(); t.kind != tokOp || t.text != "=" {
			return fmt.Errorf("expected = after %s", attr)
		}
		v, err := p.setValue()
		if err != nil {
			return err
		}
		out[attr] = v
		if p.peek().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) removeClause(out map[string]types.AttributeValue) error {
	for {
		attr, err := p.path()
		if err != nil {
			return err
		}
		delete(out, attr)
		if p.peek().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) setValue() (types.AttributeValue, error) {
	left, err := p.setTerm()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp || (t.text != "+" && t.text != "-") {
		return left, nil
	}
	p.next()
	right, err := p.setTerm()
	if err != nil {
		return nil, err
	}
	return arithmetic(left, right, t.text)
}

func (p *parser) setTerm() (types.AttributeValue, error) {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, "if_not_exists") && p.toks[p.pos+1].kind == tokLParen {
		p.next()
		p.next()
		attr, err := p.path()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokComma, ","); err != nil {
			return nil, err
		}
		fallback, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		if v, ok := p.item[attr]; ok {
			return v, nil
		}
		return fallback, nil
	}
	v, err := p.operand()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("update references a missing attribute")
	}
	return v, nil
}

func arithmetic(a, b types.AttributeValue, op string) (types.AttributeValue, error) {
	x, ok1 := a.(*types.AttributeValueMemberN)
	y, ok2 := b.(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("arithmetic on non-number operands")
	}
	xf, err := strconv.ParseFloat(x.Value, 64)
	if err != nil {
		return nil, err
	}
	yf, err := strconv.ParseFloat(y.Value, 64)
	if err != nil {
		return nil, err
	}
	if op == "-" {
		yf = -yf
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(xf+yf, 'f', -1, 64)}, nil
}
