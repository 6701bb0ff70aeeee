package automation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EvalCondition evaluates a step condition against vars.
//
// The grammar is deliberately small:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | compare
//	compare = primary [ ("==" | "!=") primary ]
//	primary = "(" expr ")" | string | number | ident | "{{" name "}}"
//
// true/yes and false/no are booleans. An identifier names a variable; an
// unknown identifier is its own text. A {{name}} placeholder, bare or inside
// a string literal, is resolved after the condition is tokenised, so a
// variable's value is only ever a value and never changes the expression.
func EvalCondition(src string, vars map[string]any) (bool, error) {
	p := &exprParser{vars: vars}
	if err := p.lex(src); err != nil {
		return false, err
	}
	if len(p.toks) == 0 {
		return false, fmt.Errorf("empty condition")
	}
	v, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected %q at offset %d", p.toks[p.pos].text, p.toks[p.pos].off)
	}
	return truthy(v), nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokOp
	tokVar
)

type token struct {
	kind tokKind
	text string
	off  int
}

type exprParser struct {
	toks []token
	pos  int
	vars map[string]any
}

func (p *exprParser) lex(src string) error {
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '{' && i+1 < len(rs) && rs[i+1] == '{':
			end := strings.Index(string(rs[i+2:]), "}}")
			if end < 0 {
				return fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := strings.TrimSpace(string(rs[i+2:])[:end])
			if name == "" {
				return fmt.Errorf("empty placeholder at offset %d", i)
			}
			p.toks = append(p.toks, token{tokVar, name, i})
			i += 2 + len([]rune(string(rs[i+2:])[:end])) + 2
		case r == '(' || r == ')':
			p.toks = append(p.toks, token{tokOp, string(r), i})
			i++
		case r == '!' || r == '=':
			if i+1 < len(rs) && rs[i+1] == '=' {
				p.toks = append(p.toks, token{tokOp, string(rs[i : i+2]), i})
				i += 2
			} else if r == '!' {
				p.toks = append(p.toks, token{tokOp, "!", i})
				i++
			} else {
				return fmt.Errorf("unexpected '=' at offset %d", i)
			}
		case r == '&' || r == '|':
			if i+1 >= len(rs) || rs[i+1] != r {
				return fmt.Errorf("unexpected %q at offset %d", r, i)
			}
			p.toks = append(p.toks, token{tokOp, string(rs[i : i+2]), i})
			i += 2
		case r == '\'' || r == '"':
			j := i + 1
			for j < len(rs) && rs[j] != r {
				j++
			}
			if j >= len(rs) {
				return fmt.Errorf("unterminated string at offset %d", i)
			}
			p.toks = append(p.toks, token{tokString, string(rs[i+1 : j]), i})
			i = j + 1
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			p.toks = append(p.toks, token{tokNumber, string(rs[i:j]), i})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			p.toks = append(p.toks, token{tokIdent, string(rs[i:j]), i})
			i = j
		default:
			return fmt.Errorf("unexpected %q at offset %d", r, i)
		}
	}
	return nil
}

func (p *exprParser) peek(op string) bool {
	return p.pos < len(p.toks) && p.toks[p.pos].kind == tokOp && p.toks[p.pos].text == op
}

func (p *exprParser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek("||") {
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *exprParser) and() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.peek("&&") {
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *exprParser) unary() (any, error) {
	if p.peek("!") {
		p.pos++
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.compare()
}

func (p *exprParser) compare() (any, error) {
	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	if p.peek("==") || p.peek("!=") {
		op := p.toks[p.pos].text
		p.pos++
		right, err := p.primary()
		if err != nil {
			return nil, err
		}
		eq := equal(left, right)
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}
	return left, nil
}

func (p *exprParser) primary() (any, error) {
	if p.pos >= len(p.toks) {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.kind {
	case tokString:
		return p.literal(t.text), nil
	case tokVar:
		if v, ok := p.vars[t.text]; ok {
			return v, nil
		}
		return "{{" + t.text + "}}", nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.off)
		}
		return f, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		if v, ok := p.vars[t.text]; ok {
			return v, nil
		}
		return t.text, nil
	}
	if t.text == "(" {
		v, err := p.or()
		if err != nil {
			return nil, err
		}
		if !p.peek(")") {
			return nil, fmt.Errorf("missing ')' for '(' at offset %d", t.off)
		}
		p.pos++
		return v, nil
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.off)
}

// literal resolves placeholders inside a quoted string. A string that is a
// single placeholder keeps the variable's own type.
func (p *exprParser) literal(s string) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") && strings.Count(trimmed, "{{") == 1 {
		if v, ok := p.vars[strings.TrimSpace(trimmed[2:len(trimmed)-2])]; ok {
			return v
		}
	}
	return substituteString(s, p.vars)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "false", "0", "no":
			return false
		}
		return true
	default:
		return true
	}
}

func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	return stringify(a) == stringify(b)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
