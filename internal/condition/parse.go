package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// SyntaxError describes a malformed condition expression.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition %q: %s at offset %d", e.Expr, e.Msg, e.Pos)
}

type tokKind int

const (
	tEOF tokKind = iota
	tIdent
	tString
	tNumber // digits optionally followed by a duration unit, e.g. 3, 1s, 1m30s
	tLParen
	tRParen
	tComma
	tAssign
	tAnd
	tOr
	tNot
	tCmp
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(c):
			i += size
		case c == '(':
			toks = append(toks, token{tLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tComma, ",", i})
			i++
		case c == '&':
			toks = append(toks, token{tAnd, "&", i})
			i++
		case c == '|':
			toks = append(toks, token{tOr, "|", i})
			i++
		case c == '~':
			toks = append(toks, token{tNot, "~", i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			start := i
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			text := src[start:i]
			switch text {
			case "=":
				toks = append(toks, token{tAssign, text, start})
			case "!":
				return nil, &SyntaxError{Expr: src, Pos: start, Msg: "unexpected '!' (use ~ for negation)"}
			default:
				toks = append(toks, token{tCmp, text, start})
			}
		case c == '"' || c == '\'':
			start := i
			j := i + 1
			for j < len(src) && src[j] != byte(c) {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, &SyntaxError{Expr: src, Pos: start, Msg: "unterminated string"}
			}
			raw := src[start : j+1]
			if c == '\'' {
				raw = strconv.Quote(src[start+1 : j])
			}
			s, err := strconv.Unquote(raw)
			if err != nil {
				return nil, &SyntaxError{Expr: src, Pos: start, Msg: "invalid string literal"}
			}
			toks = append(toks, token{tString, s, start})
			i = j + 1
		case unicode.IsDigit(c) || c == '-':
			start := i
			i++
			i = scanWhile(src, i, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' })
			toks = append(toks, token{tNumber, src[start:i], start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			i = scanWhile(src, i, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' })
			toks = append(toks, token{tIdent, src[start:i], start})
		default:
			return nil, &SyntaxError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{tEOF, "", len(src)})
	return toks, nil
}

// scanWhile returns the offset of the first rune at or after i that fails ok.
func scanWhile(src string, i int, ok func(rune) bool) int {
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		if !ok(r) {
			break
		}
		i += size
	}
	return i
}

type parser struct {
	src  string
	toks []token
	pos  int
}

// Parse builds a condition from its textual form, for example
//
//	(TaskStarted(task="x") >= 1) | ~SchedulerStarted(period=1s)
//
// '&' binds tighter than '|'; '~' binds tightest.
func Parse(src string) (Condition, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Expr: src, Msg: "empty expression"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tEOF {
		return nil, p.errf(t, "unexpected %q", t.text)
	}
	return c, nil
}

// MustParse is Parse for static expressions; it panics on error.
func MustParse(src string) Condition {
	c, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return c
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) errf(t token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(k tokKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		if t.kind == tEOF {
			return t, p.errf(t, "expected %s, got end of input", what)
		}
		return t, p.errf(t, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (Condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Condition{left}
	for p.peek().kind == tOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	return Or(terms...), nil
}

func (p *parser) parseAnd() (Condition, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Condition{left}
	for p.peek().kind == tAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	return And(terms...), nil
}

func (p *parser) parseUnary() (Condition, error) {
	if p.peek().kind == tNot {
		p.next()
		c, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(c), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Condition, error) {
	t := p.next()
	switch t.kind {
	case tLParen:
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen, "')'"); err != nil {
			return nil, err
		}
		return c, nil
	case tIdent:
		return p.parseLeaf(t)
	case tEOF:
		return nil, p.errf(t, "unexpected end of input")
	}
	return nil, p.errf(t, "unexpected %q", t.text)
}

var countKinds = map[string]CountKind{
	"TaskStarted":    KindStarted,
	"TaskFinished":   KindFinished,
	"TaskSucceeded":  KindSucceeded,
	"TaskFailed":     KindFailed,
	"TaskTerminated": KindTerminated,
	"TaskCrashed":    KindCrashed,
}

func (p *parser) parseLeaf(name token) (Condition, error) {
	switch name.text {
	case "true", "AlwaysTrue":
		if _, err := p.optionalArgs(name, nil); err != nil {
			return nil, err
		}
		return AlwaysTrue, nil
	case "false", "AlwaysFalse":
		if _, err := p.optionalArgs(name, nil); err != nil {
			return nil, err
		}
		return AlwaysFalse, nil
	case "SchedulerCycles":
		if _, err := p.optionalArgs(name, nil); err != nil {
			return nil, err
		}
		c := SchedulerCycles()
		op, val, ok, err := p.comparison()
		if err != nil || !ok {
			return c, err
		}
		n, err := p.intValue(val)
		if err != nil {
			return nil, err
		}
		return c.cmp(op, n), nil
	case "SchedulerStarted":
		args, err := p.optionalArgs(name, []string{"period"})
		if err != nil {
			return nil, err
		}
		raw, ok := args["period"]
		if !ok {
			return nil, p.errf(name, "SchedulerStarted requires period")
		}
		d, err := p.duration(raw)
		if err != nil {
			return nil, err
		}
		return SchedulerStarted(d), nil
	case "SchedulerUptime":
		if _, err := p.optionalArgs(name, nil); err != nil {
			return nil, err
		}
		op, val, ok, err := p.comparison()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, p.errf(name, "SchedulerUptime requires a comparison")
		}
		d, err := p.duration(val)
		if err != nil {
			return nil, err
		}
		return SchedulerUptime().cmp(op, d), nil
	case "Schedule":
		args, err := p.optionalArgs(name, []string{"expr"})
		if err != nil {
			return nil, err
		}
		raw, ok := args["expr"]
		if !ok {
			return nil, p.errf(name, "Schedule requires expr")
		}
		s, err := NewSchedule(raw.text)
		if err != nil {
			return nil, p.errf(raw, "%v", err)
		}
		return s, nil
	}

	kind, ok := countKinds[name.text]
	if !ok {
		return nil, p.errf(name, "unknown condition %q", name.text)
	}
	args, err := p.optionalArgs(name, []string{"task", "period"})
	if err != nil {
		return nil, err
	}
	c := newCount(kind, "")
	if v, ok := args["task"]; ok {
		c.Task = v.text
	}
	if v, ok := args["period"]; ok {
		d, err := p.duration(v)
		if err != nil {
			return nil, err
		}
		c = c.Within(d)
	}
	op, val, ok, err := p.comparison()
	if err != nil || !ok {
		return c, err
	}
	n, err := p.intValue(val)
	if err != nil {
		return nil, err
	}
	return c.cmp(op, n), nil
}

// optionalArgs parses "(k=v, ...)" if present. A single positional argument
// binds to the first allowed key.
func (p *parser) optionalArgs(name token, allowed []string) (map[string]token, error) {
	args := map[string]token{}
	if p.peek().kind != tLParen {
		return args, nil
	}
	p.next()
	if p.peek().kind == tRParen {
		p.next()
		return args, nil
	}
	for {
		t := p.next()
		key := ""
		var val token
		switch {
		case t.kind == tIdent && p.peek().kind == tAssign:
			p.next()
			key = t.text
			val = p.next()
		case t.kind == tString || t.kind == tNumber:
			if len(args) > 0 || len(allowed) == 0 {
				return nil, p.errf(t, "unexpected positional argument to %s", name.text)
			}
			key = allowed[0]
			val = t
		default:
			return nil, p.errf(t, "expected argument to %s, got %q", name.text, t.text)
		}
		if val.kind != tString && val.kind != tNumber {
			return nil, p.errf(val, "expected value for %s", key)
		}
		if !contains(allowed, key) {
			return nil, p.errf(t, "%s does not accept argument %q", name.text, key)
		}
		if _, dup := args[key]; dup {
			return nil, p.errf(t, "duplicate argument %q", key)
		}
		args[key] = val
		sep := p.next()
		if sep.kind == tRParen {
			return args, nil
		}
		if sep.kind != tComma {
			return nil, p.errf(sep, "expected ',' or ')'")
		}
	}
}

func (p *parser) comparison() (Op, token, bool, error) {
	if p.peek().kind != tCmp {
		return 0, token{}, false, nil
	}
	t := p.next()
	var op Op
	switch t.text {
	case ">":
		op = OpGt
	case ">=":
		op = OpGe
	case "==":
		op = OpEq
	case "!=":
		op = OpNe
	case "<=":
		op = OpLe
	case "<":
		op = OpLt
	default:
		return 0, token{}, false, p.errf(t, "unknown operator %q", t.text)
	}
	val := p.next()
	if val.kind != tNumber && val.kind != tString {
		return 0, token{}, false, p.errf(val, "expected value after %s", t.text)
	}
	return op, val, true, nil
}

func (p *parser) intValue(t token) (int64, error) {
	n, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return 0, p.errf(t, "expected integer, got %q", t.text)
	}
	return n, nil
}

func (p *parser) duration(t token) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(t.text))
	if err != nil {
		return 0, p.errf(t, "invalid duration %q", t.text)
	}
	if d < 0 {
		return 0, p.errf(t, "negative duration %q", t.text)
	}
	return d, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
