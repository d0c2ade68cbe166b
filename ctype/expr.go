package ctype

import (
	"strconv"
	"strings"

	"github.com/wippyai/cffi-runtime/errors"
)

// evalInt evaluates an integer constant expression. Identifiers are resolved
// through lookup.
func evalInt(src string, lookup func(string) (int64, bool)) (int64, error) {
	e := &exprParser{src: src, lookup: lookup}
	e.skip()
	v, err := e.binary(0)
	if err != nil {
		return 0, err
	}
	e.skip()
	if e.pos != len(e.src) {
		return 0, e.fail("unexpected %q", e.src[e.pos:])
	}
	return v, nil
}

type exprParser struct {
	src    string
	lookup func(string) (int64, bool)
	pos    int
}

var binaryPrec = map[string]int{
	"|": 1, "^": 2, "&": 3,
	"<<": 4, ">>": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

func (e *exprParser) fail(format string, args ...any) error {
	return errors.New(errors.PhaseDeclare, errors.KindDeclaration).
		Detail("constant expression %q: "+format, append([]any{e.src}, args...)...).
		Build()
}

func (e *exprParser) skip() {
	for e.pos < len(e.src) && strings.ContainsRune(" \t\n", rune(e.src[e.pos])) {
		e.pos++
	}
}

func (e *exprParser) operator() string {
	e.skip()
	rest := e.src[e.pos:]
	for _, op := range []string{"<<", ">>"} {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	if rest != "" && strings.ContainsRune("|^&+-*/%", rune(rest[0])) {
		return rest[:1]
	}
	return ""
}

func (e *exprParser) binary(minPrec int) (int64, error) {
	lhs, err := e.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := e.operator()
		prec, ok := binaryPrec[op]
		if !ok || prec <= minPrec {
			return lhs, nil
		}
		e.pos += len(op)
		rhs, err := e.binary(prec)
		if err != nil {
			return 0, err
		}
		switch op {
		case "|":
			lhs |= rhs
		case "^":
			lhs ^= rhs
		case "&":
			lhs &= rhs
		case "<<":
			lhs <<= uint64(rhs)
		case ">>":
			lhs >>= uint64(rhs)
		case "+":
			lhs += rhs
		case "-":
			lhs -= rhs
		case "*":
			lhs *= rhs
		case "/", "%":
			if rhs == 0 {
				return 0, e.fail("division by zero")
			}
			if op == "/" {
				lhs /= rhs
			} else {
				lhs %= rhs
			}
		}
	}
}

func (e *exprParser) unary() (int64, error) {
	e.skip()
	if e.pos >= len(e.src) {
		return 0, e.fail("unexpected end")
	}
	switch c := e.src[e.pos]; c {
	case '-', '+', '~', '!':
		e.pos++
		v, err := e.unary()
		if err != nil {
			return 0, err
		}
		switch c {
		case '-':
			return -v, nil
		case '~':
			return ^v, nil
		case '!':
			if v == 0 {
				return 1, nil
			}
			return 0, nil
		}
		return v, nil
	case '(':
		e.pos++
		v, err := e.binary(0)
		if err != nil {
			return 0, err
		}
		e.skip()
		if e.pos >= len(e.src) || e.src[e.pos] != ')' {
			return 0, e.fail("missing ')'")
		}
		e.pos++
		return v, nil
	case '\'':
		return e.charLiteral()
	}
	return e.atom()
}

func (e *exprParser) atom() (int64, error) {
	start := e.pos
	for e.pos < len(e.src) {
		c := e.src[e.pos]
		if c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			e.pos++
			continue
		}
		break
	}
	tok := e.src[start:e.pos]
	if tok == "" {
		return 0, e.fail("unexpected %q", e.src[start:])
	}
	if tok[0] >= '0' && tok[0] <= '9' {
		return parseIntLiteral(tok)
	}
	if e.lookup != nil {
		if v, ok := e.lookup(tok); ok {
			return v, nil
		}
	}
	return 0, e.fail("unknown identifier %q", tok)
}

func (e *exprParser) charLiteral() (int64, error) {
	end := strings.IndexByte(e.src[e.pos+1:], '\'')
	if end < 0 {
		return 0, e.fail("unterminated character literal")
	}
	// an escaped quote: '\''
	if end == 1 && e.src[e.pos+1] == '\\' {
		next := strings.IndexByte(e.src[e.pos+3:], '\'')
		if next < 0 {
			return 0, e.fail("unterminated character literal")
		}
		end = next + 2
	}
	lit := e.src[e.pos : e.pos+end+2]
	e.pos += end + 2
	s, err := strconv.Unquote(lit)
	if err != nil {
		r, _, _, err2 := strconv.UnquoteChar(lit[1:len(lit)-1], '\'')
		if err2 != nil {
			return 0, e.fail("bad character literal %s", lit)
		}
		return int64(r), nil
	}
	if len(s) == 0 {
		return 0, e.fail("empty character literal")
	}
	return int64(s[0]), nil
}

// parseIntLiteral accepts C integer literals: decimal, 0x hex, 0 octal and
// 0b binary, with optional u/l suffixes.
func parseIntLiteral(tok string) (int64, error) {
	s := strings.TrimRight(tok, "uUlL")
	base := 10
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		base, s = 16, s[2:]
	case strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B"):
		base, s = 2, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, s = 8, s[1:]
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, errors.New(errors.PhaseDeclare, errors.KindDeclaration).
			Detail("bad integer literal %q", tok).
			Cause(err).
			Build()
	}
	return int64(v), nil
}
