package decl

import (
	"strconv"
	"strings"

	"github.com/wippyai/cffi-runtime/errors"
)

var baseKeywords = map[string]bool{
	"void": true, "char": true, "short": true, "int": true, "long": true,
	"float": true, "double": true, "signed": true, "unsigned": true,
	"_Bool": true, "bool": true, "_Complex": true,
}

var conventions = map[string]string{
	"__cdecl":    "",
	"__stdcall":  "stdcall",
	"WINAPI":     "stdcall",
	"__fastcall": "fastcall",
}

// ParseTypeName parses a C type name such as "unsigned int",
// "struct foo *", "char[16]" or "int(*)(int, ...)". Declarator names are
// accepted and ignored.
func ParseTypeName(s string) (Type, error) {
	p := &typeParser{src: s, toks: tokenize(s)}
	t, err := p.typeName()
	if err != nil {
		return Type{}, err
	}
	if !p.eof() {
		return Type{}, p.fail("unexpected %q", p.peek())
	}
	return t, nil
}

// MustParseTypeName is like ParseTypeName but panics on error.
func MustParseTypeName(s string) Type {
	t, err := ParseTypeName(s)
	if err != nil {
		panic(err)
	}
	return t
}

func tokenize(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case strings.HasPrefix(s[i:], "..."):
			toks = append(toks, "...")
			i += 3
		case strings.ContainsRune("*[](),", rune(c)):
			toks = append(toks, string(c))
			i++
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n*[](),", rune(s[j])) && !strings.HasPrefix(s[j:], "...") {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks
}

type typeParser struct {
	src     string
	lastABI string
	toks    []string
	pos     int
}

func (p *typeParser) eof() bool { return p.pos >= len(p.toks) }

func (p *typeParser) peek() string {
	if p.eof() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *typeParser) peekAt(n int) string {
	if p.pos+n >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos+n]
}

func (p *typeParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *typeParser) expect(tok string) error {
	if p.next() != tok {
		return p.fail("expected %q", tok)
	}
	return nil
}

func (p *typeParser) fail(format string, args ...any) error {
	return errors.New(errors.PhaseDeclare, errors.KindDeclaration).
		CType(p.src).
		Detail(format, args...).
		Build()
}

func (p *typeParser) typeName() (Type, error) {
	base, err := p.base()
	if err != nil {
		return Type{}, err
	}
	wrap, err := p.declarator()
	if err != nil {
		return Type{}, err
	}
	return wrap(base), nil
}

func (p *typeParser) base() (Type, error) {
	var words []string
	isConst := false
	for !p.eof() {
		tok := p.peek()
		switch {
		case tok == "const" || tok == "volatile" || tok == "restrict":
			isConst = isConst || tok == "const"
			p.next()
		case tok == "struct" || tok == "union" || tok == "enum":
			if len(words) > 0 {
				return Type{}, p.fail("%q after %q", tok, strings.Join(words, " "))
			}
			p.next()
			tag := p.next()
			if tag == "" || !isIdent(tag) {
				return Type{}, p.fail("%s requires a tag", tok)
			}
			t := Named(tok + " " + tag)
			t.Const = isConst || p.skipQualifiers()
			return t, nil
		case baseKeywords[tok]:
			words = append(words, tok)
			p.next()
		case isIdent(tok) && len(words) == 0 && !isConvention(tok):
			p.next()
			t := Named(tok)
			t.Const = isConst || p.skipQualifiers()
			return t, nil
		default:
			if len(words) == 0 {
				return Type{}, p.fail("expected a type, got %q", tok)
			}
			return Type{Kind: TypeName, Name: normalizeWords(words), Const: isConst}, nil
		}
	}
	if len(words) == 0 {
		return Type{}, p.fail("empty type name")
	}
	return Type{Kind: TypeName, Name: normalizeWords(words), Const: isConst}, nil
}

func (p *typeParser) skipQualifiers() bool {
	c := false
	for p.peek() == "const" || p.peek() == "volatile" || p.peek() == "restrict" {
		c = c || p.next() == "const"
	}
	return c
}

type wrapper func(Type) Type

// declarator parses an abstract declarator into a function applying it to a
// base type. Suffixes bind tighter than pointers; parentheses group.
func (p *typeParser) declarator() (wrapper, error) {
	abi := ""
	if c, ok := conventions[p.peek()]; ok {
		abi = c
		p.next()
	}
	nptr := 0
	for p.peek() == "*" {
		p.next()
		p.skipQualifiers()
		nptr++
	}

	inner := func(t Type) Type { return t }
	if p.peek() == "(" && p.isGrouping() {
		p.next()
		w, err := p.declarator()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		inner = w
		if p.lastABI != "" {
			abi = p.lastABI
			p.lastABI = ""
		}
	} else if isIdent(p.peek()) && !baseKeywords[p.peek()] {
		p.next()
	}

	var suffixes []wrapper
	for p.peek() == "[" || p.peek() == "(" {
		if p.next() == "[" {
			n := LenVariable
			expr := ""
			switch tok := p.peek(); {
			case tok == "]":
			case tok == "...":
				p.next()
				n = LenUnknown
			case isIdent(tok):
				p.next()
				expr = tok
			default:
				v, err := parseArrayLen(p.next())
				if err != nil {
					return nil, p.fail("bad array length %q", tok)
				}
				n = v
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			suffixes = append(suffixes, func(t Type) Type {
				a := Arr(t, n)
				a.LenExpr = expr
				return a
			})
			continue
		}
		params, variadic, err := p.params()
		if err != nil {
			return nil, err
		}
		fabi := abi
		abi = ""
		suffixes = append(suffixes, func(t Type) Type {
			f := Fn(t, params...)
			f.Variadic = variadic
			f.ABI = fabi
			return f
		})
	}
	if abi != "" {
		p.lastABI = abi
	}

	return func(t Type) Type {
		for i := 0; i < nptr; i++ {
			t = Ptr(t)
		}
		for i := len(suffixes) - 1; i >= 0; i-- {
			t = suffixes[i](t)
		}
		return inner(t)
	}, nil
}

func (p *typeParser) isGrouping() bool {
	n := p.peekAt(1)
	return n == "*" || isConvention(n)
}

func isConvention(tok string) bool {
	_, ok := conventions[tok]
	return ok
}

func (p *typeParser) params() ([]Type, bool, error) {
	var params []Type
	variadic := false
	if p.peek() == ")" {
		p.next()
		return nil, false, nil
	}
	if p.peek() == "void" && p.peekAt(1) == ")" {
		p.pos += 2
		return nil, false, nil
	}
	for {
		if p.peek() == "..." {
			p.next()
			variadic = true
			if err := p.expect(")"); err != nil {
				return nil, false, err
			}
			return params, variadic, nil
		}
		t, err := p.typeName()
		if err != nil {
			return nil, false, err
		}
		params = append(params, t)
		switch p.next() {
		case ",":
		case ")":
			return params, variadic, nil
		default:
			return nil, false, p.fail("bad parameter list")
		}
	}
}

func parseArrayLen(s string) (int, error) {
	s = strings.TrimRight(s, "uUlL")
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil || v < 0 {
		return 0, errors.InvalidInput(errors.PhaseDeclare, nil, "array length")
	}
	return int(v), nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// normalizeWords canonicalizes primitive spellings: "long int" becomes
// "long", "signed" becomes "int", "unsigned" becomes "unsigned int".
func normalizeWords(words []string) string {
	var signed, unsigned, complex bool
	longs := 0
	core := ""
	for _, w := range words {
		switch w {
		case "signed":
			signed = true
		case "unsigned":
			unsigned = true
		case "long":
			longs++
		case "_Complex":
			complex = true
		case "int":
			if core == "" {
				core = "int"
			}
		default:
			core = w
		}
	}
	if core == "bool" {
		core = "_Bool"
	}
	var name string
	switch {
	case core == "double" && longs > 0:
		name = "long double"
	case core == "char" || core == "short":
		name = core
		if core == "char" && signed {
			name = "signed char"
		}
	case longs == 1:
		name = "long"
	case longs >= 2:
		name = "long long"
	case core == "":
		name = "int"
	default:
		name = core
	}
	if unsigned {
		name = "unsigned " + name
	}
	if complex {
		name = name + " _Complex"
	}
	return name
}

// String renders t in C syntax, e.g. "int(*)(int)".
func (t Type) String() string {
	return render(t, "")
}

func render(t Type, inner string) string {
	switch t.Kind {
	case TypePointer:
		s := "*" + inner
		if t.Elem.Kind == TypeArray || t.Elem.Kind == TypeFunc {
			s = "(" + s + ")"
		}
		return render(*t.Elem, s)
	case TypeArray:
		if t.LenExpr != "" {
			return render(*t.Elem, inner+"["+t.LenExpr+"]")
		}
		switch t.Len {
		case LenVariable:
			return render(*t.Elem, inner+"[]")
		case LenUnknown:
			return render(*t.Elem, inner+"[...]")
		}
		return render(*t.Elem, inner+"["+strconv.Itoa(t.Len)+"]")
	case TypeFunc:
		parts := make([]string, 0, len(t.Params)+1)
		for _, a := range t.Params {
			parts = append(parts, a.String())
		}
		if t.Variadic {
			parts = append(parts, "...")
		}
		if len(parts) == 0 {
			parts = append(parts, "void")
		}
		return render(*t.Result, inner+"("+strings.Join(parts, ", ")+")")
	}
	base := t.Name
	switch t.Kind {
	case TypeStruct, TypeUnion:
		base = t.Body.Keyword() + " " + t.Body.Tag
		if t.Body.Tag == "" {
			base = t.Body.Keyword() + " $"
		}
	case TypeEnum:
		base = "enum " + t.EnumBody.Tag
	}
	if t.Const {
		base = "const " + base
	}
	if inner == "" {
		return base
	}
	if inner[0] == '*' {
		return base + " " + inner
	}
	return base + inner
}
