package main

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/ffi"
	"github.com/wippyai/cffi-runtime/marshal"
)

// parseArg converts command-line text to a Go value for a parameter of C
// type typ. Aggregates are written as YAML flow mappings or sequences:
// "{x: 1, y: 2}".
func parseArg(x *ffi.FFI, typ ctype.ID, s string) (any, error) {
	reg := x.Registry()
	switch reg.KindOf(typ) {
	case ctype.KindPrimitive:
		p, _ := reg.PrimOf(typ)
		return parseScalar(p, s)
	case ctype.KindEnum:
		if n, err := strconv.ParseInt(s, 0, 64); err == nil {
			return n, nil
		}
		// Enumerator names are resolved when the value is encoded.
		return s, nil
	case ctype.KindPointer:
		elem, _ := reg.Elem(typ)
		if p, ok := reg.PrimOf(elem); ok && p.Category() == ctype.CatChar && s != "NULL" {
			return s, nil
		}
		if s == "NULL" || s == "0" {
			return nil, nil
		}
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: want an address or NULL, got %q", reg.Name(typ), s)
		}
		return marshal.Pointer(n), nil
	case ctype.KindStruct, ctype.KindUnion, ctype.KindArray:
		var v any
		if err := yaml.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("%s: %w", reg.Name(typ), err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("cannot read a %s from the command line", reg.Name(typ))
}

func parseScalar(p ctype.Prim, s string) (any, error) {
	switch p.Category() {
	case ctype.CatBool:
		return strconv.ParseBool(s)
	case ctype.CatChar:
		if r := []rune(s); len(r) == 1 {
			return s, nil
		}
		return strconv.ParseInt(s, 0, 64)
	case ctype.CatFloat:
		return strconv.ParseFloat(s, 64)
	case ctype.CatComplex:
		return strconv.ParseComplex(s, 128)
	}
	if p.Signed() {
		return strconv.ParseInt(s, 0, 64)
	}
	return strconv.ParseUint(s, 0, 64)
}

// parseVararg guesses the Go value of an argument passed for "...":
// integers, then floats, then quoted or bare strings.
func parseVararg(s string) any {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// formatValue renders a call result.
func formatValue(x *ffi.FFI, v any) string {
	c, ok := v.(*marshal.CData)
	if !ok {
		if v == nil {
			return "void"
		}
		return fmt.Sprint(v)
	}
	reg := x.Registry()
	if c.IsNull() {
		return "NULL"
	}
	id := c.Type()
	if reg.KindOf(id) == ctype.KindPointer {
		elem, _ := reg.Elem(id)
		if p, ok := reg.PrimOf(elem); ok && p.Category() == ctype.CatChar {
			if s, err := c.CString(); err == nil {
				return strconv.Quote(s)
			}
		}
		return fmt.Sprintf("(%s) 0x%x", c.TypeName(), c.Addr())
	}
	if !reg.KindOf(id).IsAggregate() {
		return c.String()
	}
	l, err := x.Resolver().Resolve(id)
	if err != nil {
		return c.String()
	}
	parts := make([]string, 0, len(l.Fields))
	for _, f := range l.Fields {
		if f.Name == "" {
			continue
		}
		fv, err := c.Get(f.Name)
		if err != nil {
			return c.String()
		}
		parts = append(parts, f.Name+": "+formatValue(x, fv))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
