package ctype

import (
	"strconv"
	"strings"
)

// Name renders id as a C type name: "int", "struct foo *", "int[4]",
// "int(*)(int)".
func (r *Registry) Name(id ID) string {
	return r.render(id, "")
}

func (r *Registry) render(id ID, inner string) string {
	switch t := r.Lookup(id).(type) {
	case Pointer:
		s := "*" + inner
		switch elem := r.Lookup(t.Elem).(type) {
		case Array:
			s = "(" + s + ")"
		case Func:
			if elem.ABI != ABIDefault {
				s = "__" + elem.ABI.String() + " " + s
			}
			s = "(" + s + ")"
		}
		return r.render(t.Elem, s)
	case Array:
		switch t.Len {
		case LenVariable:
			return r.render(t.Elem, inner+"[]")
		case LenUnknown:
			return r.render(t.Elem, inner+"[...]")
		}
		return r.render(t.Elem, inner+"["+strconv.Itoa(t.Len)+"]")
	case Func:
		parts := make([]string, 0, len(t.Params)+1)
		for _, p := range t.Params {
			parts = append(parts, r.Name(p))
		}
		if t.Variadic {
			parts = append(parts, "...")
		}
		if len(parts) == 0 {
			parts = append(parts, "void")
		}
		return r.render(t.Result, inner+"("+strings.Join(parts, ", ")+")")
	case Void:
		return joinDeclarator("void", inner)
	case Primitive:
		return joinDeclarator(t.Prim.String(), inner)
	case *Struct:
		return joinDeclarator(aggregateName(t.Keyword(), t.Tag, t.Name, id), inner)
	case *Enum:
		return joinDeclarator(aggregateName("enum", t.Tag, t.Name, id), inner)
	}
	return joinDeclarator("?", inner)
}

func aggregateName(keyword, tag, name string, id ID) string {
	switch {
	case name != "":
		return name
	case tag != "":
		return keyword + " " + tag
	}
	return keyword + " $" + strconv.FormatUint(uint64(id), 10)
}

func joinDeclarator(base, inner string) string {
	if inner == "" {
		return base
	}
	if inner[0] == '*' {
		return base + " " + inner
	}
	return base + inner
}
