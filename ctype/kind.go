package ctype

// Kind is the tag of a type node.
type Kind uint8

const (
	KindVoid Kind = iota
	KindPrimitive
	KindPointer
	KindArray
	KindFunc
	KindStruct
	KindUnion
	KindEnum
)

var kindNames = [...]string{
	KindVoid:      "void",
	KindPrimitive: "primitive",
	KindPointer:   "pointer",
	KindArray:     "array",
	KindFunc:      "function",
	KindStruct:    "struct",
	KindUnion:     "union",
	KindEnum:      "enum",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// IsAggregate reports whether k is a struct or union.
func (k Kind) IsAggregate() bool {
	return k == KindStruct || k == KindUnion
}

// Category groups primitives by value domain.
type Category uint8

const (
	CatInteger Category = iota
	CatFloat
	CatChar
	CatBool
	CatComplex
)

var categoryNames = [...]string{
	CatInteger: "integer",
	CatFloat:   "float",
	CatChar:    "char",
	CatBool:    "bool",
	CatComplex: "complex",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// ABI is a calling convention tag.
type ABI uint8

const (
	ABIDefault ABI = iota
	ABIStdcall
	ABIFastcall
)

func (a ABI) String() string {
	switch a {
	case ABIStdcall:
		return "stdcall"
	case ABIFastcall:
		return "fastcall"
	}
	return "default"
}

// ParseABI maps a convention spelling to its tag.
func ParseABI(s string) (ABI, bool) {
	switch s {
	case "", "default", "cdecl", "__cdecl":
		return ABIDefault, true
	case "stdcall", "__stdcall", "WINAPI":
		return ABIStdcall, true
	case "fastcall", "__fastcall":
		return ABIFastcall, true
	}
	return ABIDefault, false
}
