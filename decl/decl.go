package decl

// TypeKind selects the shape of a type expression.
type TypeKind uint8

const (
	TypeName    TypeKind = iota // primitive, typedef or "struct tag" reference
	TypePointer                 // pointer to Elem
	TypeArray                   // array of Elem
	TypeFunc                    // function signature
	TypeStruct                  // inline struct definition
	TypeUnion                   // inline union definition
	TypeEnum                    // inline enum definition
)

var typeKindNames = [...]string{
	TypeName:    "name",
	TypePointer: "pointer",
	TypeArray:   "array",
	TypeFunc:    "func",
	TypeStruct:  "struct",
	TypeUnion:   "union",
	TypeEnum:    "enum",
}

func (k TypeKind) String() string {
	if int(k) < len(typeKindNames) {
		return typeKindNames[k]
	}
	return "unknown"
}

// Array length sentinels.
const (
	LenVariable = -1 // int x[]
	LenUnknown  = -2 // int x[...], resolved through a layout oracle
)

// Type is a C type expression as produced by a parser front-end.
type Type struct {
	Elem     *Type
	Result   *Type
	Body     *Aggregate
	EnumBody *Enum
	Name     string
	ABI      string
	LenExpr  string // symbolic array length, e.g. "char[N]"
	Params   []Type
	Len      int
	Kind     TypeKind
	Variadic bool
	Const    bool
}

// Field is a struct or union member. An empty Name with a struct or union
// type declares an anonymous member.
type Field struct {
	Bits *int   `yaml:"bits,omitempty"`
	Name string `yaml:"name,omitempty"`
	Type Type   `yaml:"type"`
}

// IsBitfield reports whether the field carries an explicit bit width.
func (f *Field) IsBitfield() bool {
	return f.Bits != nil
}

// Aggregate is a struct or union declaration.
type Aggregate struct {
	Tag     string  `yaml:"tag,omitempty"`
	Fields  []Field `yaml:"fields,omitempty"`
	Pack    int     `yaml:"pack,omitempty"`
	Union   bool    `yaml:"union,omitempty"`
	Opaque  bool    `yaml:"opaque,omitempty"`  // forward declaration only
	Partial bool    `yaml:"partial,omitempty"` // "...;" - remaining members known only to an oracle
	Packed  bool    `yaml:"packed,omitempty"`
}

// Keyword returns "struct" or "union".
func (a *Aggregate) Keyword() string {
	if a.Union {
		return "union"
	}
	return "struct"
}

// EnumMember is one enumerator. Value is an integer constant expression,
// empty for "previous + 1".
type EnumMember struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value,omitempty"`
}

// Enum is an enum declaration.
type Enum struct {
	Tag     string       `yaml:"tag,omitempty"`
	Members []EnumMember `yaml:"members,omitempty"`
	Partial bool         `yaml:"partial,omitempty"`
	Opaque  bool         `yaml:"opaque,omitempty"`
}

// Typedef binds a name to a type.
type Typedef struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`
}

// Function declares a function symbol.
type Function struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"` // TypeFunc
}

// Global declares a global variable symbol.
type Global struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`
}

// Constant is an integer or floating constant. An empty Value or "..."
// declares a constant whose value must be probed from the native side.
type Constant struct {
	Type  *Type  `yaml:"type,omitempty"`
	Name  string `yaml:"name"`
	Value string `yaml:"value,omitempty"`
}

// Unknown reports whether the constant value must be probed.
func (c *Constant) Unknown() bool {
	return c.Value == "" || c.Value == "..."
}

// File is one unit of declarations. Tags are reserved before anything else
// is interned, so members may refer to aggregates declared later in the file.
type File struct {
	Structs   []Aggregate `yaml:"structs,omitempty"`
	Enums     []Enum      `yaml:"enums,omitempty"`
	Typedefs  []Typedef   `yaml:"typedefs,omitempty"`
	Functions []Function  `yaml:"functions,omitempty"`
	Globals   []Global    `yaml:"globals,omitempty"`
	Constants []Constant  `yaml:"constants,omitempty"`
}

// Named returns a reference to a named type.
func Named(name string) Type {
	return Type{Kind: TypeName, Name: name}
}

// Ptr returns a pointer to t.
func Ptr(t Type) Type {
	return Type{Kind: TypePointer, Elem: &t}
}

// Arr returns an array of n elements of t. Use LenVariable or LenUnknown for
// open arrays.
func Arr(t Type, n int) Type {
	return Type{Kind: TypeArray, Elem: &t, Len: n}
}

// Fn returns a function type.
func Fn(result Type, params ...Type) Type {
	return Type{Kind: TypeFunc, Result: &result, Params: params}
}

// VarFn returns a variadic function type.
func VarFn(result Type, params ...Type) Type {
	t := Fn(result, params...)
	t.Variadic = true
	return t
}

// Inline returns an inline struct or union definition.
func Inline(a Aggregate) Type {
	k := TypeStruct
	if a.Union {
		k = TypeUnion
	}
	return Type{Kind: k, Body: &a}
}

// Bits returns a pointer to n for use as a bit-field width.
func Bits(n int) *int {
	return &n
}
