package ctype

import (
	"sync"
	"sync/atomic"
)

// ID addresses a node in a Registry. The zero ID is invalid.
type ID uint32

// Invalid is the zero ID.
const Invalid ID = 0

// Array length sentinels, mirroring the declaration IR.
const (
	LenVariable = -1 // T[]: flexible or sized at allocation
	LenUnknown  = -2 // T[...]: length known only to a layout oracle
)

// NoBits marks a field that is not a bit-field.
const NoBits = -1

// Type is a node of the type table. The set of implementations is closed.
type Type interface {
	Kind() Kind
	isType()
}

// Void is the void type.
type Void struct{}

// Primitive is a scalar C type.
type Primitive struct {
	Prim Prim
}

// Pointer points to Elem.
type Pointer struct {
	Elem ID
}

// Array holds Len elements of Elem, or one of the length sentinels.
type Array struct {
	Elem ID
	Len  int
}

// Func is a function signature.
type Func struct {
	Params   []ID
	Result   ID
	ABI      ABI
	Variadic bool
}

func (Void) Kind() Kind      { return KindVoid }
func (Primitive) Kind() Kind { return KindPrimitive }
func (Pointer) Kind() Kind   { return KindPointer }
func (Array) Kind() Kind     { return KindArray }
func (Func) Kind() Kind      { return KindFunc }

func (Void) isType()      {}
func (Primitive) isType() {}
func (Pointer) isType()   {}
func (Array) isType()     {}
func (Func) isType()      {}

// State is the completion state of an aggregate or enum.
type State uint32

const (
	StateOpaque   State = iota // declared, members unknown
	StatePartial               // members known in part; needs an oracle
	StateComplete              // members known
)

func (s State) String() string {
	switch s {
	case StateOpaque:
		return "opaque"
	case StatePartial:
		return "partial"
	}
	return "complete"
}

// Field is a struct or union member. Anonymous members have an empty Name
// and a struct or union Type.
type Field struct {
	Name string
	Type ID
	Bits int
}

// IsBitfield reports whether the field has an explicit width.
func (f Field) IsBitfield() bool { return f.Bits != NoBits }

// Struct is a struct or union node. Its identity is per declaration
// context; members are set once by Complete.
type Struct struct {
	Tag string
	// Name overrides the rendered name for anonymous aggregates bound by a
	// typedef.
	Name   string
	Fields []Field
	Pack   int
	Union  bool

	mu    sync.Mutex
	state atomic.Uint32
}

// Kind returns KindStruct or KindUnion.
func (s *Struct) Kind() Kind {
	if s.Union {
		return KindUnion
	}
	return KindStruct
}

func (*Struct) isType() {}

// State returns the completion state.
func (s *Struct) State() State { return State(s.state.Load()) }

// Complete sets the members of an opaque aggregate. It succeeds at most once.
func (s *Struct) Complete(fields []Field, pack int, partial bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateOpaque {
		return false
	}
	s.Fields = fields
	s.Pack = pack
	st := StateComplete
	if partial {
		st = StatePartial
	}
	s.state.Store(uint32(st))
	return true
}

// Keyword returns "struct" or "union".
func (s *Struct) Keyword() string {
	if s.Union {
		return "union"
	}
	return "struct"
}

// EnumMember is one enumerator with its resolved value.
type EnumMember struct {
	Name  string
	Value int64
}

// Enum is an enum node. Underlying is the integer primitive chosen from the
// member values.
type Enum struct {
	Tag        string
	Name       string
	Members    []EnumMember
	Underlying ID

	mu    sync.Mutex
	state atomic.Uint32
}

func (*Enum) Kind() Kind { return KindEnum }
func (*Enum) isType()    {}

// State returns the completion state.
func (e *Enum) State() State { return State(e.state.Load()) }

// Complete sets the members of an opaque enum. It succeeds at most once.
func (e *Enum) Complete(members []EnumMember, underlying ID, partial bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != StateOpaque {
		return false
	}
	e.Members = members
	e.Underlying = underlying
	st := StateComplete
	if partial {
		st = StatePartial
	}
	e.state.Store(uint32(st))
	return true
}

// NameOf returns the first enumerator with value v.
func (e *Enum) NameOf(v int64) (string, bool) {
	for _, m := range e.Members {
		if m.Value == v {
			return m.Name, true
		}
	}
	return "", false
}

// ValueOf returns the value of enumerator name.
func (e *Enum) ValueOf(name string) (int64, bool) {
	for _, m := range e.Members {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}
