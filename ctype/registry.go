package ctype

import (
	"strconv"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the arena holding type nodes. Structural nodes are interned:
// asking twice for the same primitive, pointer, array or function shape
// yields the same ID. Aggregates and enums always get a fresh ID.
//
// A Registry is safe for concurrent use and is meant to be shared by every
// Context of a process.
type Registry struct {
	mu    *xsync.RBMutex
	nodes []Type
	keys  *xsync.MapOf[string, ID]
	void  ID
	prims [primCount]ID

	// includeMu serializes Context.Include across the namespaces of
	// this registry.
	includeMu sync.Mutex
}

// NewRegistry returns a registry with void and all primitives interned.
func NewRegistry() *Registry {
	r := &Registry{
		mu:   xsync.NewRBMutex(),
		keys: xsync.NewMapOf[string, ID](),
	}
	r.void = r.intern("v", Void{})
	for p := Prim(0); p < primCount; p++ {
		r.prims[p] = r.intern("p"+strconv.Itoa(int(p)), Primitive{Prim: p})
	}
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

func (r *Registry) add(t Type) ID {
	r.mu.Lock()
	r.nodes = append(r.nodes, t)
	id := ID(len(r.nodes))
	r.mu.Unlock()
	return id
}

func (r *Registry) intern(key string, t Type) ID {
	id, _ := r.keys.LoadOrCompute(key, func() ID {
		return r.add(t)
	})
	return id
}

// Len returns the number of nodes.
func (r *Registry) Len() int {
	tok := r.mu.RLock()
	n := len(r.nodes)
	r.mu.RUnlock(tok)
	return n
}

// Lookup returns the node for id, or nil for an unknown ID.
func (r *Registry) Lookup(id ID) Type {
	tok := r.mu.RLock()
	defer r.mu.RUnlock(tok)
	if id == Invalid || int(id) > len(r.nodes) {
		return nil
	}
	return r.nodes[id-1]
}

// KindOf returns the kind of id.
func (r *Registry) KindOf(id ID) Kind {
	if t := r.Lookup(id); t != nil {
		return t.Kind()
	}
	return KindVoid
}

// Void returns the void type.
func (r *Registry) Void() ID { return r.void }

// Prim returns the primitive p.
func (r *Registry) Prim(p Prim) ID { return r.prims[p] }

// PointerTo returns the interned pointer to elem.
func (r *Registry) PointerTo(elem ID) ID {
	return r.intern("*"+strconv.FormatUint(uint64(elem), 10), Pointer{Elem: elem})
}

// ArrayOf returns the interned array of n elements of elem.
func (r *Registry) ArrayOf(elem ID, n int) ID {
	key := "[" + strconv.FormatUint(uint64(elem), 10) + "," + strconv.Itoa(n)
	return r.intern(key, Array{Elem: elem, Len: n})
}

// FuncOf returns the interned function shape.
func (r *Registry) FuncOf(result ID, params []ID, variadic bool, abi ABI) ID {
	var b strings.Builder
	b.WriteString("f")
	b.WriteString(strconv.FormatUint(uint64(result), 10))
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(p), 10))
	}
	if variadic {
		b.WriteString(",...")
	}
	b.WriteByte(')')
	b.WriteString(strconv.Itoa(int(abi)))
	cp := append([]ID(nil), params...)
	return r.intern(b.String(), Func{Result: result, Params: cp, Variadic: variadic, ABI: abi})
}

// NewStruct allocates a fresh opaque struct or union.
func (r *Registry) NewStruct(tag string, union bool) ID {
	return r.add(&Struct{Tag: tag, Union: union})
}

// NewEnum allocates a fresh opaque enum. Until completed it behaves as
// unsigned int.
func (r *Registry) NewEnum(tag string) ID {
	return r.add(&Enum{Tag: tag, Underlying: r.prims[PrimUInt]})
}

// Struct returns the aggregate at id.
func (r *Registry) Struct(id ID) (*Struct, bool) {
	s, ok := r.Lookup(id).(*Struct)
	return s, ok
}

// Enum returns the enum at id.
func (r *Registry) Enum(id ID) (*Enum, bool) {
	e, ok := r.Lookup(id).(*Enum)
	return e, ok
}

// Func returns the function shape at id.
func (r *Registry) Func(id ID) (Func, bool) {
	f, ok := r.Lookup(id).(Func)
	return f, ok
}

// Elem returns the element of a pointer or array.
func (r *Registry) Elem(id ID) (ID, bool) {
	switch t := r.Lookup(id).(type) {
	case Pointer:
		return t.Elem, true
	case Array:
		return t.Elem, true
	}
	return Invalid, false
}

// PrimOf returns the primitive at id, following enums to their underlying
// integer type.
func (r *Registry) PrimOf(id ID) (Prim, bool) {
	switch t := r.Lookup(id).(type) {
	case Primitive:
		return t.Prim, true
	case *Enum:
		return r.PrimOf(t.Underlying)
	}
	return 0, false
}

// IsCharPointer reports whether id is a pointer or array of char.
func (r *Registry) IsCharPointer(id ID) bool {
	elem, ok := r.Elem(id)
	if !ok {
		return false
	}
	p, ok := r.Lookup(elem).(Primitive)
	return ok && (p.Prim == PrimChar || p.Prim == PrimSChar || p.Prim == PrimUChar)
}
