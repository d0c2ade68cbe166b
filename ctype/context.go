package ctype

import (
	"math"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"github.com/wippyai/cffi-runtime/decl"
	"github.com/wippyai/cffi-runtime/errors"
)

// Constant is a named integer or floating constant, including enumerators.
type Constant struct {
	Name    string
	Type    ID
	Int     int64
	Float   float64
	IsFloat bool
	// Unknown constants have no declared value; it is probed from the
	// native side on first use.
	Unknown bool
}

// Context is one declaration namespace. Aggregates declared in a Context
// belong to it; structural types are shared through the Registry.
type Context struct {
	reg  *Registry
	name string

	mu        sync.RWMutex
	typedefs  map[string]ID
	tags      map[string]ID
	functions map[string]ID
	globals   map[string]ID
	constants map[string]Constant
	includes  []*Context

	// declaration order, for deterministic encoding
	typedefOrder  []string
	tagOrder      []string
	functionOrder []string
	globalOrder   []string
	constantOrder []string
}

// NewContext creates an empty namespace over reg.
func NewContext(reg *Registry, name string) *Context {
	if reg == nil {
		reg = Default()
	}
	return &Context{
		reg:       reg,
		name:      name,
		typedefs:  make(map[string]ID),
		tags:      make(map[string]ID),
		functions: make(map[string]ID),
		globals:   make(map[string]ID),
		constants: make(map[string]Constant),
	}
}

// Registry returns the registry backing c.
func (c *Context) Registry() *Registry { return c.reg }

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// Include makes every name of other visible from c without copying.
func (c *Context) Include(other *Context) error {
	if other == nil {
		return errors.InvalidInput(errors.PhaseDeclare, nil, "nil include")
	}
	if other.reg != c.reg {
		return errors.Declaration([]string{other.name}, "included namespace uses a different registry")
	}
	// Checking for a cycle and adding the edge must not interleave with
	// another Include on the same registry.
	c.reg.includeMu.Lock()
	defer c.reg.includeMu.Unlock()
	if other == c || other.reaches(c) {
		return errors.Declaration([]string{other.name}, "namespace cannot include itself")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inc := range c.includes {
		if inc == other {
			return nil
		}
	}
	c.includes = append(c.includes, other)
	return nil
}

// Includes returns the directly included namespaces in include order.
func (c *Context) Includes() []*Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Context(nil), c.includes...)
}

func (c *Context) reaches(target *Context) bool {
	for _, inc := range c.Includes() {
		if inc == target || inc.reaches(target) {
			return true
		}
	}
	return false
}

// lookup searches c, then its includes depth-first.
func lookup[V any](c *Context, get func(*Context) (V, bool)) (V, bool) {
	c.mu.RLock()
	v, ok := get(c)
	incs := c.includes
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	for _, inc := range incs {
		if v, ok := lookup(inc, get); ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Typedef returns the type bound to name.
func (c *Context) Typedef(name string) (ID, bool) {
	return lookup(c, func(x *Context) (ID, bool) {
		id, ok := x.typedefs[name]
		return id, ok
	})
}

// Tag returns the aggregate or enum declared as keyword + " " + tag.
func (c *Context) Tag(keyword, tag string) (ID, bool) {
	key := keyword + " " + tag
	return lookup(c, func(x *Context) (ID, bool) {
		id, ok := x.tags[key]
		return id, ok
	})
}

// Function returns the signature of a declared function.
func (c *Context) Function(name string) (ID, bool) {
	return lookup(c, func(x *Context) (ID, bool) {
		id, ok := x.functions[name]
		return id, ok
	})
}

// Global returns the type of a declared global variable.
func (c *Context) Global(name string) (ID, bool) {
	return lookup(c, func(x *Context) (ID, bool) {
		id, ok := x.globals[name]
		return id, ok
	})
}

// Constant returns a declared constant or enumerator.
func (c *Context) Constant(name string) (Constant, bool) {
	return lookup(c, func(x *Context) (Constant, bool) {
		k, ok := x.constants[name]
		return k, ok
	})
}

// Functions returns the names of functions declared directly in c.
func (c *Context) Functions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.functionOrder...)
}

// Globals returns the names of globals declared directly in c.
func (c *Context) Globals() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.globalOrder...)
}

// Constants returns the names of constants declared directly in c.
func (c *Context) Constants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.constantOrder...)
}

// Typedefs returns the typedef names declared directly in c.
func (c *Context) Typedefs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.typedefOrder...)
}

// Tags returns the "struct x" / "union x" / "enum x" keys declared directly
// in c.
func (c *Context) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.tagOrder...)
}

// Typeof resolves a C type name against the namespace. Unlike Declare it
// never creates new tags.
func (c *Context) Typeof(name string) (ID, error) {
	t, err := decl.ParseTypeName(name)
	if err != nil {
		return Invalid, err
	}
	return c.resolve(t, []string{name}, false)
}

// Intern resolves a declaration IR type against the namespace, creating
// opaque tags as C does on first mention.
func (c *Context) Intern(t decl.Type) (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(t, []string{t.String()}, true)
}

func (c *Context) resolve(t decl.Type, path []string, declaring bool) (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(t, path, declaring)
}

// Declare ingests a declaration file. A failing declaration is skipped and
// reported; the others still take effect.
func (c *Context) Declare(f *decl.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error

	// Tags first so that members and typedefs may refer forward.
	for i := range f.Structs {
		a := &f.Structs[i]
		if a.Tag != "" {
			errs = multierr.Append(errs, c.reserveTag(a.Keyword(), a.Tag))
		}
	}
	for i := range f.Enums {
		if e := &f.Enums[i]; e.Tag != "" {
			errs = multierr.Append(errs, c.reserveTag("enum", e.Tag))
		}
	}

	for _, td := range f.Typedefs {
		errs = multierr.Append(errs, c.declareTypedef(td))
	}
	for _, k := range f.Constants {
		errs = multierr.Append(errs, c.declareConstant(k))
	}
	for i := range f.Enums {
		e := &f.Enums[i]
		if e.Opaque {
			continue
		}
		id, ok := c.tags["enum "+e.Tag]
		if e.Tag == "" {
			id, ok = c.reg.NewEnum(""), true
		}
		if ok {
			errs = multierr.Append(errs, c.completeEnum(id, e))
		}
	}
	var pending []*decl.Aggregate
	for i := range f.Structs {
		a := &f.Structs[i]
		switch {
		case a.Opaque:
		case a.Tag == "":
			errs = multierr.Append(errs, errors.Declaration([]string{a.Keyword()}, "top-level %s needs a tag", a.Keyword()))
		default:
			pending = append(pending, a)
		}
	}
	// Bodies may embed aggregates defined later in the file: retry those
	// until no further progress is made.
	for len(pending) > 0 {
		var deferred []*decl.Aggregate
		var incomplete error
		for _, a := range pending {
			err := c.completeStruct(c.tags[a.Keyword()+" "+a.Tag], a)
			switch {
			case err == nil:
			case errors.Is(err, errors.ErrOpaqueType):
				deferred = append(deferred, a)
				incomplete = multierr.Append(incomplete, err)
			default:
				errs = multierr.Append(errs, err)
			}
		}
		if len(deferred) == len(pending) {
			errs = multierr.Append(errs, incomplete)
			break
		}
		pending = deferred
	}
	for _, fn := range f.Functions {
		errs = multierr.Append(errs, c.declareFunction(fn))
	}
	for _, g := range f.Globals {
		errs = multierr.Append(errs, c.declareGlobal(g))
	}
	return errs
}

func (c *Context) reserveTag(keyword, tag string) error {
	key := keyword + " " + tag
	if _, ok := c.tags[key]; ok {
		return nil
	}
	var id ID
	if keyword == "enum" {
		id = c.reg.NewEnum(tag)
	} else {
		id = c.reg.NewStruct(tag, keyword == "union")
	}
	c.tags[key] = id
	c.tagOrder = append(c.tagOrder, key)
	return nil
}

// tagFor finds a visible tag, creating an opaque one in c when declaring.
func (c *Context) tagFor(keyword, tag string, declaring bool) (ID, bool) {
	key := keyword + " " + tag
	if id, ok := c.tags[key]; ok {
		return id, true
	}
	for _, inc := range c.includes {
		if id, ok := inc.Tag(keyword, tag); ok {
			return id, true
		}
	}
	if !declaring {
		return Invalid, false
	}
	_ = c.reserveTag(keyword, tag)
	return c.tags[key], true
}

func (c *Context) typedefFor(name string) (ID, bool) {
	if id, ok := c.typedefs[name]; ok {
		return id, true
	}
	for _, inc := range c.includes {
		if id, ok := inc.Typedef(name); ok {
			return id, true
		}
	}
	return Invalid, false
}

func (c *Context) constantFor(name string) (Constant, bool) {
	if k, ok := c.constants[name]; ok {
		return k, true
	}
	for _, inc := range c.includes {
		if k, ok := inc.Constant(name); ok {
			return k, true
		}
	}
	return Constant{}, false
}

func (c *Context) resolveLocked(t decl.Type, path []string, declaring bool) (ID, error) {
	switch t.Kind {
	case decl.TypeName:
		return c.resolveName(t.Name, path, declaring)

	case decl.TypePointer:
		elem, err := c.resolveLocked(*t.Elem, path, declaring)
		if err != nil {
			return Invalid, err
		}
		return c.reg.PointerTo(elem), nil

	case decl.TypeArray:
		elem, err := c.resolveLocked(*t.Elem, path, declaring)
		if err != nil {
			return Invalid, err
		}
		switch c.reg.KindOf(elem) {
		case KindVoid, KindFunc:
			return Invalid, errors.Declaration(path, "array of %s", c.reg.Name(elem))
		}
		n := t.Len
		if t.LenExpr != "" {
			k, ok := c.constantFor(t.LenExpr)
			if !ok || k.IsFloat || k.Unknown || k.Int < 0 {
				return Invalid, errors.Declaration(path, "array length %q is not a known non-negative integer constant", t.LenExpr)
			}
			n = int(k.Int)
		}
		return c.reg.ArrayOf(elem, n), nil

	case decl.TypeFunc:
		result, err := c.resolveLocked(*t.Result, append(path, "result"), declaring)
		if err != nil {
			return Invalid, err
		}
		switch c.reg.KindOf(result) {
		case KindArray, KindFunc:
			return Invalid, errors.Declaration(path, "function cannot return %s", c.reg.Name(result))
		}
		params := make([]ID, 0, len(t.Params))
		for i, p := range t.Params {
			id, err := c.resolveLocked(p, append(path, "arg["+strconv.Itoa(i)+"]"), declaring)
			if err != nil {
				return Invalid, err
			}
			// arrays and functions decay to pointers
			switch n := c.reg.Lookup(id).(type) {
			case Array:
				id = c.reg.PointerTo(n.Elem)
			case Func:
				id = c.reg.PointerTo(id)
			case Void:
				return Invalid, errors.Declaration(append(path, "arg["+strconv.Itoa(i)+"]"), "parameter of type void")
			}
			params = append(params, id)
		}
		abi, ok := ParseABI(t.ABI)
		if !ok {
			return Invalid, errors.Declaration(path, "unknown calling convention %q", t.ABI)
		}
		return c.reg.FuncOf(result, params, t.Variadic, abi), nil

	case decl.TypeStruct, decl.TypeUnion:
		body := t.Body
		if body.Tag != "" {
			id, _ := c.tagFor(body.Keyword(), body.Tag, true)
			if body.Opaque {
				return id, nil
			}
			return id, c.completeStruct(id, body)
		}
		id := c.reg.NewStruct("", body.Union)
		return id, c.completeStruct(id, body)

	case decl.TypeEnum:
		body := t.EnumBody
		var id ID
		if body.Tag != "" {
			id, _ = c.tagFor("enum", body.Tag, true)
		} else {
			id = c.reg.NewEnum("")
		}
		if body.Opaque {
			return id, nil
		}
		return id, c.completeEnum(id, body)
	}
	return Invalid, errors.Declaration(path, "unsupported type expression")
}

func (c *Context) resolveName(name string, path []string, declaring bool) (ID, error) {
	if name == "void" {
		return c.reg.Void(), nil
	}
	if p, ok := PrimByName(name); ok {
		return c.reg.Prim(p), nil
	}
	for _, kw := range []string{"struct", "union", "enum"} {
		if len(name) > len(kw)+1 && name[:len(kw)] == kw && name[len(kw)] == ' ' {
			id, ok := c.tagFor(kw, name[len(kw)+1:], declaring)
			if !ok {
				return Invalid, errors.NotFound(errors.PhaseDeclare, "type", name)
			}
			return id, nil
		}
	}
	if id, ok := c.typedefFor(name); ok {
		return id, nil
	}
	err := errors.NotFound(errors.PhaseDeclare, "type", name)
	err.Path = path
	return Invalid, err
}

func (c *Context) declareTypedef(td decl.Typedef) error {
	path := []string{td.Name}
	id, err := c.resolveLocked(td.Type, path, true)
	if err != nil {
		return err
	}
	if prev, ok := c.typedefs[td.Name]; ok {
		if prev != id {
			return errors.Declaration(path, "conflicting typedef %q", td.Name)
		}
		return nil
	}
	// an anonymous aggregate takes the first typedef name bound to it
	switch n := c.reg.Lookup(id).(type) {
	case *Struct:
		if n.Tag == "" && n.Name == "" {
			n.Name = td.Name
		}
	case *Enum:
		if n.Tag == "" && n.Name == "" {
			n.Name = td.Name
		}
	}
	c.typedefs[td.Name] = id
	c.typedefOrder = append(c.typedefOrder, td.Name)
	return nil
}

func (c *Context) completeStruct(id ID, a *decl.Aggregate) error {
	s, ok := c.reg.Struct(id)
	if !ok {
		return errors.Declaration([]string{a.Keyword() + " " + a.Tag}, "not an aggregate")
	}
	name := c.reg.Name(id)

	pack := a.Pack
	switch {
	case a.Packed && a.Pack != 0:
		return errors.Declaration([]string{name}, "cannot combine packed with pack=%d", a.Pack)
	case a.Packed:
		pack = 1
	case pack != 0 && pack != 1 && pack != 2 && pack != 4 && pack != 8 && pack != 16:
		return errors.Declaration([]string{name}, "pack=%d is not a power of two up to 16", a.Pack)
	}

	fields := make([]Field, 0, len(a.Fields))
	for i, f := range a.Fields {
		fpath := []string{name, f.Name}
		if f.Name == "" {
			fpath = []string{name, "$" + strconv.Itoa(i)}
		}
		fid, err := c.resolveLocked(f.Type, fpath, true)
		if err != nil {
			return err
		}
		field := Field{Name: f.Name, Type: fid, Bits: NoBits}

		switch n := c.reg.Lookup(fid).(type) {
		case Void, Func:
			return errors.Declaration(fpath, "member of type %s", c.reg.Name(fid))
		case *Struct:
			if n.State() == StateOpaque {
				return errors.OpaqueType(errors.PhaseDeclare, c.reg.Name(fid), "member "+f.Name+" has incomplete type")
			}
		case Array:
			if n.Len == LenVariable && i != len(a.Fields)-1 {
				return errors.Declaration(fpath, "flexible array member must be last")
			}
		}

		if f.Bits != nil {
			bits := *f.Bits
			prim, ok := c.reg.PrimOf(fid)
			if !ok || !prim.IsInteger() {
				return errors.Declaration(fpath, "bit-field of non-integer type %s", c.reg.Name(fid))
			}
			if bits < 0 {
				return errors.Declaration(fpath, "negative bit-field width %d", bits)
			}
			if bits == 0 && f.Name != "" {
				return errors.Declaration(fpath, "zero-width bit-field cannot be named")
			}
			if size, fixed := prim.FixedSize(); fixed && uint64(bits) > size*8 {
				return errors.Declaration(fpath, "width %d exceeds its type", bits)
			}
			field.Bits = bits
		} else if f.Name == "" && !c.reg.KindOf(fid).IsAggregate() {
			return errors.Declaration(fpath, "unnamed member must be a struct or union")
		}
		fields = append(fields, field)
	}

	if _, err := c.reg.flatten(&Struct{Fields: fields, Union: a.Union}, name); err != nil {
		return err
	}
	if !s.Complete(fields, pack, a.Partial) {
		return errors.Declaration([]string{name}, "redefinition of %s", name)
	}
	return nil
}

func (c *Context) completeEnum(id ID, e *decl.Enum) error {
	en, ok := c.reg.Enum(id)
	if !ok {
		return errors.Declaration([]string{"enum " + e.Tag}, "not an enum")
	}
	name := c.reg.Name(id)

	members := make([]EnumMember, 0, len(e.Members))
	local := make(map[string]int64, len(e.Members))
	next := int64(0)
	hasNeg := false
	maxV := int64(0)
	minV := int64(0)
	for _, m := range e.Members {
		v := next
		if m.Value != "" {
			var err error
			v, err = evalInt(m.Value, func(n string) (int64, bool) {
				if x, ok := local[n]; ok {
					return x, true
				}
				if k, ok := c.constantFor(n); ok && !k.IsFloat && !k.Unknown {
					return k.Int, true
				}
				return 0, false
			})
			if err != nil {
				return errors.Declaration([]string{name, m.Name}, "%v", err)
			}
		}
		local[m.Name] = v
		members = append(members, EnumMember{Name: m.Name, Value: v})
		next = v + 1
		if v < 0 {
			hasNeg = true
		}
		maxV = max(maxV, v)
		minV = min(minV, v)
	}

	underlying := c.reg.Prim(PrimUInt)
	switch {
	case hasNeg && minV >= math.MinInt32 && maxV <= math.MaxInt32:
		underlying = c.reg.Prim(PrimInt)
	case hasNeg:
		underlying = c.reg.Prim(PrimLongLong)
	case maxV > math.MaxUint32:
		underlying = c.reg.Prim(PrimULongLong)
	}

	if !en.Complete(members, underlying, e.Partial) {
		return errors.Declaration([]string{name}, "redefinition of %s", name)
	}
	for _, m := range members {
		k := Constant{Name: m.Name, Type: id, Int: m.Value, Unknown: e.Partial}
		if err := c.addConstant(k); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) declareConstant(d decl.Constant) error {
	path := []string{d.Name}
	typ := c.reg.Prim(PrimInt)
	if d.Type != nil {
		id, err := c.resolveLocked(*d.Type, path, true)
		if err != nil {
			return err
		}
		typ = id
	}
	k := Constant{Name: d.Name, Type: typ}
	if d.Unknown() {
		k.Unknown = true
		return c.addConstant(k)
	}

	v, err := evalInt(d.Value, func(n string) (int64, bool) {
		if x, ok := c.constantFor(n); ok && !x.IsFloat && !x.Unknown {
			return x.Int, true
		}
		return 0, false
	})
	if err != nil {
		f, ferr := strconv.ParseFloat(d.Value, 64)
		if ferr != nil {
			return errors.Declaration(path, "%v", err)
		}
		k.Float, k.IsFloat = f, true
		if d.Type == nil {
			k.Type = c.reg.Prim(PrimDouble)
		}
		return c.addConstant(k)
	}
	k.Int = v
	if d.Type != nil {
		if p, ok := c.reg.PrimOf(typ); ok && p.IsFloat() {
			k.Float, k.IsFloat = float64(v), true
		}
	} else if v > math.MaxInt32 || v < math.MinInt32 {
		k.Type = c.reg.Prim(PrimLongLong)
	}
	return c.addConstant(k)
}

func (c *Context) addConstant(k Constant) error {
	if prev, ok := c.constants[k.Name]; ok {
		if prev == k {
			return nil
		}
		return errors.Declaration([]string{k.Name}, "conflicting redefinition of constant %q", k.Name)
	}
	c.constants[k.Name] = k
	c.constantOrder = append(c.constantOrder, k.Name)
	return nil
}

func (c *Context) declareFunction(fn decl.Function) error {
	path := []string{fn.Name}
	t := fn.Type
	if t.Kind == decl.TypePointer && t.Elem.Kind == decl.TypeFunc {
		t = *t.Elem
	}
	if t.Kind != decl.TypeFunc {
		return errors.Declaration(path, "%q is not a function type", t.String())
	}
	id, err := c.resolveLocked(t, path, true)
	if err != nil {
		return err
	}
	if prev, ok := c.functions[fn.Name]; ok {
		if prev != id {
			return errors.Declaration(path, "conflicting declaration of %q", fn.Name)
		}
		return nil
	}
	c.functions[fn.Name] = id
	c.functionOrder = append(c.functionOrder, fn.Name)
	return nil
}

func (c *Context) declareGlobal(g decl.Global) error {
	path := []string{g.Name}
	id, err := c.resolveLocked(g.Type, path, true)
	if err != nil {
		return err
	}
	if c.reg.KindOf(id) == KindVoid {
		return errors.Declaration(path, "global of type void")
	}
	if prev, ok := c.globals[g.Name]; ok {
		if prev != id {
			return errors.Declaration(path, "conflicting declaration of %q", g.Name)
		}
		return nil
	}
	c.globals[g.Name] = id
	c.globalOrder = append(c.globalOrder, g.Name)
	return nil
}
