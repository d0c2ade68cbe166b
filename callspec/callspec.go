package callspec

import (
	"strconv"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
	"github.com/wippyai/cffi-runtime/layout"
)

// Class is the ABI treatment of one argument or return value.
type Class uint8

const (
	ClassVoid Class = iota
	// ClassDirect passes a scalar in a register or stack slot.
	ClassDirect
	// ClassDirectAggregate passes an aggregate by value in registers or
	// stack slots, split into Parts.
	ClassDirectAggregate
	// ClassIndirect passes a pointer to a caller-owned copy. For returns,
	// the caller passes a hidden result pointer.
	ClassIndirect
	// ClassUnsupported marks aggregates the generic call path cannot pass.
	ClassUnsupported
)

func (c Class) String() string {
	switch c {
	case ClassVoid:
		return "void"
	case ClassDirect:
		return "direct"
	case ClassDirectAggregate:
		return "direct-aggregate"
	case ClassIndirect:
		return "indirect"
	case ClassUnsupported:
		return "unsupported"
	}
	return "class(" + strconv.Itoa(int(c)) + ")"
}

// PartKind is the register class of one eightbyte.
type PartKind uint8

const (
	PartInteger PartKind = iota
	PartSSE
)

func (k PartKind) String() string {
	if k == PartSSE {
		return "sse"
	}
	return "integer"
}

// Part is a register-sized chunk of a direct aggregate.
type Part struct {
	Offset uint64
	Size   uint64
	Kind   PartKind
}

// Arg describes one argument or the return value.
type Arg struct {
	// Reason names the shape that made the argument unsupported.
	Reason string
	Parts  []Part
	Info   layout.Info
	// Type is the declared type after default argument promotion.
	Type ctype.ID
	// Scalar is the unwrapped member of a single-element aggregate passed
	// directly on wasm32.
	Scalar ctype.ID
	Class  Class
}

// Descriptor is the call plan for one function type.
type Descriptor struct {
	Args []Arg
	Ret  Arg
	// Func is the function type the descriptor was built from.
	Func ctype.ID
	// Fixed is the number of declared parameters.
	Fixed int
	ABI   ctype.ABI
	Arch  layout.Arch
	// Variadic is set for functions declared with "...". Tail is set once
	// the types of the variable part are known.
	Variadic bool
	Tail     bool
	// Static marks fixed signatures that a specialized backend may execute
	// even when the generic path cannot.
	Static bool

	b *Builder
}

// Resolver returns the layout resolver the descriptor was built with.
func (d *Descriptor) Resolver() *layout.Resolver { return d.b.res }

// SRet reports whether the result comes back through a hidden pointer.
func (d *Descriptor) SRet() bool { return d.Ret.Class == ClassIndirect }

// VarArgs returns the arguments after the fixed ones.
func (d *Descriptor) VarArgs() []Arg { return d.Args[d.Fixed:] }

// Check reports whether the generic call path can execute d.
func (d *Descriptor) Check() error {
	reg := d.b.reg
	if d.Variadic && !d.Tail {
		return errors.InvalidInput(errors.PhaseCall, nil, "variadic call needs the types of its variable arguments")
	}
	for i, a := range d.Args {
		if a.Class == ClassUnsupported {
			return errors.UnsupportedCallShape([]string{"arg[" + strconv.Itoa(i) + "]"}, reg.Name(a.Type), a.Reason)
		}
	}
	if d.Ret.Class == ClassUnsupported {
		return errors.UnsupportedCallShape([]string{"result"}, reg.Name(d.Ret.Type), d.Ret.Reason)
	}
	return nil
}

// Builder derives descriptors for one target.
type Builder struct {
	res *layout.Resolver
	reg *ctype.Registry
}

// NewBuilder creates a builder classifying for res's data model.
func NewBuilder(res *layout.Resolver) *Builder {
	return &Builder{res: res, reg: res.Registry()}
}

func (b *Builder) Resolver() *layout.Resolver { return b.res }

// Build classifies the parameters and result of the function type fn (or
// pointer to function type). Aggregates the generic path cannot pass are
// classified unsupported rather than rejected.
func (b *Builder) Build(fn ctype.ID) (*Descriptor, error) {
	if elem, ok := b.reg.Elem(fn); ok && b.reg.KindOf(fn) == ctype.KindPointer {
		fn = elem
	}
	f, ok := b.reg.Func(fn)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseCall, nil, "function", b.reg.Name(fn))
	}
	arch := b.res.Model().Arch

	abi := f.ABI
	switch {
	case abi == ctype.ABIFastcall && arch != layout.ArchI386:
		return nil, errors.Declaration([]string{b.reg.Name(fn)}, "fastcall is only available on i386")
	case arch != layout.ArchI386:
		abi = ctype.ABIDefault
	}

	d := &Descriptor{
		b:        b,
		Func:     fn,
		Fixed:    len(f.Params),
		ABI:      abi,
		Arch:     arch,
		Variadic: f.Variadic,
		Static:   !f.Variadic,
		Args:     make([]Arg, 0, len(f.Params)),
	}
	for i, p := range f.Params {
		a, err := b.classify(p, false)
		if err != nil {
			return nil, withPath(err, "arg["+strconv.Itoa(i)+"]")
		}
		d.Args = append(d.Args, a)
	}
	ret, err := b.classify(f.Result, true)
	if err != nil {
		return nil, withPath(err, "result")
	}
	d.Ret = ret
	return d, nil
}

// WithVarargs derives the descriptor of one call of a variadic function
// whose variable part has the given types. Default argument promotions
// apply.
func (d *Descriptor) WithVarargs(types []ctype.ID) (*Descriptor, error) {
	if !d.Variadic {
		if len(types) != 0 {
			return nil, errors.InvalidInput(errors.PhaseCall, nil, "function is not variadic")
		}
		return d, nil
	}
	out := *d
	out.Args = append(make([]Arg, 0, d.Fixed+len(types)), d.Args[:d.Fixed]...)
	out.Tail = true
	out.Static = false
	for i, t := range types {
		a, err := d.b.classify(d.b.promote(t), false)
		if err != nil {
			return nil, withPath(err, "arg["+strconv.Itoa(d.Fixed+i)+"]")
		}
		out.Args = append(out.Args, a)
	}
	return &out, nil
}

// promote applies the C default argument promotions.
func (b *Builder) promote(t ctype.ID) ctype.ID {
	switch n := b.reg.Lookup(t).(type) {
	case ctype.Primitive:
		switch {
		case n.Prim == ctype.PrimFloat:
			return b.reg.Prim(ctype.PrimDouble)
		case n.Prim.IsInteger() && b.res.Model().Scalar(n.Prim).Size < 4:
			return b.reg.Prim(ctype.PrimInt)
		}
	case ctype.Array:
		return b.reg.PointerTo(n.Elem)
	case ctype.Func:
		return b.reg.PointerTo(t)
	}
	return t
}

func withPath(err error, step string) error {
	var e *errors.Error
	if errors.As(err, &e) && len(e.Path) == 0 {
		e.Path = []string{step}
	}
	return err
}
