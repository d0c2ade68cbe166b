package errors

import (
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDeclare  Phase = "declare"  // declaration ingestion
	PhaseLayout   Phase = "layout"   // size/alignment/offset resolution
	PhaseVerify   Phase = "verify"   // oracle cross-check
	PhaseEncode   Phase = "encode"   // Go to native bytes
	PhaseDecode   Phase = "decode"   // native bytes to Go
	PhaseCall     Phase = "call"     // outbound native call
	PhaseCallback Phase = "callback" // inbound callback
	PhaseLoad     Phase = "load"     // type table / library loading
	PhaseLifetime Phase = "lifetime" // cdata ownership
)

// Kind categorizes the error
type Kind string

const (
	KindDeclaration          Kind = "declaration"
	KindLayoutMismatch       Kind = "layout_mismatch"
	KindOpaqueType           Kind = "opaque_type"
	KindOverflow             Kind = "overflow"
	KindTypeMismatch         Kind = "type_mismatch"
	KindUnsupportedCallShape Kind = "unsupported_call_shape"
	KindCallbackFault        Kind = "callback_fault"
	KindOutOfBounds          Kind = "out_of_bounds"
	KindNotFound             Kind = "not_found"
	KindReleased             Kind = "released"
	KindVersionMismatch      Kind = "version_mismatch"
	KindInvalidInput         Kind = "invalid_input"
	KindInvalidData          Kind = "invalid_data"
	KindAllocation           Kind = "allocation"
	KindNilPointer           Kind = "nil_pointer"
)

// Error is the structured error type used throughout the module.
// Path is a member access path in C syntax split into steps: "arg[1]",
// "pts", "[2]", "x" renders as arg[1].pts[2].x.
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	GoType string
	CType  string
	Detail string
	Path   []string
}

// Error renders as
//
//	phase: kind at path (Go type -> C 'type'): detail: cause
//
// leaving out the parts that are not set.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Phase))
	b.WriteString(": ")
	b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))

	if p := MemberPath(e.Path); p != "" {
		b.WriteString(" at ")
		b.WriteString(p)
	}

	switch {
	case e.GoType != "" && e.CType != "":
		fmt.Fprintf(&b, " (Go %s -> C '%s')", e.GoType, e.CType)
	case e.CType != "":
		fmt.Fprintf(&b, " (C '%s')", e.CType)
	case e.GoType != "":
		fmt.Fprintf(&b, " (Go %s)", e.GoType)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// MemberPath joins path steps the way C spells member access. Subscript
// steps attach without a dot.
func MemberPath(path []string) string {
	var b strings.Builder
	for _, step := range path {
		if step == "" {
			continue
		}
		if b.Len() > 0 && !strings.HasPrefix(step, "[") {
			b.WriteByte('.')
		}
		b.WriteString(step)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches any phase.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase != "" && e.Phase != t.Phase {
			return false
		}
		return e.Kind == t.Kind
	}
	return false
}

// Builder assembles an Error step by step.
type Builder struct {
	e Error
}

// New starts an error of kind raised during phase.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{e: Error{Phase: phase, Kind: kind}}
}

// Path sets the member path. The steps are copied, so callers may keep
// reusing their path slice.
func (b *Builder) Path(path ...string) *Builder {
	b.e.Path = slices.Clone(path)
	return b
}

func (b *Builder) GoType(t string) *Builder { b.e.GoType = t; return b }

// CType names the C type involved, spelled as in a declaration.
func (b *Builder) CType(t string) *Builder { b.e.CType = t; return b }

func (b *Builder) Value(v any) *Builder { b.e.Value = v; return b }

func (b *Builder) Cause(err error) *Builder { b.e.Cause = err; return b }

// Detail formats the message. Without args msg is used as is, so a
// literal percent sign needs no escaping.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	b.e.Detail = msg
	return b
}

// Build returns a copy of the error, so the builder may be reused.
func (b *Builder) Build() *Error {
	e := b.e
	return &e
}

// Sentinels for errors.Is checks that ignore the phase.
var (
	ErrDeclaration          = &Error{Kind: KindDeclaration}
	ErrLayoutMismatch       = &Error{Kind: KindLayoutMismatch}
	ErrOpaqueType           = &Error{Kind: KindOpaqueType}
	ErrOverflow             = &Error{Kind: KindOverflow}
	ErrTypeMismatch         = &Error{Kind: KindTypeMismatch}
	ErrUnsupportedCallShape = &Error{Kind: KindUnsupportedCallShape}
	ErrCallbackFault        = &Error{Kind: KindCallbackFault}
	ErrReleased             = &Error{Kind: KindReleased}
	ErrVersionMismatch      = &Error{Kind: KindVersionMismatch}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrOutOfBounds          = &Error{Kind: KindOutOfBounds}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrInvalidData          = &Error{Kind: KindInvalidData}
	ErrAllocation           = &Error{Kind: KindAllocation}
	ErrNilPointer           = &Error{Kind: KindNilPointer}
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Convenience constructors for common error patterns

// Declaration creates a malformed or contradictory declaration error
func Declaration(path []string, format string, args ...any) *Error {
	return &Error{
		Phase:  PhaseDeclare,
		Kind:   KindDeclaration,
		Path:   path,
		Detail: fmt.Sprintf(format, args...),
	}
}

// LayoutMismatch creates a resolver vs. oracle disagreement error
func LayoutMismatch(ctype, field, what string, expected, actual uint64) *Error {
	return &Error{
		Phase:  PhaseVerify,
		Kind:   KindLayoutMismatch,
		Path:   []string{field},
		CType:  ctype,
		Detail: fmt.Sprintf("%s: expected %d, computed %d", what, expected, actual),
		Value:  actual,
	}
}

// OpaqueType creates an error for operations needing a complete layout
func OpaqueType(phase Phase, ctype, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOpaqueType,
		CType:  ctype,
		Detail: detail,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, goType, ctype string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		GoType: goType,
		CType:  ctype,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, ctype string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		CType:  ctype,
		Detail: fmt.Sprintf("value %v out of range for '%s'", value, ctype),
		Value:  value,
	}
}

// UnsupportedCallShape creates an error for aggregates the generic call path
// cannot marshal
func UnsupportedCallShape(path []string, ctype, reason string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindUnsupportedCallShape,
		Path:   path,
		CType:  ctype,
		Detail: fmt.Sprintf("generic call path cannot pass aggregates with %s; use a statically compiled call", reason),
	}
}

// CallbackFault wraps a failure raised inside a managed callback
func CallbackFault(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseCallback,
		Kind:   KindCallbackFault,
		Path:   []string{name},
		Detail: "callback raised an error",
		Cause:  cause,
	}
}

// Released creates an error for access to a released or finalized handle
func Released(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindReleased,
		Detail: fmt.Sprintf("%s has been released", what),
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// NilPointer creates a NULL dereference error
func NilPointer(phase Phase, path []string, ctype string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNilPointer,
		Path:   path,
		CType:  ctype,
		Detail: "NULL pointer",
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint64, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Path:   path,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// VersionMismatch creates an encoded table version error
func VersionMismatch(got, want uint16) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindVersionMismatch,
		Detail: fmt.Sprintf("type table version %d, expected %d", got, want),
		Value:  got,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingSymbolsError is returned when binding declarations to a library
// that does not provide some of the declared functions or globals
type MissingSymbolsError struct {
	Library string
	Symbols []string
}

func (e *MissingSymbolsError) Error() string {
	if len(e.Symbols) == 0 {
		return "load: not found: no symbols specified"
	}

	var b strings.Builder
	lib := e.Library
	if lib == "" {
		lib = "library"
	}
	fmt.Fprintf(&b, "load: not found: %s lacks %d declared symbol(s):", lib, len(e.Symbols))
	for _, s := range e.Symbols {
		b.WriteString("\n  - ")
		b.WriteString(s)
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *MissingSymbolsError) Is(target error) bool {
	if _, ok := target.(*MissingSymbolsError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Kind == KindNotFound && (t.Phase == "" || t.Phase == PhaseLoad)
	}
	return false
}
