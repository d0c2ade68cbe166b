package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseCall,
				Kind:   KindTypeMismatch,
				Path:   []string{"arg[1]"},
				GoType: "string",
				CType:  "int *",
				Detail: "expected pointer",
			},
			contains: []string{"call: type mismatch at arg[1]", "(Go string -> C 'int *'): expected pointer"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseDecode,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"decode: out of bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseLifetime,
				Kind:   KindAllocation,
				Detail: "memory full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"lifetime: allocation: memory full: underlying error"},
		},
		{
			name:     "layout mismatch names field and offsets",
			err:      LayoutMismatch("struct foo", "b", "offset", 8, 4),
			contains: []string{"verify: layout mismatch at b (C 'struct foo'): offset: expected 8, computed 4"},
		},
		{
			name: "member path in C syntax",
			err: &Error{
				Phase: PhaseEncode,
				Kind:  KindOverflow,
				Path:  []string{"arg[0]", "pts", "[2]", "x"},
				CType: "short",
			},
			contains: []string{"at arg[0].pts[2].x (C 'short')"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseEncode,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find cause through chain")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseEncode,
		Kind:  KindOverflow,
		Path:  []string{"foo"},
	}

	if !err.Is(&Error{Phase: PhaseEncode, Kind: KindOverflow}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseDecode, Kind: KindOverflow}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseEncode, Kind: KindOutOfBounds}) {
		t.Error("Is should not match different kind")
	}
	if !errors.Is(err, ErrOverflow) {
		t.Error("sentinel without phase should match any phase")
	}
	if errors.Is(err, ErrTypeMismatch) {
		t.Error("sentinel of other kind should not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseEncode, KindTypeMismatch).
		Path("struct point", "x").
		GoType("string").
		CType("int").
		Value(42).
		Cause(cause).
		Detail("expected %s, got %s", "int", "string").
		Build()

	if err.Phase != PhaseEncode {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseEncode)
	}
	if err.Kind != KindTypeMismatch {
		t.Errorf("Kind = %v, want %v", err.Kind, KindTypeMismatch)
	}
	if len(err.Path) != 2 || err.Path[1] != "x" {
		t.Errorf("Path = %v", err.Path)
	}
	if err.CType != "int" {
		t.Errorf("CType = %q", err.CType)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v", err.Value)
	}
	if err.Detail != "expected int, got string" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable")
	}
}

func TestBuilder_CopiesPath(t *testing.T) {
	path := make([]string, 1, 4)
	path[0] = "s"
	b := New(PhaseEncode, KindOverflow).Path(path...)
	first := b.Build()
	_ = append(path, "a")
	second := b.CType("int").Build()

	if MemberPath(first.Path) != "s" || first.CType != "" {
		t.Errorf("first = %+v", first)
	}
	if second.CType != "int" || first == second {
		t.Errorf("second = %+v", second)
	}
}

func TestMemberPath(t *testing.T) {
	tests := map[string][]string{
		"":                nil,
		"x":               {"x"},
		"[3]":             {"[3]"},
		"struct foo.a.b":  {"struct foo", "a", "b"},
		"items[2][0].tag": {"items", "[2]", "[0]", "tag"},
		"arg[1].v":        {"arg[1]", "", "v"},
	}
	for want, path := range tests {
		if got := MemberPath(path); got != want {
			t.Errorf("MemberPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestBuilder_DetailNoArgs(t *testing.T) {
	err := New(PhaseLayout, KindDeclaration).Detail("100% literal").Build()
	if err.Detail != "100% literal" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   *Error
		phase Phase
		kind  Kind
	}{
		{"Declaration", Declaration([]string{"struct s"}, "packed and pack=%d", 2), PhaseDeclare, KindDeclaration},
		{"OpaqueType", OpaqueType(PhaseLayout, "struct s", "incomplete"), PhaseLayout, KindOpaqueType},
		{"TypeMismatch", TypeMismatch(PhaseCall, []string{"arg[0]"}, "int", "char *"), PhaseCall, KindTypeMismatch},
		{"Overflow", Overflow(PhaseEncode, nil, 300, "unsigned char"), PhaseEncode, KindOverflow},
		{"UnsupportedCallShape", UnsupportedCallShape([]string{"arg[0]"}, "struct s", "bit-fields"), PhaseCall, KindUnsupportedCallShape},
		{"CallbackFault", CallbackFault("cb", errors.New("boom")), PhaseCallback, KindCallbackFault},
		{"Released", Released(PhaseLifetime, "cdata"), PhaseLifetime, KindReleased},
		{"OutOfBounds", OutOfBounds(PhaseDecode, nil, 5, 4), PhaseDecode, KindOutOfBounds},
		{"NilPointer", NilPointer(PhaseDecode, nil, "int *"), PhaseDecode, KindNilPointer},
		{"AllocationFailed", AllocationFailed(PhaseLifetime, 8, 4, nil), PhaseLifetime, KindAllocation},
		{"NotFound", NotFound(PhaseLoad, "function", "f"), PhaseLoad, KindNotFound},
		{"InvalidInput", InvalidInput(PhaseEncode, nil, "bad"), PhaseEncode, KindInvalidInput},
		{"InvalidData", InvalidData(PhaseLoad, nil, "bad"), PhaseLoad, KindInvalidData},
		{"VersionMismatch", VersionMismatch(1, 2), PhaseLoad, KindVersionMismatch},
		{"Wrap", Wrap(PhaseCall, KindAllocation, errors.New("x"), "d"), PhaseCall, KindAllocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Phase != tt.phase {
				t.Errorf("Phase = %v, want %v", tt.err.Phase, tt.phase)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Error() == "" {
				t.Error("empty message")
			}
		})
	}
}

func TestUnsupportedCallShape_NamesReason(t *testing.T) {
	err := UnsupportedCallShape([]string{"arg[2]"}, "struct s", "bit-fields")
	msg := err.Error()
	for _, want := range []string{"arg[2]", "struct s", "bit-fields"} {
		if !strings.Contains(msg, want) {
			t.Errorf("%q missing %q", msg, want)
		}
	}
}

func TestMissingSymbolsError(t *testing.T) {
	err := &MissingSymbolsError{Library: "libm", Symbols: []string{"sin", "cos"}}
	msg := err.Error()
	for _, want := range []string{"libm", "2 declared", "sin", "cos"} {
		if !strings.Contains(msg, want) {
			t.Errorf("%q missing %q", msg, want)
		}
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("should match ErrNotFound")
	}
	if !errors.Is(err, &MissingSymbolsError{}) {
		t.Error("should match own type")
	}

	empty := &MissingSymbolsError{}
	if !strings.Contains(empty.Error(), "no symbols") {
		t.Errorf("empty message = %q", empty.Error())
	}
}
