package decl

import (
	"bytes"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/cffi-runtime/errors"
)

// Load decodes a declaration file from YAML (or JSON, which is valid YAML).
// Types may be written as C type names or in structured form:
//
//	structs:
//	  - tag: point
//	    fields:
//	      - {name: x, type: int}
//	      - {name: y, type: int}
//	      - {name: flags, type: unsigned int, bits: 3}
//	functions:
//	  - name: apply
//	    type:
//	      func:
//	        result: int
//	        params: ["int(*)(int)", int]
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return &f, nil
		}
		return nil, errors.Wrap(errors.PhaseDeclare, errors.KindInvalidData, err, "decode declarations")
	}
	return &f, nil
}

// LoadBytes decodes a declaration file from memory.
func LoadBytes(data []byte) (*File, error) {
	return Load(bytes.NewReader(data))
}

// LoadFile decodes a declaration file from disk.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDeclare, errors.KindNotFound, err, path)
	}
	defer fh.Close()
	return Load(fh)
}

type yamlArray struct {
	Of  Type      `yaml:"of"`
	Len yaml.Node `yaml:"len"`
}

type yamlFunc struct {
	Result   *Type  `yaml:"result"`
	Params   []Type `yaml:"params"`
	Variadic bool   `yaml:"variadic"`
	ABI      string `yaml:"abi"`
}

type yamlType struct {
	Pointer *Type      `yaml:"pointer"`
	Array   *yamlArray `yaml:"array"`
	Func    *yamlFunc  `yaml:"func"`
	Struct  *Aggregate `yaml:"struct"`
	Union   *Aggregate `yaml:"union"`
	Enum    *Enum      `yaml:"enum"`
	Name    string     `yaml:"name"`
	Const   bool       `yaml:"const"`
}

// UnmarshalYAML accepts either a C type name scalar or a structured mapping.
func (t *Type) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		parsed, err := ParseTypeName(n.Value)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}

	var y yamlType
	if err := n.Decode(&y); err != nil {
		return err
	}
	switch {
	case y.Pointer != nil:
		*t = Ptr(*y.Pointer)
	case y.Array != nil:
		length, err := arrayLen(&y.Array.Len)
		if err != nil {
			return err
		}
		*t = Arr(y.Array.Of, length)
	case y.Func != nil:
		result := Named("void")
		if y.Func.Result != nil {
			result = *y.Func.Result
		}
		*t = Fn(result, y.Func.Params...)
		t.Variadic = y.Func.Variadic
		t.ABI = y.Func.ABI
	case y.Struct != nil:
		*t = Inline(*y.Struct)
	case y.Union != nil:
		y.Union.Union = true
		*t = Inline(*y.Union)
	case y.Enum != nil:
		*t = Type{Kind: TypeEnum, EnumBody: y.Enum}
	case y.Name != "":
		*t = Named(y.Name)
	default:
		return errors.Declaration(nil, "line %d: empty type mapping", n.Line)
	}
	t.Const = t.Const || y.Const
	return nil
}

// MarshalYAML renders the type as its C type name when it has one.
func (t Type) MarshalYAML() (any, error) {
	switch t.Kind {
	case TypeStruct, TypeUnion:
		if t.Body.Tag == "" {
			key := "struct"
			if t.Body.Union {
				key = "union"
			}
			return map[string]any{key: t.Body}, nil
		}
	case TypeEnum:
		return map[string]any{"enum": t.EnumBody}, nil
	}
	return t.String(), nil
}

func arrayLen(n *yaml.Node) (int, error) {
	if n.Kind == 0 || n.Value == "" {
		return LenVariable, nil
	}
	if n.Value == "..." {
		return LenUnknown, nil
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil || v < 0 {
		return 0, errors.Declaration(nil, "line %d: bad array length %q", n.Line, n.Value)
	}
	return v, nil
}
