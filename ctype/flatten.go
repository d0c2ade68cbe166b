package ctype

import (
	"github.com/wippyai/cffi-runtime/errors"
)

// FlatField is a member reachable by name from an aggregate, possibly
// through anonymous struct or union members. Path holds field indices from
// the outer aggregate down to the member.
type FlatField struct {
	Name  string
	Path  []int
	Depth int
}

// Flatten returns the named members of the aggregate at id in declaration
// order, with anonymous members expanded. A name declared at several depths
// resolves to the shallowest; two declarations at the same depth are an
// error.
func (r *Registry) Flatten(id ID) ([]FlatField, error) {
	s, ok := r.Struct(id)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseDeclare, nil, "", r.Name(id))
	}
	return r.flatten(s, r.Name(id))
}

func (r *Registry) flatten(s *Struct, name string) ([]FlatField, error) {
	var all []FlatField
	r.collect(s, nil, 0, &all)

	best := make(map[string]int, len(all))
	var out []FlatField
	for _, f := range all {
		i, seen := best[f.Name]
		if !seen {
			best[f.Name] = len(out)
			out = append(out, f)
			continue
		}
		prev := out[i]
		switch {
		case f.Depth == prev.Depth:
			return nil, errors.Declaration([]string{name, f.Name}, "duplicate member %q", f.Name)
		case f.Depth < prev.Depth:
			out[i] = f
		}
	}
	return out, nil
}

func (r *Registry) collect(s *Struct, prefix []int, depth int, out *[]FlatField) {
	for i, f := range s.Fields {
		path := append(append([]int(nil), prefix...), i)
		if f.Name != "" {
			*out = append(*out, FlatField{Name: f.Name, Path: path, Depth: depth})
			continue
		}
		if inner, ok := r.Struct(f.Type); ok && !f.IsBitfield() {
			r.collect(inner, path, depth+1, out)
		}
	}
}

// FieldPath resolves name on the aggregate at id.
func (r *Registry) FieldPath(id ID, name string) ([]int, bool) {
	flat, err := r.Flatten(id)
	if err != nil {
		return nil, false
	}
	for _, f := range flat {
		if f.Name == name {
			return f.Path, true
		}
	}
	return nil, false
}

// HasAnonymousMembers reports whether the aggregate at id declares any
// anonymous struct or union member.
func (r *Registry) HasAnonymousMembers(id ID) bool {
	s, ok := r.Struct(id)
	if !ok {
		return false
	}
	for _, f := range s.Fields {
		if f.Name == "" && !f.IsBitfield() {
			return true
		}
	}
	return false
}
