//go:build !unix

package cdata

import "github.com/wippyai/cffi-runtime/errors"

// Mapped is a file mapped into the process.
type Mapped struct{}

// MapFile is only available on unix systems.
func MapFile(path string, writable bool) (*Mapped, error) {
	return nil, errors.InvalidInput(errors.PhaseLifetime, []string{path}, "file mapping is not supported on this platform")
}

func (m *Mapped) Bytes() []byte  { return nil }
func (m *Mapped) ReadOnly() bool { return true }
func (m *Mapped) Close() error   { return nil }
