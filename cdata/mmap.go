//go:build unix

package cdata

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/wippyai/cffi-runtime/errors"
)

// Mapped is a file mapped into the process. It can back a cdata view
// through Manager.FromBuffer.
type Mapped struct {
	data     []byte
	readOnly bool
}

// MapFile maps the whole file at path. Read-only mappings refuse writable
// views.
func MapFile(path string, writable bool) (*Mapped, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLifetime, errors.KindNotFound, err, path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLifetime, errors.KindInvalidInput, err, path)
	}
	if st.Size() == 0 {
		return &Mapped{readOnly: !writable}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLifetime, errors.KindAllocation, err, "mmap "+path)
	}
	return &Mapped{data: data, readOnly: !writable}, nil
}

func (m *Mapped) Bytes() []byte  { return m.data }
func (m *Mapped) ReadOnly() bool { return m.readOnly }

// Close unmaps the file. Views created from m must be gone by then.
func (m *Mapped) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
