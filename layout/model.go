package layout

import (
	"encoding/binary"
	"sort"

	"github.com/wippyai/cffi-runtime/ctype"
)

// Arch selects the calling convention family of a target.
type Arch uint8

const (
	ArchWasm32 Arch = iota
	ArchSysVAMD64
	ArchWin64
	ArchI386
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchWasm32:
		return "wasm32"
	case ArchSysVAMD64:
		return "x86_64-sysv"
	case ArchWin64:
		return "x86_64-win64"
	case ArchI386:
		return "i386"
	case ArchARM64:
		return "aarch64"
	}
	return "unknown"
}

// Info is the size and alignment of a type.
type Info struct {
	Size  uint64
	Align uint64
}

// DataModel describes the scalar sizes, alignments and bit-field rules of a
// target. The sizes of int-and-narrower types are the same on every
// supported target; the model covers the ones that vary.
type DataModel struct {
	Bitfields   BitfieldPolicy
	Name        string
	LongDouble  Info
	PointerSize uint64
	LongSize    uint64
	WCharSize   uint64
	// Int64Align is the alignment of 8-byte integers and doubles.
	Int64Align  uint64
	Arch        Arch
	WCharSigned bool
	CharSigned  bool
	BigEndian   bool
}

// Shipped data models.
var (
	Wasm32 = &DataModel{
		Name: "wasm32", Arch: ArchWasm32,
		PointerSize: 4, LongSize: 4, WCharSize: 4, WCharSigned: true, CharSigned: true,
		LongDouble: Info{16, 16}, Int64Align: 8, Bitfields: GCCBitfields,
	}
	SysVAMD64 = &DataModel{
		Name: "x86_64-sysv", Arch: ArchSysVAMD64,
		PointerSize: 8, LongSize: 8, WCharSize: 4, WCharSigned: true, CharSigned: true,
		LongDouble: Info{16, 16}, Int64Align: 8, Bitfields: GCCBitfields,
	}
	Win64 = &DataModel{
		Name: "x86_64-win64", Arch: ArchWin64,
		PointerSize: 8, LongSize: 4, WCharSize: 2, CharSigned: true,
		LongDouble: Info{8, 8}, Int64Align: 8, Bitfields: MSVCBitfields,
	}
	I386 = &DataModel{
		Name: "i386", Arch: ArchI386,
		PointerSize: 4, LongSize: 4, WCharSize: 4, WCharSigned: true, CharSigned: true,
		LongDouble: Info{12, 4}, Int64Align: 4, Bitfields: GCCBitfields,
	}
	ARM64 = &DataModel{
		Name: "aarch64", Arch: ArchARM64,
		PointerSize: 8, LongSize: 8, WCharSize: 4,
		LongDouble: Info{16, 16}, Int64Align: 8, Bitfields: GCCBitfields,
	}
)

var models = map[string]*DataModel{}

func init() {
	for _, m := range []*DataModel{Wasm32, SysVAMD64, Win64, I386, ARM64} {
		models[m.Name] = m
	}
}

// ModelByName returns a shipped model by its name.
func ModelByName(name string) (*DataModel, bool) {
	m, ok := models[name]
	return m, ok
}

// ModelNames lists the shipped models.
func ModelNames() []string {
	names := make([]string, 0, len(models))
	for n := range models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *DataModel) String() string { return m.Name }

// ByteOrder returns the target byte order.
func (m *DataModel) ByteOrder() binary.ByteOrder {
	if m.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Scalar returns the size and alignment of a primitive on this target.
func (m *DataModel) Scalar(p ctype.Prim) Info {
	switch p {
	case ctype.PrimLong, ctype.PrimULong:
		return m.sized(m.LongSize)
	case ctype.PrimIntPtr, ctype.PrimUIntPtr, ctype.PrimSize, ctype.PrimSSize, ctype.PrimPtrDiff:
		return m.sized(m.PointerSize)
	case ctype.PrimWChar:
		return m.sized(m.WCharSize)
	case ctype.PrimLongDouble:
		return m.LongDouble
	case ctype.PrimFloatComplex:
		return Info{8, 4}
	case ctype.PrimDoubleComplex:
		return Info{16, m.Int64Align}
	}
	size, _ := p.FixedSize()
	return m.sized(size)
}

func (m *DataModel) sized(size uint64) Info {
	if size == 8 {
		return Info{8, m.Int64Align}
	}
	return Info{size, size}
}

// Pointer returns the size and alignment of data and function pointers.
func (m *DataModel) Pointer() Info {
	return Info{m.PointerSize, m.PointerSize}
}

// Signed reports whether p is signed on this target.
func (m *DataModel) Signed(p ctype.Prim) bool {
	switch p {
	case ctype.PrimChar:
		return m.CharSigned
	case ctype.PrimWChar:
		return m.WCharSigned
	}
	return p.Signed()
}
