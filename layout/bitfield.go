package layout

// Cursor tracks placement inside a struct being laid out. Bits is the next
// free bit counted from the start of the struct.
type Cursor struct {
	Bits uint64
	// Pack caps member alignment; 0 means natural alignment.
	Pack uint64
	// UnitEnd and UnitSize describe the open storage unit, if any.
	UnitEnd  uint64
	UnitSize uint64
}

// Cap applies the pack limit to a natural alignment.
func (c *Cursor) Cap(align uint64) uint64 {
	if c.Pack != 0 && align > c.Pack {
		return c.Pack
	}
	return align
}

// BitfieldPolicy decides where bit-fields go. Place returns the bit position
// of a bit-field of the given width whose declared type has layout typ and
// advances the cursor. Member is called before every ordinary member.
type BitfieldPolicy interface {
	Name() string
	Place(c *Cursor, typ Info, width uint64) uint64
	Member(c *Cursor)
	// Aligns reports whether a non-zero-width bit-field raises the
	// alignment of the enclosing aggregate.
	Aligns(named bool) bool
}

var (
	// GCCBitfields packs bit-fields into any unit of the declared type that
	// does not cross an alignment boundary. Zero-width bit-fields realign
	// the cursor.
	GCCBitfields BitfieldPolicy = gccBitfields{}

	// MSVCBitfields reuses a storage unit only for consecutive bit-fields
	// whose declared types have the same size.
	MSVCBitfields BitfieldPolicy = msvcBitfields{}
)

type gccBitfields struct{}

func (gccBitfields) Name() string { return "gcc" }

func (gccBitfields) Place(c *Cursor, typ Info, width uint64) uint64 {
	align := c.Cap(typ.Align) * 8
	if width == 0 {
		c.Bits = alignTo(c.Bits, align)
		return c.Bits
	}
	if c.Pack != 1 {
		start := c.Bits - c.Bits%align
		if c.Bits+width > start+typ.Size*8 {
			c.Bits = alignTo(c.Bits, align)
		}
	}
	pos := c.Bits
	c.Bits += width
	return pos
}

func (gccBitfields) Member(*Cursor) {}

func (gccBitfields) Aligns(named bool) bool { return named }

type msvcBitfields struct{}

func (msvcBitfields) Name() string { return "msvc" }

func (msvcBitfields) Place(c *Cursor, typ Info, width uint64) uint64 {
	if width == 0 {
		msvcBitfields{}.Member(c)
		return c.Bits
	}
	if c.UnitSize == typ.Size && c.Bits+width <= c.UnitEnd {
		pos := c.Bits
		c.Bits += width
		return pos
	}
	msvcBitfields{}.Member(c)
	start := alignTo(c.Bits, c.Cap(typ.Align)*8)
	c.UnitSize = typ.Size
	c.UnitEnd = start + typ.Size*8
	c.Bits = start + width
	return start
}

func (msvcBitfields) Member(c *Cursor) {
	if c.UnitSize != 0 {
		c.Bits = c.UnitEnd
		c.UnitSize = 0
	}
}

func (msvcBitfields) Aligns(bool) bool { return true }

func alignTo(offset, align uint64) uint64 {
	if align == 0 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}
