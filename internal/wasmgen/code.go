package wasmgen

import (
	"encoding/binary"
	"math"
)

// BlockEmpty is the block type of blocks without results.
const BlockEmpty = 0x40

// Code is an instruction sequence under construction. Methods append one
// instruction and return the receiver.
type Code struct {
	b []byte
}

// NewCode returns an empty instruction sequence.
func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte { return c.b }

func (c *Code) op(b ...byte) *Code {
	c.b = append(c.b, b...)
	return c
}

func (c *Code) uleb(v uint32) *Code {
	c.b = AppendULEB128(c.b, v)
	return c
}

func (c *Code) u32le(v uint32) *Code {
	c.b = binary.LittleEndian.AppendUint32(c.b, v)
	return c
}

func (c *Code) u64le(v uint64) *Code {
	c.b = binary.LittleEndian.AppendUint64(c.b, v)
	return c
}

// memarg appends the alignment exponent and offset of a load or store.
func (c *Code) memarg(align, offset uint32) *Code {
	return c.uleb(align).uleb(offset)
}

func (c *Code) End() *Code                 { return c.op(0x0b) }
func (c *Code) Return() *Code              { return c.op(0x0f) }
func (c *Code) Drop() *Code                { return c.op(0x1a) }
func (c *Code) Unreachable() *Code         { return c.op(0x00) }
func (c *Code) Block() *Code               { return c.op(0x02, BlockEmpty) }
func (c *Code) Loop() *Code                { return c.op(0x03, BlockEmpty) }
func (c *Code) If() *Code                  { return c.op(0x04, BlockEmpty) }
func (c *Code) Else() *Code                { return c.op(0x05) }
func (c *Code) Br(depth uint32) *Code      { return c.op(0x0c).uleb(depth) }
func (c *Code) BrIf(depth uint32) *Code    { return c.op(0x0d).uleb(depth) }
func (c *Code) Call(fn uint32) *Code       { return c.op(0x10).uleb(fn) }
func (c *Code) LocalGet(i uint32) *Code    { return c.op(0x20).uleb(i) }
func (c *Code) LocalSet(i uint32) *Code    { return c.op(0x21).uleb(i) }
func (c *Code) LocalTee(i uint32) *Code    { return c.op(0x22).uleb(i) }
func (c *Code) GlobalGet(i uint32) *Code   { return c.op(0x23).uleb(i) }
func (c *Code) GlobalSet(i uint32) *Code   { return c.op(0x24).uleb(i) }
func (c *Code) TableSet(t uint32) *Code    { return c.op(0x26).uleb(t) }
func (c *Code) TableGrow(t uint32) *Code   { return c.op(0xfc).uleb(15).uleb(t) }
func (c *Code) TableSize(t uint32) *Code   { return c.op(0xfc).uleb(16).uleb(t) }
func (c *Code) RefNull() *Code             { return c.op(0xd0, funcref) }
func (c *Code) RefFunc(fn uint32) *Code    { return c.op(0xd2).uleb(fn) }
func (c *Code) I32Load(off uint32) *Code   { return c.op(0x28).memarg(2, off) }
func (c *Code) I64Load(off uint32) *Code   { return c.op(0x29).memarg(3, off) }
func (c *Code) F32Load(off uint32) *Code   { return c.op(0x2a).memarg(2, off) }
func (c *Code) F64Load(off uint32) *Code   { return c.op(0x2b).memarg(3, off) }
func (c *Code) I32Load8U(off uint32) *Code { return c.op(0x2d).memarg(0, off) }
func (c *Code) I32Store(off uint32) *Code  { return c.op(0x36).memarg(2, off) }
func (c *Code) I64Store(off uint32) *Code  { return c.op(0x37).memarg(3, off) }
func (c *Code) F32Store(off uint32) *Code  { return c.op(0x38).memarg(2, off) }
func (c *Code) F64Store(off uint32) *Code  { return c.op(0x39).memarg(3, off) }
func (c *Code) I32Store8(off uint32) *Code { return c.op(0x3a).memarg(0, off) }
func (c *Code) I32Eqz() *Code              { return c.op(0x45) }
func (c *Code) I32Eq() *Code               { return c.op(0x46) }
func (c *Code) I32Ne() *Code               { return c.op(0x47) }
func (c *Code) I32LtU() *Code              { return c.op(0x49) }
func (c *Code) I32GeU() *Code              { return c.op(0x4f) }
func (c *Code) I32Add() *Code              { return c.op(0x6a) }
func (c *Code) I32Sub() *Code              { return c.op(0x6b) }
func (c *Code) I32Mul() *Code              { return c.op(0x6c) }
func (c *Code) I32And() *Code              { return c.op(0x71) }
func (c *Code) I64Add() *Code              { return c.op(0x7c) }
func (c *Code) I64Mul() *Code              { return c.op(0x7e) }
func (c *Code) F32Add() *Code              { return c.op(0x92) }
func (c *Code) F64Add() *Code              { return c.op(0xa0) }
func (c *Code) F64Mul() *Code              { return c.op(0xa2) }
func (c *Code) I64ExtendI32U() *Code       { return c.op(0xad) }
func (c *Code) F64ConvertI32S() *Code      { return c.op(0xb7) }

func (c *Code) I32Const(v int32) *Code {
	c.b = AppendSLEB128(append(c.b, 0x41), v)
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.b = AppendSLEB128(append(c.b, 0x42), v)
	return c
}

func (c *Code) F32Const(v float32) *Code { return c.op(0x43).u32le(math.Float32bits(v)) }
func (c *Code) F64Const(v float64) *Code { return c.op(0x44).u64le(math.Float64bits(v)) }

// CallIndirect calls through table with the function type typ, taking the
// table slot from the top of the stack.
func (c *Code) CallIndirect(typ, table uint32) *Code {
	return c.op(0x11).uleb(typ).uleb(table)
}
