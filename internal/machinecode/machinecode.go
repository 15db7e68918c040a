// Package machinecode provides an append-only builder for small x86-64
// machine code sequences, used to assemble trampolines and the syscall stubs
// executed inside a target process.
package machinecode

import "encoding/binary"

// Code is an append-only machine code buffer. Appends return the receiver so
// emission sites read like instruction listings.
type Code struct {
	buf []byte
}

// AppendBytes appends raw instruction bytes.
func (c *Code) AppendBytes(b ...byte) *Code {
	c.buf = append(c.buf, b...)
	return c
}

// AppendImmediate32 appends a little-endian 32 bit immediate.
func (c *Code) AppendImmediate32(v int32) *Code {
	c.buf = binary.LittleEndian.AppendUint32(c.buf, uint32(v))
	return c
}

// AppendImmediate64 appends a little-endian 64 bit immediate.
func (c *Code) AppendImmediate64(v uint64) *Code {
	c.buf = binary.LittleEndian.AppendUint64(c.buf, v)
	return c
}

// Len returns the number of bytes emitted so far. Emission code uses this to
// compute addresses of not-yet-flushed instructions relative to the load
// address of the buffer.
func (c *Code) Len() int {
	return len(c.buf)
}

// Bytes returns the assembled code. The returned slice aliases the builder's
// buffer; callers must not append to the builder afterwards.
func (c *Code) Bytes() []byte {
	return c.buf
}
