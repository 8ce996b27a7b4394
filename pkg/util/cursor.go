package util

import (
	"errors"
	"fmt"
)

var ErrOutOfRange = errors.New("cursor out of range")

// Cursor is a bounded read position over a byte slice.
// 0 <= pos <= len(buf) holds after every call; a failed call leaves pos unchanged.
type Cursor struct {
	buf []byte
	pos int
}

func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

func (c *Cursor) Pos() int {
	return c.pos
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int {
	return len(c.buf) - c.pos
}

func (c *Cursor) Size() int {
	return len(c.buf)
}

// Bytes returns the unread bytes without consuming them.
func (c *Cursor) Bytes() []byte {
	return c.buf[c.pos:]
}

func (c *Cursor) check(n int) error {
	if n < 0 || n > c.Len() {
		return fmt.Errorf("%w: need %d, have %d at %d", ErrOutOfRange, n, c.Len(), c.pos)
	}
	return nil
}

func (c *Cursor) Advance(n int) error {
	if err := c.check(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

func (c *Cursor) Retreat(n int) error {
	if n < 0 || n > c.pos {
		return fmt.Errorf("%w: retreat %d from %d", ErrOutOfRange, n, c.pos)
	}
	c.pos -= n
	return nil
}

func (c *Cursor) Peek(n int) ([]byte, error) {
	if err := c.check(n); err != nil {
		return nil, err
	}
	return c.buf[c.pos : c.pos+n], nil
}

// ReadN returns the next n bytes, sharing memory with the underlying slice.
func (c *Cursor) ReadN(n int) ([]byte, error) {
	b, err := c.Peek(n)
	if err == nil {
		c.pos += n
	}
	return b, err
}

func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.ReadN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) ReadUint16() (uint16, error) {
	b, err := c.ReadN(2)
	if err != nil {
		return 0, err
	}
	return ReadBE[uint16](b), nil
}

func (c *Cursor) ReadUint32() (uint32, error) {
	b, err := c.ReadN(4)
	if err != nil {
		return 0, err
	}
	return ReadBE[uint32](b), nil
}

func (c *Cursor) ReadUint64() (uint64, error) {
	b, err := c.ReadN(8)
	if err != nil {
		return 0, err
	}
	return ReadBE[uint64](b), nil
}

// ReadUintN reads a big-endian unsigned integer of n bytes, n <= 8.
func (c *Cursor) ReadUintN(n int) (uint64, error) {
	b, err := c.ReadN(n)
	if err != nil {
		return 0, err
	}
	return ReadBE[uint64](b), nil
}

// Rest consumes and returns every unread byte.
func (c *Cursor) Rest() []byte {
	b := c.buf[c.pos:]
	c.pos = len(c.buf)
	return b
}
