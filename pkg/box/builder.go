package box

import (
	"encoding/binary"

	"m7s.live/atsc3/pkg/util"
)

type BoxEncoder interface {
	Append([]byte) []byte
}

func appendBox(b []byte, typ Type, body func([]byte) []byte) []byte {
	start := len(b)
	b = append(b, 0, 0, 0, 0)
	b = append(b, typ[:]...)
	b = body(b)
	binary.BigEndian.PutUint32(b[start:], uint32(len(b)-start))
	return b
}

func appendFullBox(b []byte, typ Type, version uint8, flags uint32, body func([]byte) []byte) []byte {
	return appendBox(b, typ, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(version)<<24|flags&0xffffff, 4)
		return body(b)
	})
}

func appendUUIDBox(b []byte, user [16]byte, body func([]byte) []byte) []byte {
	return appendBox(b, TypeUUID, func(b []byte) []byte {
		return body(append(b, user[:]...))
	})
}

func appendV(b []byte, version uint8, v uint64) []byte {
	if version == 1 {
		return util.AppendBE(b, v, 8)
	}
	return util.AppendBE(b, uint32(v), 4)
}

func appendMatrix(b []byte) []byte {
	for _, v := range [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		b = util.AppendBE(b, v, 4)
	}
	return b
}

// Container encodes a box holding the given encoded children.
func Container(typ Type, children ...[]byte) []byte {
	return appendBox(nil, typ, func(b []byte) []byte {
		for _, c := range children {
			b = append(b, c...)
		}
		return b
	})
}

// Raw encodes a box with an opaque payload.
func Raw(typ Type, payload []byte) []byte {
	return appendBox(nil, typ, func(b []byte) []byte {
		return append(b, payload...)
	})
}

// LargeRaw encodes a box with a 64-bit largesize header.
func LargeRaw(typ Type, payload []byte) []byte {
	b := util.AppendBE(nil, uint32(1), 4)
	b = append(b, typ[:]...)
	b = util.AppendBE(b, uint64(LargeBoxLen+len(payload)), 8)
	return append(b, payload...)
}

func Encode(e BoxEncoder) []byte {
	return e.Append(nil)
}

// Builder lays boxes out back to back and remembers where each one starts.
type Builder struct {
	buf     []byte
	Offsets []int64
}

// Add appends encoded boxes and returns the offset of the first one.
func (b *Builder) Add(boxes ...[]byte) int64 {
	start := int64(len(b.buf))
	for _, box := range boxes {
		b.Offsets = append(b.Offsets, int64(len(b.buf)))
		b.buf = append(b.buf, box...)
	}
	return start
}

func (b *Builder) AddBox(e BoxEncoder) int64 {
	return b.Add(Encode(e))
}

func (b *Builder) Len() int64 {
	return int64(len(b.buf))
}

func (b *Builder) Bytes() []byte {
	return b.buf
}
