package box

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"m7s.live/atsc3/pkg/util"
)

const (
	BasicBoxLen = 8
	FullBoxLen  = 12
	LargeBoxLen = 16
)

var (
	ErrTruncated = errors.New("truncated box")
	ErrBadSize   = errors.New("bad box size")
)

type Type = [4]byte

func f(s string) Type {
	return Type([]byte(s))
}

var (
	TypeFTYP = f("ftyp")
	TypeSTYP = f("styp")
	TypeMOOV = f("moov")
	TypeMVHD = f("mvhd")
	TypeTRAK = f("trak")
	TypeTKHD = f("tkhd")
	TypeEDTS = f("edts")
	TypeMDIA = f("mdia")
	TypeMDHD = f("mdhd")
	TypeHDLR = f("hdlr")
	TypeMINF = f("minf")
	TypeDINF = f("dinf")
	TypeSTBL = f("stbl")
	TypeSTSD = f("stsd")
	TypeSTTS = f("stts")
	TypeCTTS = f("ctts")
	TypeSTSC = f("stsc")
	TypeSTSZ = f("stsz")
	TypeSTCO = f("stco")
	TypeCO64 = f("co64")
	TypeSTSS = f("stss")
	TypeMVEX = f("mvex")
	TypeMEHD = f("mehd")
	TypeTREX = f("trex")
	TypeMOOF = f("moof")
	TypeMFHD = f("mfhd")
	TypeTRAF = f("traf")
	TypeTFHD = f("tfhd")
	TypeTFDT = f("tfdt")
	TypeTRUN = f("trun")
	TypeMDAT = f("mdat")
	TypeSIDX = f("sidx")
	TypeMFRA = f("mfra")
	TypeTFRA = f("tfra")
	TypeMFRO = f("mfro")
	TypeFREE = f("free")
	TypeSKIP = f("skip")
	TypeUUID = f("uuid")

	TypeVIDE = f("vide")
	TypeSOUN = f("soun")
	TypeTEXT = f("text")
	TypeSBTL = f("sbtl")
	TypeSUBT = f("subt")
	TypeAVC1 = f("avc1")
	TypeHVC1 = f("hvc1")
	TypeMP4A = f("mp4a")
)

// containers hold nothing but child boxes
var containers = map[Type]bool{
	TypeMOOV: true, TypeTRAK: true, TypeEDTS: true, TypeMDIA: true, TypeMINF: true,
	TypeDINF: true, TypeSTBL: true, TypeMVEX: true, TypeMOOF: true, TypeTRAF: true, TypeMFRA: true,
}

func IsContainer(t Type) bool {
	return containers[t]
}

//	aligned(8) class Box (unsigned int(32) boxtype, optional unsigned int(8)[16] extended_type) {
//	    unsigned int(32) size;
//	    unsigned int(32) type = boxtype;
//	    if (size==1) {
//	       unsigned int(64) largesize;
//	    } else if (size==0) {
//	       // box extends to end of file
//	    }
//	    if (boxtype=='uuid') {
//	    unsigned int(8)[16] usertype = extended_type;
//	 }
//	}
type BasicBox struct {
	Offset     int64
	Size       uint64
	Type       Type
	UserType   [16]byte
	HeaderSize int
}

func (box *BasicBox) Decode(r io.Reader) (nn int, err error) {
	var buf [8]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	box.Size = uint64(binary.BigEndian.Uint32(buf[:4]))
	copy(box.Type[:], buf[4:])
	nn = BasicBoxLen
	if box.Size == 1 {
		if _, err = io.ReadFull(r, buf[:]); err != nil {
			return
		}
		box.Size = binary.BigEndian.Uint64(buf[:])
		nn += 8
	}
	if box.Type == TypeUUID {
		if _, err = io.ReadFull(r, box.UserType[:]); err != nil {
			return
		}
		nn += 16
	}
	box.HeaderSize = nn
	if box.Size != 0 && box.Size < uint64(nn) {
		err = fmt.Errorf("%w: %s of %d bytes", ErrBadSize, box.Type[:], box.Size)
	}
	return
}

// PeekHeader decodes a header from the first bytes of b.
func PeekHeader(b []byte, offset int64) (box BasicBox, err error) {
	box.Offset = offset
	_, err = box.Decode(bytes.NewReader(b))
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrTruncated
	}
	return
}

// End is the offset just past the box; zero when the box is unbounded.
func (box *BasicBox) End() int64 {
	if box.Size == 0 {
		return 0
	}
	return box.Offset + int64(box.Size)
}

func (box *BasicBox) String() string {
	return fmt.Sprintf("%s@%d+%d", box.Type[:], box.Offset, box.Size)
}

// aligned(8) class FullBox(unsigned int(32) boxtype, unsigned int(8) v, bit(24) f) extends Box(boxtype) {
//     unsigned int(8) version = v;
//     bit(24) flags = f;
// }

type FullBox struct {
	Version uint8
	Flags   uint32
}

func (box *FullBox) decode(r *reader) {
	v := r.u32()
	box.Version = uint8(v >> 24)
	box.Flags = v & 0xffffff
}

func (box *FullBox) Has(flag uint32) bool {
	return box.Flags&flag != 0
}

// IBox is a typed box payload.
type IBox interface {
	Decode(*reader) error
}

// reader keeps the first error so decoders can read a whole layout and check once.
type reader struct {
	*util.Cursor
	err error
}

func newReader(b []byte) *reader {
	return &reader{Cursor: util.NewCursor(b)}
}

func (r *reader) fail(err error) {
	if r.err == nil && err != nil {
		r.err = fmt.Errorf("%w: %w", ErrTruncated, err)
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.ReadByte()
	r.fail(err)
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.ReadUint16()
	r.fail(err)
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.ReadUint32()
	r.fail(err)
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.ReadUint64()
	r.fail(err)
	return v
}

// uv reads 64 bits for version 1 boxes and 32 bits otherwise.
func (r *reader) uv(version uint8) uint64 {
	if version == 1 {
		return r.u64()
	}
	return uint64(r.u32())
}

func (r *reader) un(n int) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.ReadUintN(n)
	r.fail(err)
	return v
}

func (r *reader) skip(n int) {
	if r.err == nil {
		r.fail(r.Advance(n))
	}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	b, err := r.ReadN(n)
	r.fail(err)
	return b
}

// count guards entry-count driven allocations against the bytes left.
func (r *reader) count(n uint32, entrySize int) int {
	if r.err == nil && entrySize > 0 && uint64(n)*uint64(entrySize) > uint64(r.Len()) {
		r.err = fmt.Errorf("%w: %d entries of %d bytes, %d left", ErrTruncated, n, entrySize, r.Len())
	}
	if r.err != nil {
		return 0
	}
	return int(n)
}
