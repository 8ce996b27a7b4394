package mmtp

import (
	"errors"
	"fmt"

	"m7s.live/atsc3/pkg/util"
)

const (
	MinProbeSize  = 20
	MinPacketSize = 32
	MaxPacketSize = 1514

	// fixed preamble shared by both versions, extension type/length excluded
	fixedHeaderLen = 16
)

const (
	PayloadTypeMPU          = 0x00
	PayloadTypeGenericObj   = 0x01
	PayloadTypeSignalling   = 0x02
	PayloadTypeRepairSymbol = 0x03
)

var (
	ErrUnsupportedVersion = errors.New("unsupported mmtp version")
	ErrShortPacket        = errors.New("short mmtp packet")
)

/*
version 0

	0                   1                   2                   3
	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|V=0|C|FEC|r|X|R|r r| type      |           packet_id           |
	+---------------------------------------------------------------+
	|                          timestamp                            |
	|                    packet_sequence_number                     |
	|                        packet_counter                         |
	+---------------------------------------------------------------+
	|     extension type (X=1)      |    extension length (X=1)     |
	+---------------------------------------------------------------+

version 1

	|V=1|C|FEC|X|R|Q|F|E|B|I| type  |           packet_id           |
	|                          timestamp                            |
	|                    packet_sequence_number                     |
	|                        packet_counter                         |
	|r|TB | DS  | TP  | flow_label  |     extension type (X=1)      |
	|    extension length (X=1)     |
*/

// Header is one parsed MMTP packet header.
type Header struct {
	Version           uint8
	PacketCounterFlag bool
	FECType           uint8
	Extension         bool
	RAP               bool
	PayloadType       uint8
	PacketID          uint16
	Timestamp         uint32
	SequenceNumber    uint32
	PacketCounter     uint32

	// version 1 only
	QoS               bool
	FlowIdentifier    bool
	FlowExtension     bool
	Compression       bool
	IndicatorRefFlag  bool
	TypeOfBitrate     uint8
	DelaySensitivity  uint8
	TransmissionPrior uint8
	FlowLabel         uint8

	ExtensionType uint16
	ExtensionData []byte
}

func flag(b byte, mask byte) bool {
	return b&mask != 0
}

func bit(v bool, mask byte) byte {
	if v {
		return mask
	}
	return 0
}

// ParseHeader decodes the header at the start of b and returns the offset
// of the first payload byte.
func ParseHeader(b []byte) (h Header, payloadOffset int, err error) {
	c := util.NewCursor(b)
	payloadOffset, err = h.Unmarshal(c)
	return
}

// Unmarshal decodes a header from c, leaving c on the first payload byte.
func (h *Header) Unmarshal(c *util.Cursor) (int, error) {
	preamble, err := c.ReadN(MinProbeSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortPacket, c.Len())
	}
	*h = Header{
		Version:           preamble[0] >> 6,
		PacketCounterFlag: flag(preamble[0], 0x20),
		FECType:           (preamble[0] & 0x18) >> 3,
		PacketID:          util.ReadBE[uint16](preamble[2:4]),
		Timestamp:         util.ReadBE[uint32](preamble[4:8]),
		SequenceNumber:    util.ReadBE[uint32](preamble[8:12]),
		PacketCounter:     util.ReadBE[uint32](preamble[12:16]),
	}
	var extLen uint16
	switch h.Version {
	case 0:
		h.Extension = flag(preamble[0], 0x02)
		h.RAP = flag(preamble[0], 0x01)
		h.PayloadType = preamble[1] & 0x3f
		if h.Extension {
			h.ExtensionType = util.ReadBE[uint16](preamble[16:18])
			extLen = util.ReadBE[uint16](preamble[18:20])
		} else if err = c.Retreat(4); err != nil {
			return 0, err
		}
	case 1:
		h.Extension = flag(preamble[0], 0x04)
		h.RAP = flag(preamble[0], 0x02)
		h.QoS = flag(preamble[0], 0x01)
		h.FlowIdentifier = flag(preamble[1], 0x80)
		h.FlowExtension = flag(preamble[1], 0x40)
		h.Compression = flag(preamble[1], 0x20)
		h.IndicatorRefFlag = flag(preamble[1], 0x10)
		h.PayloadType = preamble[1] & 0x0f
		h.TypeOfBitrate = (preamble[16] >> 5) & 0x03
		h.DelaySensitivity = (preamble[16] >> 2) & 0x07
		h.TransmissionPrior = (preamble[16]&0x03)<<1 | preamble[17]>>7
		h.FlowLabel = preamble[17] & 0x7f
		if h.Extension {
			h.ExtensionType = util.ReadBE[uint16](preamble[18:20])
			if extLen, err = c.ReadUint16(); err != nil {
				return 0, fmt.Errorf("%w: extension length", ErrShortPacket)
			}
		} else if err = c.Retreat(2); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Extension {
		ext, err := c.ReadN(int(extLen))
		if err != nil {
			return 0, fmt.Errorf("%w: extension of %d bytes", ErrShortPacket, extLen)
		}
		h.ExtensionData = append([]byte(nil), ext...)
	}
	return c.Pos(), nil
}

// Len is the number of bytes AppendBinary writes.
func (h *Header) Len() int {
	n := fixedHeaderLen
	if h.Version == 1 {
		n += 2
	}
	if h.Extension {
		n += 4 + len(h.ExtensionData)
	}
	return n
}

func (h *Header) AppendBinary(b []byte) ([]byte, error) {
	var b0, b1 byte
	b0 = h.Version<<6 | bit(h.PacketCounterFlag, 0x20) | (h.FECType&0x03)<<3
	switch h.Version {
	case 0:
		b0 |= bit(h.Extension, 0x02) | bit(h.RAP, 0x01)
		b1 = h.PayloadType & 0x3f
	case 1:
		b0 |= bit(h.Extension, 0x04) | bit(h.RAP, 0x02) | bit(h.QoS, 0x01)
		b1 = bit(h.FlowIdentifier, 0x80) | bit(h.FlowExtension, 0x40) | bit(h.Compression, 0x20) | bit(h.IndicatorRefFlag, 0x10) | h.PayloadType&0x0f
	default:
		return b, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	b = append(b, b0, b1)
	b = util.AppendBE(b, h.PacketID, 2)
	b = util.AppendBE(b, h.Timestamp, 4)
	b = util.AppendBE(b, h.SequenceNumber, 4)
	b = util.AppendBE(b, h.PacketCounter, 4)
	if h.Version == 1 {
		b = append(b, (h.TypeOfBitrate&0x03)<<5|(h.DelaySensitivity&0x07)<<2|(h.TransmissionPrior>>1)&0x03, (h.TransmissionPrior&0x01)<<7|h.FlowLabel&0x7f)
	}
	if h.Extension {
		b = util.AppendBE(b, h.ExtensionType, 2)
		b = util.AppendBE(b, uint16(len(h.ExtensionData)), 2)
		b = append(b, h.ExtensionData...)
	}
	return b, nil
}

func (h *Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, h.Len()))
}
