package mmtp

import (
	"errors"
	"fmt"

	"m7s.live/atsc3/pkg/util"
)

type (
	FragmentType           uint8
	FragmentationIndicator uint8
)

const (
	FragmentMPUMetadata       FragmentType = 0
	FragmentMovieFragmentMeta FragmentType = 1
	FragmentMFU               FragmentType = 2
)

const (
	IndicatorComplete FragmentationIndicator = iota
	IndicatorFirst
	IndicatorMiddle
	IndicatorLast
)

// sizes of the fixed sample header blocks carried in front of MFU data
const (
	timedMFUHeaderLen     = 14
	mmthSampleTimedLen    = 19
	multiLayerRecordLen   = 4
	singleLayerRecordLen  = 2
	nonTimedMFUHeaderLen  = 4
	mmthSampleNonTimedLen = 6
)

var ErrShortPayload = errors.New("short mpu payload")

func (t FragmentType) String() string {
	switch t {
	case FragmentMPUMetadata:
		return "mpu-metadata"
	case FragmentMovieFragmentMeta:
		return "fragment-metadata"
	case FragmentMFU:
		return "mfu"
	}
	return fmt.Sprintf("type-%d", uint8(t))
}

/*
	+-------------------------------+-------+-+---+-+---------------+
	|         payload length        | type  |T|f_i|A| frag_counter  |
	+-------------------------------+-------+-+---+-+---------------+
	|                    mpu_sequence_number                        |
	+---------------------------------------------------------------+
	|  DU length (A=1)              |  DU header  |  DU payload ... |
*/
type MPUHeader struct {
	PayloadLength   uint16
	FragmentType    FragmentType
	Timed           bool
	Indicator       FragmentationIndicator
	Aggregation     bool
	FragmentCounter uint8
	SequenceNumber  uint32
}

// DataUnit is one MPU fragment with its sample header stripped.
type DataUnit struct {
	PacketID              uint16
	MPUSequence           uint32
	FragmentType          FragmentType
	Indicator             FragmentationIndicator
	MovieFragmentSequence uint32
	SampleNumber          uint32
	Offset                uint32
	Priority              uint8
	DependencyCounter     uint8
	ItemID                uint32
	Multilayer            bool
	Payload               []byte
}

// ParseMPU decodes an MPU-mode payload and returns every data unit it carries.
func ParseMPU(packetID uint16, c *util.Cursor) (h MPUHeader, units []DataUnit, err error) {
	if h.PayloadLength, err = c.ReadUint16(); err != nil {
		return h, nil, fmt.Errorf("%w: payload length", ErrShortPayload)
	}
	info, err := c.ReadByte()
	if err != nil {
		return h, nil, fmt.Errorf("%w: fragmentation info", ErrShortPayload)
	}
	h.FragmentType = FragmentType(info >> 4)
	h.Timed = flag(info, 0x08)
	h.Indicator = FragmentationIndicator((info & 0x06) >> 1)
	h.Aggregation = flag(info, 0x01)
	if h.FragmentCounter, err = c.ReadByte(); err != nil {
		return h, nil, fmt.Errorf("%w: fragmentation counter", ErrShortPayload)
	}
	if h.SequenceNumber, err = c.ReadUint32(); err != nil {
		return h, nil, fmt.Errorf("%w: sequence number", ErrShortPayload)
	}
	for {
		du := c
		if h.Aggregation {
			size, err := c.ReadUint16()
			if err != nil {
				return h, units, fmt.Errorf("%w: data unit length", ErrShortPayload)
			}
			b, err := c.ReadN(int(size))
			if err != nil {
				return h, units, fmt.Errorf("%w: data unit of %d bytes", ErrShortPayload, size)
			}
			du = util.NewCursor(b)
		}
		unit := DataUnit{
			PacketID:     packetID,
			MPUSequence:  h.SequenceNumber,
			FragmentType: h.FragmentType,
			Indicator:    h.Indicator,
		}
		if h.FragmentType == FragmentMFU {
			if err = unit.parseSampleHeader(du, h.Timed); err != nil {
				return h, units, err
			}
		}
		unit.Payload = du.Rest()
		units = append(units, unit)
		if !h.Aggregation || c.Len() == 0 {
			return h, units, nil
		}
	}
}

func (u *DataUnit) parseSampleHeader(c *util.Cursor, timed bool) error {
	if !timed {
		b, err := c.ReadN(nonTimedMFUHeaderLen)
		if err != nil {
			return fmt.Errorf("%w: non-timed mfu header", ErrShortPayload)
		}
		u.ItemID = util.ReadBE[uint32](b)
		if u.Indicator == IndicatorFirst {
			if err = c.Advance(mmthSampleNonTimedLen); err != nil {
				return fmt.Errorf("%w: non-timed mmth sample", ErrShortPayload)
			}
		}
		return nil
	}
	b, err := c.ReadN(timedMFUHeaderLen)
	if err != nil {
		return fmt.Errorf("%w: timed mfu header", ErrShortPayload)
	}
	u.MovieFragmentSequence = util.ReadBE[uint32](b[0:4])
	u.SampleNumber = util.ReadBE[uint32](b[4:8])
	u.Offset = util.ReadBE[uint32](b[8:12])
	u.Priority = b[12]
	u.DependencyCounter = b[13]
	if u.Indicator != IndicatorComplete && u.Indicator != IndicatorFirst {
		return nil
	}
	// MMTHSample: sequence_number, timed block, then the muli box
	if err = c.Advance(4 + mmthSampleTimedLen + 8); err != nil {
		return fmt.Errorf("%w: mmth sample", ErrShortPayload)
	}
	layer, err := c.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: multilayer flag", ErrShortPayload)
	}
	u.Multilayer = layer&0x80 != 0
	if err = c.Advance(util.Conditional(u.Multilayer, multiLayerRecordLen, singleLayerRecordLen)); err != nil {
		return fmt.Errorf("%w: layer record", ErrShortPayload)
	}
	return nil
}
