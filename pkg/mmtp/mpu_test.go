package mmtp

import (
	"bytes"
	"errors"
	"testing"

	"m7s.live/atsc3/pkg/util"
)

func mpuInfo(t FragmentType, timed bool, ind FragmentationIndicator, agg bool) byte {
	return byte(t)<<4 | bit(timed, 0x08) | byte(ind)<<1 | bit(agg, 0x01)
}

func mpuPayload(info byte, seq uint32, body ...[]byte) []byte {
	b := util.AppendBE(nil, uint16(0), 2)
	b = append(b, info, 0)
	b = util.AppendBE(b, seq, 4)
	for _, part := range body {
		b = append(b, part...)
	}
	util.PutBE(b[0:2], uint16(len(b)-2))
	return b
}

func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func TestParseMPUScenario(t *testing.T) {
	pkt := []byte{0x02, 0x00, 0x00, 0x23, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	pkt = append(pkt, mpuPayload(mpuInfo(FragmentMFU, false, IndicatorComplete, false), 7, filled(100, 0x5a))...)

	c := util.NewCursor(pkt)
	var h Header
	if _, err := h.Unmarshal(c); err != nil {
		t.Fatal(err)
	}
	if h.PacketID != 35 || h.PayloadType != PayloadTypeMPU {
		t.Fatalf("header %+v", h)
	}
	_, units, err := ParseMPU(h.PacketID, c)
	if err != nil {
		t.Fatal(err)
	}
	var out recorder
	r := NewReassembler(DefaultPacketID, &out, nopLogger())
	r.Push(&DataUnit{PacketID: 35, MPUSequence: 6, FragmentType: FragmentMPUMetadata, Payload: []byte("moov")})
	appends := 0
	for i := range units {
		act, err := r.Push(&units[i])
		if err != nil {
			t.Fatal(err)
		}
		if act.Append {
			appends++
		}
	}
	if len(units) != 1 || appends != 1 {
		t.Fatalf("units %d appends %d", len(units), appends)
	}
	if n := len(units[0].Payload); n != 96 {
		t.Errorf("appended %d bytes, want 96", n)
	}
	if units[0].MPUSequence != 7 || units[0].ItemID != 0x5a5a5a5a {
		t.Errorf("unit %+v", units[0])
	}
	if r.Pending() != 96 {
		t.Errorf("pending %d", r.Pending())
	}
}

func TestParseMPUTimed(t *testing.T) {
	block := util.AppendBE(nil, uint32(3), 4)
	block = util.AppendBE(block, uint32(11), 4)
	block = util.AppendBE(block, uint32(4096), 4)
	block = append(block, 2, 1)

	t.Run("middle", func(t *testing.T) {
		b := mpuPayload(mpuInfo(FragmentMFU, true, IndicatorMiddle, false), 9, block, []byte("sample"))
		_, units, err := ParseMPU(35, util.NewCursor(b))
		if err != nil {
			t.Fatal(err)
		}
		u := units[0]
		if u.MovieFragmentSequence != 3 || u.SampleNumber != 11 || u.Offset != 4096 || u.Priority != 2 || u.DependencyCounter != 1 {
			t.Errorf("sample header %+v", u)
		}
		if string(u.Payload) != "sample" {
			t.Errorf("payload %q", u.Payload)
		}
	})
	for _, tc := range []struct {
		name  string
		layer byte
		rec   int
	}{{"single layer", 0x00, 2}, {"multilayer", 0x80, 4}} {
		t.Run(tc.name, func(t *testing.T) {
			mmth := append(filled(4+19+8, 0), tc.layer)
			mmth = append(mmth, filled(tc.rec, 0xff)...)
			b := mpuPayload(mpuInfo(FragmentMFU, true, IndicatorFirst, false), 9, block, mmth, []byte("nal"))
			_, units, err := ParseMPU(35, util.NewCursor(b))
			if err != nil {
				t.Fatal(err)
			}
			if string(units[0].Payload) != "nal" || units[0].Multilayer != (tc.layer != 0) {
				t.Errorf("unit %+v", units[0])
			}
		})
	}
}

func TestParseMPUNonTimedFirst(t *testing.T) {
	b := mpuPayload(mpuInfo(FragmentMFU, false, IndicatorFirst, false), 1, []byte{0, 0, 0, 5}, filled(6, 0), []byte("obj"))
	_, units, err := ParseMPU(35, util.NewCursor(b))
	if err != nil {
		t.Fatal(err)
	}
	if units[0].ItemID != 5 || string(units[0].Payload) != "obj" {
		t.Errorf("unit %+v", units[0])
	}
}

func TestParseMPUAggregation(t *testing.T) {
	du := func(s string) []byte {
		d := append([]byte{0, 0, 0, 1}, s...)
		return append(util.AppendBE(nil, uint16(len(d)), 2), d...)
	}
	b := mpuPayload(mpuInfo(FragmentMFU, false, IndicatorComplete, true), 4, du("one"), du("two"), du("three"))
	h, units, err := ParseMPU(35, util.NewCursor(b))
	if err != nil {
		t.Fatal(err)
	}
	if !h.Aggregation || len(units) != 3 {
		t.Fatalf("aggregation %v units %d", h.Aggregation, len(units))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(units[i].Payload) != want {
			t.Errorf("unit %d payload %q", i, units[i].Payload)
		}
	}

	b = append(b, 0, 9, 1)
	util.PutBE(b[0:2], uint16(len(b)-2))
	if _, units, err = ParseMPU(35, util.NewCursor(b)); !errors.Is(err, ErrShortPayload) || len(units) != 3 {
		t.Errorf("truncated unit: %d units, %v", len(units), err)
	}
}

func TestParseMPUMetadata(t *testing.T) {
	b := mpuPayload(mpuInfo(FragmentMPUMetadata, false, IndicatorComplete, false), 1, []byte("ftypmoov"))
	h, units, err := ParseMPU(35, util.NewCursor(b))
	if err != nil {
		t.Fatal(err)
	}
	if h.FragmentType != FragmentMPUMetadata || string(units[0].Payload) != "ftypmoov" {
		t.Errorf("header %+v unit %+v", h, units[0])
	}
}

func TestParseMPUShort(t *testing.T) {
	for n := 0; n < 8; n++ {
		b := mpuPayload(mpuInfo(FragmentMFU, false, IndicatorComplete, false), 1)[:n]
		if _, _, err := ParseMPU(35, util.NewCursor(b)); !errors.Is(err, ErrShortPayload) {
			t.Errorf("%d bytes: %v", n, err)
		}
	}
	b := mpuPayload(mpuInfo(FragmentMFU, true, IndicatorComplete, false), 1, filled(10, 0))
	if _, _, err := ParseMPU(35, util.NewCursor(b)); !errors.Is(err, ErrShortPayload) {
		t.Errorf("short timed block: %v", err)
	}
}
