package box

import (
	"m7s.live/atsc3/pkg/util"
)

// aligned(8) class TimeToSampleBox extends FullBox(’stts’, version = 0, 0) {
//     unsigned int(32)  entry_count;
//     int i;
//     for (i=0; i < entry_count; i++) {
//        unsigned int(32)  sample_count;
//        unsigned int(32)  sample_delta;
//     }
// }

type SttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

type TimeToSampleBox struct {
	FullBox
	Entries []SttsEntry
}

func (stts *TimeToSampleBox) Decode(r *reader) error {
	stts.decode(r)
	stts.Entries = make([]SttsEntry, r.count(r.u32(), 8))
	for i := range stts.Entries {
		stts.Entries[i] = SttsEntry{r.u32(), r.u32()}
	}
	return nil
}

func (stts *TimeToSampleBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeSTTS, 0, 0, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(len(stts.Entries)), 4)
		for _, e := range stts.Entries {
			b = util.AppendBE(b, e.SampleCount, 4)
			b = util.AppendBE(b, e.SampleDelta, 4)
		}
		return b
	})
}

// aligned(8) class CompositionOffsetBox extends FullBox(‘ctts’, version, 0) {
//     unsigned int(32) entry_count;
//     int i;
//     if (version==0) {
//        for (i=0; i < entry_count; i++) {
//           unsigned int(32) sample_count;
//           unsigned int(32) sample_offset;
//        }
//     }
//     else if (version == 1) {
//        for (i=0; i < entry_count; i++) {
//           unsigned int(32) sample_count;
//           signed   int(32) sample_offset;
//        }
//     }
// }

type CttsEntry struct {
	SampleCount  uint32
	SampleOffset int32
}

type CompositionOffsetBox struct {
	FullBox
	Entries []CttsEntry
}

func (ctts *CompositionOffsetBox) Decode(r *reader) error {
	ctts.decode(r)
	ctts.Entries = make([]CttsEntry, r.count(r.u32(), 8))
	for i := range ctts.Entries {
		ctts.Entries[i] = CttsEntry{r.u32(), int32(r.u32())}
	}
	return nil
}

func (ctts *CompositionOffsetBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeCTTS, ctts.Version, 0, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(len(ctts.Entries)), 4)
		for _, e := range ctts.Entries {
			b = util.AppendBE(b, e.SampleCount, 4)
			b = util.AppendBE(b, uint32(e.SampleOffset), 4)
		}
		return b
	})
}

// aligned(8) class SampleToChunkBox extends FullBox(‘stsc’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     for (i=1; i <= entry_count; i++) {
//        unsigned int(32) first_chunk;
//        unsigned int(32) samples_per_chunk;
//        unsigned int(32) sample_description_index;
//     }
// }

type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

type SampleToChunkBox struct {
	FullBox
	Entries []StscEntry
}

func (stsc *SampleToChunkBox) Decode(r *reader) error {
	stsc.decode(r)
	stsc.Entries = make([]StscEntry, r.count(r.u32(), 12))
	for i := range stsc.Entries {
		stsc.Entries[i] = StscEntry{r.u32(), r.u32(), r.u32()}
	}
	return nil
}

func (stsc *SampleToChunkBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeSTSC, 0, 0, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(len(stsc.Entries)), 4)
		for _, e := range stsc.Entries {
			b = util.AppendBE(b, e.FirstChunk, 4)
			b = util.AppendBE(b, e.SamplesPerChunk, 4)
			b = util.AppendBE(b, e.SampleDescriptionIndex, 4)
		}
		return b
	})
}

// aligned(8) class SampleSizeBox extends FullBox(‘stsz’, version = 0, 0) {
//     unsigned int(32) sample_size;
//     unsigned int(32) sample_count;
//     if (sample_size==0) {
//        for (i=1; i <= sample_count; i++) {
//           unsigned int(32) entry_size;
//        }
//     }
// }

type SampleSizeBox struct {
	FullBox
	SampleSize  uint32
	SampleCount uint32
	EntrySizes  []uint32
}

func (stsz *SampleSizeBox) Decode(r *reader) error {
	stsz.decode(r)
	stsz.SampleSize = r.u32()
	stsz.SampleCount = r.u32()
	if stsz.SampleSize == 0 {
		stsz.EntrySizes = make([]uint32, r.count(stsz.SampleCount, 4))
		for i := range stsz.EntrySizes {
			stsz.EntrySizes[i] = r.u32()
		}
	}
	return nil
}

// Size returns the size of sample i, counted from zero.
func (stsz *SampleSizeBox) Size(i int) uint32 {
	if stsz.SampleSize != 0 {
		return stsz.SampleSize
	}
	if i < len(stsz.EntrySizes) {
		return stsz.EntrySizes[i]
	}
	return 0
}

func (stsz *SampleSizeBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeSTSZ, 0, 0, func(b []byte) []byte {
		b = util.AppendBE(b, stsz.SampleSize, 4)
		if stsz.SampleSize != 0 {
			return util.AppendBE(b, stsz.SampleCount, 4)
		}
		b = util.AppendBE(b, uint32(len(stsz.EntrySizes)), 4)
		for _, s := range stsz.EntrySizes {
			b = util.AppendBE(b, s, 4)
		}
		return b
	})
}

// aligned(8) class ChunkOffsetBox extends FullBox(‘stco’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     for (i=1; i <= entry_count; i++) {
//        unsigned int(32)  chunk_offset;
//     }
// }
// aligned(8) class ChunkLargeOffsetBox extends FullBox(‘co64’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     for (i=1; i <= entry_count; i++) {
//        unsigned int(64)  chunk_offset;
//     }
// }

type ChunkOffsetBox struct {
	FullBox
	Large   bool
	Offsets []uint64
}

func (stco *ChunkOffsetBox) Decode(r *reader) error {
	stco.decode(r)
	width := util.Conditional(stco.Large, 8, 4)
	stco.Offsets = make([]uint64, r.count(r.u32(), width))
	for i := range stco.Offsets {
		stco.Offsets[i] = r.un(width)
	}
	return nil
}

func (stco *ChunkOffsetBox) Append(b []byte) []byte {
	return appendFullBox(b, util.Conditional(stco.Large, TypeCO64, TypeSTCO), 0, 0, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(len(stco.Offsets)), 4)
		for _, o := range stco.Offsets {
			b = util.AppendBE(b, o, util.Conditional(stco.Large, 8, 4))
		}
		return b
	})
}

// aligned(8) class SyncSampleBox extends FullBox(‘stss’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     int i;
//     for (i=0; i < entry_count; i++) {
//        unsigned int(32) sample_number;
//     }
// }

type SyncSampleBox struct {
	FullBox
	SampleNumbers []uint32
}

func (stss *SyncSampleBox) Decode(r *reader) error {
	stss.decode(r)
	stss.SampleNumbers = make([]uint32, r.count(r.u32(), 4))
	for i := range stss.SampleNumbers {
		stss.SampleNumbers[i] = r.u32()
	}
	return nil
}

func (stss *SyncSampleBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeSTSS, 0, 0, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(len(stss.SampleNumbers)), 4)
		for _, n := range stss.SampleNumbers {
			b = util.AppendBE(b, n, 4)
		}
		return b
	})
}
