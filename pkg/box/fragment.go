package box

import (
	"m7s.live/atsc3/pkg/util"
)

// aligned(8) class MovieFragmentHeaderBox extends FullBox(‘mfhd’, 0, 0){
//     unsigned int(32)  sequence_number;
// }

type MovieFragmentHeaderBox struct {
	FullBox
	SequenceNumber uint32
}

func (mfhd *MovieFragmentHeaderBox) Decode(r *reader) error {
	mfhd.decode(r)
	mfhd.SequenceNumber = r.u32()
	return nil
}

func (mfhd *MovieFragmentHeaderBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeMFHD, 0, 0, func(b []byte) []byte {
		return util.AppendBE(b, mfhd.SequenceNumber, 4)
	})
}

// aligned(8) class TrackFragmentHeaderBox extends FullBox(‘tfhd’, 0, tf_flags){
//     unsigned int(32) track_ID;
//     // all the following are optional fields
//     unsigned int(64) base_data_offset;
//     unsigned int(32) sample_description_index;
//     unsigned int(32) default_sample_duration;
//     unsigned int(32) default_sample_size;
//     unsigned int(32) default_sample_flags
// }

const (
	TF_FLAG_BASE_DATA_OFFSET                 uint32 = 0x000001
	TF_FLAG_SAMPLE_DESCRIPTION_INDEX_PRESENT uint32 = 0x000002
	TF_FLAG_DEFAULT_SAMPLE_DURATION_PRESENT  uint32 = 0x000008
	TF_FLAG_DEFAULT_SAMPLE_SIZE_PRESENT      uint32 = 0x000010
	TF_FLAG_DEFAULT_SAMPLE_FLAGS_PRESENT     uint32 = 0x000020
	TF_FLAG_DURATION_IS_EMPTY                uint32 = 0x010000
	TF_FLAG_DEFAULT_BASE_IS_MOOF             uint32 = 0x020000

	//ffmpeg isom.h
	MOV_FRAG_SAMPLE_FLAG_IS_NON_SYNC uint32 = 0x00010000
	MOV_FRAG_SAMPLE_FLAG_DEPENDS_NO  uint32 = 0x02000000
	MOV_FRAG_SAMPLE_FLAG_DEPENDS_YES uint32 = 0x01000000
)

type TrackFragmentHeaderBox struct {
	FullBox
	TrackID                uint32
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	DefaultSampleDuration  uint32
	DefaultSampleSize      uint32
	DefaultSampleFlags     uint32
}

func (tfhd *TrackFragmentHeaderBox) Decode(r *reader) error {
	tfhd.decode(r)
	tfhd.TrackID = r.u32()
	if tfhd.Has(TF_FLAG_BASE_DATA_OFFSET) {
		tfhd.BaseDataOffset = r.u64()
	}
	if tfhd.Has(TF_FLAG_SAMPLE_DESCRIPTION_INDEX_PRESENT) {
		tfhd.SampleDescriptionIndex = r.u32()
	}
	if tfhd.Has(TF_FLAG_DEFAULT_SAMPLE_DURATION_PRESENT) {
		tfhd.DefaultSampleDuration = r.u32()
	}
	if tfhd.Has(TF_FLAG_DEFAULT_SAMPLE_SIZE_PRESENT) {
		tfhd.DefaultSampleSize = r.u32()
	}
	if tfhd.Has(TF_FLAG_DEFAULT_SAMPLE_FLAGS_PRESENT) {
		tfhd.DefaultSampleFlags = r.u32()
	}
	return nil
}

func (tfhd *TrackFragmentHeaderBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeTFHD, 0, tfhd.Flags, func(b []byte) []byte {
		b = util.AppendBE(b, tfhd.TrackID, 4)
		if tfhd.Has(TF_FLAG_BASE_DATA_OFFSET) {
			b = util.AppendBE(b, tfhd.BaseDataOffset, 8)
		}
		if tfhd.Has(TF_FLAG_SAMPLE_DESCRIPTION_INDEX_PRESENT) {
			b = util.AppendBE(b, tfhd.SampleDescriptionIndex, 4)
		}
		if tfhd.Has(TF_FLAG_DEFAULT_SAMPLE_DURATION_PRESENT) {
			b = util.AppendBE(b, tfhd.DefaultSampleDuration, 4)
		}
		if tfhd.Has(TF_FLAG_DEFAULT_SAMPLE_SIZE_PRESENT) {
			b = util.AppendBE(b, tfhd.DefaultSampleSize, 4)
		}
		if tfhd.Has(TF_FLAG_DEFAULT_SAMPLE_FLAGS_PRESENT) {
			b = util.AppendBE(b, tfhd.DefaultSampleFlags, 4)
		}
		return b
	})
}

// aligned(8) class TrackFragmentBaseMediaDecodeTimeBox extends FullBox(‘tfdt’, version, 0) {
//     if (version==1) {
//        unsigned int(64) baseMediaDecodeTime;
//     } else { // version==0
//        unsigned int(32) baseMediaDecodeTime;
//     }
// }

type TrackFragmentBaseMediaDecodeTimeBox struct {
	FullBox
	BaseMediaDecodeTime uint64
}

func (tfdt *TrackFragmentBaseMediaDecodeTimeBox) Decode(r *reader) error {
	tfdt.decode(r)
	tfdt.BaseMediaDecodeTime = r.uv(tfdt.Version)
	return nil
}

func (tfdt *TrackFragmentBaseMediaDecodeTimeBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeTFDT, tfdt.Version, 0, func(b []byte) []byte {
		return appendV(b, tfdt.Version, tfdt.BaseMediaDecodeTime)
	})
}

// aligned(8) class TrackRunBox extends FullBox(‘trun’, version, tr_flags) {
//      unsigned int(32) sample_count;
//      // the following are optional fields
//      signed int(32) data_offset;
//       unsigned int(32) first_sample_flags;
//      // all fields in the following array are optional
//      {
//          unsigned int(32) sample_duration;
//          unsigned int(32) sample_size;
//          unsigned int(32) sample_flags
//          if (version == 0)
//          {
//              unsigned int(32) sample_composition_time_offset;
//          }
//          else
//          {
//              signed int(32) sample_composition_time_offset;
//          }
//      }[ sample_count ]
// }

const (
	TR_FLAG_DATA_OFFSET                  uint32 = 0x000001
	TR_FLAG_DATA_FIRST_SAMPLE_FLAGS      uint32 = 0x000004
	TR_FLAG_DATA_SAMPLE_DURATION         uint32 = 0x000100
	TR_FLAG_DATA_SAMPLE_SIZE             uint32 = 0x000200
	TR_FLAG_DATA_SAMPLE_FLAGS            uint32 = 0x000400
	TR_FLAG_DATA_SAMPLE_COMPOSITION_TIME uint32 = 0x000800
)

type TrunSample struct {
	Duration          uint32
	Size              uint32
	Flags             uint32
	CompositionOffset int64
}

type TrackRunBox struct {
	FullBox
	SampleCount      uint32
	DataOffset       int32
	FirstSampleFlags uint32
	Samples          []TrunSample
}

func (trun *TrackRunBox) entrySize() (n int) {
	for _, f := range [...]uint32{TR_FLAG_DATA_SAMPLE_DURATION, TR_FLAG_DATA_SAMPLE_SIZE, TR_FLAG_DATA_SAMPLE_FLAGS, TR_FLAG_DATA_SAMPLE_COMPOSITION_TIME} {
		if trun.Has(f) {
			n += 4
		}
	}
	return
}

func (trun *TrackRunBox) Decode(r *reader) error {
	trun.decode(r)
	trun.SampleCount = r.u32()
	if trun.Has(TR_FLAG_DATA_OFFSET) {
		trun.DataOffset = int32(r.u32())
	}
	if trun.Has(TR_FLAG_DATA_FIRST_SAMPLE_FLAGS) {
		trun.FirstSampleFlags = r.u32()
	}
	if size := trun.entrySize(); size > 0 {
		trun.Samples = make([]TrunSample, r.count(trun.SampleCount, size))
	}
	for i := range trun.Samples {
		s := &trun.Samples[i]
		if trun.Has(TR_FLAG_DATA_SAMPLE_DURATION) {
			s.Duration = r.u32()
		}
		if trun.Has(TR_FLAG_DATA_SAMPLE_SIZE) {
			s.Size = r.u32()
		}
		if trun.Has(TR_FLAG_DATA_SAMPLE_FLAGS) {
			s.Flags = r.u32()
		}
		if trun.Has(TR_FLAG_DATA_SAMPLE_COMPOSITION_TIME) {
			s.CompositionOffset = compositionOffset(trun.Version, r.u32())
		}
	}
	return nil
}

// Sample returns the per-sample fields of sample i; absent fields are zero.
func (trun *TrackRunBox) Sample(i int) TrunSample {
	if i < len(trun.Samples) {
		return trun.Samples[i]
	}
	return TrunSample{}
}

// compositionOffset widens a trun offset. Version 0 boxes written by broken
// muxers carry small negative values, so 0xFF000000 and above stay signed.
func compositionOffset(version uint8, v uint32) int64 {
	if version == 1 || v >= 0xFF000000 {
		return int64(int32(v))
	}
	return int64(v)
}

func (trun *TrackRunBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeTRUN, trun.Version, trun.Flags, func(b []byte) []byte {
		count := trun.SampleCount
		if trun.entrySize() > 0 {
			count = uint32(len(trun.Samples))
		}
		b = util.AppendBE(b, count, 4)
		if trun.Has(TR_FLAG_DATA_OFFSET) {
			b = util.AppendBE(b, uint32(trun.DataOffset), 4)
		}
		if trun.Has(TR_FLAG_DATA_FIRST_SAMPLE_FLAGS) {
			b = util.AppendBE(b, trun.FirstSampleFlags, 4)
		}
		if trun.entrySize() == 0 {
			return b
		}
		for _, s := range trun.Samples {
			if trun.Has(TR_FLAG_DATA_SAMPLE_DURATION) {
				b = util.AppendBE(b, s.Duration, 4)
			}
			if trun.Has(TR_FLAG_DATA_SAMPLE_SIZE) {
				b = util.AppendBE(b, s.Size, 4)
			}
			if trun.Has(TR_FLAG_DATA_SAMPLE_FLAGS) {
				b = util.AppendBE(b, s.Flags, 4)
			}
			if trun.Has(TR_FLAG_DATA_SAMPLE_COMPOSITION_TIME) {
				b = util.AppendBE(b, uint32(s.CompositionOffset), 4)
			}
		}
		return b
	})
}

// TfxdBox is the Smooth Streaming fragment time box, a uuid box.
//
//	unsigned int(8)[16] usertype = 6d1d9b05-42d5-44e6-80e2-141daff757b2
//	if (version == 1) {
//	    unsigned int(64) fragment_absolute_time;
//	    unsigned int(64) fragment_duration;
//	} else {
//	    unsigned int(32) fragment_absolute_time;
//	    unsigned int(32) fragment_duration;
//	}
type TfxdBox struct {
	FullBox
	AbsoluteTime uint64
	Duration     uint64
}

func (tfxd *TfxdBox) Decode(r *reader) error {
	tfxd.decode(r)
	tfxd.AbsoluteTime = r.uv(tfxd.Version)
	tfxd.Duration = r.uv(tfxd.Version)
	return nil
}

func (tfxd *TfxdBox) Append(b []byte) []byte {
	return appendUUIDBox(b, UUIDTfxd, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(tfxd.Version)<<24, 4)
		b = appendV(b, tfxd.Version, tfxd.AbsoluteTime)
		return appendV(b, tfxd.Version, tfxd.Duration)
	})
}
