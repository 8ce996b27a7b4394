package box

import (
	"github.com/google/uuid"

	"m7s.live/atsc3/pkg/util"
)

// aligned(8) class SegmentIndexBox extends FullBox(‘sidx’, version, 0) {
//     unsigned int(32) reference_ID;
//     unsigned int(32) timescale;
//     if (version==0) {
//           unsigned int(32) earliest_presentation_time;
//           unsigned int(32) first_offset;
//     } else {
//           unsigned int(64) earliest_presentation_time;
//           unsigned int(64) first_offset;
//     }
//     unsigned int(16) reserved = 0;
//     unsigned int(16) reference_count;
//     for(i=1; i <= reference_count; i++)
//     {
//        bit (1)           reference_type;
//        unsigned int(31)  referenced_size;
//        unsigned int(32)  subsegment_duration;
//        bit(1)            starts_with_SAP;
//        unsigned int(3)   SAP_type;
//        unsigned int(28)  SAP_delta_time;
//     }
// }

type SidxReference struct {
	ReferenceType      bool
	ReferencedSize     uint32
	SubsegmentDuration uint32
	StartsWithSAP      bool
	SAPType            uint8
	SAPDeltaTime       uint32
}

type SegmentIndexBox struct {
	FullBox
	ReferenceID              uint32
	Timescale                uint32
	EarliestPresentationTime uint64
	FirstOffset              uint64
	References               []SidxReference
}

func (sidx *SegmentIndexBox) Decode(r *reader) error {
	sidx.decode(r)
	sidx.ReferenceID = r.u32()
	sidx.Timescale = r.u32()
	sidx.EarliestPresentationTime = r.uv(sidx.Version)
	sidx.FirstOffset = r.uv(sidx.Version)
	r.skip(2)
	sidx.References = make([]SidxReference, r.count(uint32(r.u16()), 12))
	for i := range sidx.References {
		a, d, s := r.u32(), r.u32(), r.u32()
		sidx.References[i] = SidxReference{
			ReferenceType:      a>>31 != 0,
			ReferencedSize:     a & 0x7fffffff,
			SubsegmentDuration: d,
			StartsWithSAP:      s>>31 != 0,
			SAPType:            uint8(s >> 28 & 0x07),
			SAPDeltaTime:       s & 0x0fffffff,
		}
	}
	return nil
}

func (sidx *SegmentIndexBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeSIDX, sidx.Version, 0, func(b []byte) []byte {
		b = util.AppendBE(b, sidx.ReferenceID, 4)
		b = util.AppendBE(b, sidx.Timescale, 4)
		b = appendV(b, sidx.Version, sidx.EarliestPresentationTime)
		b = appendV(b, sidx.Version, sidx.FirstOffset)
		b = append(b, 0, 0)
		b = util.AppendBE(b, uint16(len(sidx.References)), 2)
		for _, ref := range sidx.References {
			b = util.AppendBE(b, uint32(util.Conditional(ref.ReferenceType, 1, 0))<<31|ref.ReferencedSize&0x7fffffff, 4)
			b = util.AppendBE(b, ref.SubsegmentDuration, 4)
			b = util.AppendBE(b, uint32(util.Conditional(ref.StartsWithSAP, 1, 0))<<31|uint32(ref.SAPType&0x07)<<28|ref.SAPDeltaTime&0x0fffffff, 4)
		}
		return b
	})
}

// aligned(8) class TrackFragmentRandomAccessBox
// extends FullBox(‘tfra’, version, 0) {
// 	unsigned int(32)  track_ID;
// 	const unsigned int(26)  reserved = 0;
// 	unsigned int(2) length_size_of_traf_num;
// 	unsigned int(2) length_size_of_trun_num;
// 	unsigned int(2)  length_size_of_sample_num;
// 	unsigned int(32)  number_of_entry;
// 	for(i=1; i <= number_of_entry; i++){
// 		if(version==1){
// 			unsigned int(64)  time;
// 			unsigned int(64)  moof_offset;
// 		 }else{
// 			unsigned int(32)  time;
// 			unsigned int(32)  moof_offset;
// 		 }
// 		 unsignedint((length_size_of_traf_num+1)*8) traf_number;
// 		 unsignedint((length_size_of_trun_num+1)*8) trun_number;
// 		 unsigned int((length_size_of_sample_num+1) * 8)sample_number;
// 	}
// }

type TfraEntry struct {
	Time         uint64
	MoofOffset   uint64
	TrafNumber   uint32
	TrunNumber   uint32
	SampleNumber uint32
}

type TrackFragmentRandomAccessBox struct {
	FullBox
	TrackID               uint32
	LengthSizeOfTrafNum   uint8
	LengthSizeOfTrunNum   uint8
	LengthSizeOfSampleNum uint8
	Entries               []TfraEntry
}

func (tfra *TrackFragmentRandomAccessBox) Decode(r *reader) error {
	tfra.decode(r)
	tfra.TrackID = r.u32()
	sizes := r.u32()
	tfra.LengthSizeOfTrafNum = uint8(sizes>>4) & 0x03
	tfra.LengthSizeOfTrunNum = uint8(sizes>>2) & 0x03
	tfra.LengthSizeOfSampleNum = uint8(sizes) & 0x03
	traf, trun, sample := int(tfra.LengthSizeOfTrafNum)+1, int(tfra.LengthSizeOfTrunNum)+1, int(tfra.LengthSizeOfSampleNum)+1
	entrySize := util.Conditional(tfra.Version == 1, 16, 8) + traf + trun + sample
	tfra.Entries = make([]TfraEntry, r.count(r.u32(), entrySize))
	for i := range tfra.Entries {
		e := &tfra.Entries[i]
		e.Time = r.uv(tfra.Version)
		e.MoofOffset = r.uv(tfra.Version)
		e.TrafNumber = uint32(r.un(traf))
		e.TrunNumber = uint32(r.un(trun))
		e.SampleNumber = uint32(r.un(sample))
	}
	return nil
}

func (tfra *TrackFragmentRandomAccessBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeTFRA, tfra.Version, 0, func(b []byte) []byte {
		b = util.AppendBE(b, tfra.TrackID, 4)
		b = util.AppendBE(b, uint32(tfra.LengthSizeOfTrafNum&3)<<4|uint32(tfra.LengthSizeOfTrunNum&3)<<2|uint32(tfra.LengthSizeOfSampleNum&3), 4)
		b = util.AppendBE(b, uint32(len(tfra.Entries)), 4)
		for _, e := range tfra.Entries {
			b = appendV(b, tfra.Version, e.Time)
			b = appendV(b, tfra.Version, e.MoofOffset)
			b = util.AppendBE(b, e.TrafNumber, int(tfra.LengthSizeOfTrafNum&3)+1)
			b = util.AppendBE(b, e.TrunNumber, int(tfra.LengthSizeOfTrunNum&3)+1)
			b = util.AppendBE(b, e.SampleNumber, int(tfra.LengthSizeOfSampleNum&3)+1)
		}
		return b
	})
}

// aligned(8) class MovieFragmentRandomAccessOffsetBox extends FullBox(‘mfro’, version, 0) {
//     unsigned int(32)  size;
// }

const MfroLen = FullBoxLen + 4

type MovieFragmentRandomAccessOffsetBox struct {
	FullBox
	Size uint32
}

func (mfro *MovieFragmentRandomAccessOffsetBox) Decode(r *reader) error {
	mfro.decode(r)
	mfro.Size = r.u32()
	return nil
}

func (mfro *MovieFragmentRandomAccessOffsetBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeMFRO, 0, 0, func(b []byte) []byte {
		return util.AppendBE(b, mfro.Size, 4)
	})
}

var UUIDTfxd = uuid.MustParse("6d1d9b05-42d5-44e6-80e2-141daff757b2")

var decoders = map[Type]func() IBox{
	TypeFTYP: func() IBox { return new(FileTypeBox) },
	TypeSTYP: func() IBox { return new(FileTypeBox) },
	TypeMVHD: func() IBox { return new(MovieHeaderBox) },
	TypeTKHD: func() IBox { return new(TrackHeaderBox) },
	TypeMDHD: func() IBox { return new(MediaHeaderBox) },
	TypeHDLR: func() IBox { return new(HandlerBox) },
	TypeSTSD: func() IBox { return new(SampleDescriptionBox) },
	TypeSTTS: func() IBox { return new(TimeToSampleBox) },
	TypeCTTS: func() IBox { return new(CompositionOffsetBox) },
	TypeSTSC: func() IBox { return new(SampleToChunkBox) },
	TypeSTSZ: func() IBox { return new(SampleSizeBox) },
	TypeSTCO: func() IBox { return new(ChunkOffsetBox) },
	TypeCO64: func() IBox { return &ChunkOffsetBox{Large: true} },
	TypeSTSS: func() IBox { return new(SyncSampleBox) },
	TypeMEHD: func() IBox { return new(MovieExtendsHeaderBox) },
	TypeTREX: func() IBox { return new(TrackExtendsBox) },
	TypeMFHD: func() IBox { return new(MovieFragmentHeaderBox) },
	TypeTFHD: func() IBox { return new(TrackFragmentHeaderBox) },
	TypeTFDT: func() IBox { return new(TrackFragmentBaseMediaDecodeTimeBox) },
	TypeTRUN: func() IBox { return new(TrackRunBox) },
	TypeSIDX: func() IBox { return new(SegmentIndexBox) },
	TypeTFRA: func() IBox { return new(TrackFragmentRandomAccessBox) },
	TypeMFRO: func() IBox { return new(MovieFragmentRandomAccessOffsetBox) },
}

var uuidDecoders = map[[16]byte]func() IBox{
	UUIDTfxd: func() IBox { return new(TfxdBox) },
}
