package box

import (
	"m7s.live/atsc3/pkg/util"
)

// aligned(8) class FileTypeBox extends Box(‘ftyp’) {
//     unsigned int(32) major_brand;
//     unsigned int(32) minor_version;
//     unsigned int(32) compatible_brands[];
// }

type FileTypeBox struct {
	MajorBrand       Type
	MinorVersion     uint32
	CompatibleBrands []Type
}

func (ftyp *FileTypeBox) Decode(r *reader) error {
	copy(ftyp.MajorBrand[:], r.bytes(4))
	ftyp.MinorVersion = r.u32()
	for r.err == nil && r.Len() >= 4 {
		ftyp.CompatibleBrands = append(ftyp.CompatibleBrands, Type(r.bytes(4)))
	}
	return nil
}

func (ftyp *FileTypeBox) Append(b []byte) []byte {
	return appendBox(b, TypeFTYP, func(b []byte) []byte {
		b = append(b, ftyp.MajorBrand[:]...)
		b = util.AppendBE(b, ftyp.MinorVersion, 4)
		for _, brand := range ftyp.CompatibleBrands {
			b = append(b, brand[:]...)
		}
		return b
	})
}

// aligned(8) class MovieHeaderBox extends FullBox(‘mvhd’, version, 0) {
//     if (version==1) {
//        unsigned int(64)  creation_time;
//        unsigned int(64)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(64)  duration;
//     } else { // version==0
//        unsigned int(32)  creation_time;
//        unsigned int(32)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(32)  duration;
//     }
//     template int(32) rate = 0x00010000; // typically 1.0
//     template int(16) volume = 0x0100; // typically, full volume
//     const bit(16) reserved = 0;
//     const unsigned int(32)[2] reserved = 0;
//     template int(32)[9] matrix = { 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 };
//     bit(32)[6]  pre_defined = 0;
//     unsigned int(32)  next_track_ID;
// }

type MovieHeaderBox struct {
	FullBox
	CreationTime     uint64
	ModificationTime uint64
	Timescale        uint32
	Duration         uint64
	NextTrackID      uint32
}

func (mvhd *MovieHeaderBox) Decode(r *reader) error {
	mvhd.decode(r)
	mvhd.CreationTime = r.uv(mvhd.Version)
	mvhd.ModificationTime = r.uv(mvhd.Version)
	mvhd.Timescale = r.u32()
	mvhd.Duration = r.uv(mvhd.Version)
	r.skip(4 + 2 + 2 + 8 + 36 + 24)
	mvhd.NextTrackID = r.u32()
	return nil
}

func (mvhd *MovieHeaderBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeMVHD, mvhd.Version, 0, func(b []byte) []byte {
		b = appendV(b, mvhd.Version, mvhd.CreationTime)
		b = appendV(b, mvhd.Version, mvhd.ModificationTime)
		b = util.AppendBE(b, mvhd.Timescale, 4)
		b = appendV(b, mvhd.Version, mvhd.Duration)
		b = util.AppendBE(b, uint32(0x00010000), 4)
		b = util.AppendBE(b, uint16(0x0100), 2)
		b = append(b, make([]byte, 10)...)
		b = appendMatrix(b)
		b = append(b, make([]byte, 24)...)
		return util.AppendBE(b, mvhd.NextTrackID, 4)
	})
}

// aligned(8) class TrackHeaderBox extends FullBox(‘tkhd’, version, flags){
//     if (version==1) {
//           unsigned int(64)  creation_time;
//           unsigned int(64)  modification_time;
//           unsigned int(32)  track_ID;
//           const unsigned int(32)  reserved = 0;
//           unsigned int(64)  duration;
//     } else { // version==0
//           unsigned int(32)  creation_time;
//           unsigned int(32)  modification_time;
//           unsigned int(32)  track_ID;
//           const unsigned int(32)  reserved = 0;
//           unsigned int(32)  duration;
//     }
//     const unsigned int(32)[2] reserved = 0;
//     template int(16) layer = 0;
//     template int(16) alternate_group = 0;
//     template int(16) volume = {if track_is_audio 0x0100 else 0};
//     const unsigned int(16) reserved = 0;
//     template int(32)[9] matrix= { 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 };
//     unsigned int(32) width;
//     unsigned int(32) height;
// }

const TKHD_FLAG_ENABLED uint32 = 0x000001

type TrackHeaderBox struct {
	FullBox
	CreationTime     uint64
	ModificationTime uint64
	TrackID          uint32
	Duration         uint64
	// 16.16 fixed point
	Width  uint32
	Height uint32
}

func (tkhd *TrackHeaderBox) Decode(r *reader) error {
	tkhd.decode(r)
	tkhd.CreationTime = r.uv(tkhd.Version)
	tkhd.ModificationTime = r.uv(tkhd.Version)
	tkhd.TrackID = r.u32()
	r.skip(4)
	tkhd.Duration = r.uv(tkhd.Version)
	r.skip(8 + 8 + 36)
	tkhd.Width = r.u32()
	tkhd.Height = r.u32()
	return nil
}

func (tkhd *TrackHeaderBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeTKHD, tkhd.Version, tkhd.Flags, func(b []byte) []byte {
		b = appendV(b, tkhd.Version, tkhd.CreationTime)
		b = appendV(b, tkhd.Version, tkhd.ModificationTime)
		b = util.AppendBE(b, tkhd.TrackID, 4)
		b = append(b, 0, 0, 0, 0)
		b = appendV(b, tkhd.Version, tkhd.Duration)
		b = append(b, make([]byte, 16)...)
		b = appendMatrix(b)
		b = util.AppendBE(b, tkhd.Width, 4)
		return util.AppendBE(b, tkhd.Height, 4)
	})
}

// aligned(8) class MediaHeaderBox extends FullBox(‘mdhd’, version, 0) {
//     if (version==1) {
//        unsigned int(64)  creation_time;
//        unsigned int(64)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(64)  duration;
//     } else { // version==0
//        unsigned int(32)  creation_time;
//        unsigned int(32)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(32)  duration;
//     }
//     bit(1) pad = 0;
//     unsigned int(5)[3] language; // ISO-639-2/T language code
//     unsigned int(16) pre_defined = 0;
// }

type MediaHeaderBox struct {
	FullBox
	CreationTime     uint64
	ModificationTime uint64
	Timescale        uint32
	Duration         uint64
	Language         string
}

func (mdhd *MediaHeaderBox) Decode(r *reader) error {
	mdhd.decode(r)
	mdhd.CreationTime = r.uv(mdhd.Version)
	mdhd.ModificationTime = r.uv(mdhd.Version)
	mdhd.Timescale = r.u32()
	mdhd.Duration = r.uv(mdhd.Version)
	lang := r.u16()
	mdhd.Language = string([]byte{byte(lang>>10&0x1f) + 0x60, byte(lang>>5&0x1f) + 0x60, byte(lang&0x1f) + 0x60})
	r.skip(2)
	return nil
}

func (mdhd *MediaHeaderBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeMDHD, mdhd.Version, 0, func(b []byte) []byte {
		b = appendV(b, mdhd.Version, mdhd.CreationTime)
		b = appendV(b, mdhd.Version, mdhd.ModificationTime)
		b = util.AppendBE(b, mdhd.Timescale, 4)
		b = appendV(b, mdhd.Version, mdhd.Duration)
		lang := []byte(mdhd.Language + "und")[:3]
		var code uint16
		for _, c := range lang {
			code = code<<5 | uint16(c-0x60)&0x1f
		}
		b = util.AppendBE(b, code, 2)
		return append(b, 0, 0)
	})
}

// aligned(8) class HandlerBox extends FullBox(‘hdlr’, 0, 0) {
//     unsigned int(32) pre_defined = 0;
//     unsigned int(32) handler_type;
//     const unsigned int(32)[3] reserved = 0;
//     string   name;
// }

type HandlerBox struct {
	FullBox
	HandlerType Type
	Name        string
}

func (hdlr *HandlerBox) Decode(r *reader) error {
	hdlr.decode(r)
	r.skip(4)
	copy(hdlr.HandlerType[:], r.bytes(4))
	r.skip(12)
	if r.err == nil {
		name := r.Rest()
		for len(name) > 0 && name[len(name)-1] == 0 {
			name = name[:len(name)-1]
		}
		hdlr.Name = string(name)
	}
	return nil
}

func (hdlr *HandlerBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeHDLR, 0, 0, func(b []byte) []byte {
		b = append(b, 0, 0, 0, 0)
		b = append(b, hdlr.HandlerType[:]...)
		b = append(b, make([]byte, 12)...)
		b = append(b, hdlr.Name...)
		return append(b, 0)
	})
}

// aligned(8) class SampleDescriptionBox (unsigned int(32) handler_type) extends FullBox('stsd', 0, 0){
//     int i ;
//     unsigned int(32) entry_count;
//     for (i = 1 ; i <= entry_count ; i++){
//        SampleEntry(); // an instance of a class derived from SampleEntry
//     }
// }
//
// aligned(8) abstract class SampleEntry (unsigned int(32) format) extends Box(format){
//     const unsigned int(8)[6] reserved = 0;
//     unsigned int(16) data_reference_index;
// }

type SampleEntry struct {
	Type               Type
	DataReferenceIndex uint16
	// entry bytes after data_reference_index
	Body []byte
}

// VisualSize reads width and height of a VisualSampleEntry.
func (e *SampleEntry) VisualSize() (width, height uint16) {
	if len(e.Body) >= 20 {
		width = util.ReadBE[uint16](e.Body[16:18])
		height = util.ReadBE[uint16](e.Body[18:20])
	}
	return
}

// Audio reads channel count and integer sample rate of an AudioSampleEntry.
func (e *SampleEntry) Audio() (channels uint16, rate uint32) {
	if len(e.Body) >= 20 {
		channels = util.ReadBE[uint16](e.Body[8:10])
		rate = util.ReadBE[uint32](e.Body[16:20]) >> 16
	}
	return
}

type SampleDescriptionBox struct {
	FullBox
	Entries []SampleEntry
}

func (stsd *SampleDescriptionBox) Decode(r *reader) error {
	stsd.decode(r)
	n := r.count(r.u32(), BasicBoxLen+8)
	stsd.Entries = make([]SampleEntry, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		size := r.u32()
		var e SampleEntry
		copy(e.Type[:], r.bytes(4))
		if r.err == nil && (size < BasicBoxLen+8 || int(size)-BasicBoxLen > r.Len()) {
			r.fail(ErrBadSize)
			break
		}
		r.skip(6)
		e.DataReferenceIndex = r.u16()
		e.Body = r.bytes(int(size) - BasicBoxLen - 8)
		stsd.Entries = append(stsd.Entries, e)
	}
	return nil
}

func (stsd *SampleDescriptionBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeSTSD, 0, 0, func(b []byte) []byte {
		b = util.AppendBE(b, uint32(len(stsd.Entries)), 4)
		for _, e := range stsd.Entries {
			b = appendBox(b, e.Type, func(b []byte) []byte {
				b = append(b, make([]byte, 6)...)
				b = util.AppendBE(b, e.DataReferenceIndex, 2)
				return append(b, e.Body...)
			})
		}
		return b
	})
}

// aligned(8) class MovieExtendsHeaderBox extends FullBox(‘mehd’, version, 0) {
//     if (version==1) {
//        unsigned int(64)  fragment_duration;
//     } else { // version==0
//        unsigned int(32)  fragment_duration;
//     }
// }

type MovieExtendsHeaderBox struct {
	FullBox
	FragmentDuration uint64
}

func (mehd *MovieExtendsHeaderBox) Decode(r *reader) error {
	mehd.decode(r)
	mehd.FragmentDuration = r.uv(mehd.Version)
	return nil
}

func (mehd *MovieExtendsHeaderBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeMEHD, mehd.Version, 0, func(b []byte) []byte {
		return appendV(b, mehd.Version, mehd.FragmentDuration)
	})
}

// aligned(8) class TrackExtendsBox extends FullBox(‘trex’, 0, 0){
//     unsigned int(32)  track_ID;
//     unsigned int(32)  default_sample_description_index;
//     unsigned int(32)  default_sample_duration;
//     unsigned int(32)  default_sample_size;
//     unsigned int(32)  default_sample_flags
// }

type TrackExtendsBox struct {
	FullBox
	TrackID                       uint32
	DefaultSampleDescriptionIndex uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}

func (trex *TrackExtendsBox) Decode(r *reader) error {
	trex.decode(r)
	trex.TrackID = r.u32()
	trex.DefaultSampleDescriptionIndex = r.u32()
	trex.DefaultSampleDuration = r.u32()
	trex.DefaultSampleSize = r.u32()
	trex.DefaultSampleFlags = r.u32()
	return nil
}

func (trex *TrackExtendsBox) Append(b []byte) []byte {
	return appendFullBox(b, TypeTREX, 0, 0, func(b []byte) []byte {
		b = util.AppendBE(b, trex.TrackID, 4)
		b = util.AppendBE(b, trex.DefaultSampleDescriptionIndex, 4)
		b = util.AppendBE(b, trex.DefaultSampleDuration, 4)
		b = util.AppendBE(b, trex.DefaultSampleSize, 4)
		return util.AppendBE(b, trex.DefaultSampleFlags, 4)
	})
}
