package fmp4

import (
	"log/slog"
	"sort"
)

// FragmentsIndex records, for every probed moof, its byte position and the
// movie-timescale decode time at which each track enters it.
type FragmentsIndex struct {
	TrackIDs  []uint32
	Times     []int64 // row-major [fragment][track]
	Ends      []int64 // per track, after the last fragment
	Positions []int64
	LastTime  int64
}

func NewFragmentsIndex(trackIDs []uint32, capacity int) *FragmentsIndex {
	return &FragmentsIndex{
		TrackIDs:  trackIDs,
		Times:     make([]int64, 0, capacity*len(trackIDs)),
		Ends:      make([]int64, len(trackIDs)),
		Positions: make([]int64, 0, capacity),
	}
}

func (idx *FragmentsIndex) Len() int {
	return len(idx.Positions)
}

// Add appends one fragment; times holds one entry per track.
func (idx *FragmentsIndex) Add(pos int64, times []int64) {
	idx.Positions = append(idx.Positions, pos)
	idx.Times = append(idx.Times, times[:len(idx.TrackIDs)]...)
}

func (idx *FragmentsIndex) Time(fragment, track int) int64 {
	return idx.Times[fragment*len(idx.TrackIDs)+track]
}

func (idx *FragmentsIndex) column(trackID uint32) int {
	for i, id := range idx.TrackIDs {
		if id == trackID {
			return i
		}
	}
	return -1
}

// Lookup finds the fragment holding movie time t for the track at column
// track: the last fragment starting at or before t. Times past the end
// resolve to the last fragment.
func (idx *FragmentsIndex) Lookup(t int64, track int) (start, pos int64, ok bool) {
	n := idx.Len()
	if n == 0 || track < 0 || track >= len(idx.TrackIDs) {
		return
	}
	i := sort.Search(n, func(i int) bool { return idx.Time(i, track) > t })
	if i > 0 {
		i--
	}
	return idx.Time(i, track), idx.Positions[i], true
}

// StartTime returns the indexed movie time of the track in the moof at pos.
func (idx *FragmentsIndex) StartTime(pos int64, trackID uint32) (int64, bool) {
	col := idx.column(trackID)
	if col < 0 {
		return 0, false
	}
	i := sort.Search(idx.Len(), func(i int) bool { return idx.Positions[i] >= pos })
	if i == idx.Len() || idx.Positions[i] != pos {
		return 0, false
	}
	return idx.Time(i, col), true
}

// TrackDuration is the movie time reached by the track after all indexed
// fragments.
func (idx *FragmentsIndex) TrackDuration(trackID uint32) int64 {
	if col := idx.column(trackID); col >= 0 {
		return idx.Ends[col]
	}
	return 0
}

func (idx *FragmentsIndex) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("fragments", idx.Len()), slog.Int("tracks", len(idx.TrackIDs)), slog.Int64("last", idx.LastTime))
}
