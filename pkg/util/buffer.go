package util

type Integer interface {
	~int | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func PutBE[T Integer](b []byte, num T) []byte {
	for i, n := 0, len(b); i < n; i++ {
		b[i] = byte(num >> ((n - i - 1) << 3))
	}
	return b
}

func ReadBE[T Integer](b []byte) (num T) {
	for i, n := 0, len(b); i < n; i++ {
		num += T(b[i]) << ((n - i - 1) << 3)
	}
	return
}

// AppendBE appends num as size big-endian bytes.
func AppendBE[T Integer](b []byte, num T, size int) []byte {
	for i := size - 1; i >= 0; i-- {
		b = append(b, byte(num>>(i<<3)))
	}
	return b
}

// ConcatBuffers gathers fragmented memory into one contiguous slice.
func ConcatBuffers[T ~[]byte](input []T) (out []byte) {
	out = make([]byte, 0, SizeOfBuffers(input))
	for _, v := range input {
		out = append(out, v...)
	}
	return
}

func SizeOfBuffers[T ~[]byte](buf []T) (size int) {
	for _, b := range buf {
		size += len(b)
	}
	return
}

func Conditional[T any](cond bool, t, f T) T {
	if cond {
		return t
	}
	return f
}
