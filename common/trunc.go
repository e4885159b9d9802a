package common

import "math"

func TruncU8[L ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64](v L) uint8 {
	if v < 0 || v > math.MaxUint8 {
		panic("overflow")
	}
	return uint8(v)
}

func TruncU32[L ~int | ~int64 | ~uint | ~uint64](v L) uint32 {
	if v < 0 || v > math.MaxUint32 {
		panic("overflow")
	}
	return uint32(v)
}
