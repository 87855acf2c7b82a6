package cfi

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

// ReadULEB128 decodes an unsigned LEB128 value from b into T. Only as many
// 7-bit groups as fit into T are accumulated; longer encodings are truncated
// and their remaining bytes skipped. It returns the value and the number of
// bytes consumed.
func ReadULEB128[T constraints.Unsigned](b []byte) (T, int) {
	var zero T
	v, n := readLEB128(b, int(unsafe.Sizeof(zero))*8, false)
	return T(v), n
}

// ReadSLEB128 decodes a signed LEB128 value from b into T. If the sign bit of
// the last group is set it is extended into the remaining high bits of T.
func ReadSLEB128[T constraints.Signed](b []byte) (T, int) {
	var zero T
	v, n := readLEB128(b, int(unsafe.Sizeof(zero))*8, true)
	return T(int64(v)), n
}

// SkipLEB128 returns the length of the LEB128 encoding at the start of b,
// however long it is.
func SkipLEB128(b []byte) int {
	i := 0
	for i < len(b) && b[i]&0x80 != 0 {
		i++
	}
	if i == len(b) {
		return len(b)
	}
	return i + 1
}

func readLEB128(b []byte, bits int, signed bool) (uint64, int) {
	var v uint64
	groups := (bits-1)/7 + 1
	pos := 0
	for i := 0; i < groups; i++ {
		if pos >= len(b) {
			return v, pos
		}
		a := b[pos]
		pos++
		if i*7 < 64 {
			v |= uint64(a&0x7f) << (i * 7)
		}
		if a&0x80 == 0 || pos >= len(b) {
			if signed && a&0x40 != 0 {
				if valid := (i + 1) * 7; valid < 64 {
					v |= ^uint64(0) << valid
				}
			}
			return v, pos
		}
	}
	return v, pos + SkipLEB128(b[pos:])
}
