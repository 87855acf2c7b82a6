// Package cfi decodes Call Frame Information records (.eh_frame style) from
// raw bytes.
//
// The records are produced by the runtime's own code generator, so the
// decoder trusts their shape: anything outside the supported subset (64-bit
// DWARF lengths, indirect or non pc-relative pointer encodings, records
// running past the region) is an assumption violation and panics instead of
// returning an error.
//
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
package cfi

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

var byteOrder = binary.NativeEndian

// FDE is one decoded Frame Description Entry.
type FDE struct {
	// Offset of the record's length field from the start of the region.
	Offset int
	// CIE is the offset of the owning Common Information Entry.
	CIE int
	// Start is the first address covered by the entry.
	Start uint64
	Size  uint64
}

// End returns the first address after the covered range.
func (f FDE) End() uint64 { return f.Start + f.Size }

func (f FDE) String() string {
	return fmt.Sprintf("fde@%#x [%#x, %#x) cie@%#x", f.Offset, f.Start, f.End(), f.CIE)
}

func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic("cfi: " + fmt.Sprintf(format, args...))
	}
}

func u32(data []byte, off int) uint32 {
	assertf(off >= 0 && off+4 <= len(data), "read of 4 bytes at %#x beyond region of %#x bytes", off, len(data))
	return byteOrder.Uint32(data[off:])
}

// Walk visits the records in data and calls fn with the offset of every FDE.
// CIEs are skipped. A record length of zero terminates the walk.
func Walk(data []byte, fn func(off int)) {
	p := 0
	for p < len(data) {
		entry := p
		length := u32(data, entry)
		p += 4
		if length == 0 {
			return
		}
		assertf(length != 0xffffffff, "64-bit record at %#x is not supported", entry)
		assertf(uint64(p)+uint64(length) <= uint64(len(data)), "record at %#x of length %#x runs past region end %#x", entry, length, len(data))
		if id := u32(data, p); id != 0 {
			fn(entry)
		}
		p += int(length)
	}
}

// Record returns the bytes of the record at off, length field included.
func Record(data []byte, off int) []byte {
	return data[off : off+4+int(u32(data, off))]
}

// CIEOffset returns the offset of the CIE owning the FDE at off. The FDE's
// second word is the distance back from itself to the CIE.
func CIEOffset(data []byte, off int) int {
	back := int(u32(data, off+4))
	cie := off + 4 - back
	assertf(cie >= 0 && cie < len(data), "fde at %#x refers to cie outside region (%#x)", off, cie)
	return cie
}

// ParseCIE parses the CIE at off and returns the pointer encoding its FDEs
// use for their address range. Without an 'R' augmentation the encoding is
// EncAbsPtr.
func ParseCIE(data []byte, off int) Encoding {
	length := int(u32(data, off))
	end := off + 4 + length
	assertf(end <= len(data), "cie at %#x runs past region end", off)
	assertf(u32(data, off+4) == 0, "record at %#x is not a cie", off)
	p := off + 8

	version := data[p]
	assertf(version == 1 || version == 3 || version == 4, "cie at %#x has unsupported version %d", off, version)
	p++

	augStart := p
	for p < end && data[p] != 0 {
		p++
	}
	assertf(p < end, "cie at %#x has unterminated augmentation string", off)
	augmentation := string(data[augStart:p])
	p++

	if version == 4 {
		// address_size, segment_selector_size
		p += 2
	}
	// code alignment factor, data alignment factor
	p += SkipLEB128(data[p:end])
	p += SkipLEB128(data[p:end])
	// return address register
	if version == 1 {
		p++
	} else {
		p += SkipLEB128(data[p:end])
	}

	for i := 0; i < len(augmentation); i++ {
		assertf(p <= end, "cie at %#x: augmentation data runs past record end", off)
		switch augmentation[i] {
		case 'z':
			p += SkipLEB128(data[p:end])
		case 'L':
			p++
		case 'R':
			assertf(p < end, "cie at %#x: missing fde encoding", off)
			return Encoding(data[p])
		case 'P':
			assertf(p < end, "cie at %#x: missing personality encoding", off)
			enc := Encoding(data[p])
			p++
			p += personalitySize(data[p:end], enc)
		}
	}
	return EncAbsPtr
}

func personalitySize(b []byte, enc Encoding) int {
	switch enc.Format() {
	case EncULEB128, EncSLEB128:
		return SkipLEB128(b)
	case EncUData2, EncSData2:
		return 2
	case EncUData4, EncSData4:
		return 4
	case EncUData8, EncSData8:
		return 8
	case EncSigned:
		return ptrSize
	}
	assertf(enc == EncAbsPtr || enc == EncOmit, "invalid personality encoding %s", enc)
	return ptrSize
}

// DecodeRange decodes the address range of the FDE at off using enc. base is
// the address data[0] is loaded at; pc-relative values are relative to the
// address of the field holding them.
func DecodeRange(data []byte, off int, enc Encoding, base uint64) (start, size uint64) {
	length := int(u32(data, off))
	end := off + 4 + length
	assertf(end <= len(data), "fde at %#x runs past region end", off)
	p := off + 8
	need := func(n int) {
		assertf(length >= 2*n+4, "fde at %#x too short (%d bytes) for %s", off, length, enc)
	}

	if enc == EncAbsPtr || enc == EncOmit {
		need(ptrSize)
		return readPtr(data[p:]), readPtr(data[p+ptrSize:])
	}

	assertf(enc.Adjust() == EncPCRel && enc&EncIndirect == 0, "fde at %#x: only pc-relative encodings are supported, got %s", off, enc)
	field := base + uint64(p)

	switch enc.Format() {
	case EncULEB128:
		v, n := ReadULEB128[uint64](data[p:end])
		s, _ := ReadULEB128[uint64](data[p+n : end])
		return field + v, s
	case EncSLEB128:
		v, n := ReadSLEB128[int64](data[p:end])
		s, _ := ReadSLEB128[int64](data[p+n : end])
		return field + uint64(v), uint64(s)
	case EncUData2:
		need(2)
		return field + uint64(byteOrder.Uint16(data[p:])), uint64(byteOrder.Uint16(data[p+2:]))
	case EncUData4:
		need(4)
		return field + uint64(byteOrder.Uint32(data[p:])), uint64(byteOrder.Uint32(data[p+4:]))
	case EncUData8:
		need(8)
		return field + byteOrder.Uint64(data[p:]), byteOrder.Uint64(data[p+8:])
	case EncSigned:
		need(ptrSize)
		return field + readPtr(data[p:]), readPtr(data[p+ptrSize:])
	case EncSData2:
		need(2)
		return field + uint64(int64(int16(byteOrder.Uint16(data[p:])))), uint64(int64(int16(byteOrder.Uint16(data[p+2:]))))
	case EncSData4:
		need(4)
		return field + uint64(int64(int32(byteOrder.Uint32(data[p:])))), uint64(int64(int32(byteOrder.Uint32(data[p+4:]))))
	case EncSData8:
		need(8)
		return field + byteOrder.Uint64(data[p:]), byteOrder.Uint64(data[p+8:])
	}
	panic(fmt.Sprintf("cfi: fde at %#x: invalid encoding %s", off, enc))
}

// readPtr reads a native pointer sized value, sign extending on 32-bit hosts.
func readPtr(b []byte) uint64 {
	if ptrSize == 4 {
		return uint64(int64(int32(byteOrder.Uint32(b))))
	}
	return byteOrder.Uint64(b)
}
