package cfi

import "fmt"

// Encoding is a DWARF exception-header pointer encoding (DW_EH_PE_*).
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type Encoding uint8

const (
	EncAbsPtr  Encoding = 0x00
	EncULEB128 Encoding = 0x01
	EncUData2  Encoding = 0x02
	EncUData4  Encoding = 0x03
	EncUData8  Encoding = 0x04
	EncSigned  Encoding = 0x08
	EncSLEB128 Encoding = 0x09
	EncSData2  Encoding = 0x0a
	EncSData4  Encoding = 0x0b
	EncSData8  Encoding = 0x0c

	EncPCRel    Encoding = 0x10
	EncTextRel  Encoding = 0x20
	EncDataRel  Encoding = 0x30
	EncFuncRel  Encoding = 0x40
	EncAligned  Encoding = 0x50
	EncIndirect Encoding = 0x80

	EncOmit Encoding = 0xff

	encFormatMask Encoding = 0x0f
	encAdjustMask Encoding = 0x70
)

// Format returns the value format part of the encoding.
func (e Encoding) Format() Encoding { return e & encFormatMask }

// Adjust returns the relocation base part of the encoding.
func (e Encoding) Adjust() Encoding { return e & encAdjustMask }

func (e Encoding) String() string {
	if e == EncOmit {
		return "omit"
	}
	var format string
	switch e.Format() {
	case EncAbsPtr:
		format = "absptr"
	case EncULEB128:
		format = "uleb128"
	case EncUData2:
		format = "udata2"
	case EncUData4:
		format = "udata4"
	case EncUData8:
		format = "udata8"
	case EncSigned:
		format = "signed"
	case EncSLEB128:
		format = "sleb128"
	case EncSData2:
		format = "sdata2"
	case EncSData4:
		format = "sdata4"
	case EncSData8:
		format = "sdata8"
	default:
		format = fmt.Sprintf("format(%#x)", uint8(e.Format()))
	}
	switch e.Adjust() {
	case 0:
	case EncPCRel:
		format += "|pcrel"
	case EncTextRel:
		format += "|textrel"
	case EncDataRel:
		format += "|datarel"
	case EncFuncRel:
		format += "|funcrel"
	case EncAligned:
		format += "|aligned"
	}
	if e&EncIndirect != 0 {
		format += "|indirect"
	}
	return format
}
