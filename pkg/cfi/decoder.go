package cfi

// Decoder visits the FDEs of one region, parsing each CIE only once for
// consecutive FDEs that share it.
type Decoder struct {
	data []byte
	base uint64

	cie int
	enc Encoding
}

// NewDecoder returns a decoder for data loaded at base.
func NewDecoder(data []byte, base uint64) *Decoder {
	return &Decoder{data: data, base: base, cie: -1}
}

// Visit decodes every FDE in the region and calls fn with it.
func (d *Decoder) Visit(fn func(FDE)) {
	Walk(d.data, func(off int) {
		cie := CIEOffset(d.data, off)
		if cie != d.cie {
			d.enc = ParseCIE(d.data, cie)
			d.cie = cie
		}
		start, size := DecodeRange(d.data, off, d.enc, d.base)
		fn(FDE{Offset: off, CIE: cie, Start: start, Size: size})
	})
}

// Range is the union of the address ranges covered by a set of FDEs.
type Range struct {
	Start uint64
	End   uint64

	set bool
}

// Empty reports whether no FDE contributed to the range.
func (r Range) Empty() bool { return !r.set }

// Extend grows r to cover f.
func (r *Range) Extend(f FDE) {
	if !r.set {
		r.Start, r.End, r.set = f.Start, f.End(), true
		return
	}
	r.Start = min(r.Start, f.Start)
	r.End = max(r.End, f.End())
}
