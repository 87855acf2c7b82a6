package registry

// ImageInfo describes an ahead-of-time compiled image loaded by the
// runtime. It is immutable once registered.
type ImageInfo struct {
	// Base is the address the image is loaded at, as reported by the loader.
	Base uint64
	// FuncPtrs and Metadata are parallel: FuncPtrs[i] is the entry point of
	// the code described by Metadata[i].
	FuncPtrs []uint64
	Metadata []Metadata
	// ClonePtrs are entry points of specialized copies of functions. The
	// matching CloneIndices, masked with CloneIndexMask, index Metadata.
	ClonePtrs      []uint64
	CloneIndices   []uint32
	CloneIndexMask uint32
}

// HasFunctions reports whether the image carries a function table.
func (i ImageInfo) HasFunctions() bool { return len(i.FuncPtrs) > 0 }

// MetadataFor returns the metadata of the function whose entry point is
// saddr. Direct entries take precedence over clones.
func (i ImageInfo) MetadataFor(saddr uint64) (Metadata, bool) {
	var (
		md    Metadata
		found bool
	)
	for k, p := range i.ClonePtrs {
		if p != saddr || k >= len(i.CloneIndices) {
			continue
		}
		// Clones past the table were not referenced directly by a method.
		if idx := i.CloneIndices[k] & i.CloneIndexMask; int(idx) < len(i.Metadata) {
			md, found = i.Metadata[idx], true
		}
		break
	}
	for k, p := range i.FuncPtrs {
		if p == saddr && k < len(i.Metadata) {
			md, found = i.Metadata[k], true
			break
		}
	}
	return md, found
}
