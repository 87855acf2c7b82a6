package codeimage

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Format identifies how the bytes of an Image are stored.
type Format uint8

const (
	FormatNone Format = iota
	FormatZstd
	FormatZlib
)

func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatZstd:
		return "zstd"
	case FormatZlib:
		return "zlib"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return FormatNone, nil
	case "zstd":
		return FormatZstd, nil
	case "zlib":
		return FormatZlib, nil
	}
	return FormatNone, fmt.Errorf("unknown compression format %q", s)
}

// Codec compresses whole images.
type Codec interface {
	Format() Format
	Compress(src []byte) ([]byte, error)
	// Decompress expands src, which must decode to exactly size bytes.
	Decompress(src []byte, size int) ([]byte, error)
}

// Lookup returns the codec for f, or false if it is unavailable.
func Lookup(f Format) (Codec, bool) {
	switch f {
	case FormatZstd:
		c, err := zstdCodecOnce()
		if err != nil {
			return nil, false
		}
		return c, true
	case FormatZlib:
		return zlibCodec{}, true
	}
	return nil, false
}

// Select returns the first available codec in preference order. It returns
// nil when FormatNone comes first or nothing is available; images are then
// stored as is.
func Select(preference []Format) Codec {
	for _, f := range preference {
		if f == FormatNone {
			return nil
		}
		if c, ok := Lookup(f); ok {
			return c
		}
	}
	return nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var zstdCodecOnce = sync.OnceValues(func() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
})

func (c *zstdCodec) Format() Format { return FormatZstd }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (c *zstdCodec) Decompress(src []byte, size int) ([]byte, error) {
	dst, err := c.dec.DecodeAll(src, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompress zstd data: %w", err)
	}
	if len(dst) != size {
		return nil, fmt.Errorf("decompressed zstd data is %d bytes, expected %d", len(dst), size)
	}
	return dst, nil
}

type zlibCodec struct{}

func (zlibCodec) Format() Format { return FormatZlib }

func (zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("compress zlib data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress zlib data: %w", err)
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(src []byte, size int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("create zlib reader: %w", err)
	}
	defer r.Close()
	dst := make([]byte, size)
	if _, err = io.ReadFull(r, dst); err != nil {
		return nil, fmt.Errorf("decompress zlib data: %w", err)
	}
	if n, _ := r.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("decompressed zlib data exceeds %d bytes", size)
	}
	return dst, nil
}
