package codeimage

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPayloads() map[string][]byte {
	rnd := rand.New(rand.NewSource(42))
	random := make([]byte, 64<<10)
	rnd.Read(random)
	return map[string][]byte{
		"empty":        {},
		"small":        []byte("\x7fELF"),
		"compressible": bytes.Repeat([]byte("julia_foo_42\x00"), 4096),
		"random":       random,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatZstd, FormatZlib} {
		codec, ok := Lookup(f)
		require.True(t, ok, f.String())
		require.Equal(t, f, codec.Format())
		for name, payload := range testPayloads() {
			t.Run(f.String()+"/"+name, func(t *testing.T) {
				packed, err := codec.Compress(payload)
				require.NoError(t, err)
				plain, err := codec.Decompress(packed, len(payload))
				require.NoError(t, err)
				require.True(t, bytes.Equal(payload, plain))
			})
		}
	}
}

func TestCodecSizeMismatch(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 100)
	for _, f := range []Format{FormatZstd, FormatZlib} {
		t.Run(f.String(), func(t *testing.T) {
			codec, ok := Lookup(f)
			require.True(t, ok)
			packed, err := codec.Compress(payload)
			require.NoError(t, err)
			_, err = codec.Decompress(packed, len(payload)+1)
			require.Error(t, err)
			_, err = codec.Decompress(packed, len(payload)-1)
			require.Error(t, err)
			_, err = codec.Decompress([]byte("garbage"), len(payload))
			require.Error(t, err)
		})
	}
}

func TestSelect(t *testing.T) {
	require.Equal(t, FormatZstd, Select([]Format{FormatZstd, FormatZlib}).Format())
	require.Equal(t, FormatZlib, Select([]Format{FormatZlib, FormatZstd}).Format())
	require.Nil(t, Select([]Format{FormatNone, FormatZstd}))
	require.Nil(t, Select(nil))

	_, ok := Lookup(FormatNone)
	require.False(t, ok)
}

func TestParseFormat(t *testing.T) {
	for s, want := range map[string]Format{"zstd": FormatZstd, " ZLIB": FormatZlib, "none": FormatNone} {
		got, err := ParseFormat(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseFormat("lz4")
	require.Error(t, err)
}
