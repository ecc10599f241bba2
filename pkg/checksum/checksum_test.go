package checksum

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekit/coreflash/pkg/errors"
)

func TestDigestKnownVectors(t *testing.T) {
	tests := []struct {
		algo  Algorithm
		input string
		want  string
	}{
		{MD5, "abc", "900150983cd24fb0d6963f7d28e17f72"},
		{SHA256, "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{SHA256, "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{SHA512, "abc", "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f"},
	}

	for _, tt := range tests {
		got, err := Digest(strings.NewReader(tt.input), tt.algo, 0)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s(%q)", tt.algo, tt.input)
	}
}

func TestDigestChunkSizeIndependent(t *testing.T) {
	data := make([]byte, 9*1024*1024+123)
	rand.New(rand.NewSource(42)).Read(data)

	for _, algo := range Algorithms() {
		small, err := Digest(bytes.NewReader(data), algo, 64*1024)
		require.NoError(t, err)
		large, err := Digest(bytes.NewReader(data), algo, 4*1024*1024)
		require.NoError(t, err)
		odd, err := Digest(bytes.NewReader(data), algo, 1000)
		require.NoError(t, err)

		assert.Equal(t, small, large, "%s differs between 64 KiB and 4 MiB chunks", algo)
		assert.Equal(t, small, odd, "%s differs with an unaligned chunk size", algo)
	}
}

func TestDigestDigestLengths(t *testing.T) {
	lengths := map[Algorithm]int{MD5: 32, SHA256: 64, SHA512: 128, BLAKE2b: 64, CRC64: 16}

	for algo, want := range lengths {
		got, err := Digest(strings.NewReader("coreflash"), algo, 0)
		require.NoError(t, err)
		assert.Len(t, got, want, algo)
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"sha256", SHA256, false},
		{"SHA-256", SHA256, false},
		{" md5 ", MD5, false},
		{"blake2b", BLAKE2b, false},
		{"crc64", CRC64, false},
		{"sha1", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if tt.wantErr {
			assert.True(t, errors.Is(err, ErrUnknownAlgorithm), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestDigestReadError(t *testing.T) {
	_, err := Digest(failingReader{}, SHA256, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

type bytesSource []byte

func (b bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestDigestSource(t *testing.T) {
	got, err := DigestSource(bytesSource("abc"), MD5)
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", got)
}
