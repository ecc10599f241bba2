// Package checksum computes image digests in fixed-size chunks.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/corekit/coreflash/pkg/buffer"
	"github.com/corekit/coreflash/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a supported digest.
type Algorithm string

const (
	MD5     Algorithm = "md5"
	SHA256  Algorithm = "sha256"
	SHA512  Algorithm = "sha512"
	BLAKE2b Algorithm = "blake2b"
	CRC64   Algorithm = "crc64"
)

// DefaultChunkSize is the read size used when Digest is called with chunkSize <= 0.
const DefaultChunkSize = buffer.DefaultSize

// ErrUnknownAlgorithm is returned for algorithm names outside Algorithms().
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

var crcTable = crc64.MakeTable(crc64.ISO)

// Algorithms lists the supported algorithms in display order.
func Algorithms() []Algorithm {
	return []Algorithm{MD5, SHA256, SHA512, BLAKE2b, CRC64}
}

// ParseAlgorithm maps a user supplied name onto an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "")
	for _, a := range Algorithms() {
		if string(a) == n {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// New returns a fresh hash.Hash for the algorithm.
func New(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	case CRC64:
		return crc64.New(crcTable), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// Digest reads r to EOF in chunks of chunkSize bytes and returns the
// lowercase hex digest. The chunk size never changes the result.
func Digest(r io.Reader, algo Algorithm, chunkSize int) (string, error) {
	h, err := New(algo)
	if err != nil {
		return "", err
	}

	pool := poolFor(chunkSize)
	buf := pool.Get()
	defer pool.Put(buf)

	start := time.Now()
	n, err := io.CopyBuffer(onlyWriter{h}, onlyReader{r}, *buf)
	if err != nil {
		slog.Error("checksum_read_failed", "algorithm", algo, "bytes_read", n, "error", err)
		return "", errors.Wrap(err, "failed to read data for hashing")
	}

	sum := hex.EncodeToString(h.Sum(nil))
	slog.Debug("checksum_computed",
		"algorithm", algo,
		"bytes", n,
		"chunk_size", pool.Size(),
		"duration_ms", time.Since(start).Milliseconds())

	return sum, nil
}

// Source is anything that can hand out a fresh reader positioned at offset 0.
type Source interface {
	Open() (io.ReadCloser, error)
}

// DigestSource opens a new reader on src and digests it with the default chunk size.
func DigestSource(src Source, algo Algorithm) (string, error) {
	rc, err := src.Open()
	if err != nil {
		return "", errors.Wrap(err, "failed to open image for hashing")
	}
	defer rc.Close()

	return Digest(rc, algo, DefaultChunkSize)
}

// onlyReader and onlyWriter hide ReaderFrom/WriterTo so io.CopyBuffer
// actually uses the pooled buffer.
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }
