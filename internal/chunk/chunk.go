// Package chunk implements deterministic splitting and recombination of
// artifact bytes into fixed-size, independently hashed chunks. SHA-256 is
// the only integrity hash.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// DefaultSize is the default chunk size (1 MiB).
const DefaultSize = 1 << 20

// ErrEmptySize is returned when a caller requests chunking with a
// non-positive chunk size.
var ErrEmptySize = errors.New("chunk: size must be positive")

// Descriptor is a single chunk's position, size and content hash.
// Location, replica and encryption details live in internal/storage,
// which owns placement.
type Descriptor struct {
	Index    int    `json:"index"`
	Size     int    `json:"size"`
	Checksum string `json:"checksum"`
}

// Chunk pairs a Descriptor with its bytes, as produced by Split and
// consumed by Combine.
type Chunk struct {
	Descriptor
	Data []byte
}

// Split divides data into ordered chunks of at most size bytes each:
// chunk i covers bytes [i*size, min((i+1)*size, len(data))). An empty
// buffer yields zero chunks.
func Split(data []byte, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, ErrEmptySize
	}
	if len(data) == 0 {
		return nil, nil
	}

	n := (len(data) + size - 1) / size
	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		body := data[start:end]
		sum := sha256.Sum256(body)
		chunks[i] = Chunk{
			Descriptor: Descriptor{
				Index:    i,
				Size:     len(body),
				Checksum: hex.EncodeToString(sum[:]),
			},
			Data: append([]byte(nil), body...),
		}
	}
	return chunks, nil
}

// Combine verifies and concatenates chunks into a single buffer ordered by
// index. Any size or checksum mismatch aborts with ErrValidation and no
// partial data is returned.
func Combine(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	ordered := append([]Chunk(nil), chunks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	total := 0
	for i, c := range ordered {
		if i > 0 && ordered[i-1].Index == c.Index {
			return nil, fmt.Errorf("%w: duplicate chunk index %d", ErrValidation, c.Index)
		}
		if i != c.Index {
			return nil, fmt.Errorf("%w: gap in chunk sequence at index %d", ErrValidation, i)
		}
		if len(c.Data) != c.Size {
			return nil, fmt.Errorf("%w: chunk %d size mismatch (got %d, want %d)", ErrValidation, c.Index, len(c.Data), c.Size)
		}
		if err := verify(c); err != nil {
			return nil, err
		}
		total += c.Size
	}

	out := make([]byte, 0, total)
	for _, c := range ordered {
		out = append(out, c.Data...)
	}
	return out, nil
}

// ErrValidation is returned by Combine and Verify when a chunk's bytes do
// not match its descriptor.
var ErrValidation = errors.New("chunk: validation failed")

func verify(c Chunk) error {
	sum := sha256.Sum256(c.Data)
	if hex.EncodeToString(sum[:]) != c.Checksum {
		return fmt.Errorf("%w: checksum mismatch for chunk %d", ErrValidation, c.Index)
	}
	return nil
}

// Verify checks a single chunk's bytes against its descriptor without
// assembling an artifact, used by storage providers' ValidateChecksum.
func Verify(data []byte, d Descriptor) error {
	if len(data) != d.Size {
		return fmt.Errorf("%w: size mismatch for chunk %d", ErrValidation, d.Index)
	}
	return verify(Chunk{Descriptor: d, Data: data})
}

// ChecksumAll computes the whole-artifact checksum: SHA-256 over the
// concatenation of chunks in index order. Callers that
// already hold the full buffer should prefer a direct sha256.Sum256 call;
// this helper exists for recomputing the checksum from a chunk set.
func ChecksumAll(chunks []Chunk) (string, error) {
	data, err := Combine(chunks)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two byte buffers are identical, a small helper
// used by round-trip tests (combine(split(x)) == x).
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
