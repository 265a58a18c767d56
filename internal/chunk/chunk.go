// Package chunk holds the stateless helpers shared by every component:
// deterministic chunk planning, content checksums and ID generation.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr"

	"github.com/driftfs/driftfs/internal/dfserr"
)

// Chunk describes one planned slice of a file. Index is the position used
// for reassembly; Offset and Size locate the slice in the original bytes.
type Chunk struct {
	ID     string
	Index  int
	Offset int64
	Size   int64
}

// Plan splits fileSize into chunkSize-sized chunks. The last chunk may be
// shorter. A zero-byte file plans to zero chunks.
func Plan(fileSize, chunkSize int64) ([]Chunk, error) {
	if fileSize < 0 {
		return nil, goerr.Wrap(dfserr.ErrInvalidSize, "file size must not be negative")
	}
	if chunkSize <= 0 {
		return nil, goerr.Wrap(dfserr.ErrInvalidSize, "chunk size must be positive")
	}

	var chunks []Chunk
	for offset := int64(0); offset < fileSize; offset += chunkSize {
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		chunks = append(chunks, Chunk{
			ID:     NewID(),
			Index:  len(chunks),
			Offset: offset,
			Size:   size,
		})
	}
	return chunks, nil
}

// Checksum returns the hex-encoded SHA-256 digest of data. Equal bytes
// always produce equal digests, which is what makes re-upload detection and
// corruption checks cheap.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sum streams r through SHA-256 and returns the hex digest.
func Sum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", goerr.Wrap(err, "failed to checksum stream")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewID returns a collision-resistant opaque identifier.
func NewID() string {
	return uuid.New().String()
}
