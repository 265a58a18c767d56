// Package datanode implements the storage service: durable chunk payloads
// on local disk, an HTTP surface for chunk transfer, and the heartbeat
// sender that reports liveness and inventory to the NameNode.
package datanode

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr"
	"github.com/rs/zerolog"

	"github.com/driftfs/driftfs/internal/chunk"
	"github.com/driftfs/driftfs/internal/dfserr"
)

const (
	chunkExt = ".chunk"
	sumExt   = ".sum"
)

type chunkInfo struct {
	size     int64
	checksum string
}

// Store keeps chunk payloads as files under dataDir, one file per chunk ID,
// with the store-time checksum in a sidecar so corruption is detectable
// across restarts. Writes are temp-then-rename: a failed Put leaves no
// partial artifact and readers never observe a half-written chunk.
type Store struct {
	dataDir  string
	capacity int64
	logger   zerolog.Logger

	mu     sync.RWMutex
	chunks map[string]chunkInfo
	used   int64
}

func NewStore(dataDir string, capacityBytes int64) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create data directory")
	}
	s := &Store{
		dataDir:  dataDir,
		capacity: capacityBytes,
		logger:   zerolog.Nop(),
		chunks:   make(map[string]chunkInfo),
	}
	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// rescan rebuilds the in-memory index from disk after a restart. Chunks
// without a sidecar fall back to the digest of the bytes on disk.
func (s *Store) rescan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return goerr.Wrap(err, "failed to read data directory")
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, chunkExt) {
			continue
		}
		id := strings.TrimSuffix(name, chunkExt)
		info, err := entry.Info()
		if err != nil {
			return goerr.Wrap(err, "failed to stat chunk file").With("chunk", id)
		}

		checksum := ""
		if sum, err := os.ReadFile(s.sumPath(id)); err == nil {
			checksum = strings.TrimSpace(string(sum))
		} else {
			data, err := os.ReadFile(s.chunkPath(id))
			if err != nil {
				return goerr.Wrap(err, "failed to read chunk file").With("chunk", id)
			}
			checksum = chunk.Checksum(data)
			s.logger.Warn().Str("chunk", id).Msg("missing checksum sidecar, recomputed from disk")
		}

		s.chunks[id] = chunkInfo{size: info.Size(), checksum: checksum}
		s.used += info.Size()
	}
	return nil
}

// Put stores data under id after verifying expectedChecksum. Storing the
// same bytes twice is a no-op; a conflicting payload for an existing ID is
// rejected as a checksum mismatch.
func (s *Store) Put(id string, data []byte, expectedChecksum string) error {
	actual := chunk.Checksum(data)
	if expectedChecksum != "" && actual != expectedChecksum {
		return goerr.Wrap(dfserr.ErrChecksumMismatch, "chunk payload does not match declared checksum").
			With("chunk", id).With("expected", expectedChecksum).With("actual", actual)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.chunks[id]; ok {
		if existing.checksum == actual {
			return nil
		}
		return goerr.Wrap(dfserr.ErrChecksumMismatch, "chunk already stored with different content").With("chunk", id)
	}

	if s.used+int64(len(data)) > s.capacity {
		return goerr.Wrap(dfserr.ErrInsufficientCapacity, "chunk does not fit").
			With("chunk", id).With("used", s.used).With("capacity", s.capacity)
	}

	if err := s.writeAtomic(s.sumPath(id), []byte(actual)); err != nil {
		return err
	}
	if err := s.writeAtomic(s.chunkPath(id), data); err != nil {
		os.Remove(s.sumPath(id))
		return err
	}

	s.chunks[id] = chunkInfo{size: int64(len(data)), checksum: actual}
	s.used += int64(len(data))
	return nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dataDir, ".tmp-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return goerr.Wrap(err, "failed to write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return goerr.Wrap(err, "failed to close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return goerr.Wrap(err, "failed to commit file")
	}
	return nil
}

// Get returns the chunk bytes after re-verifying them against the
// store-time checksum. Altered bytes surface as ErrCorrupt, never as data.
func (s *Store) Get(id string) ([]byte, string, error) {
	s.mu.RLock()
	info, ok := s.chunks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, "", goerr.Wrap(dfserr.ErrNotFound, "chunk not stored here").With("chunk", id)
	}

	data, err := os.ReadFile(s.chunkPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", goerr.Wrap(dfserr.ErrNotFound, "chunk file missing").With("chunk", id)
		}
		return nil, "", goerr.Wrap(err, "failed to read chunk file").With("chunk", id)
	}

	if actual := chunk.Checksum(data); actual != info.checksum {
		return nil, "", goerr.Wrap(dfserr.ErrCorrupt, "stored chunk failed verification").
			With("chunk", id).With("expected", info.checksum).With("actual", actual)
	}
	return data, info.checksum, nil
}

// Delete removes the chunk. Deleting an absent chunk reports deleted=false
// without an error.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.chunks[id]
	if !ok {
		return false, nil
	}
	if err := os.Remove(s.chunkPath(id)); err != nil && !os.IsNotExist(err) {
		return false, goerr.Wrap(err, "failed to remove chunk file").With("chunk", id)
	}
	os.Remove(s.sumPath(id))
	delete(s.chunks, id)
	s.used -= info.size
	return true, nil
}

// Has reports whether id is committed locally.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[id]
	return ok
}

// UsedBytes is the sum of committed chunk sizes.
func (s *Store) UsedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *Store) CapacityBytes() int64 {
	return s.capacity
}

// ChunkIDs lists every committed chunk, for heartbeat inventory reports.
func (s *Store) ChunkIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) chunkPath(id string) string {
	return filepath.Join(s.dataDir, id+chunkExt)
}

func (s *Store) sumPath(id string) string {
	return filepath.Join(s.dataDir, id+sumExt)
}
