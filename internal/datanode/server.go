package datanode

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/driftfs/driftfs/internal/wire"
)

// Server is the DataNode's HTTP surface: chunk transfer plus a status
// endpoint. It holds no placement knowledge; it stores what it is sent and
// serves what it has.
type Server struct {
	nodeID func() string
	store  *Store
	logger zerolog.Logger
}

func NewServer(nodeID func() string, store *Store, logger zerolog.Logger) *Server {
	return &Server{nodeID: nodeID, store: store, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Put("/v1/chunks/{id}", s.handleStoreChunk)
	r.Get("/v1/chunks/{id}", s.handleReadChunk)
	r.Delete("/v1/chunks/{id}", s.handleDeleteChunk)
	r.Get("/v1/status", s.handleStatus)
	return r
}

func (s *Server) handleStoreChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	expected := r.Header.Get(wire.ChecksumHeader)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		wire.WriteError(w, err)
		return
	}

	if err := s.store.Put(id, data, expected); err != nil {
		s.logger.Warn().Err(err).Str("chunk", id).Msg("store chunk rejected")
		wire.WriteError(w, err)
		return
	}

	s.logger.Debug().Str("chunk", id).Int("bytes", len(data)).Msg("chunk stored")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleReadChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	data, checksum, err := s.store.Get(id)
	if err != nil {
		s.logger.Warn().Err(err).Str("chunk", id).Msg("read chunk failed")
		wire.WriteError(w, err)
		return
	}

	w.Header().Set(wire.ChecksumHeader, checksum)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := s.store.Delete(id)
	if err != nil {
		wire.WriteError(w, err)
		return
	}

	wire.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	wire.WriteJSON(w, http.StatusOK, wire.NodeStatus{
		NodeID:        s.nodeID(),
		CapacityBytes: s.store.CapacityBytes(),
		UsedBytes:     s.store.UsedBytes(),
		ChunkIDs:      s.store.ChunkIDs(),
	})
}
