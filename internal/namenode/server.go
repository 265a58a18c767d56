package namenode

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr"

	"github.com/driftfs/driftfs/internal/dfserr"
	"github.com/driftfs/driftfs/internal/metastore"
	"github.com/driftfs/driftfs/internal/wire"
)

// Server exposes the Service over HTTP.
type Server struct {
	service *Service
}

func NewServer(service *Service) *Server {
	return &Server{service: service}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/v1/nodes/register", s.handleRegister)
	r.Post("/v1/nodes/heartbeat", s.handleHeartbeat)
	r.Post("/v1/files", s.handleCreateFile)
	r.Post("/v1/chunks/commit", s.handleCommitChunk)
	r.Post("/v1/files/abort", s.handleAbortFile)
	r.Get("/v1/files", s.handleGetFile)
	r.Get("/v1/files/list", s.handleListFiles)
	r.Delete("/v1/files", s.handleDeleteFile)
	r.Get("/v1/stats", s.handleStats)
	r.Handle("/metrics", s.service.Metrics().Handler())

	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req wire.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "malformed request body"))
		return
	}
	if req.Address == "" || req.CapacityBytes <= 0 {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "address and positive capacity are required"))
		return
	}
	nodeID, err := s.service.RegisterNode(r.Context(), req.Address, req.CapacityBytes)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.RegisterNodeResponse{NodeID: nodeID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req wire.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "malformed request body"))
		return
	}
	commands, err := s.service.Heartbeat(r.Context(), req)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, wire.HeartbeatResponse{Commands: commands})
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "malformed request body"))
		return
	}
	resp, err := s.service.CreateFile(r.Context(), req)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleCommitChunk(w http.ResponseWriter, r *http.Request) {
	var req wire.CommitChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "malformed request body"))
		return
	}
	if err := s.service.CommitChunk(r.Context(), req.ChunkID, req.NodeIDs); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]bool{"committed": true})
}

func (s *Server) handleAbortFile(w http.ResponseWriter, r *http.Request) {
	var req wire.AbortFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "malformed request body"))
		return
	}
	if err := s.service.AbortFile(r.Context(), req.FileID); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "path query parameter is required"))
		return
	}
	resp, err := s.service.GetFile(r.Context(), path)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListFiles(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	resp := wire.ListFilesResponse{Files: make([]wire.FileInfo, 0, len(files))}
	for _, file := range files {
		resp.Files = append(resp.Files, fileInfo(file))
	}
	wire.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		wire.WriteError(w, goerr.Wrap(dfserr.ErrInvalidArgument, "path query parameter is required"))
		return
	}
	if err := s.service.DeleteFile(r.Context(), path); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteJSON(w, http.StatusOK, stats)
}

func fileInfo(file *metastore.FileEntry) wire.FileInfo {
	return wire.FileInfo{
		FileID:     file.ID,
		Path:       file.Path,
		Size:       file.Size,
		ChunkCount: len(file.ChunkIDs),
		CreatedAt:  file.CreatedAt,
	}
}
