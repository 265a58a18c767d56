// Package namenode implements the metadata authority: the file namespace,
// chunk placement, DataNode liveness tracking and replication repair.
package namenode

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr"
	"github.com/rs/zerolog"

	"github.com/driftfs/driftfs/internal/chunk"
	"github.com/driftfs/driftfs/internal/dfserr"
	"github.com/driftfs/driftfs/internal/metastore"
	"github.com/driftfs/driftfs/internal/wire"
)

// Params are the placement and liveness knobs the Service runs with.
// SuspectAfter and DeadAfter default to 3x and 10x the heartbeat interval;
// RepairRetryAfter, the window a repair push gets to confirm before the
// task is re-issued, defaults to 3x.
type Params struct {
	ReplicationFactor  int
	UtilizationCeiling float64
	HeartbeatInterval  time.Duration
	SuspectAfter       time.Duration
	DeadAfter          time.Duration
	RepairRetryAfter   time.Duration
}

func (p *Params) applyDefaults() {
	if p.UtilizationCeiling == 0 {
		p.UtilizationCeiling = 0.95
	}
	if p.SuspectAfter == 0 {
		p.SuspectAfter = 3 * p.HeartbeatInterval
	}
	if p.DeadAfter == 0 {
		p.DeadAfter = 10 * p.HeartbeatInterval
	}
	if p.RepairRetryAfter == 0 {
		p.RepairRetryAfter = 3 * p.HeartbeatInterval
	}
}

// Service is the single writer for all metadata. Every operation holds mu
// for its full duration; cross-node chunk copies never happen under the
// lock, only the metadata brackets around them do.
type Service struct {
	store   metastore.Store
	params  Params
	logger  zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	tasks    map[string]*ReplicationTask    // chunkID -> pending repair task
	commands map[string][]wire.Command      // nodeID -> queued commands
	now      func() time.Time
}

func NewService(store metastore.Store, params Params, logger zerolog.Logger) *Service {
	params.applyDefaults()
	return &Service{
		store:    store,
		params:   params,
		logger:   logger,
		metrics:  NewMetrics(),
		tasks:    make(map[string]*ReplicationTask),
		commands: make(map[string][]wire.Command),
		now:      time.Now,
	}
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Node management.

// RegisterNode adds a DataNode or refreshes an existing registration for
// the same address, keeping the previously assigned ID so a restarted node
// retains its replica attribution.
func (s *Service) RegisterNode(ctx context.Context, address string, capacityBytes int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, err := s.store.GetNodeByAddress(ctx, address); err == nil {
		existing.CapacityBytes = capacityBytes
		existing.LastHeartbeatAt = now
		existing.State = metastore.NodeActive
		if err := s.store.UpsertNode(ctx, existing); err != nil {
			return "", err
		}
		s.logger.Info().Str("node", existing.ID).Str("address", address).Msg("datanode re-registered")
		return existing.ID, nil
	} else if !errors.Is(err, dfserr.ErrUnknownNode) {
		return "", err
	}

	node := &metastore.NodeRecord{
		ID:              chunk.NewID(),
		Address:         address,
		CapacityBytes:   capacityBytes,
		LastHeartbeatAt: now,
		State:           metastore.NodeActive,
	}
	if err := s.store.UpsertNode(ctx, node); err != nil {
		return "", err
	}
	s.logger.Info().Str("node", node.ID).Str("address", address).Int64("capacity", capacityBytes).Msg("datanode registered")
	return node.ID, nil
}

// Heartbeat refreshes liveness and usage for nodeID and reconciles its
// reported inventory against the believed replica sets. The response drains
// any commands queued for the node: repair pushes and orphan deletes.
func (s *Service) Heartbeat(ctx context.Context, req wire.HeartbeatRequest) ([]wire.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpdateNodeHeartbeat(ctx, req.NodeID, req.UsedBytes, s.now()); err != nil {
		return nil, err
	}
	s.metrics.HeartbeatsTotal.Inc()

	commands := s.drainCommands(req.NodeID)

	reported := make(map[string]bool, len(req.ChunkIDs))
	for _, chunkID := range req.ChunkIDs {
		reported[chunkID] = true

		entry, err := s.store.GetChunk(ctx, chunkID)
		if errors.Is(err, dfserr.ErrNotFound) {
			// Orphan: deleted file or rolled-back upload. Reclaim lazily.
			commands = append(commands, wire.Command{Type: wire.CommandDelete, ChunkID: chunkID})
			continue
		}
		if err != nil {
			return nil, err
		}

		if !containsString(entry.Replicas, req.NodeID) {
			// Present but unknown: a repair push or a commit we missed has
			// landed. Record the replica and clear any task it satisfies.
			if err := s.store.AddReplica(ctx, chunkID, req.NodeID); err != nil {
				return nil, err
			}
			if task, ok := s.tasks[chunkID]; ok && task.TargetNodeID == req.NodeID {
				delete(s.tasks, chunkID)
				s.logger.Info().Str("chunk", chunkID).Str("node", req.NodeID).Msg("repair replica confirmed")
			}
		}
	}

	// Chunks we expected on this node but it no longer has.
	expected, err := s.store.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	var lost []string
	for _, entry := range expected {
		if containsString(entry.Replicas, req.NodeID) && !reported[entry.ID] {
			if err := s.store.RemoveReplica(ctx, entry.ID, req.NodeID); err != nil {
				return nil, err
			}
			lost = append(lost, entry.ID)
			s.logger.Warn().Str("chunk", entry.ID).Str("node", req.NodeID).Msg("node lost a replica")
		}
	}
	if len(lost) > 0 {
		nodes, err := s.nodesByID(ctx)
		if err != nil {
			return nil, err
		}
		for _, chunkID := range lost {
			entry, err := s.store.GetChunk(ctx, chunkID)
			if err != nil {
				return nil, err
			}
			if err := s.evaluateChunk(entry, nodes, "replica lost"); err != nil {
				return nil, err
			}
		}
	}

	return commands, nil
}

// File operations.

// CreateFile registers path with client-planned chunks and selects
// ReplicationFactor DataNodes per chunk, capacity-aware least-loaded first.
// Failure leaves no FileEntry behind.
func (s *Service) CreateFile(ctx context.Context, req wire.CreateFileRequest) (*wire.CreateFileResponse, error) {
	if req.Path == "" {
		return nil, goerr.Wrap(dfserr.ErrInvalidArgument, "path is required")
	}
	var total int64
	for _, plan := range req.Chunks {
		if plan.Size <= 0 {
			return nil, goerr.Wrap(dfserr.ErrInvalidSize, "chunk size must be positive")
		}
		total += plan.Size
	}
	if total != req.Size {
		return nil, goerr.Wrap(dfserr.ErrInvalidArgument, "chunk sizes do not sum to file size").
			With("declared", req.Size).With("planned", total)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetFileByPath(ctx, req.Path); err == nil {
		return nil, goerr.Wrap(dfserr.ErrAlreadyExists, "path already registered").With("path", req.Path)
	} else if !errors.Is(err, dfserr.ErrNotFound) {
		return nil, err
	}

	eligible, err := s.eligibleNodes(ctx)
	if err != nil {
		return nil, err
	}
	if len(eligible) < s.params.ReplicationFactor {
		return nil, goerr.Wrap(dfserr.ErrInsufficientNodes, "not enough active datanodes").
			With("need", s.params.ReplicationFactor).With("have", len(eligible))
	}

	fileID := chunk.NewID()
	now := s.now()
	file := &metastore.FileEntry{
		ID:        fileID,
		Path:      req.Path,
		Size:      req.Size,
		CreatedAt: now,
	}

	// pending tracks bytes tentatively placed during this call so sibling
	// chunks spread instead of all landing on the same emptiest nodes.
	pending := make(map[string]int64)
	var entries []*metastore.ChunkEntry
	var placements []wire.ChunkPlacement
	var offset int64

	for _, plan := range req.Chunks {
		selected := selectNodes(eligible, s.params.ReplicationFactor, nil, pending, s.params.UtilizationCeiling)
		if len(selected) < s.params.ReplicationFactor {
			return nil, goerr.Wrap(dfserr.ErrInsufficientNodes, "placement could not satisfy replication factor").
				With("chunk_index", plan.Index)
		}

		chunkID := chunk.NewID()
		entries = append(entries, &metastore.ChunkEntry{
			ID:       chunkID,
			FileID:   fileID,
			Index:    plan.Index,
			Size:     plan.Size,
			Checksum: plan.Checksum,
		})

		placement := wire.ChunkPlacement{
			ChunkID: chunkID,
			Index:   plan.Index,
			Offset:  offset,
			Size:    plan.Size,
		}
		for _, node := range selected {
			pending[node.ID] += plan.Size
			placement.Nodes = append(placement.Nodes, wire.NodeAddress{NodeID: node.ID, Address: node.Address})
		}
		placements = append(placements, placement)
		offset += plan.Size
	}

	if err := s.store.CreateFile(ctx, file, entries); err != nil {
		return nil, err
	}
	s.metrics.FilesCreatedTotal.Inc()
	s.logger.Info().Str("path", req.Path).Str("file_id", fileID).Int("chunks", len(entries)).Msg("file created")

	return &wire.CreateFileResponse{FileID: fileID, Placements: placements}, nil
}

// CommitChunk records the replicas the client confirmed for a chunk. An
// empty confirmation set means the upload of that chunk failed; the client
// aborts the file instead of committing it.
func (s *Service) CommitChunk(ctx context.Context, chunkID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return goerr.Wrap(dfserr.ErrInvalidArgument, "commit requires at least one confirmed replica")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetChunk(ctx, chunkID); err != nil {
		return err
	}
	for _, nodeID := range nodeIDs {
		if err := s.store.AddReplica(ctx, chunkID, nodeID); err != nil {
			return err
		}
	}
	return nil
}

// AbortFile rolls back a failed upload: the FileEntry and every sibling
// chunk disappear from metadata now, and the bytes already written on
// DataNodes become orphans reclaimed through heartbeat reconciliation.
func (s *Service) AbortFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteFileByID(ctx, fileID); err != nil {
		return err
	}
	s.logger.Info().Str("file_id", fileID).Msg("upload aborted, metadata rolled back")
	return nil
}

// GetFile resolves path to its chunks with live replica addresses. Chunks
// whose every replica is down are flagged unavailable individually; the
// caller decides whether that is fatal.
func (s *Service) GetFile(ctx context.Context, path string) (*wire.GetFileResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.store.GetFileByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	chunks, err := s.store.GetFileChunks(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.nodesByID(ctx)
	if err != nil {
		return nil, err
	}

	resp := &wire.GetFileResponse{
		File: wire.FileInfo{
			FileID:     file.ID,
			Path:       file.Path,
			Size:       file.Size,
			ChunkCount: len(chunks),
			CreatedAt:  file.CreatedAt,
		},
	}

	var offset int64
	for _, entry := range chunks {
		location := wire.ChunkLocation{
			ChunkID:  entry.ID,
			Index:    entry.Index,
			Offset:   offset,
			Size:     entry.Size,
			Checksum: entry.Checksum,
		}
		for _, nodeID := range entry.Replicas {
			if node, ok := nodes[nodeID]; ok && node.State == metastore.NodeActive {
				location.Replicas = append(location.Replicas, wire.NodeAddress{NodeID: node.ID, Address: node.Address})
			}
		}
		location.Available = len(location.Replicas) > 0
		resp.Chunks = append(resp.Chunks, location)
		offset += entry.Size
	}
	return resp, nil
}

// DeleteFile removes the file from metadata immediately. Chunk bytes on
// DataNodes are reclaimed lazily: a node reporting an untracked chunk is
// told to delete it on its next heartbeat.
func (s *Service) DeleteFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.store.GetFileByPath(ctx, path)
	if err != nil {
		return err
	}
	for _, chunkID := range file.ChunkIDs {
		delete(s.tasks, chunkID)
	}
	if err := s.store.DeleteFile(ctx, path); err != nil {
		return err
	}
	s.logger.Info().Str("path", path).Msg("file deleted")
	return nil
}

func (s *Service) ListFiles(ctx context.Context, prefix string) ([]*metastore.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ListFiles(ctx, prefix)
}

// Stats aggregates the cluster view for operators.
func (s *Service) Stats(ctx context.Context) (*wire.ClusterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := s.store.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &wire.ClusterStats{Files: len(files), Chunks: len(chunks)}
	active := make(map[string]bool)
	for _, node := range nodes {
		switch node.State {
		case metastore.NodeActive:
			stats.ActiveNodes++
			stats.TotalCapacityBytes += node.CapacityBytes
			stats.UsedBytes += node.UsedBytes
			active[node.ID] = true
		case metastore.NodeSuspect:
			stats.SuspectNodes++
		case metastore.NodeDead:
			stats.DeadNodes++
		}
	}
	for _, entry := range chunks {
		if liveReplicaCount(entry, active) < s.params.ReplicationFactor {
			stats.UnderReplicated++
		}
	}
	return stats, nil
}

// Liveness.

// CheckLiveness walks the registry and applies the state machine:
// Active -> Suspect past SuspectAfter, Suspect -> Dead past DeadAfter.
// A transition into Dead immediately schedules repair evaluation for every
// chunk the node held.
func (s *Service) CheckLiveness(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var newlyDead []string
	for _, node := range nodes {
		elapsed := now.Sub(node.LastHeartbeatAt)
		switch node.State {
		case metastore.NodeActive:
			if elapsed > s.params.DeadAfter {
				newlyDead = append(newlyDead, node.ID)
			} else if elapsed > s.params.SuspectAfter {
				if err := s.store.SetNodeState(ctx, node.ID, metastore.NodeSuspect); err != nil {
					return err
				}
				s.logger.Warn().Str("node", node.ID).Dur("silent_for", elapsed).Msg("datanode suspect")
			}
		case metastore.NodeSuspect:
			if elapsed > s.params.DeadAfter {
				newlyDead = append(newlyDead, node.ID)
			}
		}
	}

	for _, nodeID := range newlyDead {
		if err := s.store.SetNodeState(ctx, nodeID, metastore.NodeDead); err != nil {
			return err
		}
		delete(s.commands, nodeID)
		s.logger.Error().Str("node", nodeID).Msg("datanode dead")
		if err := s.scheduleRepairForNode(ctx, nodeID); err != nil {
			return err
		}
	}
	return nil
}

// Placement helpers.

func (s *Service) eligibleNodes(ctx context.Context) ([]*metastore.NodeRecord, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	var eligible []*metastore.NodeRecord
	for _, node := range nodes {
		if node.State == metastore.NodeActive {
			eligible = append(eligible, node)
		}
	}
	return eligible, nil
}

func (s *Service) nodesByID(ctx context.Context) (map[string]*metastore.NodeRecord, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*metastore.NodeRecord, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}
	return byID, nil
}

// selectNodes ranks candidates by free space descending, excludes nodes at
// or above the utilization ceiling, nodes in exclude, and never picks the
// same node twice. It returns up to n nodes.
func selectNodes(candidates []*metastore.NodeRecord, n int, exclude map[string]bool, pending map[string]int64, ceiling float64) []*metastore.NodeRecord {
	type ranked struct {
		node      *metastore.NodeRecord
		available int64
	}
	var pool []ranked
	for _, node := range candidates {
		if exclude[node.ID] {
			continue
		}
		used := node.UsedBytes + pending[node.ID]
		if node.CapacityBytes <= 0 {
			continue
		}
		if float64(used)/float64(node.CapacityBytes) >= ceiling {
			continue
		}
		pool = append(pool, ranked{node: node, available: node.CapacityBytes - used})
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].available != pool[j].available {
			return pool[i].available > pool[j].available
		}
		return pool[i].node.ID < pool[j].node.ID
	})

	var selected []*metastore.NodeRecord
	for _, r := range pool {
		if len(selected) == n {
			break
		}
		selected = append(selected, r.node)
	}
	return selected
}

func liveReplicaCount(entry *metastore.ChunkEntry, active map[string]bool) int {
	count := 0
	for _, nodeID := range entry.Replicas {
		if active[nodeID] {
			count++
		}
	}
	return count
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Service) drainCommands(nodeID string) []wire.Command {
	commands := s.commands[nodeID]
	delete(s.commands, nodeID)
	return commands
}
