package namenode

import (
	"context"
	"time"

	"github.com/driftfs/driftfs/internal/metastore"
	"github.com/driftfs/driftfs/internal/wire"
)

// ReplicationTask tracks one in-flight repair: a copy of ChunkID from
// SourceNodeID to TargetNodeID. At most one task exists per chunk; a newer
// evaluation supersedes the old task if its target has since died.
type ReplicationTask struct {
	ChunkID      string
	SourceNodeID string
	TargetNodeID string
	Reason       string
	CreatedAt    time.Time
}

// Run drives the background maintenance loop: liveness checks followed by
// a repair sweep, every interval, until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CheckLiveness(ctx); err != nil {
				s.logger.Error().Err(err).Msg("liveness check failed")
			}
			if err := s.RepairSweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("repair sweep failed")
			}
		}
	}
}

// RepairSweep finds every chunk with fewer than ReplicationFactor live
// replicas and queues a replicate command for one of its surviving holders.
// The copy itself runs on the DataNodes; only this metadata pass holds the
// service lock.
func (s *Service) RepairSweep(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repairSweepLocked(ctx)
}

// PendingTasks snapshots the in-flight repair tasks, for tests and the
// stats surface.
func (s *Service) PendingTasks() []ReplicationTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]ReplicationTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}

func (s *Service) repairSweepLocked(ctx context.Context) error {
	chunks, err := s.store.ListChunks(ctx)
	if err != nil {
		return err
	}
	nodes, err := s.nodesByID(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(chunks))
	for _, entry := range chunks {
		known[entry.ID] = true
		if err := s.evaluateChunk(entry, nodes, "sweep"); err != nil {
			return err
		}
	}

	// Drop tasks for chunks that no longer exist (deleted or aborted files).
	for chunkID := range s.tasks {
		if !known[chunkID] {
			delete(s.tasks, chunkID)
		}
	}

	s.metrics.PendingRepairs.Set(float64(len(s.tasks)))
	return nil
}

// scheduleRepairForNode runs when a node transitions to Dead: every chunk
// it held is re-evaluated immediately instead of waiting for the next sweep.
func (s *Service) scheduleRepairForNode(ctx context.Context, nodeID string) error {
	chunks, err := s.store.ListChunks(ctx)
	if err != nil {
		return err
	}
	nodes, err := s.nodesByID(ctx)
	if err != nil {
		return err
	}
	for _, entry := range chunks {
		if !containsString(entry.Replicas, nodeID) {
			continue
		}
		if err := s.evaluateChunk(entry, nodes, "node dead"); err != nil {
			return err
		}
	}
	return nil
}

// evaluateChunk queues a repair for entry if it is under-replicated.
// Suspect holders still count toward the factor: the grace period belongs
// to the node, not the chunk. Only Active holders can serve as copy source.
// Caller holds s.mu.
func (s *Service) evaluateChunk(entry *metastore.ChunkEntry, nodes map[string]*metastore.NodeRecord, reason string) error {
	var sources []*metastore.NodeRecord
	surviving := 0
	holders := make(map[string]bool, len(entry.Replicas))
	for _, nodeID := range entry.Replicas {
		holders[nodeID] = true
		node, ok := nodes[nodeID]
		if !ok || node.State == metastore.NodeDead {
			continue
		}
		surviving++
		if node.State == metastore.NodeActive {
			sources = append(sources, node)
		}
	}

	if surviving >= s.params.ReplicationFactor {
		delete(s.tasks, entry.ID)
		return nil
	}

	if task, ok := s.tasks[entry.ID]; ok {
		target, alive := nodes[task.TargetNodeID]
		if alive && target.State == metastore.NodeActive &&
			s.now().Sub(task.CreatedAt) < s.params.RepairRetryAfter {
			return nil // in flight, copy has time to confirm
		}
		// Target died, or the push never confirmed inside the retry
		// window (lost command, failed copy). Re-issue.
		delete(s.tasks, entry.ID)
	}

	if len(sources) == 0 {
		s.logger.Error().Str("chunk", entry.ID).Msg("chunk has no active replica to copy from")
		return nil
	}

	var candidates []*metastore.NodeRecord
	for _, node := range nodes {
		if node.State == metastore.NodeActive {
			candidates = append(candidates, node)
		}
	}
	selected := selectNodes(candidates, 1, holders, nil, s.params.UtilizationCeiling)
	if len(selected) == 0 {
		s.logger.Warn().Str("chunk", entry.ID).Msg("no eligible repair target")
		return nil
	}

	source := sources[0]
	target := selected[0]
	s.tasks[entry.ID] = &ReplicationTask{
		ChunkID:      entry.ID,
		SourceNodeID: source.ID,
		TargetNodeID: target.ID,
		Reason:       reason,
		CreatedAt:    s.now(),
	}
	s.commands[source.ID] = append(s.commands[source.ID], wire.Command{
		Type:          wire.CommandReplicate,
		ChunkID:       entry.ID,
		TargetAddress: target.Address,
		Checksum:      entry.Checksum,
	})
	s.metrics.RepairsScheduledTotal.Inc()
	s.logger.Info().
		Str("chunk", entry.ID).
		Str("source", source.ID).
		Str("target", target.ID).
		Str("reason", reason).
		Msg("repair scheduled")
	return nil
}
