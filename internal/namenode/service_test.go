package namenode

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/chunk"
	"github.com/driftfs/driftfs/internal/dfserr"
	"github.com/driftfs/driftfs/internal/metastore"
	"github.com/driftfs/driftfs/internal/wire"
)

func newTestService(t *testing.T, replicationFactor int) *Service {
	t.Helper()
	store, err := metastore.OpenSQLite(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewService(store, Params{
		ReplicationFactor:  replicationFactor,
		UtilizationCeiling: 0.95,
		HeartbeatInterval:  time.Second,
	}, zerolog.Nop())
}

func registerNodes(t *testing.T, svc *Service, n int, capacity int64) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := svc.RegisterNode(context.Background(), nodeAddr(i), capacity)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func nodeAddr(i int) string {
	return "http://node" + string(rune('a'+i)) + ":9401"
}

func planFor(parts ...string) ([]wire.ChunkPlan, int64) {
	var plans []wire.ChunkPlan
	var total int64
	for i, part := range parts {
		plans = append(plans, wire.ChunkPlan{
			Index:    i,
			Size:     int64(len(part)),
			Checksum: chunk.Checksum([]byte(part)),
		})
		total += int64(len(part))
	}
	return plans, total
}

func TestRegisterNodeKeepsIDForAddress(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()

	first, err := svc.RegisterNode(ctx, "http://node:9401", 1000)
	require.NoError(t, err)

	second, err := svc.RegisterNode(ctx, "http://node:9401", 2000)
	require.NoError(t, err)
	require.Equal(t, first, second)

	node, err := svc.store.GetNode(ctx, first)
	require.NoError(t, err)
	require.Equal(t, int64(2000), node.CapacityBytes)
	require.Equal(t, metastore.NodeActive, node.State)
}

func TestCreateFilePlacement(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()
	registerNodes(t, svc, 3, 1000)

	plans, total := planFor("aaaa", "bbbb", "c")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	require.NotEmpty(t, resp.FileID)
	require.Len(t, resp.Placements, 3)

	var offset int64
	for i, placement := range resp.Placements {
		require.Equal(t, i, placement.Index)
		require.Equal(t, offset, placement.Offset)
		require.Len(t, placement.Nodes, 2)
		// No chunk gets two replicas on the same node.
		require.NotEqual(t, placement.Nodes[0].NodeID, placement.Nodes[1].NodeID)
		offset += placement.Size
	}
}

func TestCreateFilePrefersEmptiestNodes(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	ids := registerNodes(t, svc, 2, 1000)

	// Make the first node look nearly full.
	require.NoError(t, svc.store.UpdateNodeHeartbeat(ctx, ids[0], 900, time.Now()))

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	require.Equal(t, ids[1], resp.Placements[0].Nodes[0].NodeID)
}

func TestCreateFileSkipsNodesAtCeiling(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	ids := registerNodes(t, svc, 2, 1000)

	require.NoError(t, svc.store.UpdateNodeHeartbeat(ctx, ids[0], 960, time.Now()))
	require.NoError(t, svc.store.UpdateNodeHeartbeat(ctx, ids[1], 970, time.Now()))

	plans, total := planFor("data")
	_, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.True(t, errors.Is(err, dfserr.ErrInsufficientNodes))
}

func TestCreateFileInsufficientNodesLeavesNoEntry(t *testing.T) {
	svc := newTestService(t, 3)
	ctx := context.Background()
	registerNodes(t, svc, 2, 1000)

	plans, total := planFor("data")
	_, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.True(t, errors.Is(err, dfserr.ErrInsufficientNodes))

	_, err = svc.store.GetFileByPath(ctx, "/f.txt")
	require.True(t, errors.Is(err, dfserr.ErrNotFound))
}

func TestCreateFileDuplicatePath(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	registerNodes(t, svc, 1, 1000)

	plans, total := planFor("data")
	_, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)

	_, err = svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.True(t, errors.Is(err, dfserr.ErrAlreadyExists))
}

func TestCreateFileSizeMismatch(t *testing.T) {
	svc := newTestService(t, 1)
	registerNodes(t, svc, 1, 1000)

	plans, total := planFor("data")
	_, err := svc.CreateFile(context.Background(), wire.CreateFileRequest{
		Path: "/f.txt", Size: total + 1, Chunks: plans,
	})
	require.True(t, errors.Is(err, dfserr.ErrInvalidArgument))
}

func TestCommitChunkRequiresReplicas(t *testing.T) {
	svc := newTestService(t, 1)
	err := svc.CommitChunk(context.Background(), "c1", nil)
	require.True(t, errors.Is(err, dfserr.ErrInvalidArgument))
}

func TestAbortFileRollsBack(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	registerNodes(t, svc, 1, 1000)

	plans, total := planFor("aaaa", "bb")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)

	require.NoError(t, svc.AbortFile(ctx, resp.FileID))

	_, err = svc.store.GetFileByPath(ctx, "/f.txt")
	require.True(t, errors.Is(err, dfserr.ErrNotFound))
	chunks, err := svc.store.ListChunks(ctx)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestHeartbeatOrphanGetsDeleteCommand(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	ids := registerNodes(t, svc, 1, 1000)

	commands, err := svc.Heartbeat(ctx, wire.HeartbeatRequest{
		NodeID:   ids[0],
		ChunkIDs: []string{"never-created"},
	})
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, wire.CommandDelete, commands[0].Type)
	require.Equal(t, "never-created", commands[0].ChunkID)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	svc := newTestService(t, 1)
	_, err := svc.Heartbeat(context.Background(), wire.HeartbeatRequest{NodeID: "ghost"})
	require.True(t, errors.Is(err, dfserr.ErrUnknownNode))
}

func TestHeartbeatRemovesLostReplicas(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	ids := registerNodes(t, svc, 1, 1000)

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	chunkID := resp.Placements[0].ChunkID
	require.NoError(t, svc.CommitChunk(ctx, chunkID, []string{ids[0]}))

	// The node reports an empty inventory: it lost the chunk.
	_, err = svc.Heartbeat(ctx, wire.HeartbeatRequest{NodeID: ids[0]})
	require.NoError(t, err)

	entry, err := svc.store.GetChunk(ctx, chunkID)
	require.NoError(t, err)
	require.Empty(t, entry.Replicas)
}

func TestLivenessStateMachine(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	ids := registerNodes(t, svc, 1, 1000)

	base := time.Now()

	// Just past 3x the heartbeat interval: suspect.
	svc.now = func() time.Time { return base.Add(4 * time.Second) }
	require.NoError(t, svc.CheckLiveness(ctx))
	node, err := svc.store.GetNode(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, metastore.NodeSuspect, node.State)

	// A heartbeat brings it back.
	_, err = svc.Heartbeat(ctx, wire.HeartbeatRequest{NodeID: ids[0]})
	require.NoError(t, err)
	node, err = svc.store.GetNode(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, metastore.NodeActive, node.State)

	// Past 10x: dead.
	svc.now = func() time.Time { return base.Add(15 * time.Second) }
	require.NoError(t, svc.CheckLiveness(ctx))
	node, err = svc.store.GetNode(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, metastore.NodeDead, node.State)
}

func TestDeadNodeSchedulesRepair(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()
	ids := registerNodes(t, svc, 3, 1000)

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	chunkID := resp.Placements[0].ChunkID
	holder0 := resp.Placements[0].Nodes[0].NodeID
	holder1 := resp.Placements[0].Nodes[1].NodeID
	require.NoError(t, svc.CommitChunk(ctx, chunkID, []string{holder0, holder1}))

	// Keep everyone else alive, silence holder1 past the dead threshold.
	base := time.Now()
	for _, id := range ids {
		if id != holder1 {
			require.NoError(t, svc.store.UpdateNodeHeartbeat(ctx, id, 0, base.Add(14*time.Second)))
		}
	}
	svc.now = func() time.Time { return base.Add(15 * time.Second) }
	require.NoError(t, svc.CheckLiveness(ctx))

	tasks := svc.PendingTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, chunkID, tasks[0].ChunkID)
	require.Equal(t, holder0, tasks[0].SourceNodeID)
	require.NotEqual(t, holder1, tasks[0].TargetNodeID)

	// The replicate command rides the surviving holder's next heartbeat.
	commands, err := svc.Heartbeat(ctx, wire.HeartbeatRequest{
		NodeID:   holder0,
		ChunkIDs: []string{chunkID},
	})
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, wire.CommandReplicate, commands[0].Type)
	require.Equal(t, chunkID, commands[0].ChunkID)

	// The target reporting the chunk confirms the repair and clears the task.
	_, err = svc.Heartbeat(ctx, wire.HeartbeatRequest{
		NodeID:   tasks[0].TargetNodeID,
		ChunkIDs: []string{chunkID},
	})
	require.NoError(t, err)
	require.Empty(t, svc.PendingTasks())

	entry, err := svc.store.GetChunk(ctx, chunkID)
	require.NoError(t, err)
	require.Contains(t, entry.Replicas, tasks[0].TargetNodeID)
}

func TestRepairReissuedWhenPushNeverConfirms(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()
	ids := registerNodes(t, svc, 3, 1000)

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	chunkID := resp.Placements[0].ChunkID
	holder0 := resp.Placements[0].Nodes[0].NodeID
	holder1 := resp.Placements[0].Nodes[1].NodeID
	require.NoError(t, svc.CommitChunk(ctx, chunkID, []string{holder0, holder1}))

	base := time.Now()
	for _, id := range ids {
		if id != holder1 {
			require.NoError(t, svc.store.UpdateNodeHeartbeat(ctx, id, 0, base.Add(14*time.Second)))
		}
	}
	svc.now = func() time.Time { return base.Add(15 * time.Second) }
	require.NoError(t, svc.CheckLiveness(ctx))
	require.Len(t, svc.PendingTasks(), 1)

	// The survivor drains the replicate command but the push goes nowhere:
	// the target never reports the chunk.
	commands, err := svc.Heartbeat(ctx, wire.HeartbeatRequest{NodeID: holder0, ChunkIDs: []string{chunkID}})
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, wire.CommandReplicate, commands[0].Type)

	// Inside the retry window sweeps leave the task alone and queue nothing.
	svc.now = func() time.Time { return base.Add(16 * time.Second) }
	require.NoError(t, svc.RepairSweep(ctx))
	commands, err = svc.Heartbeat(ctx, wire.HeartbeatRequest{NodeID: holder0, ChunkIDs: []string{chunkID}})
	require.NoError(t, err)
	require.Empty(t, commands)

	// Past the window the task is superseded and the command re-issued.
	svc.now = func() time.Time { return base.Add(19 * time.Second) }
	require.NoError(t, svc.RepairSweep(ctx))
	tasks := svc.PendingTasks()
	require.Len(t, tasks, 1)
	require.Equal(t, chunkID, tasks[0].ChunkID)

	commands, err = svc.Heartbeat(ctx, wire.HeartbeatRequest{NodeID: holder0, ChunkIDs: []string{chunkID}})
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, wire.CommandReplicate, commands[0].Type)
	require.Equal(t, chunkID, commands[0].ChunkID)
}

func TestRepairSweepSkipsHealthyChunks(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()
	registerNodes(t, svc, 2, 1000)

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	chunkID := resp.Placements[0].ChunkID
	require.NoError(t, svc.CommitChunk(ctx, chunkID, []string{
		resp.Placements[0].Nodes[0].NodeID,
		resp.Placements[0].Nodes[1].NodeID,
	}))

	require.NoError(t, svc.RepairSweep(ctx))
	require.Empty(t, svc.PendingTasks())
}

func TestGetFileFiltersDeadReplicas(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()
	registerNodes(t, svc, 2, 1000)

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	chunkID := resp.Placements[0].ChunkID
	holders := []string{resp.Placements[0].Nodes[0].NodeID, resp.Placements[0].Nodes[1].NodeID}
	require.NoError(t, svc.CommitChunk(ctx, chunkID, holders))

	require.NoError(t, svc.store.SetNodeState(ctx, holders[0], metastore.NodeDead))

	file, err := svc.GetFile(ctx, "/f.txt")
	require.NoError(t, err)
	require.Len(t, file.Chunks, 1)
	require.Len(t, file.Chunks[0].Replicas, 1)
	require.Equal(t, holders[1], file.Chunks[0].Replicas[0].NodeID)
	require.True(t, file.Chunks[0].Available)

	require.NoError(t, svc.store.SetNodeState(ctx, holders[1], metastore.NodeDead))
	file, err = svc.GetFile(ctx, "/f.txt")
	require.NoError(t, err)
	require.False(t, file.Chunks[0].Available)
}

func TestDeleteFileMakesChunksOrphans(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	ids := registerNodes(t, svc, 1, 1000)

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	chunkID := resp.Placements[0].ChunkID
	require.NoError(t, svc.CommitChunk(ctx, chunkID, []string{ids[0]}))

	require.NoError(t, svc.DeleteFile(ctx, "/f.txt"))

	commands, err := svc.Heartbeat(ctx, wire.HeartbeatRequest{
		NodeID:   ids[0],
		ChunkIDs: []string{chunkID},
	})
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, wire.CommandDelete, commands[0].Type)
	require.Equal(t, chunkID, commands[0].ChunkID)
}

func TestStats(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()
	ids := registerNodes(t, svc, 3, 1000)

	plans, total := planFor("data")
	resp, err := svc.CreateFile(ctx, wire.CreateFileRequest{Path: "/f.txt", Size: total, Chunks: plans})
	require.NoError(t, err)
	// Commit only one replica so the chunk counts as under-replicated.
	require.NoError(t, svc.CommitChunk(ctx, resp.Placements[0].ChunkID, []string{resp.Placements[0].Nodes[0].NodeID}))

	require.NoError(t, svc.store.SetNodeState(ctx, ids[2], metastore.NodeDead))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, 1, stats.Chunks)
	require.Equal(t, 2, stats.ActiveNodes)
	require.Equal(t, 1, stats.DeadNodes)
	require.Equal(t, 1, stats.UnderReplicated)
	require.Equal(t, int64(2000), stats.TotalCapacityBytes)
}
