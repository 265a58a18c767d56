package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/dfserr"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleFile(id, path string) (*FileEntry, []*ChunkEntry) {
	file := &FileEntry{
		ID:        id,
		Path:      path,
		Size:      9,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	chunks := []*ChunkEntry{
		{ID: id + "-c0", FileID: id, Index: 0, Size: 4, Checksum: "aaa"},
		{ID: id + "-c1", FileID: id, Index: 1, Size: 5, Checksum: "bbb"},
	}
	return file, chunks
}

func TestFileCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file, chunks := sampleFile("f1", "/docs/report.txt")
	require.NoError(t, store.CreateFile(ctx, file, chunks))

	got, err := store.GetFileByPath(ctx, "/docs/report.txt")
	require.NoError(t, err)
	require.Equal(t, "f1", got.ID)
	require.Equal(t, []string{"f1-c0", "f1-c1"}, got.ChunkIDs)

	byID, err := store.GetFileByID(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, got.Path, byID.Path)

	require.NoError(t, store.DeleteFile(ctx, "/docs/report.txt"))
	_, err = store.GetFileByPath(ctx, "/docs/report.txt")
	require.True(t, errors.Is(err, dfserr.ErrNotFound))
}

func TestCreateFileDuplicatePath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file, chunks := sampleFile("f1", "/a.txt")
	require.NoError(t, store.CreateFile(ctx, file, chunks))

	dup, dupChunks := sampleFile("f2", "/a.txt")
	err := store.CreateFile(ctx, dup, dupChunks)
	require.True(t, errors.Is(err, dfserr.ErrAlreadyExists))
}

func TestDeleteCascadesToChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file, chunks := sampleFile("f1", "/a.txt")
	require.NoError(t, store.CreateFile(ctx, file, chunks))
	require.NoError(t, store.AddReplica(ctx, "f1-c0", "n1"))

	require.NoError(t, store.DeleteFileByID(ctx, "f1"))

	_, err := store.GetChunk(ctx, "f1-c0")
	require.True(t, errors.Is(err, dfserr.ErrNotFound))

	all, err := store.ListChunks(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestListFilesPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, path := range []string{"/logs/a.log", "/logs/b.log", "/docs/c.txt"} {
		file, chunks := sampleFile(string(rune('x'+i)), path)
		require.NoError(t, store.CreateFile(ctx, file, chunks))
	}

	logs, err := store.ListFiles(ctx, "/logs/")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	all, err := store.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	none, err := store.ListFiles(ctx, "/missing/")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestListFilesCarriesChunkIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file, chunks := sampleFile("f1", "/a.txt")
	require.NoError(t, store.CreateFile(ctx, file, chunks))

	listed, err := store.ListFiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, []string{"f1-c0", "f1-c1"}, listed[0].ChunkIDs)
}

func TestListFilesPrefixEscapesWildcards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, aChunks := sampleFile("f1", "/100%_done.txt")
	require.NoError(t, store.CreateFile(ctx, a, aChunks))
	b, bChunks := sampleFile("f2", "/100x_done.txt")
	require.NoError(t, store.CreateFile(ctx, b, bChunks))

	got, err := store.ListFiles(ctx, "/100%")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "/100%_done.txt", got[0].Path)
}

func TestReplicas(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file, chunks := sampleFile("f1", "/a.txt")
	require.NoError(t, store.CreateFile(ctx, file, chunks))

	require.NoError(t, store.AddReplica(ctx, "f1-c0", "n1"))
	require.NoError(t, store.AddReplica(ctx, "f1-c0", "n2"))
	// Adding the same replica twice is a no-op.
	require.NoError(t, store.AddReplica(ctx, "f1-c0", "n1"))

	entry, err := store.GetChunk(ctx, "f1-c0")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2"}, entry.Replicas)

	require.NoError(t, store.RemoveReplica(ctx, "f1-c0", "n1"))
	entry, err = store.GetChunk(ctx, "f1-c0")
	require.NoError(t, err)
	require.Equal(t, []string{"n2"}, entry.Replicas)
}

func TestNodes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	node := &NodeRecord{
		ID:              "n1",
		Address:         "http://node1:9401",
		CapacityBytes:   1000,
		UsedBytes:       100,
		LastHeartbeatAt: now,
		State:           NodeActive,
	}
	require.NoError(t, store.UpsertNode(ctx, node))

	got, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, int64(900), got.Available())

	byAddr, err := store.GetNodeByAddress(ctx, "http://node1:9401")
	require.NoError(t, err)
	require.Equal(t, "n1", byAddr.ID)

	require.NoError(t, store.SetNodeState(ctx, "n1", NodeSuspect))
	got, err = store.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, NodeSuspect, got.State)

	// A heartbeat refreshes usage and flips the node back to active.
	later := now.Add(30 * time.Second)
	require.NoError(t, store.UpdateNodeHeartbeat(ctx, "n1", 200, later))
	got, err = store.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, NodeActive, got.State)
	require.Equal(t, int64(200), got.UsedBytes)
	require.True(t, later.Equal(got.LastHeartbeatAt))
}

func TestHeartbeatUnknownNode(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateNodeHeartbeat(context.Background(), "ghost", 0, time.Now())
	require.True(t, errors.Is(err, dfserr.ErrUnknownNode))
}

func TestGetNodeByAddressUnknown(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetNodeByAddress(context.Background(), "http://nowhere:1")
	require.True(t, errors.Is(err, dfserr.ErrUnknownNode))
}
