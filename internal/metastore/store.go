// Package metastore owns the NameNode's durable state: the file namespace,
// chunk placement and the DataNode registry. All mutation goes through a
// Store implementation; the NameNode service serializes access on top.
package metastore

import (
	"context"
	"time"
)

// NodeState is the liveness state of a DataNode as believed by the NameNode.
type NodeState string

const (
	NodeActive  NodeState = "active"
	NodeSuspect NodeState = "suspect"
	NodeDead    NodeState = "dead"
)

// FileEntry is one file in the flat namespace. ChunkIDs are ordered by
// chunk index; the sum of the chunk sizes equals Size.
type FileEntry struct {
	ID        string
	Path      string
	Size      int64
	ChunkIDs  []string
	CreatedAt time.Time
}

// ChunkEntry is one chunk of a file. Replicas is the set of DataNode IDs
// currently believed to hold a confirmed copy.
type ChunkEntry struct {
	ID       string
	FileID   string
	Index    int
	Size     int64
	Checksum string
	Replicas []string
}

// NodeRecord is the NameNode's view of one DataNode. UsedBytes is whatever
// the node last self-reported.
type NodeRecord struct {
	ID              string
	Address         string
	CapacityBytes   int64
	UsedBytes       int64
	LastHeartbeatAt time.Time
	State           NodeState
}

// Available returns the free space the placement algorithm ranks by.
func (n *NodeRecord) Available() int64 {
	return n.CapacityBytes - n.UsedBytes
}

// Store persists FileEntry/ChunkEntry/NodeRecord state across NameNode
// restarts. Implementations return dfserr sentinels for missing entities.
type Store interface {
	// CreateFile atomically records the file and all its planned chunks.
	CreateFile(ctx context.Context, file *FileEntry, chunks []*ChunkEntry) error
	GetFileByPath(ctx context.Context, path string) (*FileEntry, error)
	GetFileByID(ctx context.Context, id string) (*FileEntry, error)
	ListFiles(ctx context.Context, pathPrefix string) ([]*FileEntry, error)
	// DeleteFile removes the entry and its chunks. ErrNotFound when absent.
	DeleteFile(ctx context.Context, path string) error
	DeleteFileByID(ctx context.Context, id string) error

	GetChunk(ctx context.Context, id string) (*ChunkEntry, error)
	GetFileChunks(ctx context.Context, fileID string) ([]*ChunkEntry, error)
	// ListChunks returns every chunk; the repair loop scans this.
	ListChunks(ctx context.Context) ([]*ChunkEntry, error)
	AddReplica(ctx context.Context, chunkID, nodeID string) error
	RemoveReplica(ctx context.Context, chunkID, nodeID string) error

	UpsertNode(ctx context.Context, node *NodeRecord) error
	GetNode(ctx context.Context, id string) (*NodeRecord, error)
	GetNodeByAddress(ctx context.Context, address string) (*NodeRecord, error)
	ListNodes(ctx context.Context) ([]*NodeRecord, error)
	UpdateNodeHeartbeat(ctx context.Context, id string, usedBytes int64, at time.Time) error
	SetNodeState(ctx context.Context, id string, state NodeState) error

	Close() error
}
