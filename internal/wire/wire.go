// Package wire defines the HTTP contract between the client, the NameNode
// and the DataNodes: JSON payload types, the checksum header every chunk
// transfer carries, and the error envelope.
package wire

import "time"

// ChecksumHeader carries the hex SHA-256 digest on every chunk transfer,
// both client-to-DataNode and DataNode-to-DataNode.
const ChecksumHeader = "X-Chunk-Checksum"

// ErrorResponse is the envelope every non-2xx response carries. Code is one
// of the dfserr wire codes.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NameNode: node management.

type RegisterNodeRequest struct {
	Address       string `json:"address"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

type RegisterNodeResponse struct {
	NodeID string `json:"node_id"`
}

type HeartbeatRequest struct {
	NodeID    string   `json:"node_id"`
	UsedBytes int64    `json:"used_bytes"`
	ChunkIDs  []string `json:"chunk_ids"`
}

// Command types piggybacked on heartbeat responses.
const (
	CommandReplicate = "replicate"
	CommandDelete    = "delete"
)

// Command instructs a DataNode to act on a local chunk: push it to another
// node (replicate) or reclaim it (delete).
type Command struct {
	Type          string `json:"type"`
	ChunkID       string `json:"chunk_id"`
	TargetAddress string `json:"target_address,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
}

type HeartbeatResponse struct {
	Commands []Command `json:"commands,omitempty"`
}

// NameNode: file operations.

// ChunkPlan is one client-planned chunk: its position, size and content
// digest. The NameNode assigns the ID and the placement.
type ChunkPlan struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type CreateFileRequest struct {
	Path   string      `json:"path"`
	Size   int64       `json:"size"`
	Chunks []ChunkPlan `json:"chunks"`
}

type NodeAddress struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

type ChunkPlacement struct {
	ChunkID string        `json:"chunk_id"`
	Index   int           `json:"index"`
	Offset  int64         `json:"offset"`
	Size    int64         `json:"size"`
	Nodes   []NodeAddress `json:"nodes"`
}

type CreateFileResponse struct {
	FileID     string           `json:"file_id"`
	Placements []ChunkPlacement `json:"placements"`
}

type CommitChunkRequest struct {
	ChunkID string   `json:"chunk_id"`
	NodeIDs []string `json:"node_ids"`
}

type AbortFileRequest struct {
	FileID string `json:"file_id"`
}

type FileInfo struct {
	FileID     string    `json:"file_id"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkLocation lists the live replicas for one chunk, ordered by the
// NameNode's preference. Available is false when no live replica exists.
type ChunkLocation struct {
	ChunkID   string        `json:"chunk_id"`
	Index     int           `json:"index"`
	Offset    int64         `json:"offset"`
	Size      int64         `json:"size"`
	Checksum  string        `json:"checksum"`
	Replicas  []NodeAddress `json:"replicas"`
	Available bool          `json:"available"`
}

type GetFileResponse struct {
	File   FileInfo        `json:"file"`
	Chunks []ChunkLocation `json:"chunks"`
}

type ListFilesResponse struct {
	Files []FileInfo `json:"files"`
}

// DataNode: status report.

type NodeStatus struct {
	NodeID        string   `json:"node_id"`
	CapacityBytes int64    `json:"capacity_bytes"`
	UsedBytes     int64    `json:"used_bytes"`
	ChunkIDs      []string `json:"chunk_ids"`
}

// ClusterStats is the NameNode's aggregate view, served for operators.
type ClusterStats struct {
	TotalCapacityBytes int64 `json:"total_capacity_bytes"`
	UsedBytes          int64 `json:"used_bytes"`
	Files              int   `json:"files"`
	Chunks             int   `json:"chunks"`
	ActiveNodes        int   `json:"active_nodes"`
	SuspectNodes       int   `json:"suspect_nodes"`
	DeadNodes          int   `json:"dead_nodes"`
	UnderReplicated    int   `json:"under_replicated"`
}
