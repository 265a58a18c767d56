package metastore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr"
	_ "modernc.org/sqlite"

	"github.com/driftfs/driftfs/internal/dfserr"
)

// SQLiteStore is the default Store: a single local database file, WAL mode,
// foreign keys on so deleting a file cascades to its chunks and replicas.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open metadata database")
	}

	// A single writer keeps SQLite's locking honest under concurrent callers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, goerr.Wrap(err, "failed to configure database").With("pragma", pragma)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initTables() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		path TEXT UNIQUE NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		size INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file_id ON chunks(file_id);

	CREATE TABLE IF NOT EXISTS data_nodes (
		id TEXT PRIMARY KEY,
		address TEXT UNIQUE NOT NULL,
		capacity INTEGER NOT NULL,
		used INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		state TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunk_replicas (
		chunk_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		PRIMARY KEY (chunk_id, node_id),
		FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_replicas_node ON chunk_replicas(node_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return goerr.Wrap(err, "failed to initialize metadata tables")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// File operations.

func (s *SQLiteStore) CreateFile(ctx context.Context, file *FileEntry, chunks []*ChunkEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (id, path, size, created_at) VALUES (?, ?, ?, ?)`,
		file.ID, file.Path, file.Size, file.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return goerr.Wrap(dfserr.ErrAlreadyExists, "path already registered").With("path", file.Path)
		}
		return goerr.Wrap(err, "failed to insert file").With("path", file.Path)
	}

	for _, c := range chunks {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, file_id, idx, size, checksum) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.FileID, c.Index, c.Size, c.Checksum)
		if err != nil {
			return goerr.Wrap(err, "failed to insert chunk").With("chunk", c.ID)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, path string) (*FileEntry, error) {
	return s.getFile(ctx, `SELECT id, path, size, created_at FROM files WHERE path = ?`, path)
}

func (s *SQLiteStore) GetFileByID(ctx context.Context, id string) (*FileEntry, error) {
	return s.getFile(ctx, `SELECT id, path, size, created_at FROM files WHERE id = ?`, id)
}

func (s *SQLiteStore) getFile(ctx context.Context, query, arg string) (*FileEntry, error) {
	var f FileEntry
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&f.ID, &f.Path, &f.Size, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(dfserr.ErrNotFound, "file not found").With("key", arg)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query file")
	}
	f.CreatedAt = time.Unix(createdAt, 0)

	f.ChunkIDs, err = s.fileChunkIDs(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteStore) fileChunkIDs(ctx context.Context, fileID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE file_id = ? ORDER BY idx`, fileID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query file chunk ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan chunk id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListFiles(ctx context.Context, pathPrefix string) ([]*FileEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, size, created_at FROM files
		WHERE path LIKE ? ESCAPE '\'
		ORDER BY path`, escapeLike(pathPrefix)+"%")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list files")
	}
	defer rows.Close()

	var files []*FileEntry
	for rows.Next() {
		var f FileEntry
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.Path, &f.Size, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan file")
		}
		f.CreatedAt = time.Unix(createdAt, 0)
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate files")
	}

	for _, f := range files {
		ids, err := s.fileChunkIDs(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		f.ChunkIDs = ids
	}
	return files, nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, path string) error {
	return s.deleteFile(ctx, `DELETE FROM files WHERE path = ?`, path)
}

func (s *SQLiteStore) DeleteFileByID(ctx context.Context, id string) error {
	return s.deleteFile(ctx, `DELETE FROM files WHERE id = ?`, id)
}

func (s *SQLiteStore) deleteFile(ctx context.Context, query, arg string) error {
	res, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return goerr.Wrap(err, "failed to delete file")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return goerr.Wrap(dfserr.ErrNotFound, "file not found").With("key", arg)
	}
	return nil
}

// Chunk operations.

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*ChunkEntry, error) {
	var c ChunkEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, idx, size, checksum FROM chunks WHERE id = ?`, id).
		Scan(&c.ID, &c.FileID, &c.Index, &c.Size, &c.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(dfserr.ErrNotFound, "chunk not found").With("chunk", id)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chunk")
	}
	if c.Replicas, err = s.chunkReplicas(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetFileChunks(ctx context.Context, fileID string) ([]*ChunkEntry, error) {
	return s.queryChunks(ctx,
		`SELECT id, file_id, idx, size, checksum FROM chunks WHERE file_id = ? ORDER BY idx`, fileID)
}

func (s *SQLiteStore) ListChunks(ctx context.Context) ([]*ChunkEntry, error) {
	return s.queryChunks(ctx,
		`SELECT id, file_id, idx, size, checksum FROM chunks ORDER BY file_id, idx`)
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]*ChunkEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chunks")
	}
	defer rows.Close()

	var chunks []*ChunkEntry
	for rows.Next() {
		var c ChunkEntry
		if err := rows.Scan(&c.ID, &c.FileID, &c.Index, &c.Size, &c.Checksum); err != nil {
			return nil, goerr.Wrap(err, "failed to scan chunk")
		}
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.Replicas, err = s.chunkReplicas(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

func (s *SQLiteStore) chunkReplicas(ctx context.Context, chunkID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id FROM chunk_replicas WHERE chunk_id = ? ORDER BY node_id`, chunkID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query replicas")
	}
	defer rows.Close()

	var nodes []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan replica")
		}
		nodes = append(nodes, id)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) AddReplica(ctx context.Context, chunkID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chunk_replicas (chunk_id, node_id) VALUES (?, ?)`, chunkID, nodeID)
	if err != nil {
		return goerr.Wrap(err, "failed to add replica").With("chunk", chunkID).With("node", nodeID)
	}
	return nil
}

func (s *SQLiteStore) RemoveReplica(ctx context.Context, chunkID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk_replicas WHERE chunk_id = ? AND node_id = ?`, chunkID, nodeID)
	if err != nil {
		return goerr.Wrap(err, "failed to remove replica").With("chunk", chunkID).With("node", nodeID)
	}
	return nil
}

// Node operations.

func (s *SQLiteStore) UpsertNode(ctx context.Context, node *NodeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_nodes (id, address, capacity, used, last_heartbeat, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			capacity = excluded.capacity,
			used = excluded.used,
			last_heartbeat = excluded.last_heartbeat,
			state = excluded.state`,
		node.ID, node.Address, node.CapacityBytes, node.UsedBytes,
		node.LastHeartbeatAt.Unix(), string(node.State))
	if err != nil {
		return goerr.Wrap(err, "failed to upsert node").With("node", node.ID)
	}
	return nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	return s.getNode(ctx, `SELECT id, address, capacity, used, last_heartbeat, state
		FROM data_nodes WHERE id = ?`, id)
}

func (s *SQLiteStore) GetNodeByAddress(ctx context.Context, address string) (*NodeRecord, error) {
	return s.getNode(ctx, `SELECT id, address, capacity, used, last_heartbeat, state
		FROM data_nodes WHERE address = ?`, address)
}

func (s *SQLiteStore) getNode(ctx context.Context, query, arg string) (*NodeRecord, error) {
	var n NodeRecord
	var heartbeat int64
	var state string
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&n.ID, &n.Address, &n.CapacityBytes, &n.UsedBytes, &heartbeat, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(dfserr.ErrUnknownNode, "node not found").With("key", arg)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query node")
	}
	n.LastHeartbeatAt = time.Unix(heartbeat, 0)
	n.State = NodeState(state)
	return &n, nil
}

func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, capacity, used, last_heartbeat, state FROM data_nodes ORDER BY id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list nodes")
	}
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		var n NodeRecord
		var heartbeat int64
		var state string
		if err := rows.Scan(&n.ID, &n.Address, &n.CapacityBytes, &n.UsedBytes, &heartbeat, &state); err != nil {
			return nil, goerr.Wrap(err, "failed to scan node")
		}
		n.LastHeartbeatAt = time.Unix(heartbeat, 0)
		n.State = NodeState(state)
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) UpdateNodeHeartbeat(ctx context.Context, id string, usedBytes int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE data_nodes SET used = ?, last_heartbeat = ?, state = ? WHERE id = ?`,
		usedBytes, at.Unix(), string(NodeActive), id)
	if err != nil {
		return goerr.Wrap(err, "failed to update heartbeat").With("node", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return goerr.Wrap(dfserr.ErrUnknownNode, "heartbeat from unregistered node").With("node", id)
	}
	return nil
}

func (s *SQLiteStore) SetNodeState(ctx context.Context, id string, state NodeState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_nodes SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return goerr.Wrap(err, "failed to set node state").With("node", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return goerr.Wrap(dfserr.ErrUnknownNode, "node not found").With("node", id)
	}
	return nil
}

// escapeLike escapes LIKE metacharacters so a prefix containing % or _ only
// matches literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
