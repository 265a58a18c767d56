// Package client implements the DriftFS client: it chunks files, uploads
// replicas to DataNodes, commits metadata, and reassembles files on read.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr"
	"github.com/rs/zerolog"

	"github.com/driftfs/driftfs/internal/chunk"
	"github.com/driftfs/driftfs/internal/dfserr"
	"github.com/driftfs/driftfs/internal/wire"
)

const (
	maxRetries        = 3
	initialBackoff    = time.Second
	backoffMultiplier = 2
)

type Client struct {
	nameNodeAddr string
	chunkSize    int64
	http         *http.Client
	logger       zerolog.Logger
}

type Option func(*Client)

func WithChunkSize(size int64) Option {
	return func(c *Client) { c.chunkSize = size }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(nameNodeAddr string, opts ...Option) *Client {
	c := &Client{
		nameNodeAddr: nameNodeAddr,
		chunkSize:    64 * 1024 * 1024,
		http:         &http.Client{Timeout: 5 * time.Minute},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put splits the content into chunks, registers the file, uploads every
// chunk to each of its assigned DataNodes, and commits the replicas that
// landed. Any chunk that lands on zero nodes aborts the whole upload and
// rolls the metadata back.
func (c *Client) Put(ctx context.Context, path string, r io.ReaderAt, size int64) error {
	chunks, err := chunk.Plan(size, c.chunkSize)
	if err != nil {
		return err
	}

	plans := make([]wire.ChunkPlan, 0, len(chunks))
	for _, part := range chunks {
		data, err := readSection(r, part.Offset, part.Size)
		if err != nil {
			return goerr.Wrap(err, "reading chunk for checksum").With("index", part.Index)
		}
		plans = append(plans, wire.ChunkPlan{
			Index:    part.Index,
			Size:     part.Size,
			Checksum: chunk.Checksum(data),
		})
	}

	var created wire.CreateFileResponse
	err = c.postJSON(ctx, "/v1/files", wire.CreateFileRequest{Path: path, Size: size, Chunks: plans}, &created)
	if err != nil {
		return err
	}

	for i, placement := range created.Placements {
		data, err := readSection(r, placement.Offset, placement.Size)
		if err != nil {
			c.abort(ctx, created.FileID)
			return goerr.Wrap(err, "reading chunk for upload").With("index", placement.Index)
		}

		confirmed := c.uploadReplicas(ctx, placement, plans[i].Checksum, data)
		if len(confirmed) == 0 {
			c.abort(ctx, created.FileID)
			return goerr.Wrap(dfserr.ErrDataUnavailable, "chunk landed on no datanode").
				With("path", path).With("index", placement.Index)
		}

		err = c.postJSON(ctx, "/v1/chunks/commit", wire.CommitChunkRequest{
			ChunkID: placement.ChunkID,
			NodeIDs: confirmed,
		}, nil)
		if err != nil {
			c.abort(ctx, created.FileID)
			return goerr.Wrap(err, "committing chunk").With("index", placement.Index)
		}
		if len(confirmed) < len(placement.Nodes) {
			c.logger.Warn().
				Str("path", path).
				Int("index", placement.Index).
				Int("confirmed", len(confirmed)).
				Int("assigned", len(placement.Nodes)).
				Msg("chunk stored with fewer replicas than assigned")
		}
	}

	c.logger.Info().Str("path", path).Int64("size", size).Int("chunks", len(chunks)).Msg("file stored")
	return nil
}

// uploadReplicas fans a chunk out to every assigned node concurrently and
// returns the IDs of the nodes that acknowledged the write.
func (c *Client) uploadReplicas(ctx context.Context, placement wire.ChunkPlacement, checksum string, data []byte) []string {
	var (
		mu        sync.Mutex
		confirmed []string
		wg        sync.WaitGroup
	)
	for _, node := range placement.Nodes {
		wg.Add(1)
		go func(node wire.NodeAddress) {
			defer wg.Done()
			if err := c.putChunk(ctx, node.Address, placement.ChunkID, checksum, data); err != nil {
				c.logger.Warn().Err(err).
					Str("chunk", placement.ChunkID).
					Str("node", node.NodeID).
					Msg("replica upload failed")
				return
			}
			mu.Lock()
			confirmed = append(confirmed, node.NodeID)
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	sort.Strings(confirmed)
	return confirmed
}

func (c *Client) putChunk(ctx context.Context, nodeAddr, chunkID, checksum string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, nodeAddr+"/v1/chunks/"+chunkID, bytes.NewReader(data))
	if err != nil {
		return goerr.Wrap(err, "building chunk upload request")
	}
	req.Header.Set(wire.ChecksumHeader, checksum)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return wire.WrapTransport(err, "uploading chunk")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return wire.DecodeError(resp)
	}
	return nil
}

// Get downloads path and writes its reassembled bytes to w. Each chunk is
// fetched from its first reachable, uncorrupted replica; transient failures
// retry with backoff before giving up.
func (c *Client) Get(ctx context.Context, path string, w io.Writer) error {
	var file wire.GetFileResponse
	if err := c.getJSON(ctx, "/v1/files?path="+url.QueryEscape(path), &file); err != nil {
		return err
	}

	chunks := file.Chunks
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	var written int64
	for _, location := range chunks {
		if !location.Available {
			return goerr.Wrap(dfserr.ErrDataUnavailable, "no live replica for chunk").
				With("path", path).With("index", location.Index)
		}
		data, err := c.fetchChunk(ctx, location)
		if err != nil {
			return goerr.Wrap(err, "fetching chunk").With("path", path).With("index", location.Index)
		}
		n, err := w.Write(data)
		if err != nil {
			return goerr.Wrap(err, "writing output")
		}
		written += int64(n)
	}

	if written != file.File.Size {
		return goerr.Wrap(dfserr.ErrCorrupt, "reassembled size mismatch").
			With("path", path).With("expected", file.File.Size).With("got", written)
	}
	return nil
}

// fetchChunk tries each replica in turn, verifying bytes against the
// recorded checksum, and repeats the round with backoff when a replica
// failed for a transient reason. A replica that served bytes failing
// verification is corrupt, not transient: it is never asked again.
func (c *Client) fetchChunk(ctx context.Context, location wire.ChunkLocation) ([]byte, error) {
	backoff := initialBackoff
	corrupt := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		var candidates []wire.NodeAddress
		for _, replica := range location.Replicas {
			if !corrupt[replica.NodeID] {
				candidates = append(candidates, replica)
			}
		}
		if len(candidates) == 0 {
			break
		}

		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, goerr.Wrap(ctx.Err(), "chunk fetch cancelled")
			case <-time.After(backoff):
			}
			backoff *= backoffMultiplier
		}

		for _, replica := range candidates {
			data, err := c.getChunk(ctx, replica.Address, location.ChunkID)
			if err != nil {
				lastErr = err
				if errors.Is(err, dfserr.ErrCorrupt) {
					corrupt[replica.NodeID] = true
				}
				c.logger.Warn().Err(err).
					Str("chunk", location.ChunkID).
					Str("node", replica.NodeID).
					Msg("replica read failed, trying next")
				continue
			}
			if chunk.Checksum(data) != location.Checksum {
				lastErr = goerr.Wrap(dfserr.ErrCorrupt, "replica returned corrupt bytes").
					With("node", replica.NodeID)
				corrupt[replica.NodeID] = true
				continue
			}
			if int64(len(data)) != location.Size {
				lastErr = goerr.Wrap(dfserr.ErrCorrupt, "replica returned wrong length").
					With("node", replica.NodeID)
				corrupt[replica.NodeID] = true
				continue
			}
			return data, nil
		}
	}

	if lastErr == nil {
		lastErr = dfserr.ErrDataUnavailable
	}
	return nil, goerr.Wrap(lastErr, "all replicas exhausted").With("chunk", location.ChunkID)
}

func (c *Client) getChunk(ctx context.Context, nodeAddr, chunkID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeAddr+"/v1/chunks/"+chunkID, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "building chunk read request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wire.WrapTransport(err, "reading chunk")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, wire.DecodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Info returns the file's metadata and chunk layout without downloading data.
func (c *Client) Info(ctx context.Context, path string) (*wire.GetFileResponse, error) {
	var file wire.GetFileResponse
	if err := c.getJSON(ctx, "/v1/files?path="+url.QueryEscape(path), &file); err != nil {
		return nil, err
	}
	return &file, nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]wire.FileInfo, error) {
	var resp wire.ListFilesResponse
	if err := c.getJSON(ctx, "/v1/files/list?prefix="+url.QueryEscape(prefix), &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.nameNodeAddr+"/v1/files?path="+url.QueryEscape(path), nil)
	if err != nil {
		return goerr.Wrap(err, "building delete request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return wire.WrapTransport(err, "deleting file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wire.DecodeError(resp)
	}
	return nil
}

func (c *Client) Stats(ctx context.Context) (*wire.ClusterStats, error) {
	var stats wire.ClusterStats
	if err := c.getJSON(ctx, "/v1/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) abort(ctx context.Context, fileID string) {
	if err := c.postJSON(ctx, "/v1/files/abort", wire.AbortFileRequest{FileID: fileID}, nil); err != nil {
		c.logger.Error().Err(err).Str("file_id", fileID).Msg("abort failed, metadata may hold a partial file")
	}
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return goerr.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.nameNodeAddr+endpoint, bytes.NewReader(payload))
	if err != nil {
		return goerr.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wire.WrapTransport(err, "calling namenode").With("endpoint", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return wire.DecodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return goerr.Wrap(err, "decoding response").With("endpoint", endpoint)
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nameNodeAddr+endpoint, nil)
	if err != nil {
		return goerr.Wrap(err, "building request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return wire.WrapTransport(err, "calling namenode").With("endpoint", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return wire.DecodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return goerr.Wrap(err, "decoding response").With("endpoint", endpoint)
	}
	return nil
}

func readSection(r io.ReaderAt, offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(r, offset, size), buf); err != nil {
		return nil, fmt.Errorf("short read at offset %d: %w", offset, err)
	}
	return buf, nil
}
