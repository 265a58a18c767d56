package datanode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/m-mizutani/goerr"
	"github.com/rs/zerolog"

	"github.com/driftfs/driftfs/internal/dfserr"
	"github.com/driftfs/driftfs/internal/wire"
)

// Heartbeater registers the node with the NameNode and pushes periodic
// status reports. Commands returned on the heartbeat response are executed
// here: replica pushes to sibling nodes and lazy chunk reclamation.
type Heartbeater struct {
	nameNodeAddr  string
	advertiseAddr string
	store         *Store
	interval      time.Duration
	client        *http.Client
	logger        zerolog.Logger

	mu     sync.RWMutex
	nodeID string
}

func NewHeartbeater(nameNodeAddr, advertiseAddr string, store *Store, interval time.Duration, logger zerolog.Logger) *Heartbeater {
	return &Heartbeater{
		nameNodeAddr:  nameNodeAddr,
		advertiseAddr: advertiseAddr,
		store:         store,
		interval:      interval,
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
}

// NodeID returns the identity assigned at registration, empty before the
// first successful Register.
func (h *Heartbeater) NodeID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodeID
}

// Register announces the node to the NameNode. Re-registering the same
// advertise address keeps the previously assigned ID.
func (h *Heartbeater) Register(ctx context.Context) error {
	body, _ := json.Marshal(wire.RegisterNodeRequest{
		Address:       h.advertiseAddr,
		CapacityBytes: h.store.CapacityBytes(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.nameNodeAddr+"/v1/nodes/register", bytes.NewReader(body))
	if err != nil {
		return goerr.Wrap(err, "failed to build register request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to reach namenode")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return wire.DecodeError(resp)
	}

	var out wire.RegisterNodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return goerr.Wrap(err, "failed to decode register response")
	}

	h.mu.Lock()
	h.nodeID = out.NodeID
	h.mu.Unlock()

	h.logger.Info().Str("node_id", out.NodeID).Str("namenode", h.nameNodeAddr).Msg("registered with namenode")
	return nil
}

// Run sends heartbeats on a fixed interval until ctx is cancelled. The
// timer runs independently of the storage request handlers.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Beat sends one status report and executes any returned commands. A
// NameNode that no longer knows this node triggers one re-registration.
func (h *Heartbeater) Beat(ctx context.Context) error {
	commands, err := h.send(ctx)
	if errors.Is(err, dfserr.ErrUnknownNode) {
		h.logger.Info().Msg("namenode lost our registration, re-registering")
		if err := h.Register(ctx); err != nil {
			return err
		}
		commands, err = h.send(ctx)
	}
	if err != nil {
		return err
	}

	for _, cmd := range commands {
		if err := h.execute(ctx, cmd); err != nil {
			h.logger.Warn().Err(err).Str("type", cmd.Type).Str("chunk", cmd.ChunkID).Msg("command failed")
		}
	}
	return nil
}

func (h *Heartbeater) send(ctx context.Context) ([]wire.Command, error) {
	nodeID := h.NodeID()
	if nodeID == "" {
		return nil, goerr.Wrap(dfserr.ErrUnknownNode, "not registered yet")
	}

	body, _ := json.Marshal(wire.HeartbeatRequest{
		NodeID:    nodeID,
		UsedBytes: h.store.UsedBytes(),
		ChunkIDs:  h.store.ChunkIDs(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.nameNodeAddr+"/v1/nodes/heartbeat", bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build heartbeat request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to reach namenode")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, wire.DecodeError(resp)
	}

	var out wire.HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, goerr.Wrap(err, "failed to decode heartbeat response")
	}
	return out.Commands, nil
}

func (h *Heartbeater) execute(ctx context.Context, cmd wire.Command) error {
	switch cmd.Type {
	case wire.CommandReplicate:
		return h.pushChunk(ctx, cmd.ChunkID, cmd.TargetAddress)
	case wire.CommandDelete:
		deleted, err := h.store.Delete(cmd.ChunkID)
		if err == nil && deleted {
			h.logger.Info().Str("chunk", cmd.ChunkID).Msg("reclaimed chunk")
		}
		return err
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// pushChunk copies a local chunk to another DataNode. The payload is
// re-verified by Get before it leaves and by the target before it commits.
func (h *Heartbeater) pushChunk(ctx context.Context, chunkID, targetAddr string) error {
	data, checksum, err := h.store.Get(chunkID)
	if err != nil {
		return goerr.Wrap(err, "replication source read failed").With("chunk", chunkID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		targetAddr+"/v1/chunks/"+chunkID, bytes.NewReader(data))
	if err != nil {
		return goerr.Wrap(err, "failed to build replication request")
	}
	req.Header.Set(wire.ChecksumHeader, checksum)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to reach replication target").With("target", targetAddr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return wire.DecodeError(resp)
	}

	h.logger.Info().Str("chunk", chunkID).Str("target", targetAddr).Msg("pushed replica")
	return nil
}
