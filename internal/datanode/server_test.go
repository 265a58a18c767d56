package datanode

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/chunk"
	"github.com/driftfs/driftfs/internal/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir(), 1<<20)
	require.NoError(t, err)
	srv := NewServer(func() string { return "node-1" }, store, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func putChunk(t *testing.T, ts *httptest.Server, id string, data []byte, sum string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/chunks/"+id, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set(wire.ChecksumHeader, sum)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestChunkRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	data := []byte("over the wire")
	sum := chunk.Checksum(data)

	resp := putChunk(t, ts, "c1", data, sum)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/v1/chunks/c1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, sum, resp.Header.Get(wire.ChecksumHeader))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, data, body)
}

func TestChunkUploadBadChecksum(t *testing.T) {
	ts, store := newTestServer(t)
	data := []byte("over the wire")

	resp := putChunk(t, ts, "c1", data, chunk.Checksum([]byte("other")))
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.False(t, store.Has("c1"))
}

func TestChunkGetMissing(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/chunks/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChunkDelete(t *testing.T) {
	ts, _ := newTestServer(t)
	data := []byte("bytes")
	resp := putChunk(t, ts, "c1", data, chunk.Checksum(data))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/chunks/c1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body["deleted"])
}

func TestStatus(t *testing.T) {
	ts, store := newTestServer(t)
	data := []byte("bytes")
	require.NoError(t, store.Put("c1", data, chunk.Checksum(data)))

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status wire.NodeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "node-1", status.NodeID)
	require.Equal(t, int64(len(data)), status.UsedBytes)
	require.Equal(t, []string{"c1"}, status.ChunkIDs)
}
