package wire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/m-mizutani/goerr"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/dfserr"
)

func TestErrorRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		sentinel error
	}{
		{"not found", goerr.Wrap(dfserr.ErrNotFound, "no such file"), http.StatusNotFound, dfserr.ErrNotFound},
		{"already exists", dfserr.ErrAlreadyExists, http.StatusConflict, dfserr.ErrAlreadyExists},
		{"insufficient nodes", goerr.Wrap(dfserr.ErrInsufficientNodes, "need 3"), http.StatusServiceUnavailable, dfserr.ErrInsufficientNodes},
		{"checksum mismatch", dfserr.ErrChecksumMismatch, http.StatusUnprocessableEntity, dfserr.ErrChecksumMismatch},
		{"corrupt", dfserr.ErrCorrupt, http.StatusBadGateway, dfserr.ErrCorrupt},
		{"unknown node", dfserr.ErrUnknownNode, http.StatusNotFound, dfserr.ErrUnknownNode},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)

			resp := rec.Result()
			defer resp.Body.Close()
			decoded := DecodeError(resp)
			require.True(t, errors.Is(decoded, tc.sentinel), "want %v, got %v", tc.sentinel, decoded)
		})
	}
}

func TestDecodeErrorUnknownCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusInternalServerError, ErrorResponse{Code: "SOMETHING_NEW", Message: "boom"})

	resp := rec.Result()
	defer resp.Body.Close()
	err := DecodeError(resp)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestDecodeErrorBareGatewayTimeout(t *testing.T) {
	// Timeout middleware writes a 504 with no JSON envelope.
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusGatewayTimeout)

	resp := rec.Result()
	defer resp.Body.Close()
	err := DecodeError(resp)
	require.True(t, errors.Is(err, dfserr.ErrTimeout))
}

func TestWrapTransport(t *testing.T) {
	deadline := &url.Error{Op: "Get", URL: "http://node:9401", Err: context.DeadlineExceeded}
	err := WrapTransport(deadline, "reading chunk")
	require.True(t, errors.Is(err, dfserr.ErrTimeout))

	refused := &url.Error{Op: "Get", URL: "http://node:9401", Err: errors.New("connection refused")}
	err = WrapTransport(refused, "reading chunk")
	require.False(t, errors.Is(err, dfserr.ErrTimeout))
	require.Contains(t, err.Error(), "reading chunk")
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"n": 42})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"n":42}`, rec.Body.String())
}
