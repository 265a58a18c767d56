package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/m-mizutani/goerr"

	"github.com/driftfs/driftfs/internal/dfserr"
)

// WriteJSON writes v as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse with the status and wire code
// from the dfserr taxonomy.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, dfserr.HTTPStatus(err), ErrorResponse{
		Code:    dfserr.Code(err),
		Message: err.Error(),
	})
}

// DecodeError turns a non-2xx response into an error. Responses carrying an
// ErrorResponse envelope rehydrate the taxonomy sentinel so callers can use
// errors.Is on the far side of the HTTP hop.
func DecodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Code != "" {
		if sentinel := dfserr.FromCode(envelope.Code); sentinel != nil {
			return goerr.Wrap(sentinel, envelope.Message)
		}
		return fmt.Errorf("%s: %s", envelope.Code, envelope.Message)
	}
	// Timeout middleware and reverse proxies answer 504 with a bare body.
	if resp.StatusCode == http.StatusGatewayTimeout {
		return goerr.Wrap(dfserr.ErrTimeout, "peer timed out")
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
}

// WrapTransport wraps a round-trip failure, classifying deadline and network
// timeouts as dfserr.ErrTimeout so callers can tell transient from fatal.
func WrapTransport(err error, msg string) *goerr.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return goerr.Wrap(dfserr.ErrTimeout, msg).With("cause", err.Error())
	}
	return goerr.Wrap(err, msg)
}
