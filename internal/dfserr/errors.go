// Package dfserr defines the error taxonomy shared by the NameNode, the
// DataNodes and the client. Components wrap these sentinels with goerr for
// context; errors.Is keeps working across the wrap chain, and the wire layer
// maps each sentinel to a stable code so the taxonomy survives an HTTP hop.
package dfserr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrCorrupt              = errors.New("chunk corrupt")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrInsufficientNodes    = errors.New("insufficient nodes")
	ErrUnknownNode          = errors.New("unknown node")
	ErrDataUnavailable      = errors.New("data unavailable")
	ErrInvalidSize          = errors.New("invalid size")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrTimeout              = errors.New("timeout")
)

// Stable wire codes. These are part of the HTTP contract; do not rename.
const (
	CodeNotFound             = "NOT_FOUND"
	CodeAlreadyExists        = "ALREADY_EXISTS"
	CodeChecksumMismatch     = "CHECKSUM_MISMATCH"
	CodeCorrupt              = "CORRUPT"
	CodeInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	CodeInsufficientNodes    = "INSUFFICIENT_NODES"
	CodeUnknownNode          = "UNKNOWN_NODE"
	CodeDataUnavailable      = "DATA_UNAVAILABLE"
	CodeInvalidSize          = "INVALID_SIZE"
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeTimeout              = "TIMEOUT"
	CodeInternal             = "INTERNAL"
)

var codeBySentinel = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrAlreadyExists, CodeAlreadyExists},
	{ErrChecksumMismatch, CodeChecksumMismatch},
	{ErrCorrupt, CodeCorrupt},
	{ErrInsufficientCapacity, CodeInsufficientCapacity},
	{ErrInsufficientNodes, CodeInsufficientNodes},
	{ErrUnknownNode, CodeUnknownNode},
	{ErrDataUnavailable, CodeDataUnavailable},
	{ErrInvalidSize, CodeInvalidSize},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrTimeout, CodeTimeout},
}

// Code returns the wire code for err, or CodeInternal when err is not part
// of the taxonomy.
func Code(err error) string {
	for _, m := range codeBySentinel {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeInternal
}

// FromCode rehydrates the sentinel for a wire code received from a peer.
// Unknown codes map to nil so callers fall back to a generic error.
func FromCode(code string) error {
	for _, m := range codeBySentinel {
		if m.code == code {
			return m.err
		}
	}
	return nil
}

// HTTPStatus maps err to the status the servers respond with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrCorrupt):
		return http.StatusBadGateway
	case errors.Is(err, ErrInsufficientCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrInsufficientNodes):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, ErrDataUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidSize), errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
