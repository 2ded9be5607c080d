package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"batchgofer/internal/batch"
	"batchgofer/internal/batcher"
	"batchgofer/internal/config"
	"batchgofer/internal/deferred"
	"batchgofer/internal/upstream"
	"batchgofer/internal/wire"
)

// HealthPath answers liveness probes
const HealthPath = "/health"

// Submitter queues a mutation for batching
type Submitter interface {
	Add(m wire.Mutation) (*deferred.Result[json.RawMessage], error)
	Pending() int
}

// Handler accepts single mutations over HTTP and answers each with its own
// outcome from the batch it ended up in
type Handler struct {
	submitter     Submitter
	pathPrefix    string
	batchEndpoint string
	maxBodySize   int64
	logger        zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(submitter Submitter, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		submitter:     submitter,
		pathPrefix:    strings.Trim(cfg.Upstream.PathPrefix, "/"),
		batchEndpoint: strings.Trim(cfg.Upstream.BatchEndpoint, "/"),
		maxBodySize:   cfg.MaxBodySize,
		logger:        logger.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP handles HTTP requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == HealthPath && r.Method == http.MethodGet {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"pending": h.submitter.Pending(),
		})
		return
	}

	if !wire.IsMutationMethod(r.Method) {
		w.Header().Set("Allow", "POST, PUT, DELETE")
		h.writeRemoteError(w, http.StatusMethodNotAllowed, wire.NewRemoteError(wire.CodeInternalError, "method not allowed"))
		return
	}

	path, ok := h.relativePath(r.URL.Path)
	if !ok {
		h.writeRemoteError(w, http.StatusNotFound, wire.NewRemoteError(wire.CodeInternalError, "unknown path"))
		return
	}
	if path == "" || path == h.batchEndpoint {
		h.writeRemoteError(w, http.StatusBadRequest, wire.NewRemoteError(wire.CodeInternalError, "path cannot be batched"))
		return
	}

	body, err := h.readBody(r)
	if err != nil {
		h.writeRemoteError(w, http.StatusRequestEntityTooLarge, wire.NewRemoteError(wire.CodeInvalidJSON, err.Error()))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		h.writeRemoteError(w, http.StatusBadRequest, wire.NewRemoteError(wire.CodeInvalidJSON, "invalid JSON"))
		return
	}

	m := wire.Mutation{Method: r.Method, Path: path}
	if len(body) > 0 {
		m.Data = body
	}

	result, err := h.submitter.Add(m)
	if err != nil {
		h.logger.Warn().Err(err).Str("method", m.Method).Str("path", m.Path).Msg("failed to queue mutation")
		h.writeFailure(w, err)
		return
	}

	value, err := result.Wait(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.writeRaw(w, http.StatusOK, value)
}

// relativePath strips "/<prefix>/" from an incoming URL path
func (h *Handler) relativePath(urlPath string) (string, bool) {
	if h.pathPrefix == "" {
		return strings.TrimLeft(urlPath, "/"), true
	}
	mount := "/" + h.pathPrefix + "/"
	if !strings.HasPrefix(urlPath, mount) {
		return "", false
	}
	return strings.TrimPrefix(urlPath, mount), true
}

func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if h.maxBodySize <= 0 {
		return io.ReadAll(r.Body)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

// writeFailure maps a rejected mutation to an HTTP status
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var httpErr *upstream.HTTPError
	var remote *wire.RemoteError

	switch {
	case errors.As(err, &httpErr):
		if httpErr.Remote != nil {
			h.writeRemoteError(w, httpErr.StatusCode, httpErr.Remote)
			return
		}
		h.writeRemoteError(w, http.StatusBadGateway, wire.NewRemoteError(wire.CodeConnectionFailed, httpErr.Error()))
	case errors.As(err, &remote):
		h.writeRemoteError(w, http.StatusBadRequest, remote)
	case errors.Is(err, batch.ErrBatchAborted),
		errors.Is(err, batcher.ErrClosed),
		errors.Is(err, upstream.ErrCircuitOpen):
		h.writeRemoteError(w, http.StatusServiceUnavailable, wire.NewRemoteError(wire.CodeConnectionFailed, err.Error()))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.writeRemoteError(w, http.StatusGatewayTimeout, wire.NewRemoteError(wire.CodeTimeout, err.Error()))
	default:
		h.writeRemoteError(w, http.StatusBadGateway, wire.NewRemoteError(wire.CodeConnectionFailed, err.Error()))
	}
}

// writeRemoteError writes an error in the API's own error format
func (h *Handler) writeRemoteError(w http.ResponseWriter, status int, remote *wire.RemoteError) {
	h.writeJSON(w, status, remote)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeRaw(w, status, data)
}

func (h *Handler) writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
