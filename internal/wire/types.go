package wire

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefaultPathPrefix is the mount point of the REST API on the upstream server
const DefaultPathPrefix = "parse"

// NoPathPrefix asks for paths to be sent without a mount point
const NoPathPrefix = "-"

// DefaultBatchEndpoint is the endpoint that accepts combined requests
const DefaultBatchEndpoint = "batch"

// Mutation methods accepted by the batch endpoint
const (
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// Mutation describes a single write request before it is batched.
// Path is relative to the API mount point (e.g. "classes/GameScore/Ed1nuqPvcm").
type Mutation struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HasPayload returns true if the mutation carries a body
func (m Mutation) HasPayload() bool {
	return !isNull(m.Data)
}

// IsMutationMethod returns true if method can be sent through the batch endpoint
func IsMutationMethod(method string) bool {
	switch method {
	case MethodPost, MethodPut, MethodDelete:
		return true
	default:
		return false
	}
}

// Request is the transport-ready form of a Mutation
type Request struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewRequest converts a mutation into its wire form, prefixing the path once
func NewRequest(prefix string, m Mutation) Request {
	req := Request{
		Method: m.Method,
		Path:   NormalizePath(prefix, m.Path),
	}
	if m.HasPayload() {
		req.Body = m.Data
	}
	return req
}

// BatchRequest is the body posted to the batch endpoint
type BatchRequest struct {
	Requests []Request `json:"requests"`
}

// Outcome is a single element of the batch response, index-aligned with the request.
// Both payloads are kept raw; a malformed element only affects its own entry.
type Outcome struct {
	Success json.RawMessage `json:"success,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// UnmarshalJSON leaves the outcome empty when the element is not an object
func (o *Outcome) UnmarshalJSON(data []byte) error {
	type outcomeAlias Outcome
	var alias outcomeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		*o = Outcome{}
		return nil
	}
	*o = Outcome(alias)
	return nil
}

// IsSuccess returns true if the outcome carries a success payload
func (o Outcome) IsSuccess() bool {
	return !isNull(o.Success)
}

// IsError returns true if the outcome carries an error payload
func (o Outcome) IsError() bool {
	return !isNull(o.Error)
}

// RemoteError decodes the error payload, or returns nil if there is none
func (o Outcome) RemoteError() *RemoteError {
	if !o.IsError() {
		return nil
	}
	return DecodeRemoteError(o.Error)
}

// NormalizePath builds "/<prefix>/<path>". Surrounding slashes on the prefix and
// leading slashes on the path are dropped so the separator appears exactly once.
func NormalizePath(prefix, path string) string {
	prefix = strings.Trim(prefix, "/")
	path = strings.TrimLeft(path, "/")
	if prefix == "" {
		return "/" + path
	}
	return "/" + prefix + "/" + path
}

func isNull(data json.RawMessage) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}
