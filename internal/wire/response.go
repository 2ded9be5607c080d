package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Parse error codes the proxy emits on its own behalf
const (
	CodeInternalError    = 1
	CodeConnectionFailed = 100
	CodeInvalidJSON      = 107
	CodeTimeout          = 124
)

// RemoteError is an error payload returned by the API, either for a whole
// request or for a single entry of a batch response
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewRemoteError creates a new remote error
func NewRemoteError(code int, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// UnmarshalJSON accepts both {"code":..,"error":".."} and a bare string
func (e *RemoteError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Code = 0
		e.Message = s
		return nil
	}

	type remoteErrorAlias RemoteError
	var alias remoteErrorAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*e = RemoteError(alias)
	return nil
}

// NewErrorOutcome creates an outcome carrying the given error payload
func NewErrorOutcome(e *RemoteError) Outcome {
	data, _ := json.Marshal(e)
	return Outcome{Error: data}
}

// DecodeRemoteError turns a per-entry error payload into a RemoteError.
// Payloads of any other shape are kept verbatim as the message.
func DecodeRemoteError(data json.RawMessage) *RemoteError {
	var e RemoteError
	if err := json.Unmarshal(data, &e); err != nil || (e.Code == 0 && e.Message == "") {
		return &RemoteError{Message: string(bytes.TrimSpace(data))}
	}
	return &e
}

// ParseBatchResponse parses the ordered outcome array returned by the batch endpoint
func ParseBatchResponse(data []byte) ([]Outcome, error) {
	var outcomes []Outcome
	if err := json.Unmarshal(data, &outcomes); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	return outcomes, nil
}

// ParseRemoteError tries to decode an error payload from a non-2xx body.
// Returns nil if the body does not look like one.
func ParseRemoteError(data []byte) *RemoteError {
	var e RemoteError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	if e.Message == "" && e.Code == 0 {
		return nil
	}
	return &e
}
