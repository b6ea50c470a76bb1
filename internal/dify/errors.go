package dify

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable marks transport-level failures: the upstream never produced
// a response. Callers map it to a service-unavailable condition.
var ErrUnavailable = errors.New("dify upstream unavailable")

// UpstreamError is an error body returned by a Dify endpoint. Status and
// message pass through to the caller inside the standard envelope.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
	Body    []byte
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dify upstream %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("dify upstream %d: %s", e.Status, e.Message)
}

// AsUpstreamError extracts an UpstreamError from an error chain.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsNotFound reports whether err is an upstream 404 (task already finished
// or unknown; non-fatal for stop calls).
func IsNotFound(err error) bool {
	ue, ok := AsUpstreamError(err)
	return ok && ue.Status == 404
}

// IsBlockingUnsupported detects the specific rejection Dify returns when a
// blocking call reaches an app that only supports streaming (agent chat
// apps). Callers translate it into a streaming_required condition instead of
// a generic failure.
func IsBlockingUnsupported(err error) bool {
	ue, ok := AsUpstreamError(err)
	if !ok {
		return false
	}
	if ue.Code == "invalid_param" && strings.Contains(ue.Message, "does not support blocking") {
		return true
	}
	return strings.Contains(ue.Message, "Agent Chat App does not support blocking mode")
}
