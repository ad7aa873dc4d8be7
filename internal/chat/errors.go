package chat

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSession = errors.New("missing session id")
	ErrEmptyMessage   = errors.New("empty message")
	// ErrAbandoned is returned when the caller stopped consuming fragments
	// before the stream reached its terminal sentinel.
	ErrAbandoned = errors.New("stream abandoned by caller")
)

// IsClientError reports whether err was caused by a malformed request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingSession) || errors.Is(err, ErrEmptyMessage)
}

// UpstreamError wraps a failure of the model call. It has already been
// forwarded in-band to the caller when Chat returns it.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream: %v", e.Err) }

func (e *UpstreamError) Unwrap() error { return e.Err }
