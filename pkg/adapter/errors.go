package adapter

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is returned when no factory is registered for a
// requested platform name.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// ErrIgnoreEvent marks a transport event that verified successfully but
// carries nothing to forward (bot echoes, edits, non-message callbacks).
var ErrIgnoreEvent = errors.New("event ignored")

// VerificationError reports a failed authenticity check on an inbound
// transport event. The ingress logs it and drops the event.
type VerificationError struct {
	Platform string
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s webhook verification failed: %s", e.Platform, e.Reason)
}

// SendError wraps a failed outbound delivery with a retryable
// classification. Authentication failures are non-retryable; transient
// network errors and server-side 5xx responses are retryable.
type SendError struct {
	Platform  string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s send failed (%s): %v", e.Platform, kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a SendError marked retryable.
func IsRetryable(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Retryable
}
