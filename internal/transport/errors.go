// ABOUTME: Shared transport error taxonomy.
// ABOUTME: Unavailable and timeout are equivalent for control flow, distinct for logs.

package transport

import "errors"

// ErrUnavailable means the transport is not currently connected. A send
// issued while disconnected fails immediately with this error rather
// than blocking; the delivery coordinator decides whether to fall back.
var ErrUnavailable = errors.New("transport unavailable")

// ErrTimeout means an operation exceeded its deadline. Treated the same
// as ErrUnavailable for fallback decisions, but logged distinctly.
var ErrTimeout = errors.New("transport timeout")

// IsRetryable reports whether an error should trigger transport fallback
// rather than being surfaced as a hard failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// Transport identifiers used in health records and delivery outcomes.
const (
	Stream = "stream"
	PubSub = "pubsub"
)
