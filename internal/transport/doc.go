// Package transport holds the pieces shared by the stream and pubsub
// transports: the error taxonomy used for delivery control flow and the
// jittered exponential backoff policy for reconnects.
package transport
