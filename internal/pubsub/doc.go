// Package pubsub maintains the broker session used as the inbound
// message channel and the outbound fallback. Publishing is QoS 1
// (acknowledged to the broker, not to the final subscriber). The broker
// client's callbacks are converted to a channel at this boundary so the
// agent loop consumes an explicit sequence.
package pubsub
