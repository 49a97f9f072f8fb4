// Package router classifies inbound mesh messages, deduplicates
// retransmissions, and decides whether a reply is warranted under the
// configured response policy. A negative decision short-circuits the
// agent loop before the inference call, which is the expensive step.
package router
