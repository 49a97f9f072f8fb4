// ABOUTME: Message type flowing through the routing and delivery pipeline.
// ABOUTME: Handles broadcast sentinel normalization and per-origin dedup keys.

package mesh

import (
	"fmt"
	"time"
)

// Broadcast is the normalized recipient for messages addressed to every
// node on the mesh. Meshtastic uses "^all" or the numeric sentinel
// 4294967295 on the wire; both normalize to this value at the transport
// boundary.
const Broadcast = "^all"

// broadcastNumeric is the Meshtastic all-nodes address as it appears in
// JSON payloads produced by firmware.
const broadcastNumeric = "4294967295"

// DedicatedRecipient is the `to` value marking a message as a request on
// the dedicated inference channel.
const DedicatedRecipient = "llm"

// Message is one inbound or outbound unit of communication. Instances are
// created at a transport boundary on receipt or by the agent loop when it
// constructs a reply, and are discarded once a delivery attempt resolves.
type Message struct {
	// ID is an opaque identifier unique per origin node within the dedup
	// retention window. IDs are not globally coordinated across nodes.
	ID string

	// Sender is the originating node or user identifier (e.g. "!a1b2c3d4").
	Sender string

	// Recipient is a node identifier, or Broadcast.
	Recipient string

	// Channel is the logical channel the message arrived on or should be
	// sent to (general traffic, dedicated inference channel, or its
	// response channel).
	Channel string

	// Text is the UTF-8 payload, bounded in practice by the radio frame
	// size. Oversized outbound text is segmented by Chunk, never
	// truncated silently.
	Text string

	// Timestamp is producer-assigned and not monotonic across senders.
	Timestamp time.Time
}

// DedupKey returns the deduplication key for this message. IDs are only
// unique per origin, so the (id, sender) pair is the true key.
func (m Message) DedupKey() string {
	return fmt.Sprintf("%s|%s", m.ID, m.Sender)
}

// IsBroadcast reports whether the message is addressed to all nodes.
func (m Message) IsBroadcast() bool {
	return m.Recipient == Broadcast || m.Recipient == ""
}

// NormalizeRecipient maps the wire-level recipient forms onto the
// canonical values used by the router.
func NormalizeRecipient(to string) string {
	switch to {
	case "", Broadcast, broadcastNumeric, "broadcast":
		return Broadcast
	default:
		return to
	}
}
