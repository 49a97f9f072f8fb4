// ABOUTME: Inbound message classification, dedup, and response-policy gating.
// ABOUTME: Produces the routing decision consumed by the agent loop and delivery.

package router

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/meshmind/meshmind/internal/dedupe"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/pubsub"
)

// Mode is the response policy, fixed at process start.
type Mode string

const (
	// ModePrivate responds only to direct messages and dedicated-channel
	// messages.
	ModePrivate Mode = "private"

	// ModeBroadcast responds to all eligible messages.
	ModeBroadcast Mode = "broadcast"
)

// Drop reasons, used for the structured log line per dropped message.
const (
	DropDuplicate    = "duplicate"
	DropSelf         = "own_message"
	DropNoise        = "noise"
	DropNotAddressed = "not_addressed"
)

// Decision is the ephemeral routing outcome for one inbound message.
// Never persisted.
type Decision struct {
	// ShouldRespond is false when the message is a duplicate, noise, or
	// not eligible under the response policy.
	ShouldRespond bool

	// ReplyChannel is the broker topic a fallback reply publishes to:
	// the dedicated response channel for dedicated-channel requests,
	// the sender's channel otherwise.
	ReplyChannel string

	// ReplyRecipient is the node to address the reply to, or
	// mesh.Broadcast.
	ReplyRecipient string

	// Dedicated marks requests that arrived via the dedicated inference
	// channel.
	Dedicated bool

	// DropReason explains a false ShouldRespond for logging.
	DropReason string
}

// Config holds the router's fixed policy inputs.
type Config struct {
	// Mode is the response policy.
	Mode Mode

	// NodeID is this agent's node id (e.g. "!b0a7d1c8"); used for
	// direct-address checks and self-echo suppression.
	NodeID string

	// DedicatedChannel is the request topic of the dedicated inference
	// channel. Empty disables dedicated-channel handling.
	DedicatedChannel string

	// ResponseChannel is the topic replies to dedicated-channel requests
	// publish to when falling back to the broker.
	ResponseChannel string
}

// Router classifies inbound messages. It owns the dedup window; with a
// single consumption path no external locking is needed, and the window
// itself serializes access if more workers are ever added.
type Router struct {
	cfg    Config
	window *dedupe.Window
	logger *slog.Logger
}

// New creates a Router with the given policy and dedup window.
func New(cfg Config, window *dedupe.Window, logger *slog.Logger) *Router {
	return &Router{cfg: cfg, window: window, logger: logger.With("component", "router")}
}

// Classify parses and validates a broker payload, deduplicates it, and
// applies the response policy. A mesh.ErrMalformed error means the
// payload was dropped before routing. A returned Decision with
// ShouldRespond=false carries the drop reason.
func (r *Router) Classify(payload []byte, topic string) (mesh.Message, Decision, error) {
	msg, err := mesh.ParseEnvelope(payload, topic)
	if err != nil {
		return mesh.Message{}, Decision{}, err
	}
	return msg, r.Decide(msg), nil
}

// Decide applies dedup and the response policy to an already-parsed
// message.
func (r *Router) Decide(msg mesh.Message) Decision {
	// Never respond to our own traffic; replies on subscribed channels
	// would otherwise feed back into the loop.
	if msg.Sender == r.cfg.NodeID {
		return dropped(DropSelf)
	}

	if r.window.Observe(msg.DedupKey()) {
		r.logger.Debug("duplicate message ignored", "id", msg.ID, "sender", msg.Sender)
		return dropped(DropDuplicate)
	}

	if isNoise(msg.Text) {
		return dropped(DropNoise)
	}

	// Dedicated-channel requests are always eligible, regardless of the
	// response policy and regardless of the `to` addressing.
	if r.onDedicatedChannel(msg) {
		d := Decision{
			ShouldRespond: true,
			ReplyChannel:  r.cfg.ResponseChannel,
			Dedicated:     true,
		}
		if r.cfg.Mode == ModePrivate {
			d.ReplyRecipient = msg.Sender
		} else {
			d.ReplyRecipient = mesh.Broadcast
		}
		return d
	}

	// General traffic addressed directly to us.
	if msg.Recipient == r.cfg.NodeID {
		return Decision{
			ShouldRespond:  true,
			ReplyChannel:   msg.Channel,
			ReplyRecipient: msg.Sender,
		}
	}

	// General broadcast traffic: only in broadcast-response mode.
	if msg.IsBroadcast() && r.cfg.Mode == ModeBroadcast {
		return Decision{
			ShouldRespond:  true,
			ReplyChannel:   msg.Channel,
			ReplyRecipient: mesh.Broadcast,
		}
	}

	return dropped(DropNotAddressed)
}

// onDedicatedChannel reports whether the message is a dedicated-channel
// request, either by arrival topic or by the `to` marker.
func (r *Router) onDedicatedChannel(msg mesh.Message) bool {
	if r.cfg.DedicatedChannel == "" {
		return false
	}
	if pubsub.OnChannel(msg.Channel, r.cfg.DedicatedChannel) {
		return true
	}
	return msg.Recipient == mesh.DedicatedRecipient
}

// isNoise filters texts not worth an inference call: empty or one-rune
// payloads and system/status announcements.
func isNoise(text string) bool {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < 2 {
		return true
	}
	return strings.HasPrefix(trimmed, "📢") || strings.HasPrefix(trimmed, "System:")
}

func dropped(reason string) Decision {
	return Decision{DropReason: reason}
}
