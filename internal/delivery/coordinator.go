// ABOUTME: Hybrid delivery: stream first, broker fallback, outcome recorded.
// ABOUTME: Per-attempt state machine Start -> TryStream -> {Delivered | TryPubSub} -> {Delivered | Failed}.

package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/router"
	"github.com/meshmind/meshmind/internal/stream"
	"github.com/meshmind/meshmind/internal/transport"
)

// StreamSender is the stream transport surface the coordinator needs.
type StreamSender interface {
	Send(ctx context.Context, pkt stream.Packet) error
	NextID() uint32
}

// Publisher is the pubsub transport surface the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Health is the read/record surface of the health tracker.
type Health interface {
	IsHealthy(id string) bool
	RecordFailure(id string)
}

// Outcome is the terminal result of one delivery attempt.
type Outcome struct {
	Delivered bool
	Transport string // transport.Stream or transport.PubSub when delivered
}

// Config holds the coordinator's fixed parameters.
type Config struct {
	// NodeNum is this agent's numeric radio address, used as the packet
	// source.
	NodeNum uint32

	// NodeID is the textual form used as the envelope sender on fallback
	// publishes.
	NodeID string

	// DedicatedChannelIndex is the radio channel index carrying the
	// dedicated inference channel.
	DedicatedChannelIndex uint32

	// ChunkSize caps the per-frame text size. Zero uses the default.
	ChunkSize int
}

// Coordinator picks the transport for each outbound reply. The ordering
// (stream, then pubsub) is fixed, not adaptive: the direct path degrades
// gracefully while the broker path has higher and more variable latency.
type Coordinator struct {
	cfg    Config
	stream StreamSender
	pubsub Publisher
	health Health
	logger *slog.Logger
}

// New creates a delivery coordinator.
func New(cfg Config, s StreamSender, p Publisher, h Health, logger *slog.Logger) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = mesh.DefaultChunkSize
	}
	return &Coordinator{
		cfg:    cfg,
		stream: s,
		pubsub: p,
		health: h,
		logger: logger.With("component", "delivery"),
	}
}

// Deliver attempts to send one reply: stream transport if healthy, broker
// fallback otherwise. Both failing yields a Failed outcome; the caller
// logs and drops the reply.
func (c *Coordinator) Deliver(ctx context.Context, reply mesh.Message, decision router.Decision) Outcome {
	if c.health.IsHealthy(transport.Stream) {
		if err := c.sendStream(ctx, reply, decision); err == nil {
			c.logger.Info("reply delivered",
				"transport", transport.Stream,
				"id", reply.ID,
				"recipient", reply.Recipient,
			)
			return Outcome{Delivered: true, Transport: transport.Stream}
		} else {
			c.logger.Warn("stream delivery failed, falling back",
				"id", reply.ID,
				"error", err,
				"retryable", transport.IsRetryable(err),
			)
		}
	} else {
		// Unhealthy at check time counts as a failed attempt against the
		// stream path.
		c.health.RecordFailure(transport.Stream)
		c.logger.Debug("stream unhealthy at check, falling back", "id", reply.ID)
	}

	if err := c.publishFallback(ctx, reply, decision); err != nil {
		c.logger.Error("delivery failed on both transports",
			"id", reply.ID,
			"recipient", reply.Recipient,
			"error", err,
		)
		return Outcome{}
	}

	c.logger.Info("reply delivered",
		"transport", transport.PubSub,
		"id", reply.ID,
		"topic", decision.ReplyChannel,
	)
	return Outcome{Delivered: true, Transport: transport.PubSub}
}

// sendStream frames the reply onto the gateway connection, segmenting
// oversized text. Every chunk must go out for the attempt to count as
// delivered.
func (c *Coordinator) sendStream(ctx context.Context, reply mesh.Message, decision router.Decision) error {
	to, err := mesh.NodeNum(reply.Recipient)
	if err != nil {
		return fmt.Errorf("resolving recipient: %w", err)
	}

	var channel uint32
	if decision.Dedicated {
		channel = c.cfg.DedicatedChannelIndex
	}

	for _, chunk := range mesh.Chunk(reply.Text, c.cfg.ChunkSize) {
		pkt := stream.Packet{
			From:    c.cfg.NodeNum,
			To:      to,
			Channel: channel,
			ID:      c.stream.NextID(),
			WantAck: to != mesh.BroadcastNum,
			Text:    chunk,
		}
		if err := c.stream.Send(ctx, pkt); err != nil {
			return err
		}
	}
	return nil
}

// publishFallback encodes the reply envelope and publishes it to the
// reply channel: the dedicated response channel for dedicated-channel
// requests, the sender's channel otherwise.
func (c *Coordinator) publishFallback(ctx context.Context, reply mesh.Message, decision router.Decision) error {
	if decision.ReplyChannel == "" {
		return fmt.Errorf("no reply channel: %w", transport.ErrUnavailable)
	}

	payload, err := mesh.EncodeEnvelope(reply)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	return c.pubsub.Publish(ctx, decision.ReplyChannel, payload)
}
