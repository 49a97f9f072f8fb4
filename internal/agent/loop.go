// ABOUTME: The agent loop: bounded inbound queue, serialized inference,
// ABOUTME: and per-message error containment.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshmind/meshmind/internal/delivery"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/pubsub"
	"github.com/meshmind/meshmind/internal/router"
	"github.com/meshmind/meshmind/internal/stream"
)

// DefaultQueueSize bounds the inbound queue. Inference dominates
// processing time, so a deep queue only adds staleness.
const DefaultQueueSize = 64

// Generator produces a reply to one inbound text.
type Generator interface {
	Generate(ctx context.Context, sender, text string) (string, error)
}

// Deliverer sends one reply over the best available transport.
type Deliverer interface {
	Deliver(ctx context.Context, reply mesh.Message, decision router.Decision) delivery.Outcome
}

// NodeDirectory persists nodeinfo announcements and resolves node ids
// to display names. May be nil.
type NodeDirectory interface {
	RecordAnnouncement(ctx context.Context, payload []byte) error
	DisplayName(ctx context.Context, id string) string
}

// Config holds the loop's fixed parameters.
type Config struct {
	// NodeID is this agent's textual node id, used as the sender on
	// replies.
	NodeID string

	// DedicatedChannel is the name of the dedicated inference channel;
	// used to map stream packets arriving on DedicatedChannelIndex.
	DedicatedChannel string

	// DedicatedChannelIndex is the radio channel index of the dedicated
	// inference channel.
	DedicatedChannelIndex uint32

	// StartupMessage, when non-empty, is broadcast on the dedicated
	// response channel once at startup.
	StartupMessage string

	// ResponseChannel is the topic the startup message publishes to.
	ResponseChannel string

	// QueueSize bounds the inbound queue. Zero uses DefaultQueueSize.
	QueueSize int
}

// item is one queued inbound unit from either transport.
type item struct {
	// payload and topic are set for broker messages.
	payload []byte
	topic   string

	// pkt is set for stream packets.
	pkt *stream.Packet
}

// Loop is the single-consumer message loop.
type Loop struct {
	cfg     Config
	router  *router.Router
	gen     Generator
	deliver Deliverer
	nodes   NodeDirectory
	logger  *slog.Logger

	queue chan item
}

// NewLoop assembles the loop. nodes may be nil to skip the node
// directory.
func NewLoop(cfg Config, rtr *router.Router, gen Generator, d Deliverer, nodes NodeDirectory, logger *slog.Logger) *Loop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Loop{
		cfg:     cfg,
		router:  rtr,
		gen:     gen,
		deliver: d,
		nodes:   nodes,
		logger:  logger.With("component", "agent"),
		queue:   make(chan item, cfg.QueueSize),
	}
}

// Run pumps both transports into the queue and processes it until ctx
// is cancelled. The in-flight message is finished before returning.
func (l *Loop) Run(ctx context.Context, broker <-chan pubsub.Inbound, packets <-chan stream.Packet) {
	if l.cfg.StartupMessage != "" {
		l.announce(ctx)
	}

	go l.pumpBroker(ctx, broker)
	go l.pumpStream(ctx, packets)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("agent loop stopping")
			return
		case it := <-l.queue:
			l.handle(ctx, it)
		}
	}
}

// announce broadcasts the startup message so mesh users know the agent
// came online.
func (l *Loop) announce(ctx context.Context) {
	reply := mesh.Message{
		ID:        uuid.New().String(),
		Sender:    l.cfg.NodeID,
		Recipient: mesh.Broadcast,
		Channel:   l.cfg.ResponseChannel,
		Text:      l.cfg.StartupMessage,
		Timestamp: time.Now(),
	}
	decision := router.Decision{
		ShouldRespond:  true,
		ReplyChannel:   l.cfg.ResponseChannel,
		ReplyRecipient: mesh.Broadcast,
		Dedicated:      true,
	}
	if out := l.deliver.Deliver(ctx, reply, decision); !out.Delivered {
		l.logger.Warn("startup announcement not delivered")
	}
}

func (l *Loop) pumpBroker(ctx context.Context, broker <-chan pubsub.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-broker:
			if !ok {
				return
			}
			l.enqueue(item{payload: in.Payload, topic: in.Topic})
		}
	}
}

func (l *Loop) pumpStream(ctx context.Context, packets <-chan stream.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			p := pkt
			l.enqueue(item{pkt: &p})
		}
	}
}

// enqueue drops when the queue is full. Blocking here would stall the
// transport read loops.
func (l *Loop) enqueue(it item) {
	select {
	case l.queue <- it:
	default:
		l.logger.Warn("inbound queue full, dropping message")
	}
}

func (l *Loop) handle(ctx context.Context, it item) {
	if it.pkt != nil {
		l.handlePacket(ctx, *it.pkt)
		return
	}
	l.handleBroker(ctx, it.payload, it.topic)
}

func (l *Loop) handleBroker(ctx context.Context, payload []byte, topic string) {
	if pubsub.ChannelName(topic) == "nodeinfo" {
		if l.nodes == nil {
			return
		}
		if err := l.nodes.RecordAnnouncement(ctx, payload); err != nil {
			l.logger.Debug("nodeinfo skipped", "topic", topic, "error", err)
		}
		return
	}

	msg, decision, err := l.router.Classify(payload, topic)
	if err != nil {
		if errors.Is(err, mesh.ErrMalformed) {
			l.logger.Debug("malformed message dropped", "topic", topic, "error", err)
		} else {
			l.logger.Warn("message parse failed", "topic", topic, "error", err)
		}
		return
	}
	l.respond(ctx, msg, decision)
}

// handlePacket converts a direct-stream packet into the common message
// form and routes it like broker traffic.
func (l *Loop) handlePacket(ctx context.Context, pkt stream.Packet) {
	channel := ""
	if pkt.Channel == l.cfg.DedicatedChannelIndex {
		channel = l.cfg.DedicatedChannel
	}
	msg := mesh.Message{
		ID:        fmt.Sprintf("%d", pkt.ID),
		Sender:    mesh.NodeID(pkt.From),
		Recipient: mesh.NodeID(pkt.To),
		Channel:   channel,
		Text:      pkt.Text,
		Timestamp: time.Now(),
	}
	l.respond(ctx, msg, l.router.Decide(msg))
}

// respond runs inference and delivery for one routed message. Errors
// are contained: log, drop, continue.
func (l *Loop) respond(ctx context.Context, msg mesh.Message, decision router.Decision) {
	if !decision.ShouldRespond {
		if decision.DropReason != "" && decision.DropReason != router.DropNotAddressed {
			l.logger.Debug("message dropped", "reason", decision.DropReason, "sender", msg.Sender)
		}
		return
	}

	l.logger.Info("handling message",
		"sender", msg.Sender,
		"sender_name", l.senderName(ctx, msg.Sender),
		"channel", msg.Channel,
		"chars", len(msg.Text),
	)

	text, err := l.gen.Generate(ctx, msg.Sender, strings.TrimSpace(msg.Text))
	if err != nil {
		l.logger.Error("inference failed, reply skipped", "sender", msg.Sender, "error", err)
		return
	}

	reply := mesh.Message{
		ID:        uuid.New().String(),
		Sender:    l.cfg.NodeID,
		Recipient: decision.ReplyRecipient,
		Channel:   decision.ReplyChannel,
		Text:      text,
		Timestamp: time.Now(),
	}
	out := l.deliver.Deliver(ctx, reply, decision)
	if !out.Delivered {
		l.logger.Error("reply undeliverable, dropped",
			"recipient", decision.ReplyRecipient,
			"recipient_name", l.senderName(ctx, decision.ReplyRecipient),
		)
	}
}

// senderName resolves an id through the node directory, falling back to
// the raw id when the directory is disabled.
func (l *Loop) senderName(ctx context.Context, id string) string {
	if l.nodes == nil {
		return id
	}
	return l.nodes.DisplayName(ctx, id)
}
