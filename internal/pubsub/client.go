// ABOUTME: MQTT broker session: subscribe for inbound traffic, QoS-1 publish for fallback.
// ABOUTME: Reconnects with a shorter capped interval than the stream transport.

package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshmind/meshmind/internal/health"
	"github.com/meshmind/meshmind/internal/transport"
)

// Config holds the broker session settings.
type Config struct {
	// BrokerURL is the broker address, e.g. "tcp://10.0.0.159:1883".
	BrokerURL string

	// ClientID identifies this session to the broker.
	ClientID string

	Username string
	Password string

	// ConnectTimeout bounds the initial connect.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish acknowledgment wait.
	PublishTimeout time.Duration

	// ReconnectCap is the ceiling on the broker reconnect interval. The
	// broker is the historically more available channel, so this ceiling
	// is shorter than the stream transport's.
	ReconnectCap time.Duration
}

// Inbound is one message received from a subscribed topic.
type Inbound struct {
	Topic   string
	Payload []byte
}

// Client wraps the broker session. Health state for the pubsub transport
// is owned here and recorded through the shared tracker.
type Client struct {
	cfg     Config
	tracker *health.Tracker
	logger  *slog.Logger

	cli mqtt.Client

	mu       sync.Mutex
	subs     []string // topic patterns to (re)subscribe on connect
	closed   bool
	messages chan Inbound
}

// AtLeastOnce is the QoS level for all publishes and subscriptions.
const AtLeastOnce byte = 1

// NewClient creates a broker client. Connect must be called before use.
func NewClient(cfg Config, tracker *health.Tracker, logger *slog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = transport.DefaultPubSubCap
	}

	c := &Client{
		cfg:      cfg,
		tracker:  tracker,
		logger:   logger.With("transport", transport.PubSub),
		messages: make(chan Inbound, 64),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectCap).
		SetKeepAlive(60 * time.Second).
		SetOrderMatters(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.tracker.SetStatus(transport.PubSub, health.StatusBackingOff, time.Time{})
	})
	opts.SetDefaultPublishHandler(c.onMessage)

	c.cli = mqtt.NewClient(opts)
	return c
}

// Connect opens the broker session. Subsequent reconnects are handled by
// the underlying client; this only gates startup.
func (c *Client) Connect(ctx context.Context) error {
	c.tracker.SetStatus(transport.PubSub, health.StatusConnecting, time.Time{})

	token := c.cli.Connect()
	if !waitToken(ctx, token, c.cfg.ConnectTimeout) {
		c.tracker.RecordFailure(transport.PubSub)
		return fmt.Errorf("broker connect: %w", transport.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		c.tracker.RecordFailure(transport.PubSub)
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Subscribe registers a topic pattern. Registered patterns are replayed
// on every reconnect since broker sessions are not assumed persistent.
func (c *Client) Subscribe(pattern string) error {
	c.mu.Lock()
	c.subs = append(c.subs, pattern)
	connected := c.cli.IsConnectionOpen()
	c.mu.Unlock()

	if !connected {
		return nil // picked up by onConnect
	}

	token := c.cli.Subscribe(pattern, AtLeastOnce, nil)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: %w", pattern, transport.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	c.logger.Info("subscribed", "topic", pattern)
	return nil
}

// Publish sends a payload to a topic at QoS 1 and waits for the broker
// acknowledgment. Disconnected publishes fail fast with
// transport.ErrUnavailable; an ack overrun maps to transport.ErrTimeout.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.cli.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", topic, transport.ErrUnavailable)
	}

	token := c.cli.Publish(topic, AtLeastOnce, false, payload)
	if !waitToken(ctx, token, c.cfg.PublishTimeout) {
		c.tracker.RecordFailure(transport.PubSub)
		return fmt.Errorf("publish %s: %w", topic, transport.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		c.tracker.RecordFailure(transport.PubSub)
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.tracker.RecordSuccess(transport.PubSub)
	return nil
}

// Messages returns the inbound sequence for all subscribed topics.
func (c *Client) Messages() <-chan Inbound {
	return c.messages
}

// Close disconnects from the broker and closes the inbound channel.
func (c *Client) Close(grace time.Duration) {
	c.cli.Disconnect(uint(grace.Milliseconds()))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.messages)
		c.closed = true
	}
}

// onConnect records health and replays subscriptions. Runs on every
// connect, including automatic reconnects.
func (c *Client) onConnect(cli mqtt.Client) {
	c.tracker.RecordSuccess(transport.PubSub)
	c.logger.Info("connected to broker", "broker", c.cfg.BrokerURL)

	c.mu.Lock()
	subs := append([]string(nil), c.subs...)
	c.mu.Unlock()

	for _, pattern := range subs {
		token := cli.Subscribe(pattern, AtLeastOnce, nil)
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() == nil {
			c.logger.Info("subscribed", "topic", pattern)
			continue
		}
		c.logger.Error("resubscribe failed", "topic", pattern, "error", token.Error())
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.tracker.RecordFailure(transport.PubSub)
	c.tracker.SetStatus(transport.PubSub, health.StatusBackingOff, time.Time{})
	c.logger.Warn("broker connection lost", "error", err)
}

// onMessage converts broker callbacks into the inbound channel. A full
// channel drops the message with a warning; QoS 1 means the sender may
// retransmit, and dedup catches the replay. The send happens under mu so
// Close cannot close the channel between the closed check and the send;
// the select never blocks, so holding the lock here is safe.
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	in := Inbound{Topic: msg.Topic(), Payload: msg.Payload()}
	select {
	case c.messages <- in:
	default:
		c.logger.Warn("inbound channel full, dropping message", "topic", msg.Topic())
	}
}

// waitToken waits for a broker token with both a timeout and context
// cancellation.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		token.WaitTimeout(timeout)
	}()

	select {
	case <-done:
		return token.WaitTimeout(0)
	case <-ctx.Done():
		return false
	}
}
