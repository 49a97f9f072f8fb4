// ABOUTME: Persistent TCP client for the mesh gateway with reconnect/backoff.
// ABOUTME: Sends fail fast while disconnected; receive is a channel fed by the read loop.

package stream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshmind/meshmind/internal/health"
	"github.com/meshmind/meshmind/internal/transport"
)

// DefaultPort is the mesh gateway's TCP port.
const DefaultPort = 4403

// Config holds the stream transport settings.
type Config struct {
	// Addr is the gateway host:port.
	Addr string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// SendTimeout bounds each framed write.
	SendTimeout time.Duration

	// Backoff is the reconnect delay policy. Nil uses the stream defaults.
	Backoff *transport.Backoff
}

// Client maintains the persistent gateway connection. Health state is
// owned by this client and recorded through the shared tracker.
type Client struct {
	cfg     Config
	tracker *health.Tracker
	logger  *slog.Logger

	mu   sync.Mutex // guards conn
	wmu  sync.Mutex // serializes frame writes
	conn net.Conn

	packets chan Packet
	nextID  atomic.Uint32
}

// NewClient creates a stream client. Run must be called to establish and
// maintain the connection.
func NewClient(cfg Config, tracker *health.Tracker, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = transport.NewBackoff(transport.DefaultBase, transport.DefaultStreamCap)
	}
	return &Client{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger.With("transport", transport.Stream),
		packets: make(chan Packet, 32),
	}
}

// Packets returns the inbound packet sequence. The channel is closed when
// Run exits; it survives reconnects in between.
func (c *Client) Packets() <-chan Packet {
	return c.packets
}

// connected reports whether the connection is currently up.
func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// NextID returns a fresh packet id for an outbound packet.
func (c *Client) NextID() uint32 {
	return c.nextID.Add(1)
}

// Run connects to the gateway and keeps the connection alive, retrying
// with jittered exponential backoff on loss. It blocks until ctx is
// cancelled, then closes the packet channel.
func (c *Client) Run(ctx context.Context) {
	defer close(c.packets)

	for {
		if ctx.Err() != nil {
			return
		}

		c.tracker.SetStatus(transport.Stream, health.StatusConnecting, time.Time{})
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.tracker.RecordFailure(transport.Stream)
			if !c.waitBackoff(ctx, err) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.tracker.RecordSuccess(transport.Stream)
		c.logger.Info("connected to mesh gateway", "addr", c.cfg.Addr)

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		c.tracker.RecordFailure(transport.Stream)
		if !c.waitBackoff(ctx, err) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway %s: %w", c.cfg.Addr, err)
	}
	return conn, nil
}

// waitBackoff sleeps for the next backoff delay, publishing the
// backing_off state. Returns false when ctx is cancelled.
func (c *Client) waitBackoff(ctx context.Context, cause error) bool {
	failures := c.tracker.State(transport.Stream).ConsecutiveFailures
	delay := c.cfg.Backoff.Next(failures)
	c.tracker.SetStatus(transport.Stream, health.StatusBackingOff, time.Now().Add(delay))

	c.logger.Warn("gateway connection lost, backing off",
		"error", cause,
		"consecutive_failures", failures,
		"retry_in", delay,
	)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// readLoop pulls framed packets off the connection until it fails. Each
// successfully read packet resets the failure count.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	// Unblock the pending read when shutting down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	for {
		pkt, err := readFrame(r)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		c.tracker.RecordSuccess(transport.Stream)

		select {
		case c.packets <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes one framed packet. It fails immediately with
// transport.ErrUnavailable while disconnected rather than blocking; a
// write deadline overrun maps to transport.ErrTimeout. A failed write
// closes the connection so the manage loop reconnects.
func (c *Client) Send(ctx context.Context, pkt Packet) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("stream send: %w", transport.ErrUnavailable)
	}

	deadline := time.Now().Add(c.cfg.SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		// The conn is already dead; close it so the manage loop reconnects.
		conn.Close()
		c.tracker.RecordFailure(transport.Stream)
		return fmt.Errorf("stream send: %w: %v", transport.ErrUnavailable, err)
	}
	if err := writeFrame(conn, pkt); err != nil {
		conn.Close() // force the manage loop to reconnect
		c.tracker.RecordFailure(transport.Stream)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fmt.Errorf("stream send: %w", transport.ErrTimeout)
		}
		return fmt.Errorf("stream send: %w: %v", transport.ErrUnavailable, err)
	}

	c.tracker.RecordSuccess(transport.Stream)
	return nil
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
