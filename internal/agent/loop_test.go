// ABOUTME: Tests for the agent loop using fake inference and delivery.
// ABOUTME: Covers routing, error containment, queue bounds, and shutdown.

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmind/meshmind/internal/dedupe"
	"github.com/meshmind/meshmind/internal/delivery"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/pubsub"
	"github.com/meshmind/meshmind/internal/router"
	"github.com/meshmind/meshmind/internal/stream"
	"github.com/meshmind/meshmind/internal/transport"
)

const (
	llmTopic    = "msh/US/2/json/llm"
	llmResTopic = "msh/US/2/json/llmres"
)

type fakeGen struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
}

func (g *fakeGen) Generate(_ context.Context, sender, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, sender+":"+text)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type sent struct {
	reply    mesh.Message
	decision router.Decision
}

type fakeDeliver struct {
	mu   sync.Mutex
	got  []sent
	done chan struct{}
}

func newFakeDeliver(expected int) *fakeDeliver {
	d := &fakeDeliver{done: make(chan struct{}, expected)}
	return d
}

func (d *fakeDeliver) Deliver(_ context.Context, reply mesh.Message, decision router.Decision) delivery.Outcome {
	d.mu.Lock()
	d.got = append(d.got, sent{reply, decision})
	d.mu.Unlock()
	d.done <- struct{}{}
	return delivery.Outcome{Delivered: true, Transport: transport.Stream}
}

func (d *fakeDeliver) deliveries() []sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sent(nil), d.got...)
}

type fakeNodes struct {
	mu       sync.Mutex
	payloads [][]byte
	resolved []string
	names    map[string]string
}

func (n *fakeNodes) RecordAnnouncement(_ context.Context, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *fakeNodes) DisplayName(_ context.Context, id string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, id)
	if name, ok := n.names[id]; ok {
		return name
	}
	return id
}

func testLoop(t *testing.T, gen *fakeGen, d *fakeDeliver, nodes NodeDirectory) *Loop {
	t.Helper()
	window := dedupe.NewWindow(time.Minute, 100)
	t.Cleanup(window.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rtr := router.New(router.Config{
		Mode:             router.ModePrivate,
		NodeID:           "!agent001",
		DedicatedChannel: llmTopic,
		ResponseChannel:  llmResTopic,
	}, window, logger)

	return NewLoop(Config{
		NodeID:                "!agent001",
		DedicatedChannel:      llmTopic,
		DedicatedChannelIndex: 2,
	}, rtr, gen, d, nodes, logger)
}

func runLoop(t *testing.T, loop *Loop, broker chan pubsub.Inbound, packets chan stream.Packet) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx, broker, packets)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop after cancel")
		}
	})
	return cancel
}

func waitDelivery(t *testing.T, d *fakeDeliver) {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBrokerMessageProducesReply(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(1)
	loop := testLoop(t, gen, d, nil)

	broker := make(chan pubsub.Inbound, 1)
	packets := make(chan stream.Packet)
	runLoop(t, loop, broker, packets)

	broker <- pubsub.Inbound{
		Topic:   llmTopic,
		Payload: []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"ping"}`),
	}
	waitDelivery(t, d)

	got := d.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "pong", got[0].reply.Text)
	assert.Equal(t, "!agent001", got[0].reply.Sender)
	assert.Equal(t, "!abc", got[0].decision.ReplyRecipient)
	assert.True(t, got[0].decision.Dedicated)
	assert.Equal(t, []string{"!abc:ping"}, gen.calls)
}

func TestStreamPacketProducesReply(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(1)
	loop := testLoop(t, gen, d, nil)

	broker := make(chan pubsub.Inbound)
	packets := make(chan stream.Packet, 1)
	runLoop(t, loop, broker, packets)

	packets <- stream.Packet{
		From:    0xa1b2c3d4,
		To:      0x00000001, // agent's node number in this setup is irrelevant; channel gates it
		Channel: 2,
		ID:      42,
		Text:    "ping",
	}
	waitDelivery(t, d)

	got := d.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "!a1b2c3d4", got[0].decision.ReplyRecipient)
	assert.True(t, got[0].decision.Dedicated)
}

func TestInferenceFailureIsContained(t *testing.T) {
	gen := &fakeGen{err: errors.New("model down")}
	d := newFakeDeliver(2)
	loop := testLoop(t, gen, d, nil)

	broker := make(chan pubsub.Inbound, 2)
	packets := make(chan stream.Packet)
	runLoop(t, loop, broker, packets)

	broker <- pubsub.Inbound{
		Topic:   llmTopic,
		Payload: []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"first"}`),
	}

	// Second message succeeds after the model recovers.
	require.Eventually(t, func() bool {
		gen.mu.Lock()
		defer gen.mu.Unlock()
		return len(gen.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)
	gen.mu.Lock()
	gen.err = nil
	gen.reply = "recovered"
	gen.mu.Unlock()

	broker <- pubsub.Inbound{
		Topic:   llmTopic,
		Payload: []byte(`{"from":"!abc","to":"llm","id":"m2","time":1001,"text":"second"}`),
	}
	waitDelivery(t, d)

	got := d.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "recovered", got[0].reply.Text)
}

func TestMalformedAndDuplicateDropped(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(2)
	loop := testLoop(t, gen, d, nil)

	broker := make(chan pubsub.Inbound, 3)
	packets := make(chan stream.Packet)
	runLoop(t, loop, broker, packets)

	broker <- pubsub.Inbound{Topic: llmTopic, Payload: []byte(`{"garbage`)}
	dup := []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"ping"}`)
	broker <- pubsub.Inbound{Topic: llmTopic, Payload: dup}
	broker <- pubsub.Inbound{Topic: llmTopic, Payload: dup}

	waitDelivery(t, d)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, d.deliveries(), 1, "malformed and duplicate messages produce no replies")
}

func TestPerSenderOrderingPreserved(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(2)
	loop := testLoop(t, gen, d, nil)

	broker := make(chan pubsub.Inbound, 2)
	packets := make(chan stream.Packet)
	runLoop(t, loop, broker, packets)

	broker <- pubsub.Inbound{
		Topic:   llmTopic,
		Payload: []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"first"}`),
	}
	broker <- pubsub.Inbound{
		Topic:   llmTopic,
		Payload: []byte(`{"from":"!abc","to":"llm","id":"m2","time":1001,"text":"second"}`),
	}

	waitDelivery(t, d)
	waitDelivery(t, d)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Equal(t, []string{"!abc:first", "!abc:second"}, gen.calls,
		"a sender's messages reach inference in arrival order")
}

func TestSenderNameResolvedThroughDirectory(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(1)
	nodes := &fakeNodes{names: map[string]string{"!abc": "Base Camp"}}
	loop := testLoop(t, gen, d, nodes)

	broker := make(chan pubsub.Inbound, 1)
	packets := make(chan stream.Packet)
	runLoop(t, loop, broker, packets)

	broker <- pubsub.Inbound{
		Topic:   llmTopic,
		Payload: []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"ping"}`),
	}
	waitDelivery(t, d)

	nodes.mu.Lock()
	defer nodes.mu.Unlock()
	assert.Contains(t, nodes.resolved, "!abc", "handled senders are resolved to display names")
}

func TestNodeinfoGoesToDirectoryNotInference(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(1)
	nodes := &fakeNodes{}
	loop := testLoop(t, gen, d, nodes)

	broker := make(chan pubsub.Inbound, 1)
	packets := make(chan stream.Packet)
	runLoop(t, loop, broker, packets)

	broker <- pubsub.Inbound{
		Topic:   "msh/US/nodeinfo",
		Payload: []byte(`{"sender":"!abc","payload":{"id":"!abc","longname":"Camp"}}`),
	}

	require.Eventually(t, func() bool {
		nodes.mu.Lock()
		defer nodes.mu.Unlock()
		return len(nodes.payloads) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, gen.calls)
}

func TestStartupAnnouncementBroadcast(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(1)
	window := dedupe.NewWindow(time.Minute, 100)
	t.Cleanup(window.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rtr := router.New(router.Config{Mode: router.ModePrivate, NodeID: "!agent001"}, window, logger)

	loop := NewLoop(Config{
		NodeID:          "!agent001",
		ResponseChannel: llmResTopic,
		StartupMessage:  "online",
	}, rtr, gen, d, nil, logger)

	broker := make(chan pubsub.Inbound)
	packets := make(chan stream.Packet)
	runLoop(t, loop, broker, packets)

	waitDelivery(t, d)
	got := d.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "online", got[0].reply.Text)
	assert.Equal(t, mesh.Broadcast, got[0].decision.ReplyRecipient)
	assert.Equal(t, llmResTopic, got[0].decision.ReplyChannel)
}

func TestRunStopsOnCancel(t *testing.T) {
	gen := &fakeGen{reply: "pong"}
	d := newFakeDeliver(1)
	loop := testLoop(t, gen, d, nil)

	broker := make(chan pubsub.Inbound)
	packets := make(chan stream.Packet)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx, broker, packets)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
