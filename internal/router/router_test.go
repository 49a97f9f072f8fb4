// ABOUTME: Tests for classification, dedup idempotence, and the policy gate.
// ABOUTME: Includes the dedicated-channel scenario from the delivery contract.

package router

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshmind/meshmind/internal/dedupe"
	"github.com/meshmind/meshmind/internal/mesh"
)

const (
	llmTopic    = "msh/US/2/json/llm"
	llmResTopic = "msh/US/2/json/llmres"
	genTopic    = "msh/US/0/json/general"
)

func newTestRouter(t *testing.T, mode Mode) *Router {
	t.Helper()
	window := dedupe.NewWindow(time.Minute, 100)
	t.Cleanup(window.Close)

	return New(Config{
		Mode:             mode,
		NodeID:           "!agent001",
		DedicatedChannel: llmTopic,
		ResponseChannel:  llmResTopic,
	}, window, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClassify_DedicatedChannelAlwaysEligible(t *testing.T) {
	// Private mode, message on the dedicated channel, `to` is the
	// channel marker rather than our node id: still eligible.
	r := newTestRouter(t, ModePrivate)
	payload := []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"hi"}`)

	msg, d, err := r.Classify(payload, llmTopic)
	require.NoError(t, err)

	assert.True(t, d.ShouldRespond)
	assert.True(t, d.Dedicated)
	assert.Equal(t, llmResTopic, d.ReplyChannel)
	assert.Equal(t, "!abc", d.ReplyRecipient, "private mode replies direct to the sender")
	assert.Equal(t, "hi", msg.Text)
}

func TestClassify_DedicatedChannelBroadcastMode(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)
	payload := []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"hello"}`)

	_, d, err := r.Classify(payload, llmTopic)
	require.NoError(t, err)

	assert.True(t, d.ShouldRespond)
	assert.Equal(t, mesh.Broadcast, d.ReplyRecipient)
}

func TestClassify_DuplicateDropped(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)
	payload := []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"hi"}`)

	_, first, err := r.Classify(payload, llmTopic)
	require.NoError(t, err)
	assert.True(t, first.ShouldRespond)

	_, second, err := r.Classify(payload, llmTopic)
	require.NoError(t, err)
	assert.False(t, second.ShouldRespond)
	assert.Equal(t, DropDuplicate, second.DropReason)
}

func TestClassify_SameIDDifferentSenderNotDuplicate(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)

	_, d1, err := r.Classify([]byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"one"}`), llmTopic)
	require.NoError(t, err)
	_, d2, err := r.Classify([]byte(`{"from":"!def","to":"llm","id":"m1","time":1001,"text":"two"}`), llmTopic)
	require.NoError(t, err)

	assert.True(t, d1.ShouldRespond)
	assert.True(t, d2.ShouldRespond, "(id, sender) is the dedup key, not id alone")
}

func TestClassify_PrivateModeIgnoresGeneralBroadcast(t *testing.T) {
	r := newTestRouter(t, ModePrivate)
	payload := []byte(`{"from":"!abc","to":"^all","id":"m2","time":1000,"text":"anyone here?"}`)

	_, d, err := r.Classify(payload, genTopic)
	require.NoError(t, err)

	assert.False(t, d.ShouldRespond)
	assert.Equal(t, DropNotAddressed, d.DropReason)
}

func TestClassify_BroadcastModeAnswersGeneralBroadcast(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)
	payload := []byte(`{"from":"!abc","to":"^all","id":"m2","time":1000,"text":"anyone here?"}`)

	_, d, err := r.Classify(payload, genTopic)
	require.NoError(t, err)

	assert.True(t, d.ShouldRespond)
	assert.Equal(t, mesh.Broadcast, d.ReplyRecipient)
	assert.Equal(t, genTopic, d.ReplyChannel)
}

func TestClassify_DirectMessageEligibleInPrivateMode(t *testing.T) {
	r := newTestRouter(t, ModePrivate)
	payload := []byte(`{"from":"!abc","to":"!agent001","id":"m3","time":1000,"text":"dm"}`)

	_, d, err := r.Classify(payload, genTopic)
	require.NoError(t, err)

	assert.True(t, d.ShouldRespond)
	assert.False(t, d.Dedicated)
	assert.Equal(t, "!abc", d.ReplyRecipient)
	assert.Equal(t, genTopic, d.ReplyChannel)
}

func TestClassify_DirectMessageToOtherNodeIgnored(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)
	payload := []byte(`{"from":"!abc","to":"!someoneelse","id":"m4","time":1000,"text":"psst"}`)

	_, d, err := r.Classify(payload, genTopic)
	require.NoError(t, err)
	assert.False(t, d.ShouldRespond)
}

func TestClassify_OwnMessagesSuppressed(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)
	payload := []byte(`{"from":"!agent001","to":"^all","id":"m5","time":1000,"text":"my own reply"}`)

	_, d, err := r.Classify(payload, llmTopic)
	require.NoError(t, err)
	assert.False(t, d.ShouldRespond)
	assert.Equal(t, DropSelf, d.DropReason)
}

func TestClassify_MalformedPayloadRejected(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)

	_, _, err := r.Classify([]byte(`{"to":"llm","text":"no sender"}`), llmTopic)
	assert.ErrorIs(t, err, mesh.ErrMalformed)
}

func TestClassify_NoiseDropped(t *testing.T) {
	r := newTestRouter(t, ModeBroadcast)

	tests := []struct {
		name string
		text string
	}{
		{"single rune", "k"},
		{"whitespace", "   "},
		{"startup echo", "📢 agent is now online"},
		{"system line", "System: rebooting"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := mesh.Message{
				ID: string(rune('a' + i)), Sender: "!abc",
				Recipient: mesh.DedicatedRecipient, Channel: llmTopic, Text: tt.text,
			}
			d := r.Decide(msg)
			assert.False(t, d.ShouldRespond)
			assert.Equal(t, DropNoise, d.DropReason)
		})
	}
}

func TestClassify_DedicatedDisabled(t *testing.T) {
	window := dedupe.NewWindow(time.Minute, 100)
	t.Cleanup(window.Close)
	r := New(Config{
		Mode:   ModePrivate,
		NodeID: "!agent001",
	}, window, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// `to` marker alone must not make a message dedicated when the
	// channel is disabled.
	payload := []byte(`{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"hi"}`)
	_, d, err := r.Classify(payload, genTopic)
	require.NoError(t, err)
	assert.False(t, d.ShouldRespond)
}
