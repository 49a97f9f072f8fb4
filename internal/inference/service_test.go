// ABOUTME: Tests for the inference service using an injected chat function.
// ABOUTME: Covers history bounds, system prompt placement, and failure mapping.

package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateReturnsStreamedContent(t *testing.T) {
	chat := func(_ context.Context, _ *api.ChatRequest, fn api.ChatResponseFunc) error {
		for _, part := range []string{"hello ", "from ", "the mesh"} {
			if err := fn(api.ChatResponse{Message: api.Message{Content: part}}); err != nil {
				return err
			}
		}
		return nil
	}
	svc := newService(Config{Model: "test"}, chat, testLogger())

	out, err := svc.Generate(context.Background(), "!a1b2c3d4", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello from the mesh", out)
}

func TestGenerateIncludesSystemPromptAndHistory(t *testing.T) {
	var captured []api.Message
	chat := func(_ context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
		captured = append([]api.Message(nil), req.Messages...)
		return fn(api.ChatResponse{Message: api.Message{Content: "ok"}})
	}
	svc := newService(Config{Model: "test", SystemPrompt: "be brief"}, chat, testLogger())

	_, err := svc.Generate(context.Background(), "!a1b2c3d4", "first")
	require.NoError(t, err)
	require.Len(t, captured, 2)
	assert.Equal(t, "system", captured[0].Role)
	assert.Equal(t, "be brief", captured[0].Content)
	assert.Equal(t, "user", captured[1].Role)

	_, err = svc.Generate(context.Background(), "!a1b2c3d4", "second")
	require.NoError(t, err)
	require.Len(t, captured, 4)
	assert.Equal(t, "first", captured[1].Content)
	assert.Equal(t, "assistant", captured[2].Role)
	assert.Equal(t, "second", captured[3].Content)
}

func TestHistoryIsPerSenderAndBounded(t *testing.T) {
	turn := 0
	chat := func(_ context.Context, _ *api.ChatRequest, fn api.ChatResponseFunc) error {
		turn++
		return fn(api.ChatResponse{Message: api.Message{Content: fmt.Sprintf("reply %d", turn)}})
	}
	svc := newService(Config{Model: "test", MaxHistory: 3}, chat, testLogger())

	for i := 0; i < 5; i++ {
		_, err := svc.Generate(context.Background(), "!aaaa0001", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}
	_, err := svc.Generate(context.Background(), "!bbbb0002", "other")
	require.NoError(t, err)

	assert.Len(t, svc.history["!aaaa0001"], 6) // 3 turns * 2 messages
	assert.Len(t, svc.history["!bbbb0002"], 2)
	assert.Equal(t, "msg 2", svc.history["!aaaa0001"][0].Content)
}

func TestGenerateFailureLeavesHistoryUntouched(t *testing.T) {
	fail := true
	chat := func(_ context.Context, _ *api.ChatRequest, fn api.ChatResponseFunc) error {
		if fail {
			return errors.New("connection refused")
		}
		return fn(api.ChatResponse{Message: api.Message{Content: "ok"}})
	}
	svc := newService(Config{Model: "test"}, chat, testLogger())

	_, err := svc.Generate(context.Background(), "!a1b2c3d4", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModel)
	assert.Empty(t, svc.history["!a1b2c3d4"])

	fail = false
	_, err = svc.Generate(context.Background(), "!a1b2c3d4", "hi")
	require.NoError(t, err)
	assert.Len(t, svc.history["!a1b2c3d4"], 2)
}

func TestGenerateEmptyResponseIsError(t *testing.T) {
	chat := func(_ context.Context, _ *api.ChatRequest, fn api.ChatResponseFunc) error {
		return fn(api.ChatResponse{Message: api.Message{Content: "  \n"}})
	}
	svc := newService(Config{Model: "test"}, chat, testLogger())

	_, err := svc.Generate(context.Background(), "!a1b2c3d4", "hi")
	assert.ErrorIs(t, err, ErrModel)
}
