// ABOUTME: Ollama-backed inference with per-sender conversation history.
// ABOUTME: Failures map to ErrModel; the agent loop skips the reply and carries on.

package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
)

// ErrModel indicates an inference failure. The reply is skipped and
// logged; it never crashes the agent loop.
var ErrModel = errors.New("model error")

// Config holds the generation parameters, loaded once at startup.
type Config struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	TopP         float64

	// Timeout bounds one generation call.
	Timeout time.Duration

	// MaxHistory is the number of conversation turns kept per sender.
	MaxHistory int
}

// chatFunc matches api.Client.Chat; injectable for tests.
type chatFunc func(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error

// Service generates replies using a local model server, keeping a
// bounded per-sender conversation history so follow-ups have context.
type Service struct {
	cfg    Config
	chat   chatFunc
	logger *slog.Logger

	// mu serializes generation and guards history.
	mu      sync.Mutex
	history map[string][]api.Message
}

// New creates a Service talking to the model server configured in the
// environment (OLLAMA_HOST, defaulting to localhost).
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}
	return newService(cfg, client.Chat, logger), nil
}

func newService(cfg Config, chat chatFunc, logger *slog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Service{
		cfg:     cfg,
		chat:    chat,
		logger:  logger.With("component", "inference"),
		history: make(map[string][]api.Message),
	}
}

// Generate produces a reply to text from sender, bounded by the
// configured timeout. The sender's history is updated only on success.
func (s *Service) Generate(ctx context.Context, sender, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := s.buildMessages(sender, text)

	req := &api.ChatRequest{
		Model:    s.cfg.Model,
		Messages: messages,
		Options: map[string]any{
			"temperature": s.cfg.Temperature,
			"top_p":       s.cfg.TopP,
			"num_predict": s.cfg.MaxTokens,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.logger.Debug("generating reply", "sender", sender, "messages", len(messages))

	var reply strings.Builder
	err := s.chat(ctx, req, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModel, err)
	}

	out := strings.TrimSpace(reply.String())
	if out == "" {
		return "", fmt.Errorf("%w: empty response", ErrModel)
	}

	s.remember(sender, text, out)
	return out, nil
}

// buildMessages assembles system prompt + prior turns + the new user
// message. Callers hold mu.
func (s *Service) buildMessages(sender, text string) []api.Message {
	prior := s.history[sender]
	messages := make([]api.Message, 0, len(prior)+2)
	if s.cfg.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: s.cfg.SystemPrompt})
	}
	messages = append(messages, prior...)
	messages = append(messages, api.Message{Role: "user", Content: text})
	return messages
}

// remember appends the exchange and trims to the history bound, oldest
// turns first. Callers hold mu.
func (s *Service) remember(sender, text, reply string) {
	h := append(s.history[sender],
		api.Message{Role: "user", Content: text},
		api.Message{Role: "assistant", Content: reply},
	)
	if max := s.cfg.MaxHistory * 2; len(h) > max {
		h = h[len(h)-max:]
	}
	s.history[sender] = h
}
