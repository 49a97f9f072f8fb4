// ABOUTME: Process orchestrator wiring transports, router, inference,
// ABOUTME: delivery, and the agent loop from a validated config.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meshmind/meshmind/internal/agent"
	"github.com/meshmind/meshmind/internal/config"
	"github.com/meshmind/meshmind/internal/dedupe"
	"github.com/meshmind/meshmind/internal/delivery"
	"github.com/meshmind/meshmind/internal/health"
	"github.com/meshmind/meshmind/internal/inference"
	"github.com/meshmind/meshmind/internal/mesh"
	"github.com/meshmind/meshmind/internal/nodes"
	"github.com/meshmind/meshmind/internal/pubsub"
	"github.com/meshmind/meshmind/internal/router"
	"github.com/meshmind/meshmind/internal/stream"
	"github.com/meshmind/meshmind/internal/transport"
)

// shutdownGrace bounds the broker disconnect on shutdown.
const shutdownGrace = 2 * time.Second

// Engine owns the wired components for one meshmind process.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	tracker   *health.Tracker
	window    *dedupe.Window
	stream    *stream.Client
	broker    *pubsub.Client
	directory *nodes.Directory
	loop      *agent.Loop
}

// New wires the engine from a validated config.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	nodeNum, err := mesh.NodeNum(cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}

	tracker := health.NewTracker(health.DefaultFailureThreshold)
	window := dedupe.NewWindow(cfg.Dedupe.TTL, cfg.Dedupe.Capacity)

	streamClient := stream.NewClient(stream.Config{
		Addr:        cfg.Stream.Addr(),
		DialTimeout: cfg.Stream.DialTimeout,
		SendTimeout: cfg.Stream.SendTimeout,
		Backoff:     transport.NewBackoff(transport.DefaultBase, cfg.Stream.BackoffCap),
	}, tracker, logger)

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "meshmind-" + uuid.New().String()[:8]
	}
	broker := pubsub.NewClient(pubsub.Config{
		BrokerURL:      cfg.MQTT.BrokerURL(),
		ClientID:       clientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		ReconnectCap:   cfg.MQTT.ReconnectCap,
	}, tracker, logger)

	var dedicated, response string
	if cfg.Channels.LLM {
		dedicated = cfg.Channels.RequestTopic()
		response = cfg.Channels.ResponseTopic()
	}

	rtr := router.New(router.Config{
		Mode:             router.Mode(cfg.Agent.Mode),
		NodeID:           cfg.Node.ID,
		DedicatedChannel: dedicated,
		ResponseChannel:  response,
	}, window, logger)

	svc, err := inference.New(inference.Config{
		Model:        cfg.Model.Name,
		SystemPrompt: cfg.Model.SystemPrompt,
		MaxTokens:    cfg.Model.MaxTokens,
		Temperature:  cfg.Model.Temperature,
		TopP:         cfg.Model.TopP,
		Timeout:      cfg.Model.Timeout,
		MaxHistory:   cfg.Model.MaxHistory,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating inference service: %w", err)
	}

	coordinator := delivery.New(delivery.Config{
		NodeNum:               nodeNum,
		NodeID:                cfg.Node.ID,
		DedicatedChannelIndex: cfg.Channels.LLMIndex,
		ChunkSize:             cfg.Agent.ChunkSize,
	}, streamClient, broker, tracker, logger)

	var directory *nodes.Directory
	if cfg.Channels.Nodeinfo {
		directory, err = nodes.Open(cfg.Database.Path, logger)
		if err != nil {
			window.Close()
			return nil, fmt.Errorf("opening node directory: %w", err)
		}
	}

	// The interface value must stay nil when the directory is disabled.
	var nodeDir agent.NodeDirectory
	if directory != nil {
		nodeDir = directory
	}

	loop := agent.NewLoop(agent.Config{
		NodeID:                cfg.Node.ID,
		DedicatedChannel:      dedicated,
		DedicatedChannelIndex: cfg.Channels.LLMIndex,
		StartupMessage:        cfg.Agent.StartupMessage,
		ResponseChannel:       response,
		QueueSize:             cfg.Agent.QueueSize,
	}, rtr, svc, coordinator, nodeDir, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		tracker:   tracker,
		window:    window,
		stream:    streamClient,
		broker:    broker,
		directory: directory,
		loop:      loop,
	}, nil
}

// Run connects the transports and runs the agent loop until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	if err := e.broker.Connect(ctx); err != nil {
		return err
	}
	if err := e.subscribe(); err != nil {
		return err
	}

	go e.stream.Run(ctx)

	e.logger.Info("meshmind started",
		"node", e.cfg.Node.ID,
		"broker", e.cfg.MQTT.BrokerURL(),
		"stream", e.cfg.Stream.Addr(),
		"mode", e.cfg.Agent.Mode,
	)

	e.loop.Run(ctx, e.broker.Messages(), e.stream.Packets())
	return nil
}

// subscribe registers the configured topic patterns with the broker.
func (e *Engine) subscribe() error {
	patterns := make([]string, 0, len(e.cfg.Channels.Subscriptions)+2)
	if e.cfg.Channels.LLM {
		patterns = append(patterns, e.cfg.Channels.RequestTopic())
	}
	if e.cfg.Channels.Nodeinfo {
		patterns = append(patterns, pubsub.NodeInfoPattern)
	}
	patterns = append(patterns, e.cfg.Channels.Subscriptions...)

	for _, p := range patterns {
		if err := e.broker.Subscribe(p); err != nil {
			return fmt.Errorf("subscribing to %s: %w", p, err)
		}
		e.logger.Info("subscribed", "topic", p)
	}
	return nil
}

func (e *Engine) close() {
	e.broker.Close(shutdownGrace)
	e.window.Close()
	if e.directory != nil {
		if err := e.directory.Close(); err != nil {
			e.logger.Warn("closing node directory", "error", err)
		}
	}
	e.logger.Info("meshmind stopped")
}
