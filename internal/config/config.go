// ABOUTME: Configuration loading and parsing for meshmind
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete meshmind configuration
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Stream   StreamConfig   `yaml:"stream"`
	Node     NodeConfig     `yaml:"node"`
	Channels ChannelsConfig `yaml:"channels"`
	Agent    AgentConfig    `yaml:"agent"`
	Model    ModelConfig    `yaml:"model"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MQTTConfig holds broker connection configuration
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`

	ConnectTimeout time.Duration `yaml:"-"`
	PublishTimeout time.Duration `yaml:"-"`
	ReconnectCap   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	PublishTimeoutRaw string `yaml:"publish_timeout"`
	ReconnectCapRaw   string `yaml:"reconnect_cap"`
}

// BrokerURL renders the tcp:// URL the broker client dials.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// StreamConfig holds the direct radio stream configuration
type StreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	DialTimeout time.Duration `yaml:"-"`
	SendTimeout time.Duration `yaml:"-"`
	BackoffCap  time.Duration `yaml:"-"`

	DialTimeoutRaw string `yaml:"dial_timeout"`
	SendTimeoutRaw string `yaml:"send_timeout"`
	BackoffCapRaw  string `yaml:"backoff_cap"`
}

// Addr renders the host:port the stream client dials.
func (s StreamConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NodeConfig identifies this agent on the mesh
type NodeConfig struct {
	// ID is the agent's node id in "!hex" form.
	ID string `yaml:"id"`
}

// ChannelsConfig holds the topic layout
type ChannelsConfig struct {
	// Root is the topic prefix, e.g. "msh/US/2/json".
	Root string `yaml:"root"`

	// LLM enables the dedicated inference channel.
	LLM bool `yaml:"llm"`

	// LLMName and LLMResponseName are the channel names appended to Root.
	LLMName         string `yaml:"llm_name"`
	LLMResponseName string `yaml:"llm_response_name"`

	// LLMIndex is the radio channel index carrying the dedicated channel.
	LLMIndex uint32 `yaml:"llm_index"`

	// Subscriptions are extra topic patterns to listen on.
	Subscriptions []string `yaml:"subscriptions"`

	// Nodeinfo enables the node directory fed by nodeinfo announcements.
	Nodeinfo bool `yaml:"nodeinfo"`
}

// RequestTopic is the full topic of the dedicated inference channel.
func (c ChannelsConfig) RequestTopic() string {
	return c.Root + "/" + c.LLMName
}

// ResponseTopic is the full topic dedicated-channel replies publish to.
func (c ChannelsConfig) ResponseTopic() string {
	return c.Root + "/" + c.LLMResponseName
}

// AgentConfig holds the response policy and loop settings
type AgentConfig struct {
	// Mode is "private" or "broadcast".
	Mode string `yaml:"mode"`

	// StartupMessage is broadcast once at startup; empty disables it.
	StartupMessage string `yaml:"startup_message"`

	// QueueSize bounds the inbound queue.
	QueueSize int `yaml:"queue_size"`

	// ChunkSize caps per-frame reply text.
	ChunkSize int `yaml:"chunk_size"`
}

// ModelConfig holds inference configuration
type ModelConfig struct {
	Name         string  `yaml:"name"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	MaxHistory   int     `yaml:"max_history"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DedupeConfig holds the dedup window bounds
type DedupeConfig struct {
	Capacity int `yaml:"capacity"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// DatabaseConfig holds the node directory location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:           "mqtt.meshtastic.org",
			Port:           1883,
			Username:       "meshdev",
			Password:       "large4cats",
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
			ReconnectCap:   30 * time.Second,
		},
		Stream: StreamConfig{
			Host:        "localhost",
			Port:        4403,
			DialTimeout: 10 * time.Second,
			SendTimeout: 5 * time.Second,
			BackoffCap:  60 * time.Second,
		},
		Channels: ChannelsConfig{
			Root:            "msh/US/2/json",
			LLM:             true,
			LLMName:         "llm",
			LLMResponseName: "llmres",
			LLMIndex:        2,
			Nodeinfo:        true,
		},
		Agent: AgentConfig{
			Mode:      "private",
			QueueSize: 64,
			ChunkSize: 190,
		},
		Model: ModelConfig{
			Name:        "llama3.2",
			MaxTokens:   512,
			Temperature: 0.7,
			TopP:        0.9,
			MaxHistory:  10,
			Timeout:     60 * time.Second,
		},
		Dedupe: DedupeConfig{
			Capacity: 1000,
			TTL:      10 * time.Minute,
		},
		Database: DatabaseConfig{
			Path: "data/nodes.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be in 1..65535, got %d", c.MQTT.Port)
	}
	if c.Stream.Host == "" {
		return fmt.Errorf("stream.host is required")
	}
	if c.Stream.Port <= 0 || c.Stream.Port > 65535 {
		return fmt.Errorf("stream.port must be in 1..65535, got %d", c.Stream.Port)
	}
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Channels.Root == "" {
		return fmt.Errorf("channels.root is required")
	}
	if c.Channels.LLM {
		if c.Channels.LLMName == "" {
			return fmt.Errorf("channels.llm_name is required when channels.llm is enabled")
		}
		if c.Channels.LLMResponseName == "" {
			return fmt.Errorf("channels.llm_response_name is required when channels.llm is enabled")
		}
	}
	switch c.Agent.Mode {
	case "private", "broadcast":
	default:
		return fmt.Errorf("agent.mode must be \"private\" or \"broadcast\", got %q", c.Agent.Mode)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Channels.Nodeinfo && c.Database.Path == "" {
		return fmt.Errorf("database.path is required when channels.nodeinfo is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.MQTT.ConnectTimeoutRaw, &cfg.MQTT.ConnectTimeout, "mqtt.connect_timeout"},
		{cfg.MQTT.PublishTimeoutRaw, &cfg.MQTT.PublishTimeout, "mqtt.publish_timeout"},
		{cfg.MQTT.ReconnectCapRaw, &cfg.MQTT.ReconnectCap, "mqtt.reconnect_cap"},
		{cfg.Stream.DialTimeoutRaw, &cfg.Stream.DialTimeout, "stream.dial_timeout"},
		{cfg.Stream.SendTimeoutRaw, &cfg.Stream.SendTimeout, "stream.send_timeout"},
		{cfg.Stream.BackoffCapRaw, &cfg.Stream.BackoffCap, "stream.backoff_cap"},
		{cfg.Model.TimeoutRaw, &cfg.Model.Timeout, "model.timeout"},
		{cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL, "dedupe.ttl"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
