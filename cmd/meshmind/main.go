// ABOUTME: Entry point for the meshmind mesh agent
// ABOUTME: Bridges a Meshtastic mesh to a local language model

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/meshmind/meshmind/internal/config"
	"github.com/meshmind/meshmind/internal/engine"
	"github.com/meshmind/meshmind/internal/nodes"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _               _           _
 _ __ ___   ___  ___| |__  _ __ ___ (_)_ __   __| |
| '_ ' _ \ / _ \/ __| '_ \| '_ ' _ \| | '_ \ / _' |
| | | | | |  __/\__ \ | | | | | | | | | | | | (_| |
|_| |_| |_|\___||___/_| |_|_| |_| |_|_|_| |_|\__,_|
`

// getConfigPath returns the path to the meshmind config file.
// Priority: MESHMIND_CONFIG env var > XDG_CONFIG_HOME/meshmind/config.yaml > ~/.config/meshmind/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MESHMIND_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "meshmind", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: meshmind <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the mesh agent")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  nodes      List mesh nodes seen on the network")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "init":
		err = runInit()
	case "nodes":
		err = runNodes(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", getConfigPath(), "config file path")

	mqttHost := fs.String("mqtt-host", "", "override mqtt broker host")
	mqttPort := fs.Int("mqtt-port", 0, "override mqtt broker port")
	mqttUser := fs.String("mqtt-username", "", "override mqtt username")
	mqttPass := fs.String("mqtt-password", "", "override mqtt password")
	tcpHost := fs.String("tcp-host", "", "override radio stream host")
	tcpPort := fs.Int("tcp-port", 0, "override radio stream port")
	nodeID := fs.String("node-id", "", "override agent node id")
	private := fs.Bool("private", false, "respond only to direct and dedicated-channel messages")
	broadcast := fs.Bool("broadcast", false, "respond to all eligible messages")
	llmChannel := fs.String("llm-channel", "", "override dedicated channel name")
	llmResponse := fs.String("llm-response-channel", "", "override response channel name")
	noLLM := fs.Bool("no-llm-channel", false, "disable the dedicated channel")
	startupMsg := fs.String("startup-message", "", "override startup broadcast message")
	model := fs.String("model", "", "override model name")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *private && *broadcast {
		return fmt.Errorf("--private and --broadcast are mutually exclusive")
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Flags win over the file
	if *mqttHost != "" {
		cfg.MQTT.Host = *mqttHost
	}
	if *mqttPort != 0 {
		cfg.MQTT.Port = *mqttPort
	}
	if *mqttUser != "" {
		cfg.MQTT.Username = *mqttUser
	}
	if *mqttPass != "" {
		cfg.MQTT.Password = *mqttPass
	}
	if *tcpHost != "" {
		cfg.Stream.Host = *tcpHost
	}
	if *tcpPort != 0 {
		cfg.Stream.Port = *tcpPort
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *private {
		cfg.Agent.Mode = "private"
	}
	if *broadcast {
		cfg.Agent.Mode = "broadcast"
	}
	if *llmChannel != "" {
		cfg.Channels.LLMName = *llmChannel
	}
	if *llmResponse != "" {
		cfg.Channels.LLMResponseName = *llmResponse
	}
	if *noLLM {
		cfg.Channels.LLM = false
	}
	if *startupMsg != "" {
		cfg.Agent.StartupMessage = *startupMsg
	}
	if *model != "" {
		cfg.Model.Name = *model
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("Node:    %s\n", cfg.Node.ID)
	green.Print("    ▶ ")
	fmt.Printf("Broker:  %s\n", cfg.MQTT.BrokerURL())
	green.Print("    ▶ ")
	fmt.Printf("Radio:   %s\n", cfg.Stream.Addr())
	green.Print("    ▶ ")
	fmt.Printf("Model:   %s\n", cfg.Model.Name)
	green.Print("    ▶ ")
	fmt.Printf("Mode:    %s\n", cfg.Agent.Mode)
	if cfg.Channels.LLM {
		green.Print("    ▶ ")
		fmt.Printf("Channel: ")
		cyan.Print(cfg.Channels.RequestTopic())
		gray.Printf(" → %s\n", cfg.Channels.ResponseTopic())
	}
	fmt.Println()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	return eng.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runNodes prints the node directory, most recently seen first.
func runNodes(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dir, err := nodes.Open(cfg.Database.Path, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return fmt.Errorf("opening node directory: %w", err)
	}
	defer dir.Close()

	entries, err := dir.List(ctx, 50)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no nodes seen yet")
		return nil
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("%-12s %-24s %-6s %-12s %s\n", "ID", "LONG NAME", "SHORT", "HARDWARE", "LAST SEEN")
	for _, n := range entries {
		fmt.Printf("%-12s %-24s %-6s %-12s %s\n",
			n.ID, n.LongName, n.ShortName, n.Hardware, n.LastSeen.Format("2006-01-02 15:04"))
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("meshmind configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Mesh Configuration ---")
	nodeID := prompt(reader, "Agent node id (!hex)", "")
	tcpHost := prompt(reader, "Radio TCP host", "localhost")
	tcpPort := prompt(reader, "Radio TCP port", "4403")

	fmt.Println("\n--- Broker Configuration ---")
	mqttHost := prompt(reader, "MQTT host", "mqtt.meshtastic.org")
	mqttPort := prompt(reader, "MQTT port", "1883")
	mqttUser := prompt(reader, "MQTT username", "meshdev")
	mqttPass := prompt(reader, "MQTT password", "large4cats")
	topicRoot := prompt(reader, "Topic root", "msh/US/2/json")

	fmt.Println("\n--- Model Configuration ---")
	model := prompt(reader, "Model name", "llama3.2")
	mode := prompt(reader, "Response mode (private/broadcast)", "private")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# meshmind configuration\n")
	cfg.WriteString("# Generated by meshmind init\n\n")

	cfg.WriteString("node:\n")
	cfg.WriteString(fmt.Sprintf("  id: \"%s\"\n\n", nodeID))

	cfg.WriteString("stream:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", tcpHost))
	cfg.WriteString(fmt.Sprintf("  port: %s\n\n", tcpPort))

	cfg.WriteString("mqtt:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", mqttHost))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", mqttPort))
	cfg.WriteString(fmt.Sprintf("  username: \"%s\"\n", mqttUser))
	cfg.WriteString(fmt.Sprintf("  password: \"%s\"\n\n", mqttPass))

	cfg.WriteString("channels:\n")
	cfg.WriteString(fmt.Sprintf("  root: \"%s\"\n", topicRoot))
	cfg.WriteString("  llm: true\n")
	cfg.WriteString("  llm_name: \"llm\"\n")
	cfg.WriteString("  llm_response_name: \"llmres\"\n")
	cfg.WriteString("  llm_index: 2\n")
	cfg.WriteString("  nodeinfo: true\n\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  mode: \"%s\"\n", mode))
	cfg.WriteString("  startup_message: \"📢 LLM Agent is now online\"\n\n")

	cfg.WriteString("model:\n")
	cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n\n", model))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the agent:")
	fmt.Printf("  meshmind serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
