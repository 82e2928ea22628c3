// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/lookup"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Provider kinds.
const (
	ProviderAzure  = "azure"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Storage kinds.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// DefaultSystemPrompt is the directive used when none is configured.
const DefaultSystemPrompt = "너는 친절한 AI 챗봇이야. 사용자의 질문에 한국어로 대답해줘."

// Config holds all Parley configuration.
type Config struct {
	Listen    ListenConfig       `yaml:"listen"`
	Provider  ProviderConfig     `yaml:"provider"`
	Chat      ChatConfig         `yaml:"chat"`
	Lookup    []LookupToolConfig `yaml:"lookup"`
	Storage   StorageConfig      `yaml:"storage"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	LogLevel  string             `yaml:"log_level"`
	LogFormat string             `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig selects the completion backend.
type ProviderConfig struct {
	Kind       string `yaml:"kind"` // azure, openai, ollama
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"` // Azure only
	Model      string `yaml:"model"`       // Azure deployment name for kind azure
}

// ChatConfig holds the conversation settings applied to every turn.
type ChatConfig struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`

	// ToolChoice is "auto", "none", or "forced:<tool>".
	ToolChoice string `yaml:"tool_choice"`

	// Tools limits the offered tools. Empty offers every lookup tool.
	Tools []string `yaml:"tools"`

	FallbackMessage   string        `yaml:"fallback_message"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
}

// LookupToolConfig declares one canned lookup tool.
type LookupToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Fallback    string         `yaml:"fallback"`
	Entries     []lookup.Entry `yaml:"entries"`
}

// StorageConfig selects where conversations live.
type StorageConfig struct {
	Kind    string `yaml:"kind"` // memory or sqlite
	DataDir string `yaml:"data_dir"`
}

// DBPath returns the SQLite database location.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, "parley.db")
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file. Values absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration. The Azure credentials come
// from AZURE_OAI_KEY and AZURE_OAI_ENDPOINT.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Provider: ProviderConfig{
			Kind:       ProviderAzure,
			Endpoint:   os.Getenv("AZURE_OAI_ENDPOINT"),
			APIKey:     os.Getenv("AZURE_OAI_KEY"),
			APIVersion: llm.DefaultAzureAPIVersion,
			Model:      "gpt-4o-mini",
		},
		Chat: ChatConfig{
			SystemPrompt:      DefaultSystemPrompt,
			Temperature:       0.7,
			ToolChoice:        "auto",
			CompletionTimeout: 60 * time.Second,
			ToolTimeout:       10 * time.Second,
		},
		Storage: StorageConfig{
			Kind:    StorageMemory,
			DataDir: "./data",
		},
		Metrics:   MetricsConfig{Enabled: true},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// applyDefaults fills settings that depend on other settings.
func (c *Config) applyDefaults() {
	c.Provider.Kind = strings.ToLower(strings.TrimSpace(c.Provider.Kind))
	if c.Provider.Kind == ProviderOllama && c.Provider.Endpoint == "" {
		c.Provider.Endpoint = "http://localhost:11434"
	}
	if c.Provider.Kind == ProviderAzure && c.Provider.APIVersion == "" {
		c.Provider.APIVersion = llm.DefaultAzureAPIVersion
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	c.Storage.DataDir = expandHome(c.Storage.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}

	switch c.Provider.Kind {
	case ProviderAzure:
		if c.Provider.Endpoint == "" {
			return fmt.Errorf("provider.endpoint is required for azure (set AZURE_OAI_ENDPOINT)")
		}
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for azure (set AZURE_OAI_KEY)")
		}
	case ProviderOpenAI:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for openai")
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown provider.kind %q (valid: azure, openai, ollama)", c.Provider.Kind)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}

	if math.IsNaN(c.Chat.Temperature) || c.Chat.Temperature < 0 || c.Chat.Temperature > 1 {
		return fmt.Errorf("chat.temperature %.2f out of range [0, 1]", c.Chat.Temperature)
	}
	choice, err := llm.ParseToolChoice(c.Chat.ToolChoice)
	if err != nil {
		return fmt.Errorf("chat.tool_choice: %w", err)
	}
	if c.Chat.CompletionTimeout <= 0 || c.Chat.ToolTimeout <= 0 {
		return fmt.Errorf("chat timeouts must be positive")
	}

	names := make(map[string]bool, len(c.Lookup))
	for i, t := range c.Lookup {
		if t.Name == "" {
			return fmt.Errorf("lookup[%d]: name is required", i)
		}
		if names[t.Name] {
			return fmt.Errorf("lookup[%d]: duplicate tool name %q", i, t.Name)
		}
		names[t.Name] = true
	}
	for _, name := range c.Chat.Tools {
		if !names[name] {
			return fmt.Errorf("chat.tools: %q is not a configured lookup tool", name)
		}
	}
	if choice.Mode == llm.ToolChoiceForced && !names[choice.Name] {
		return fmt.Errorf("chat.tool_choice: forced tool %q is not a configured lookup tool", choice.Name)
	}

	switch c.Storage.Kind {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown storage.kind %q (valid: memory, sqlite)", c.Storage.Kind)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}

// ToolChoice returns the parsed chat.tool_choice policy.
func (c *Config) ToolChoice() llm.ToolChoice {
	choice, _ := llm.ParseToolChoice(c.Chat.ToolChoice)
	return choice
}
