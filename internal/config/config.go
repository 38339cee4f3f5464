package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL            = "http://127.0.0.1:11434"
	DefaultSummarizeModel     = "llama3.2"
	DefaultEmbedModel         = "auto"
	DefaultTarget             = "claude"
	DefaultSessionMaxTokens   = 4000
	DefaultKeepRecentMessages = 10
	DefaultSummarizeThreshold = 500
	DefaultMaxInjectionTokens = 2000
	DefaultRetentionDays      = 30
	DefaultSweepSchedule      = "0 30 3 * * *"
)

type Config struct {
	Target      string            `json:"target" yaml:"target"`
	Provider    ProviderConfig    `json:"provider" yaml:"provider"`
	Session     SessionConfig     `json:"session" yaml:"session"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
}

// ProviderConfig points at the local inference service used for both
// summarization and embeddings. EmbedModel "auto" means detect one from the
// service's model listing.
type ProviderConfig struct {
	BaseURL        string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	SummarizeModel string `json:"summarizeModel,omitempty" yaml:"summarizeModel,omitempty"`
	EmbedModel     string `json:"embedModel,omitempty" yaml:"embedModel,omitempty"`
}

type SessionConfig struct {
	Dir                string `json:"dir,omitempty" yaml:"dir,omitempty"`
	MaxTokens          int    `json:"maxTokens" yaml:"maxTokens"`
	KeepRecentMessages int    `json:"keepRecentMessages" yaml:"keepRecentMessages"`
	AutoSave           bool   `json:"autoSave" yaml:"autoSave"`
}

type MemoryConfig struct {
	DBPath             string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	SummarizeThreshold int    `json:"summarizeThreshold" yaml:"summarizeThreshold"`
	MaxInjectionTokens int    `json:"maxInjectionTokens" yaml:"maxInjectionTokens"`
	PreferSummaries    bool   `json:"preferSummaries" yaml:"preferSummaries"`
}

type MaintenanceConfig struct {
	Enabled              bool   `json:"enabled" yaml:"enabled"`
	Schedule             string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	SessionRetentionDays int    `json:"sessionRetentionDays" yaml:"sessionRetentionDays"`
}

func DefaultConfig() *Config {
	return &Config{
		Target: DefaultTarget,
		Provider: ProviderConfig{
			BaseURL:        DefaultBaseURL,
			SummarizeModel: DefaultSummarizeModel,
			EmbedModel:     DefaultEmbedModel,
		},
		Session: SessionConfig{
			Dir:                filepath.Join(ConfigDir(), "sessions"),
			MaxTokens:          DefaultSessionMaxTokens,
			KeepRecentMessages: DefaultKeepRecentMessages,
			AutoSave:           true,
		},
		Memory: MemoryConfig{
			DBPath:             filepath.Join(ConfigDir(), "memory.db"),
			SummarizeThreshold: DefaultSummarizeThreshold,
			MaxInjectionTokens: DefaultMaxInjectionTokens,
			PreferSummaries:    true,
		},
		Maintenance: MaintenanceConfig{
			Enabled:              false,
			Schedule:             DefaultSweepSchedule,
			SessionRetentionDays: DefaultRetentionDays,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".promptmem")
}

// Load reads config.json (or config.yaml) from the config dir, falling back
// to defaults when neither exists.
func Load() (*Config, error) {
	return LoadFrom(ConfigDir())
}

// LoadFrom reads config from an explicit directory. JSON wins when both
// formats are present.
func LoadFrom(dir string) (*Config, error) {
	cfg := DefaultConfig()

	jsonPath := filepath.Join(dir, "config.json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", jsonPath, err)
		}
		return cfg, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		return cfg, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return cfg, nil
}

// Save writes the config as JSON into dir, creating it if needed.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
