// Package config loads memod configuration from an optional YAML file
// under the data directory, with environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all memod configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Data     DataConfig     `mapstructure:"data"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Embedder EmbedderConfig `mapstructure:"embedder"`
	Index    IndexConfig    `mapstructure:"index"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DataConfig struct {
	Dir        string `mapstructure:"dir"`         // defaults to ~/.memod
	MemoryFile string `mapstructure:"memory_file"` // relative to Dir
	AuditFile  string `mapstructure:"audit_file"`
	DBFile     string `mapstructure:"db_file"`
}

type AdminConfig struct {
	// Key authenticates /admin endpoints. Empty disables them.
	// MEMOD_ADMIN_KEY overrides the file value.
	Key string `mapstructure:"key"`
}

type EmbedderConfig struct {
	Provider   string `mapstructure:"provider"` // "ollama" or "hash"
	OllamaURL  string `mapstructure:"ollama_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

type IndexConfig struct {
	DebounceMS int `mapstructure:"debounce_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.port", 7438)

	v.SetDefault("data.dir", "")
	v.SetDefault("data.memory_file", "memories.json")
	v.SetDefault("data.audit_file", filepath.Join("logs", "audit.jsonl"))
	v.SetDefault("data.db_file", "memod.db")

	v.SetDefault("admin.key", "")

	v.SetDefault("embedder.provider", "ollama")
	v.SetDefault("embedder.ollama_url", "http://localhost:11434")
	v.SetDefault("embedder.model", "nomic-embed-text")
	v.SetDefault("embedder.dimensions", 768)

	v.SetDefault("index.debounce_ms", 2000)
}

// Load reads configuration from <dir>/config.yaml if present, falling
// back to defaults. Pass "" to use ~/.memod.
func Load(dir string) (*Config, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".memod")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	setDefaults(v)
	v.BindEnv("admin.key", "MEMOD_ADMIN_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Embedder.Provider != "ollama" && c.Embedder.Provider != "hash" {
		return fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Dimensions <= 0 {
		return fmt.Errorf("embedder dimensions must be positive")
	}
	if c.Index.DebounceMS <= 0 {
		return fmt.Errorf("index debounce must be positive")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// MemoryPath returns the absolute path of the memory log document.
func (c *Config) MemoryPath() string { return filepath.Join(c.Data.Dir, c.Data.MemoryFile) }

// AuditPath returns the absolute path of the audit log.
func (c *Config) AuditPath() string { return filepath.Join(c.Data.Dir, c.Data.AuditFile) }

// DBPath returns the absolute path of the sqlite database.
func (c *Config) DBPath() string { return filepath.Join(c.Data.Dir, c.Data.DBFile) }
