// Package settings loads quill's configuration from defaults, an optional
// quill.yaml file, and QUILL_* environment overrides.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the synchronous snapshot handed to the core on each read.
type Settings struct {
	// Pipeline behavior
	MaxRetryAttempts int  `mapstructure:"max_retry_attempts"`
	EnableAutoVerify bool `mapstructure:"enable_auto_verify"`
	Concurrency      int  `mapstructure:"concurrency"`

	// Duplicate detection
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	DedupTopK           int     `mapstructure:"dedup_top_k"`

	// Vault layout: "flat" or "by-type"
	DirectoryScheme string `mapstructure:"directory_scheme"`
	VaultDir        string `mapstructure:"vault_dir"`
	StateDir        string `mapstructure:"state_dir"`

	// Provider
	ProviderID      string  `mapstructure:"provider_id"`
	ChatModel       string  `mapstructure:"chat_model"`
	EmbedModel      string  `mapstructure:"embed_model"`
	EmbedDimensions int     `mapstructure:"embed_dimensions"`
	Temperature     float64 `mapstructure:"temperature"`
	TopP            float64 `mapstructure:"top_p"`
	MaxTokens       int     `mapstructure:"max_tokens"`

	// RequestTimeoutSeconds bounds each provider call. The queue imposes no
	// independent wall-clock ceiling; this is the only execution bound.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// RequestTimeout returns the provider call timeout as a duration.
func (s Settings) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// Validate checks ranges and enumerations.
func (s Settings) Validate() error {
	if s.MaxRetryAttempts < 1 || s.MaxRetryAttempts > 10 {
		return fmt.Errorf("max_retry_attempts must be 1-10 (got %d)", s.MaxRetryAttempts)
	}
	if s.Concurrency < 1 || s.Concurrency > 64 {
		return fmt.Errorf("concurrency must be 1-64 (got %d)", s.Concurrency)
	}
	if s.SimilarityThreshold < 0.0 || s.SimilarityThreshold > 1.0 {
		return fmt.Errorf("similarity_threshold must be 0.0-1.0 (got %.2f)", s.SimilarityThreshold)
	}
	if s.DedupTopK < 1 {
		return fmt.Errorf("dedup_top_k must be positive (got %d)", s.DedupTopK)
	}
	if s.DirectoryScheme != "flat" && s.DirectoryScheme != "by-type" {
		return fmt.Errorf("directory_scheme must be %q or %q (got %q)", "flat", "by-type", s.DirectoryScheme)
	}
	if s.EmbedDimensions < 1 {
		return fmt.Errorf("embed_dimensions must be positive (got %d)", s.EmbedDimensions)
	}
	if s.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout_seconds must be positive (got %d)", s.RequestTimeoutSeconds)
	}
	return nil
}

// Store reads settings through viper. GetSettings is synchronous and cheap;
// callers re-read rather than caching.
type Store struct {
	v *viper.Viper
}

// NewStore creates a store with defaults applied, env overrides bound, and
// the config file (if present) loaded. A missing config file is not an error.
func NewStore(configPath string) (*Store, error) {
	v := viper.New()

	v.SetDefault("max_retry_attempts", 3)
	v.SetDefault("enable_auto_verify", false)
	v.SetDefault("concurrency", 1)
	v.SetDefault("similarity_threshold", 0.85)
	v.SetDefault("dedup_top_k", 20)
	v.SetDefault("directory_scheme", "by-type")
	v.SetDefault("vault_dir", "vault")
	v.SetDefault("state_dir", ".quill")
	v.SetDefault("provider_id", "anthropic")
	v.SetDefault("chat_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("embed_model", "voyage-3")
	v.SetDefault("embed_dimensions", 1024)
	v.SetDefault("temperature", 0.2)
	v.SetDefault("top_p", 1.0)
	v.SetDefault("max_tokens", 4096)
	v.SetDefault("request_timeout_seconds", 60)

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("quill")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Store{v: v}, nil
}

// GetSettings returns the current settings snapshot.
func (s *Store) GetSettings() Settings {
	var out Settings
	// Unmarshal cannot fail for this all-scalar struct with defaults set.
	_ = s.v.Unmarshal(&out)
	return out
}

// Set overrides one key in-process. Used by tests and CLI flags.
func (s *Store) Set(key string, value interface{}) {
	s.v.Set(key, value)
}
