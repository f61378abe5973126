// Package config loads autopilot settings from a yaml file and
// AUTOPILOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/martinemde/autopilot/agentloop"
	"github.com/martinemde/autopilot/builtin"
	"github.com/martinemde/autopilot/observability"
	"github.com/martinemde/autopilot/server"
	"github.com/martinemde/autopilot/unifiedllm"
)

// EnvPrefix prefixes every environment override, e.g. AUTOPILOT_SERVER_ADDR.
const EnvPrefix = "AUTOPILOT"

// Config is the full application configuration.
type Config struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	WorkingDir  string  `mapstructure:"working_dir"`

	Server        server.Config                       `mapstructure:"server"`
	Session       agentloop.SessionDefaults           `mapstructure:"session"`
	LoopDetection agentloop.LoopDetectorConfig        `mapstructure:"loop_detection"`
	Streaming     agentloop.ChunkPolicy               `mapstructure:"streaming"`
	Continuation  agentloop.DefaultContinuationPolicy `mapstructure:"continuation"`
	Tools         builtin.Options                     `mapstructure:"tools"`
	History       HistoryConfig                       `mapstructure:"history"`
	Policy        PolicyConfig                        `mapstructure:"policy"`
	Log           LogConfig                           `mapstructure:"log"`
	Retry         unifiedllm.RetryPolicy              `mapstructure:"retry"`
}

// HistoryConfig selects where session history is persisted.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PolicyConfig selects the rego policy consulted before tool calls. An
// empty Path uses the built-in default policy.
type PolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() observability.Level {
	return observability.ParseLevel(c.Log.Level)
}

// DataDir returns the directory for autopilot's persistent data, following
// XDG_DATA_HOME when it is set.
func DataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "autopilot"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "autopilot"), nil
}

// ConfigDir returns the directory searched for autopilot.yaml.
func ConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "autopilot"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "autopilot"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "openai")
	v.SetDefault("model", "")
	v.SetDefault("api_key", "")
	v.SetDefault("max_tokens", 4096)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("working_dir", "")

	srv := server.DefaultConfig()
	v.SetDefault("server.addr", srv.Addr)
	v.SetDefault("server.read_timeout", srv.ReadTimeout)
	v.SetDefault("server.write_timeout", srv.WriteTimeout)
	v.SetDefault("server.ping_interval", srv.PingInterval)
	v.SetDefault("server.send_buffer", srv.SendBuffer)
	v.SetDefault("server.max_message_size", srv.MaxMessageSize)

	sess := agentloop.DefaultSessionDefaults()
	v.SetDefault("session.max_turns", sess.MaxTurns)
	v.SetDefault("session.timeout", sess.Timeout)
	v.SetDefault("session.history_limit", sess.HistoryLimit)
	v.SetDefault("session.max_consecutive_errors", sess.MaxConsecutiveErrors)
	v.SetDefault("session.system_prompt", sess.SystemPrompt)

	loop := agentloop.DefaultLoopDetectorConfig()
	v.SetDefault("loop_detection.enabled", loop.Enabled)
	v.SetDefault("loop_detection.history_size", loop.HistorySize)
	v.SetDefault("loop_detection.threshold", loop.Threshold)
	v.SetDefault("loop_detection.similarity_threshold", loop.SimilarityThreshold)
	// Unset falls back to similarity_threshold, which flags sweeps like
	// read_file(a.txt), read_file(b.txt), read_file(c.txt). Above 1 disables.
	v.SetDefault("loop_detection.tool_similarity_threshold", loop.ToolSimilarityThreshold)
	v.SetDefault("loop_detection.excerpt_threshold", loop.ExcerptThreshold)
	v.SetDefault("loop_detection.excerpt_length", loop.ExcerptLength)

	chunk := agentloop.DefaultChunkPolicy()
	v.SetDefault("streaming.max_chars", chunk.MaxChars)
	v.SetDefault("streaming.words_per_chunk", chunk.WordsPerChunk)
	v.SetDefault("streaming.delay", chunk.Delay)

	v.SetDefault("continuation.completion_phrases", []string{})
	v.SetDefault("continuation.max_result_chars", 0)

	tools := builtin.DefaultOptions()
	v.SetDefault("tools.default_timeout", tools.DefaultTimeout)
	v.SetDefault("tools.max_timeout", tools.MaxTimeout)
	v.SetDefault("tools.max_read_lines", tools.MaxReadLines)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "")

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	retry := unifiedllm.DefaultRetryPolicy()
	v.SetDefault("retry.max_retries", retry.MaxRetries)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("retry.multiplier", retry.Multiplier)
	v.SetDefault("retry.jitter", retry.Jitter)
}

// Load reads configuration. When path is empty, autopilot.yaml is looked
// up in the working directory and then the config directory; a missing
// file is not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("autopilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := ConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		dir, err := DataDir()
		if err != nil {
			return nil, err
		}
		cfg.History.Path = filepath.Join(dir, "history.db")
	}
	cfg.APIKey = os.ExpandEnv(cfg.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, n int64) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}

	if strings.TrimSpace(c.Provider) == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	positive("max_tokens", int64(c.MaxTokens))
	positive("session.max_turns", int64(c.Session.MaxTurns))
	positive("session.timeout", int64(c.Session.Timeout))
	positive("session.history_limit", int64(c.Session.HistoryLimit))
	positive("server.send_buffer", int64(c.Server.SendBuffer))
	positive("streaming.max_chars", int64(c.Streaming.MaxChars))
	positive("streaming.words_per_chunk", int64(c.Streaming.WordsPerChunk))
	positive("tools.max_timeout", int64(c.Tools.MaxTimeout))

	if c.LoopDetection.Enabled {
		positive("loop_detection.threshold", int64(c.LoopDetection.Threshold))
		if s := c.LoopDetection.SimilarityThreshold; s <= 0 || s > 1 {
			errs = append(errs, fmt.Errorf("loop_detection.similarity_threshold must be in (0, 1], got %g", s))
		}
	}
	if c.Streaming.Delay < 0 {
		errs = append(errs, fmt.Errorf("streaming.delay must not be negative, got %s", c.Streaming.Delay))
	}
	if c.Tools.DefaultTimeout > c.Tools.MaxTimeout {
		errs = append(errs, fmt.Errorf("tools.default_timeout %s exceeds tools.max_timeout %s", c.Tools.DefaultTimeout, c.Tools.MaxTimeout))
	}
	if c.Session.MaxConsecutiveErrors < 0 {
		errs = append(errs, fmt.Errorf("session.max_consecutive_errors must not be negative, got %d", c.Session.MaxConsecutiveErrors))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ModelName returns the configured model or the provider's default.
func (c *Config) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	return unifiedllm.DefaultModel(c.Provider)
}
