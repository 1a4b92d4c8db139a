// Package config loads warden's settings: built-in defaults, then an
// optional YAML file, then WARDEN_* environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/warden/observability"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WARDEN_"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid config")

// Config is the complete configuration of the warden binary.
type Config struct {
	Model   ModelConfig                 `yaml:"model" envPrefix:"MODEL_"`
	Session SessionConfig               `yaml:"session" envPrefix:"SESSION_"`
	Backend BackendConfig               `yaml:"backend" envPrefix:"BACKEND_"`
	Paths   PathsConfig                 `yaml:"paths" envPrefix:"PATHS_"`
	Tools   ToolsConfig                 `yaml:"tools" envPrefix:"TOOLS_"`
	Log     LogConfig                   `yaml:"log" envPrefix:"LOG_"`
	Server  ServerConfig                `yaml:"server" envPrefix:"SERVER_"`
	Tracing observability.TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// ModelConfig selects the model and how it is called.
type ModelConfig struct {
	Provider          string  `yaml:"provider" env:"PROVIDER" validate:"required"`
	Name              string  `yaml:"name" env:"NAME" validate:"required"`
	APIKey            string  `yaml:"api_key" env:"API_KEY"`
	MaxOutputTokens   int     `yaml:"max_output_tokens" env:"MAX_OUTPUT_TOKENS" validate:"gte=0"`
	Temperature       float64 `yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
	MaxAttempts       int     `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"gte=1,lte=10"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND" validate:"gte=0"`
	Burst             int     `yaml:"burst" env:"BURST" validate:"gte=0"`
}

// SessionConfig holds the defaults applied to sessions and tasks.
type SessionConfig struct {
	WorkspaceID         string        `yaml:"workspace_id" env:"WORKSPACE_ID"`
	WorkspaceRoot       string        `yaml:"workspace_root" env:"WORKSPACE_ROOT"`
	Instructions        string        `yaml:"instructions" env:"INSTRUCTIONS"`
	MaxSteps            int           `yaml:"max_steps" env:"MAX_STEPS" validate:"gte=1"`
	MaxContinuations    int           `yaml:"max_continuations" env:"MAX_CONTINUATIONS" validate:"gte=0"`
	ApprovalMode        string        `yaml:"approval_mode" env:"APPROVAL_MODE" validate:"oneof=policy strict headless"`
	ApprovalTimeout     time.Duration `yaml:"approval_timeout" env:"APPROVAL_TIMEOUT" validate:"gt=0"`
	RecencyWindow       int           `yaml:"recency_window" env:"RECENCY_WINDOW" validate:"gte=0"`
	LoopDetectionWindow int           `yaml:"loop_detection_window" env:"LOOP_DETECTION_WINDOW"`
	EventBuffer         int           `yaml:"event_buffer" env:"EVENT_BUFFER" validate:"gte=0"`
}

// BackendConfig locates the session registrar and the history store.
type BackendConfig struct {
	// URL of the remote backend. Empty means local operation from
	// HandshakeFile.
	URL           string        `yaml:"url" env:"URL" validate:"omitempty,url"`
	Token         string        `yaml:"token" env:"TOKEN"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`
	HandshakeFile string        `yaml:"handshake_file" env:"HANDSHAKE_FILE"`
	// History is where thread snapshots go: remote, sqlite, file or none.
	History string `yaml:"history" env:"HISTORY" validate:"oneof=remote sqlite file none"`
}

// PathsConfig places local state. Empty directories derive from StateDir.
type PathsConfig struct {
	StateDir      string `yaml:"state_dir" env:"STATE_DIR"`
	CheckpointDir string `yaml:"checkpoint_dir" env:"CHECKPOINT_DIR"`
	ArtifactDir   string `yaml:"artifact_dir" env:"ARTIFACT_DIR"`
	HistoryDir    string `yaml:"history_dir" env:"HISTORY_DIR"`
	Database      string `yaml:"database" env:"DATABASE"`
	// AgeIdentity, when set, encrypts checkpoints at rest.
	AgeIdentity string `yaml:"age_identity" env:"AGE_IDENTITY"`
}

// ToolsConfig tunes the local tool host.
type ToolsConfig struct {
	ShellTimeout    time.Duration `yaml:"shell_timeout" env:"SHELL_TIMEOUT" validate:"gte=0"`
	ShellMaxTimeout time.Duration `yaml:"shell_max_timeout" env:"SHELL_MAX_TIMEOUT" validate:"gte=0"`
	// KillOnTimeout kills a timed-out shell command's process group
	// instead of leaving it running.
	KillOnTimeout  bool          `yaml:"kill_on_timeout" env:"KILL_ON_TIMEOUT"`
	MaxReadBytes   int64         `yaml:"max_read_bytes" env:"MAX_READ_BYTES" validate:"gte=0"`
	FetchCacheSize int           `yaml:"fetch_cache_size" env:"FETCH_CACHE_SIZE" validate:"gte=0"`
	FetchCacheTTL  time.Duration `yaml:"fetch_cache_ttl" env:"FETCH_CACHE_TTL" validate:"gte=0"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=text json"`
}

// ServerConfig configures `warden serve`.
type ServerConfig struct {
	Addr        string `yaml:"addr" env:"ADDR" validate:"required"`
	MetricsPath string `yaml:"metrics_path" env:"METRICS_PATH" validate:"startswith=/"`
	// AllowedOrigins are browser origins admitted besides same-origin pages.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:"," validate:"dive,url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "anthropic",
			Name:        "claude-sonnet-4-5",
			Temperature: 0.2,
			MaxAttempts: 3,
		},
		Session: SessionConfig{
			MaxSteps:         20,
			MaxContinuations: 4,
			ApprovalMode:     "policy",
			ApprovalTimeout:  5 * time.Minute,
		},
		Backend: BackendConfig{
			Timeout: 30 * time.Second,
			History: "sqlite",
		},
		Tools: ToolsConfig{
			ShellTimeout:    2 * time.Minute,
			ShellMaxTimeout: 10 * time.Minute,
			MaxReadBytes:    10 << 20,
			FetchCacheSize:  64,
			FetchCacheTTL:   5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:7420",
			MetricsPath: "/metrics",
		},
		Tracing: observability.TracingConfig{
			Exporter:    "otlp",
			SampleRate:  1,
			ServiceName: "warden",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Backend.History == "remote" && c.Backend.URL == "" {
		return fmt.Errorf("%w: backend.history is remote but backend.url is empty", ErrInvalid)
	}
	if c.Tools.ShellMaxTimeout > 0 && c.Tools.ShellMaxTimeout < c.Tools.ShellTimeout {
		return fmt.Errorf("%w: tools.shell_max_timeout is below tools.shell_timeout", ErrInvalid)
	}
	return nil
}

// resolvePaths fills empty state paths from StateDir, which defaults to
// ~/.warden.
func (c *Config) resolvePaths() error {
	p := &c.Paths
	if p.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("locate state dir: %w", err)
		}
		p.StateDir = filepath.Join(home, ".warden")
	}
	p.StateDir = expandHome(p.StateDir)
	derive := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(p.StateDir, name)
		}
		*dst = expandHome(*dst)
	}
	derive(&p.CheckpointDir, "checkpoints")
	derive(&p.ArtifactDir, "artifacts")
	derive(&p.HistoryDir, "history")
	derive(&p.Database, "warden.db")
	if p.AgeIdentity != "" {
		p.AgeIdentity = expandHome(p.AgeIdentity)
	}
	if c.Backend.HandshakeFile == "" {
		c.Backend.HandshakeFile = filepath.Join(p.StateDir, "handshake.yaml")
	}
	c.Backend.HandshakeFile = expandHome(c.Backend.HandshakeFile)
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
