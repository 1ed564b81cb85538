package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all unicorn configuration.
type Config struct {
	Name string `yaml:"name"`

	// Session credentials and identity
	Session SessionConfig `yaml:"session"`

	// Reconnect policy
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Messaging backend transport
	Backend BackendConfig `yaml:"backend"`

	// Plugin directory and loader policy
	Plugins PluginsConfig `yaml:"plugins"`

	// In-memory store checkpoints
	Store StoreConfig `yaml:"store"`

	// Periodic background tasks
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`

	// HTTP admin server
	Admin AdminConfig `yaml:"admin"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	envProblems []string
}

// SessionConfig configures the credential bootstrap.
type SessionConfig struct {
	ID            string `yaml:"id"`             // encoded session string, usually from SESSION_ID
	Tag           string `yaml:"tag"`            // expected "<tag>~" prefix of ID
	CredsDir      string `yaml:"creds_dir"`      // directory holding creds.json
	Welcome       string `yaml:"welcome"`        // sent to the bot's own chat on open; empty disables
	PairingNumber string `yaml:"pairing_number"` // phone number used with --pairing-code
}

// ReconnectConfig configures the disconnect policy.
type ReconnectConfig struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	BaseDelay    string `yaml:"base_delay"`    // backoff delay = base_delay * attempt
	RestartDelay string `yaml:"restart_delay"` // delay after restart-required
	TimeoutDelay string `yaml:"timeout_delay"` // delay after timed-out
}

// BackendConfig configures the websocket session backend.
type BackendConfig struct {
	URL          string   `yaml:"url"`
	Browser      []string `yaml:"browser"`
	DialTimeout  string   `yaml:"dial_timeout"`
	PingInterval string   `yaml:"ping_interval"`
	PongTimeout  string   `yaml:"pong_timeout"`
}

// PluginsConfig configures the plugin loader and watcher.
type PluginsConfig struct {
	Dir            string   `yaml:"dir"`
	Extension      string   `yaml:"extension"`
	Debounce       string   `yaml:"debounce"`
	Prefix         string   `yaml:"prefix"` // characters that start a command
	AllowedImports []string `yaml:"allowed_imports"`
	LoadTimeout    string   `yaml:"load_timeout"`
}

// StoreConfig configures the in-memory store.
type StoreConfig struct {
	Path               string `yaml:"path"`
	CheckpointInterval string `yaml:"checkpoint_interval"`
}

// HousekeepingConfig configures periodic cleanup.
type HousekeepingConfig struct {
	TmpDir         string `yaml:"tmp_dir"`
	TmpInterval    string `yaml:"tmp_interval"`
	TmpMaxAge      string `yaml:"tmp_max_age"`
	PreKeyInterval string `yaml:"prekey_interval"`
}

// AdminConfig configures the HTTP admin server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultPrefix is the command prefix character set used when PREFIX is unset.
const DefaultPrefix = "*/i!#$%+£¢€¥^°=¶∆×÷π√✓©®:;?&.\\-.@"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "unicorn",

		Session: SessionConfig{
			Tag:      "Silva",
			CredsDir: "session",
		},

		Reconnect: ReconnectConfig{
			MaxAttempts:  5,
			BaseDelay:    "3s",
			RestartDelay: "3s",
			TimeoutDelay: "2s",
		},

		Backend: BackendConfig{
			URL:          "ws://127.0.0.1:8765/session",
			Browser:      []string{"chrome (linux)", "", ""},
			DialTimeout:  "20s",
			PingInterval: "30s",
			PongTimeout:  "60s",
		},

		Plugins: PluginsConfig{
			Dir:       "plugins",
			Extension: ".go",
			Debounce:  "300ms",
			Prefix:    DefaultPrefix,
			AllowedImports: []string{
				"bytes", "encoding/base64", "encoding/json", "errors", "fmt",
				"math", "math/rand", "regexp", "sort", "strconv", "strings",
				"time", "unicode", "unicode/utf8",
			},
			LoadTimeout: "10s",
		},

		Store: StoreConfig{
			Path:               "session.db",
			CheckpointInterval: "60s",
		},

		Housekeeping: HousekeepingConfig{
			TmpDir:         "tmp",
			TmpInterval:    "2m",
			TmpMaxAge:      "3m",
			PreKeyInterval: "10m",
		},

		Admin: AdminConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Malformed values are remembered and reported by Validate.
func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("SESSION_ID"); id != "" {
		c.Session.ID = id
	}
	if n := os.Getenv("PAIRING_NUMBER"); n != "" {
		c.Session.PairingNumber = n
	}

	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			c.envProblems = append(c.envProblems, fmt.Sprintf("MAX_RECONNECT_ATTEMPTS: %q is not an integer", v))
		} else {
			c.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("RECONNECT_BASE_DELAY"); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			c.envProblems = append(c.envProblems, fmt.Sprintf("RECONNECT_BASE_DELAY: %v", err))
		} else {
			c.Reconnect.BaseDelay = d.String()
		}
	}

	if prefix := os.Getenv("PREFIX"); prefix != "" {
		c.Plugins.Prefix = prefix
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = os.Getenv("SERVER_PORT")
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			c.envProblems = append(c.envProblems, fmt.Sprintf("PORT: %q is not an integer", port))
		} else {
			c.Admin.Port = n
		}
	}

	if url := os.Getenv("UNICORN_BACKEND_URL"); url != "" {
		c.Backend.URL = url
	}
	if lvl := os.Getenv("UNICORN_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// parseDelay accepts a Go duration ("3s") or a bare millisecond count ("3000").
func parseDelay(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("%q must be positive", v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is neither milliseconds nor a duration", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%q must be positive", v)
	}
	return d, nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetBaseDelay returns the backoff base delay.
func (c *Config) GetBaseDelay() time.Duration {
	return durationOr(c.Reconnect.BaseDelay, 3*time.Second)
}

// GetRestartDelay returns the delay used after restart-required.
func (c *Config) GetRestartDelay() time.Duration {
	return durationOr(c.Reconnect.RestartDelay, 3*time.Second)
}

// GetTimeoutDelay returns the delay used after timed-out.
func (c *Config) GetTimeoutDelay() time.Duration {
	return durationOr(c.Reconnect.TimeoutDelay, 2*time.Second)
}

// GetDialTimeout returns the backend dial timeout.
func (c *Config) GetDialTimeout() time.Duration {
	return durationOr(c.Backend.DialTimeout, 20*time.Second)
}

// GetPingInterval returns the websocket keepalive interval.
func (c *Config) GetPingInterval() time.Duration {
	return durationOr(c.Backend.PingInterval, 30*time.Second)
}

// GetPongTimeout returns how long the backend may stay silent.
func (c *Config) GetPongTimeout() time.Duration {
	return durationOr(c.Backend.PongTimeout, 60*time.Second)
}

// GetDebounce returns the plugin watcher debounce window.
func (c *Config) GetDebounce() time.Duration {
	return durationOr(c.Plugins.Debounce, 300*time.Millisecond)
}

// GetLoadTimeout bounds a single plugin instantiation.
func (c *Config) GetLoadTimeout() time.Duration {
	return durationOr(c.Plugins.LoadTimeout, 10*time.Second)
}

// GetCheckpointInterval returns the store checkpoint period.
func (c *Config) GetCheckpointInterval() time.Duration {
	return durationOr(c.Store.CheckpointInterval, time.Minute)
}

// GetTmpInterval returns the temp-dir cleanup period.
func (c *Config) GetTmpInterval() time.Duration {
	return durationOr(c.Housekeeping.TmpInterval, 2*time.Minute)
}

// GetTmpMaxAge returns the age after which temp files are removed.
func (c *Config) GetTmpMaxAge() time.Duration {
	return durationOr(c.Housekeeping.TmpMaxAge, 3*time.Minute)
}

// GetPreKeyInterval returns the pre-key cleanup period.
func (c *Config) GetPreKeyInterval() time.Duration {
	return durationOr(c.Housekeeping.PreKeyInterval, 10*time.Minute)
}

// CredsPath is the decoded credentials file.
func (c *Config) CredsPath() string {
	return filepath.Join(c.Session.CredsDir, "creds.json")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	problems := append([]string(nil), c.envProblems...)

	if c.Reconnect.MaxAttempts < 0 {
		problems = append(problems, fmt.Sprintf("reconnect.max_attempts must be >= 0, got %d", c.Reconnect.MaxAttempts))
	}
	if _, err := time.ParseDuration(c.Reconnect.BaseDelay); err != nil {
		problems = append(problems, fmt.Sprintf("reconnect.base_delay: %v", err))
	}
	if strings.TrimSpace(c.Backend.URL) == "" {
		problems = append(problems, "backend.url is empty (set UNICORN_BACKEND_URL)")
	}
	if strings.TrimSpace(c.Plugins.Dir) == "" {
		problems = append(problems, "plugins.dir is empty")
	}
	if !strings.HasPrefix(c.Plugins.Extension, ".") {
		problems = append(problems, fmt.Sprintf("plugins.extension must start with '.', got %q", c.Plugins.Extension))
	}
	if c.Session.CredsDir == "" {
		problems = append(problems, "session.creds_dir is empty")
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		problems = append(problems, fmt.Sprintf("admin.port out of range: %d", c.Admin.Port))
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}
