package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

// Backoff tunes the client reconnect policy.
type Backoff struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Factor          float64
	Jitter          time.Duration
	MaxAttempts     int
	StabilityWindow time.Duration
}

// Server holds the knobs for the serve command.
type Server struct {
	Port             string
	AuthToken        string // empty = allow all (local mode)
	StorageBackend   string // "memory", "sqlite" or "firestore"
	SQLitePath       string
	InboxSize        int
	IdleTTL          time.Duration
	ResponderTimeout time.Duration
	ContextBudget    int // tokens kept in the in-session window
	QuotaPerSession  int // messages per session, 0 = unlimited
	HistoryLimit     int
}

// Responder selects and configures the reply backend.
type Responder struct {
	UseMock      bool
	GCPProjectID string
	GCPLocation  string
	ModelName    string
}

// Client holds the knobs for the chat command and the SDK defaults.
type Client struct {
	ServerURL         string
	HeartbeatInterval time.Duration
	MessageTimeout    time.Duration
	ConnectTimeout    time.Duration
	QueueMaxRetries   int
	Backoff           Backoff
}

type Config struct {
	Mode      Mode
	Server    Server
	Responder Responder
	Client    Client
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode: ModeLocal,
		Server: Server{
			Port:             "8080",
			StorageBackend:   "memory",
			SQLitePath:       "parley.db",
			InboxSize:        32,
			IdleTTL:          24 * time.Hour,
			ResponderTimeout: 2 * time.Minute,
			ContextBudget:    4096,
			HistoryLimit:     50,
		},
		Responder: Responder{
			UseMock:     true,
			GCPLocation: "us-central1",
			ModelName:   "gemini-2.5-flash-lite",
		},
		Client: Client{
			ServerURL:         "ws://localhost:8080",
			HeartbeatInterval: 30 * time.Second,
			MessageTimeout:    60 * time.Second,
			ConnectTimeout:    10 * time.Second,
			QueueMaxRetries:   3,
			Backoff: Backoff{
				BaseDelay:       time.Second,
				MaxDelay:        30 * time.Second,
				Factor:          2.0,
				Jitter:          time.Second,
				MaxAttempts:     10,
				StabilityWindow: 60 * time.Second,
			},
		},
	}
}

// DefaultPath returns the standard config file location, honoring
// XDG_CONFIG_HOME.
func DefaultPath() string {
	if p := os.Getenv("PARLEY_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "parley.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "parley", "config.yaml")
}

/// Load builds the config: defaults, then the YAML file (if any), then
// env var overrides. An empty path means "use the default location and
// ignore it when missing"; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := applyFile(cfg, data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// no config file is fine in local mode
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors the YAML layout; durations are strings so the file
// can say "30s" rather than nanosecond counts.
type fileConfig struct {
	Mode   string `yaml:"mode"`
	Server struct {
		Port             string `yaml:"port"`
		AuthToken        string `yaml:"auth_token"`
		Storage          string `yaml:"storage"`
		SQLitePath       string `yaml:"sqlite_path"`
		InboxSize        int    `yaml:"inbox_size"`
		IdleTTL          string `yaml:"idle_ttl"`
		ResponderTimeout string `yaml:"responder_timeout"`
		ContextBudget    int    `yaml:"context_budget"`
		QuotaPerSession  int    `yaml:"quota_per_session"`
		HistoryLimit     int    `yaml:"history_limit"`
	} `yaml:"server"`
	Responder struct {
		UseMock     *bool  `yaml:"use_mock"`
		GCPProject  string `yaml:"gcp_project"`
		GCPLocation string `yaml:"gcp_location"`
		Model       string `yaml:"model"`
	} `yaml:"responder"`
	Client struct {
		ServerURL         string `yaml:"server_url"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		MessageTimeout    string `yaml:"message_timeout"`
		ConnectTimeout    string `yaml:"connect_timeout"`
		QueueMaxRetries   *int   `yaml:"queue_max_retries"`
		Backoff           struct {
			BaseDelay       string  `yaml:"base_delay"`
			MaxDelay        string  `yaml:"max_delay"`
			Factor          float64 `yaml:"factor"`
			Jitter          string  `yaml:"jitter"`
			MaxAttempts     int     `yaml:"max_attempts"`
			StabilityWindow string  `yaml:"stability_window"`
		} `yaml:"backoff"`
	} `yaml:"client"`
}

func applyFile(cfg *Config, data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	setStr(&cfg.Server.Port, fc.Server.Port)
	setStr(&cfg.Server.AuthToken, fc.Server.AuthToken)
	setStr(&cfg.Server.StorageBackend, fc.Server.Storage)
	setStr(&cfg.Server.SQLitePath, fc.Server.SQLitePath)
	setInt(&cfg.Server.InboxSize, fc.Server.InboxSize)
	setInt(&cfg.Server.ContextBudget, fc.Server.ContextBudget)
	setInt(&cfg.Server.QuotaPerSession, fc.Server.QuotaPerSession)
	setInt(&cfg.Server.HistoryLimit, fc.Server.HistoryLimit)

	setStr(&cfg.Responder.GCPProjectID, fc.Responder.GCPProject)
	setStr(&cfg.Responder.GCPLocation, fc.Responder.GCPLocation)
	setStr(&cfg.Responder.ModelName, fc.Responder.Model)
	if fc.Responder.UseMock != nil {
		cfg.Responder.UseMock = *fc.Responder.UseMock
	}

	setStr(&cfg.Client.ServerURL, fc.Client.ServerURL)
	if fc.Client.QueueMaxRetries != nil {
		cfg.Client.QueueMaxRetries = *fc.Client.QueueMaxRetries
	}
	if fc.Client.Backoff.Factor != 0 {
		cfg.Client.Backoff.Factor = fc.Client.Backoff.Factor
	}
	setInt(&cfg.Client.Backoff.MaxAttempts, fc.Client.Backoff.MaxAttempts)

	if fc.Mode != "" {
		cfg.Mode = Mode(fc.Mode)
	}

	durs := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Server.IdleTTL, &cfg.Server.IdleTTL},
		{fc.Server.ResponderTimeout, &cfg.Server.ResponderTimeout},
		{fc.Client.HeartbeatInterval, &cfg.Client.HeartbeatInterval},
		{fc.Client.MessageTimeout, &cfg.Client.MessageTimeout},
		{fc.Client.ConnectTimeout, &cfg.Client.ConnectTimeout},
		{fc.Client.Backoff.BaseDelay, &cfg.Client.Backoff.BaseDelay},
		{fc.Client.Backoff.MaxDelay, &cfg.Client.Backoff.MaxDelay},
		{fc.Client.Backoff.Jitter, &cfg.Client.Backoff.Jitter},
		{fc.Client.Backoff.StabilityWindow, &cfg.Client.Backoff.StabilityWindow},
	}
	for _, d := range durs {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	cfg.Server.Port = getEnv("PARLEY_PORT", cfg.Server.Port)
	cfg.Server.AuthToken = getEnv("PARLEY_AUTH_TOKEN", cfg.Server.AuthToken)
	cfg.Server.StorageBackend = getEnv("PARLEY_STORAGE_BACKEND", cfg.Server.StorageBackend)
	cfg.Server.SQLitePath = getEnv("PARLEY_SQLITE_PATH", cfg.Server.SQLitePath)
	cfg.Responder.GCPProjectID = getEnv("PARLEY_GCP_PROJECT", cfg.Responder.GCPProjectID)
	cfg.Responder.GCPLocation = getEnv("PARLEY_GCP_LOCATION", cfg.Responder.GCPLocation)
	cfg.Responder.ModelName = getEnv("PARLEY_MODEL_NAME", cfg.Responder.ModelName)
	cfg.Client.ServerURL = getEnv("PARLEY_SERVER_URL", cfg.Client.ServerURL)
	if _, ok := os.LookupEnv("PARLEY_USE_MOCK_RESPONDER"); ok {
		cfg.Responder.UseMock = getBoolEnv("PARLEY_USE_MOCK_RESPONDER", cfg.Responder.UseMock)
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeLocal, ModeGCP:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Server.StorageBackend {
	case "memory", "sqlite", "firestore":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Server.StorageBackend)
	}
	if c.Mode == ModeGCP && !c.Responder.UseMock && c.Responder.GCPProjectID == "" {
		return fmt.Errorf("PARLEY_GCP_PROJECT must be set in gcp mode")
	}
	if c.Client.Backoff.Factor < 1 {
		return fmt.Errorf("backoff factor must be >= 1, got %v", c.Client.Backoff.Factor)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if v == "1" || v == "true" || v == "TRUE" {
		return true
	}
	return false
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
