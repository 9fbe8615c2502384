// Package config loads fieldsync settings from environment variables, with an
// optional .env file, applying defaults and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Reject policies for replays the remote store refuses permanently.
const (
	RejectDeadLetter = "dead-letter"
	RejectRetry      = "retry"
)

// AgentConfig configures the background write-queue agent.
type AgentConfig struct {
	Origin        string        // FIELDSYNC_ORIGIN
	WritePrefixes []string      // FIELDSYNC_WRITE_PREFIXES
	MaxQueue      int           // FIELDSYNC_MAX_QUEUE (0 = unbounded)
	RejectPolicy  string        // FIELDSYNC_REJECT_POLICY
	RetryInterval time.Duration // FIELDSYNC_RETRY_INTERVAL
	ReplayRPS     float64       // FIELDSYNC_REPLAY_RPS (0 = unpaced)
	QueueKey      string        // FIELDSYNC_QUEUE_KEY (seals credential headers at rest)
}

// NetworkConfig configures connectivity detection.
type NetworkConfig struct {
	ProbeURL      string        // FIELDSYNC_PROBE_URL (empty = host events only)
	ProbeInterval time.Duration // FIELDSYNC_PROBE_INTERVAL
}

// RemoteConfig configures the reference remote store.
type RemoteConfig struct {
	Listen  string // REMOTE_LISTEN
	DBPath  string // REMOTE_DB_PATH
	GinMode string // GIN_MODE
}

// Config holds all configuration values.
type Config struct {
	DataDir      string // FIELDSYNC_DATA_DIR
	CacheVersion string // FIELDSYNC_CACHE_VERSION
	NATSURL      string // FIELDSYNC_NATS_URL (empty = in-memory bus)
	Listen       string // FIELDSYNC_LISTEN

	KeepSynced       bool   // FIELDSYNC_KEEP_SYNCED
	LegacyReferences string // FIELDSYNC_LEGACY_REFERENCES (one-time import)

	LogLevel  string // debug|info|warn|error
	LogPretty bool

	Agent   AgentConfig
	Network NetworkConfig
	Remote  RemoteConfig
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables already present. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		DataDir:      getenv("FIELDSYNC_DATA_DIR", "./data"),
		CacheVersion: getenv("FIELDSYNC_CACHE_VERSION", "v1"),
		NATSURL:      getenv("FIELDSYNC_NATS_URL", ""),
		Listen:       getenv("FIELDSYNC_LISTEN", ":8090"),

		KeepSynced:       getbool("FIELDSYNC_KEEP_SYNCED", false),
		LegacyReferences: getenv("FIELDSYNC_LEGACY_REFERENCES", ""),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		Agent: AgentConfig{
			Origin:        strings.TrimRight(getenv("FIELDSYNC_ORIGIN", "http://localhost:8080"), "/"),
			WritePrefixes: splitCSV(getenv("FIELDSYNC_WRITE_PREFIXES", "/api/")),
			MaxQueue:      getint("FIELDSYNC_MAX_QUEUE", 500),
			RejectPolicy:  strings.ToLower(getenv("FIELDSYNC_REJECT_POLICY", RejectDeadLetter)),
			RetryInterval: getdur("FIELDSYNC_RETRY_INTERVAL", time.Minute),
			ReplayRPS:     getfloat("FIELDSYNC_REPLAY_RPS", 5),
			QueueKey:      getenv("FIELDSYNC_QUEUE_KEY", ""),
		},
		Network: NetworkConfig{
			ProbeURL:      getenv("FIELDSYNC_PROBE_URL", ""),
			ProbeInterval: getdur("FIELDSYNC_PROBE_INTERVAL", 15*time.Second),
		},
		Remote: RemoteConfig{
			Listen:  getenv("REMOTE_LISTEN", ":8080"),
			DBPath:  getenv("REMOTE_DB_PATH", "remote.db"),
			GinMode: strings.ToLower(getenv("GIN_MODE", "release")),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.Remote.GinMode {
	case "debug", "release", "test":
	default:
		cfg.Remote.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return cfg, errors.New("FIELDSYNC_DATA_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.CacheVersion) == "" {
		return cfg, errors.New("FIELDSYNC_CACHE_VERSION must not be empty")
	}
	u, err := url.Parse(cfg.Agent.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, errors.New("FIELDSYNC_ORIGIN must be an absolute URL")
	}
	if len(cfg.Agent.WritePrefixes) == 0 {
		return cfg, errors.New("FIELDSYNC_WRITE_PREFIXES must name at least one path prefix")
	}
	for _, p := range cfg.Agent.WritePrefixes {
		if !strings.HasPrefix(p, "/") {
			return cfg, fmt.Errorf("write prefix %q must start with '/'", p)
		}
	}
	if cfg.Agent.MaxQueue < 0 {
		return cfg, errors.New("FIELDSYNC_MAX_QUEUE must be >= 0")
	}
	switch cfg.Agent.RejectPolicy {
	case RejectDeadLetter, RejectRetry:
	default:
		return cfg, errors.New("FIELDSYNC_REJECT_POLICY must be one of: dead-letter, retry")
	}
	if cfg.Agent.RetryInterval <= 0 || cfg.Network.ProbeInterval <= 0 {
		return cfg, errors.New("intervals must be positive durations")
	}
	if cfg.Agent.ReplayRPS < 0 {
		return cfg, errors.New("FIELDSYNC_REPLAY_RPS must be >= 0")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
