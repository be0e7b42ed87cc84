package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

//go:embed config.example.toml
var exampleConf []byte

// Sync direction modes. Bidirectional pushes whichever side moved to the
// other; the one-way modes suppress pushes toward the disallowed side.
const (
	ModeBidirectional = "bidirectional"
	ModeAudibleToABS  = "audible_to_abs"
	ModeABSToAudible  = "abs_to_audible"
)

// Config represents the application configuration loaded from a TOML file,
// with environment variable overrides applied on top.
type Config struct {
	Audible  AudibleConfig  `toml:"audible"`
	ABS      ABSConfig      `toml:"audiobookshelf"`
	Sync     SyncConfig     `toml:"sync"`
	State    StateConfig    `toml:"state"`
	Database DatabaseConfig `toml:"database"`
	Server   ServerConfig   `toml:"server"`
}

// AudibleConfig contains Audible API credentials and tuning.
type AudibleConfig struct {
	SessionPath         string  `toml:"session_path" env:"AUDIBLE_SESSION_PATH"`
	Locale              string  `toml:"locale" env:"AUDIBLE_LOCALE"`
	RecentlyPlayedLimit int     `toml:"recently_played_limit" env:"AUDIBLE_RECENTLY_PLAYED_LIMIT"`
	RateLimit           float64 `toml:"rate_limit" env:"AUDIBLE_RATE_LIMIT"`
}

// ABSConfig contains Audiobookshelf server connection settings.
type ABSConfig struct {
	BaseURL   string  `toml:"base_url" env:"ABS_BASE_URL"`
	Token     string  `toml:"token" env:"ABS_TOKEN"`
	LibraryID string  `toml:"library_id" env:"ABS_LIBRARY_ID"`
	RateLimit float64 `toml:"rate_limit" env:"ABS_RATE_LIMIT"`
}

// SyncConfig contains the reconciliation engine tuning knobs.
//
// All values are treated as immutable for the engine's lifetime.
type SyncConfig struct {
	IntervalSeconds          int     `toml:"interval_seconds" env:"SYNC_INTERVAL_SECONDS"`
	MoveThresholdSeconds     float64 `toml:"move_threshold_seconds" env:"SYNC_MOVE_THRESHOLD_SECONDS"`
	CooldownSeconds          int     `toml:"cooldown_seconds" env:"SYNC_COOLDOWN_SECONDS"`
	CooldownOverrideSeconds  float64 `toml:"cooldown_override_seconds" env:"SYNC_COOLDOWN_OVERRIDE_SECONDS"`
	Mode                     string  `toml:"mode" env:"SYNC_MODE"`
	DryRun                   bool    `toml:"dry_run" env:"SYNC_DRY_RUN"`
	WatchlistMaxSize         int     `toml:"watchlist_max_size" env:"WATCHLIST_MAX_SIZE"`
	WatchlistRetentionHours  int     `toml:"watchlist_retention_hours" env:"WATCHLIST_RETENTION_HOURS"`
	DiscoveryIntervalSeconds int     `toml:"discovery_interval_seconds" env:"DISCOVERY_INTERVAL_SECONDS"`
	RequestTimeoutSeconds    int     `toml:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS"`
	RetryAttempts            int     `toml:"retry_attempts" env:"SYNC_RETRY_ATTEMPTS"`
	FetchWorkers             int     `toml:"fetch_workers" env:"SYNC_FETCH_WORKERS"`
}

// StateConfig contains state snapshot persistence settings.
type StateConfig struct {
	Path    string `toml:"path" env:"STATE_PATH"`
	Enabled bool   `toml:"enabled" env:"STATE_PERSIST_ENABLED"`
}

// DatabaseConfig contains resolution cache database settings.
type DatabaseConfig struct {
	Path         string `toml:"path" env:"DATABASE_PATH"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains status HTTP server settings.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" env:"HTTP_SERVER_ENABLED"`
	Host    string `toml:"host" env:"HTTP_SERVER_HOST"`
	Port    int    `toml:"port" env:"HTTP_SERVER_PORT"`
	Token   string `toml:"token" env:"HTTP_SERVER_TOKEN"`
}

// Interval returns the tick interval as a [time.Duration].
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Cooldown returns the post-push cooldown window as a [time.Duration].
func (c SyncConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// WatchlistRetention returns the activity window after which inactive books
// are evicted from the candidate set.
func (c SyncConfig) WatchlistRetention() time.Duration {
	return time.Duration(c.WatchlistRetentionHours) * time.Hour
}

// DiscoveryInterval returns the interval between slow discovery passes.
func (c SyncConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-call provider timeout.
func (c SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate checks cross-field constraints that TOML parsing cannot express.
func (c *Config) Validate() error {
	switch c.Sync.Mode {
	case ModeBidirectional, ModeAudibleToABS, ModeABSToAudible:
	default:
		return fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, c.Sync.Mode)
	}
	if c.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: sync interval must be positive", ErrInvalidConfig)
	}
	if c.Sync.MoveThresholdSeconds < 0 {
		return fmt.Errorf("%w: move threshold cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified
// path, then applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// FromEnv builds a Config from defaults plus environment variables only,
// for container deployments that ship no config file.
func FromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	return nil
}
