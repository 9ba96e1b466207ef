package strata

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/strata/internal/store"
)

// Config configures a Strata client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, it is derived from Instance.
	LocalPath string

	// Instance names the local data directory to operate against.
	// If empty, resolved using instance resolution (explicit > STRATA_INSTANCE env > "default").
	Instance string

	// BaseURL is the remote collection service root, e.g. https://api.example.com/appdata/kid_x.
	// Used by remote.FromConfig; ignored when Remote is set.
	BaseURL string

	// AppKey identifies the application to the remote service.
	AppKey string

	// AuthToken authenticates requests to the remote service.
	AuthToken string

	// Timeout bounds each remote request. Defaults to 30 seconds.
	Timeout time.Duration

	// PushConcurrency bounds how many entities a push sends in parallel.
	// Defaults to DefaultPushConcurrency.
	PushConcurrency int

	// Remote is the remote store. When nil the client is offline: Cache and
	// Sync stores work, while push, pull and Network mode return ErrOffline.
	Remote RemoteStore

	// AutoPush enables a background loop that pushes every open Sync or
	// Auto store with pending changes.
	AutoPush bool

	// PushInterval is how often the background loop runs. Defaults to 5 minutes.
	PushInterval time.Duration

	// Logger receives structured logs. Defaults to a logger that discards output,
	// or to the debug logger when Debug is set.
	Logger *slog.Logger

	// Debug enables verbose logging of all remote communication.
	Debug bool

	// DebugLogPath is the path to write debug logs.
	// Defaults to stderr if empty.
	DebugLogPath string

	// Clock overrides time.Now for TTL evaluation and local metadata.
	Clock func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Instance:        store.DefaultInstanceID,
		LocalPath:       store.InstanceDBPath(store.DefaultInstanceID),
		Timeout:         30 * time.Second,
		PushConcurrency: DefaultPushConcurrency,
		PushInterval:    5 * time.Minute,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	STRATA_DB_PATH          → LocalPath
//	STRATA_INSTANCE         → Instance
//	STRATA_BASE_URL         → BaseURL
//	STRATA_APP_KEY          → AppKey
//	STRATA_AUTH_TOKEN       → AuthToken
//	STRATA_PUSH_CONCURRENCY → PushConcurrency
//	STRATA_DEBUG            → Debug (any non-empty value enables)
//	STRATA_DEBUG_LOG        → DebugLogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:    os.Getenv("STRATA_DB_PATH"),
		Instance:     os.Getenv(store.InstanceEnvVar),
		BaseURL:      os.Getenv("STRATA_BASE_URL"),
		AppKey:       os.Getenv("STRATA_APP_KEY"),
		AuthToken:    os.Getenv("STRATA_AUTH_TOKEN"),
		Debug:        os.Getenv("STRATA_DEBUG") != "",
		DebugLogPath: os.Getenv("STRATA_DEBUG_LOG"),
	}
	if n, err := strconv.Atoi(os.Getenv("STRATA_PUSH_CONCURRENCY")); err == nil {
		cfg.PushConcurrency = n
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Instance != "" {
		if err := store.ValidateInstanceID(c.Instance); err != nil {
			return &ValidationError{Field: "Instance", Message: err.Error()}
		}
	}

	if c.BaseURL != "" && c.AppKey == "" {
		return &ValidationError{Field: "AppKey", Message: "required when BaseURL is set"}
	}

	if c.Timeout < 0 {
		return &ValidationError{Field: "Timeout", Message: "must be non-negative"}
	}

	if c.PushConcurrency < 0 {
		return &ValidationError{Field: "PushConcurrency", Message: "must be non-negative"}
	}

	if c.PushInterval < 0 {
		return &ValidationError{Field: "PushInterval", Message: "must be non-negative"}
	}

	return nil
}

// IsOffline returns true if the client has no remote store.
func (c *Config) IsOffline() bool {
	return c.Remote == nil
}

// WithDefaults fills in default values for unset fields.
// Instance resolution: explicit Instance field > STRATA_INSTANCE env > "default".
// LocalPath is derived from the resolved instance if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Instance == "" {
		resolved, err := store.ResolveInstance("")
		if err == nil {
			c.Instance = resolved
		} else {
			c.Instance = store.DefaultInstanceID
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.InstanceDBPath(c.Instance)
	}

	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.PushConcurrency == 0 {
		c.PushConcurrency = defaults.PushConcurrency
	}
	if c.PushInterval == 0 {
		c.PushInterval = defaults.PushInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}

	return c
}
