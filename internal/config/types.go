package config

// Config is the notifyd service configuration, read from JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Logging     LoggingConfig            `json:"logging"`
	HTTP        HTTPConfig               `json:"http"`
	Storage     StorageConfig            `json:"storage"`
	Dispatch    DispatchConfig           `json:"dispatch"`
	Digest      DigestConfig             `json:"digest"`
	Ingest      IngestConfig             `json:"ingest"`
	Preferences PreferencesConfig        `json:"preferences"`
	Channels    map[string]ChannelConfig `json:"channels,omitempty"`
	Pprof       PprofConfig              `json:"pprof"`
}

// LoggingConfig selects level and sinks. Format is "console" or "json" and
// applies to stdout only; the file sink is always JSON.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the JSON API listener.
//
// Defaults:
//   - addr: "127.0.0.1:8080"
//   - read_timeout: "10s", write_timeout: "15s"
type HTTPConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	Metrics      bool     `json:"metrics,omitempty"`
}

// StorageConfig selects the history ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ledger.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatchConfig controls the delivery worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256 (per worker)
//   - rate_per_sec: 20
//   - max_attempts: 3
//   - retry_base: "500ms", retry_max_delay: "30s"
//   - attempt_timeout: "10s"
type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
}

// DigestConfig controls digest buckets.
//
// Window is a cron spec for "digest" frequency boundaries (default "@hourly").
// Tick is the flush scan interval; values under one minute are raised to one minute.
type DigestConfig struct {
	Window      string `json:"window,omitempty"`
	Tick        string `json:"tick,omitempty"`
	DefaultTime string `json:"default_time,omitempty"`
}

// IngestConfig controls event id dedup at the ingestion edge.
type IngestConfig struct {
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// PreferencesConfig locates the preferences document (users, preferences,
// type rules, groups). Writes through the API are saved back to Path.
type PreferencesConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch,omitempty"`
}

// ChannelConfig selects the adapter for one channel.
//
// Kinds:
//   - "log": write the rendered message to the service log (default)
//   - "webhook": POST JSON to URL, or to the recipient's address when URL is empty
//   - "telegram": send through a Telegram bot; the recipient address is the chat id
//   - "none": channel has no adapter; deliveries fail permanently
type ChannelConfig struct {
	Kind    string            `json:"kind"`
	URL     string            `json:"url,omitempty"`
	Token   string            `json:"token,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// PprofConfig controls the optional profiling listener (default addr "127.0.0.1:6060").
// A non-loopback addr needs token or allow_insecure.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
