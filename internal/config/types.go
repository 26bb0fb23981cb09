package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "15s", "1m"); empty means the component default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Stock    StockConfig    `json:"stock"`
	Poller   PollerConfig   `json:"poller"`
	Dispatch DispatchConfig `json:"dispatch"`
	Tracking TrackingConfig `json:"tracking"`
	Storage  StorageConfig  `json:"storage"`
	Health   HealthConfig   `json:"health"`
	Digest   DigestConfig   `json:"digest"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat ("-100123" or "-100123:7") receiving telegram log lines.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StockConfig describes the upstream stock API.
//
// CategoryOrder overrides the order in which category-keyed responses are
// flattened; later categories win on duplicate names.
type StockConfig struct {
	URL           string   `json:"url,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	UserAgent     string   `json:"user_agent,omitempty"`
	Referer       string   `json:"referer,omitempty"`
	Origin        string   `json:"origin,omitempty"`
	CategoryOrder []string `json:"category_order,omitempty"`
}

// PollerConfig controls the poll loop.
//
// Interval seeds the persisted interval on first run only; afterwards the
// value set via /interval wins.
type PollerConfig struct {
	Interval               string `json:"interval,omitempty"`
	StartDelay             string `json:"start_delay,omitempty"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`
	ErrorBackoff           string `json:"error_backoff,omitempty"`
}

type DispatchConfig struct {
	Pacing      string `json:"pacing,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	// ParseMode is "Markdown", "MarkdownV2", "HTML" or empty for plain text.
	ParseMode string `json:"parse_mode,omitempty"`
}

type TrackingConfig struct {
	DefaultItems []string `json:"default_items,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./gardenbot_state" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
}

// DigestConfig schedules a periodic stats summary to owners.
// Schedule accepts 5 or 6 field cron specs and descriptors like "@daily".
type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
