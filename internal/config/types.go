package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Queue controls job admission and the dispatch queue.
	Queue QueueConfig `json:"queue"`

	Storage  StorageConfig  `json:"storage"`
	Commands CommandsConfig `json:"commands"`
	Debug    DebugConfig    `json:"debug"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
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

// QueueConfig controls the job queue.
//
// Defaults (when fields are omitted/zero):
//   - depth: 32 (fixed at startup; a reload does not resize the queue)
//   - max_guilds: 10
//   - max_guild_reqs: 5
//   - job_timeout: "0s" (disabled)
//
// Use a negative depth to configure a queue with no room (every request is
// rejected as queue full).
type QueueConfig struct {
	Depth        int `json:"depth"`
	MaxGuilds    int `json:"max_guilds"`
	MaxGuildReqs int `json:"max_guild_reqs"`

	// JobTimeout is a Go duration string. "0s" disables the timeout.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CommandsConfig controls the command router.
type CommandsConfig struct {
	Workers   int `json:"workers,omitempty"`    // default 4
	QueueSize int `json:"queue_size,omitempty"` // default 256

	// Timeout bounds inline handlers. Default "30s".
	Timeout string `json:"timeout,omitempty"`

	// DeleteAfter removes bot replies after the given duration. "0s" keeps them.
	DeleteAfter string `json:"delete_after,omitempty"`

	// UserRatePerMin throttles commands per user. 0 disables throttling.
	UserRatePerMin int `json:"user_rate_per_min,omitempty"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /debug/queue,
// /debug/pprof/). Binding a non-loopback address requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"`
}
