package config

// Config is the daemon's full configuration surface.
//
// The file on disk is JSON or YAML; either way it is decoded strictly
// (unknown keys are rejected) so typos surface at load/reload time instead
// of silently doing nothing.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage points at the SQLite queue database.
	Storage StorageConfig `json:"storage"`

	// Publisher controls the delivery worker loop.
	Publisher PublisherConfig `json:"publisher"`

	// Driver configures the external delivery bridge the publisher invokes.
	Driver DriverConfig `json:"driver"`

	// Intake watches a spool directory for items dropped by upstream scanners.
	// If omitted, intake is disabled and items must be enqueued out-of-band.
	Intake *IntakeConfig `json:"intake,omitempty"`

	// Notifier pushes operator alerts (terminal failures, daily summaries)
	// to a Telegram chat. Outbound only.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Janitor runs scheduled housekeeping (diagnostic pruning, daily summary).
	Janitor *JanitorConfig `json:"janitor,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PublisherConfig controls the pull-based delivery loop.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - poll_interval: "2s"
//   - claim_batch: 1
//   - attempt_timeout: "45s"
//   - ack_window: "30s"
//   - max_attempts: 3
//   - posts_per_minute: 0 (no pacing)
type PublisherConfig struct {
	Enabled bool `json:"enabled"`

	// Workers is the number of parallel delivery loops. Each owns its own
	// driver session.
	Workers int `json:"workers,omitempty"`

	// PollInterval is how long the loop sleeps when no eligible item exists.
	PollInterval string `json:"poll_interval,omitempty"`

	// ClaimBatch is the maximum number of items claimed per cycle.
	ClaimBatch int `json:"claim_batch,omitempty"`

	// AttemptTimeout bounds a single delivery attempt end to end.
	AttemptTimeout string `json:"attempt_timeout,omitempty"`

	// AckWindow bounds how long the driver may poll for an acknowledgment.
	AckWindow string `json:"ack_window,omitempty"`

	// MaxAttempts is the retry budget before an item goes terminal.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// PostsPerMinute paces deliveries to avoid channel rate limits.
	// 0 disables pacing.
	PostsPerMinute int `json:"posts_per_minute,omitempty"`
}

// DriverConfig configures the subprocess delivery bridge.
//
// The command is launched once per driver session and speaks a line-oriented
// JSON protocol: one request per line on stdin, one response per line on
// stdout. All channel-specific automation lives behind that boundary.
type DriverConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`

	// DiagnosticsDir receives best-effort failure captures.
	// Empty disables captures.
	DiagnosticsDir string `json:"diagnostics_dir,omitempty"`
}

type IntakeConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`

	// AutoApprove approves items on enqueue when the item file doesn't say.
	AutoApprove bool `json:"auto_approve,omitempty"`

	// Rescan is the fallback directory sweep interval (fsnotify can miss
	// events on some filesystems). Default "30s".
	Rescan string `json:"rescan,omitempty"`
}

// NotifierConfig controls the async operator alert pipeline.
//
// If the whole section is omitted, the notifier is disabled.
type NotifierConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// JanitorConfig controls scheduled housekeeping.
//
// Queue rows are never pruned; only diagnostic artifacts are.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`

	// PruneSchedule is a cron spec (default "17 3 * * *").
	PruneSchedule string `json:"prune_schedule,omitempty"`

	// DiagnosticsMaxAge is how long failure captures are kept (default "168h").
	DiagnosticsMaxAge string `json:"diagnostics_max_age,omitempty"`

	// SummaryAt is a daily HH:MM for the queue status summary ("" disables).
	SummaryAt string `json:"summary_at,omitempty"`

	// Timezone for the schedule (IANA name; default local).
	Timezone string `json:"timezone,omitempty"`
}
