// Package config defines the scheduler configuration tree, its defaults,
// YAML loading with explicit-presence overlay, CLI flag merging and
// validation, plus home-directory resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAPIErrorMarkers are the substrings scanned for in agent output to
// classify a failure as a provider API error rather than a task failure.
var DefaultAPIErrorMarkers = []string{
	"rate limit",
	"overloaded",
	"api error",
	"429",
	"529",
	"quota exceeded",
}

// AutoRetryConfig controls automatic retry of failed tasks.
type AutoRetryConfig struct {
	// Enabled turns failure auto-retry on.
	Enabled bool `yaml:"enabled"`

	// MaxRetries is the per-task retry budget (capped at 10).
	MaxRetries int `yaml:"max_retries"`

	// BaseDelayMs is the backoff base in milliseconds (1000..300000).
	BaseDelayMs int `yaml:"base_delay_ms"`

	// MaxDelayMs caps the computed backoff delay.
	MaxDelayMs int `yaml:"max_delay_ms"`
}

// BaseDelay returns the backoff base as a duration.
func (c AutoRetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a duration.
func (c AutoRetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// SlowToolTimeouts holds per-category tool deadlines in minutes.
// A value <= 0 disables the deadline for that category.
type SlowToolTimeouts struct {
	CodexMins      int `yaml:"codex_mins"`
	GeminiMins     int `yaml:"gemini_mins"`
	NpmInstallMins int `yaml:"npm_install_mins"`
	NpmBuildMins   int `yaml:"npm_build_mins"`
	DefaultMins    int `yaml:"default_mins"`
}

// WatchdogConfig controls worker liveness monitoring.
type WatchdogConfig struct {
	// Enabled turns rule-based diagnosis on.
	Enabled bool `yaml:"enabled"`

	// CheckIntervalMs is the diagnosis sweep period.
	CheckIntervalMs int `yaml:"check_interval_ms"`

	// ActivityTimeoutMs is the idle threshold; no stream activity for this
	// long marks the worker suspect.
	ActivityTimeoutMs int `yaml:"activity_timeout_ms"`

	// HardTimeoutMs kills a worker regardless of activity. 0 disables.
	HardTimeoutMs int `yaml:"hard_timeout_ms"`

	// SlowTool holds per-category tool deadlines.
	SlowTool SlowToolTimeouts `yaml:"slow_tool_timeouts"`

	// AIEnabled turns the optional AI diagnosis layer on.
	AIEnabled bool `yaml:"ai_enabled"`

	// AICommand is the agent CLI invoked for AI diagnosis.
	AICommand string `yaml:"ai_command"`

	// AITimeoutMs bounds a single AI diagnosis call.
	AITimeoutMs int `yaml:"ai_timeout_ms"`

	// VerdictCacheTTLMs is how long an AI verdict for a worker is reused.
	VerdictCacheTTLMs int `yaml:"verdict_cache_ttl_ms"`
}

// CheckInterval returns the sweep period as a duration.
func (c WatchdogConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// ActivityTimeout returns the idle threshold as a duration.
func (c WatchdogConfig) ActivityTimeout() time.Duration {
	return time.Duration(c.ActivityTimeoutMs) * time.Millisecond
}

// HardTimeout returns the hard deadline as a duration (0 = disabled).
func (c WatchdogConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutMs) * time.Millisecond
}

// AITimeout returns the AI call deadline as a duration.
func (c WatchdogConfig) AITimeout() time.Duration {
	return time.Duration(c.AITimeoutMs) * time.Millisecond
}

// VerdictCacheTTL returns the verdict reuse window as a duration.
func (c WatchdogConfig) VerdictCacheTTL() time.Duration {
	return time.Duration(c.VerdictCacheTTLMs) * time.Millisecond
}

// APIErrorConfig controls the provider-outage recovery flow.
type APIErrorConfig struct {
	// MaxRetries is the global API-error retry budget for a run.
	MaxRetries int `yaml:"max_retries"`

	// MaxTaskRetries is the per-task API-error retry budget.
	MaxTaskRetries int `yaml:"max_task_retries"`

	// BaseDelayMs is the recovery backoff base.
	BaseDelayMs int `yaml:"base_delay_ms"`

	// MaxDelayMs caps the recovery backoff.
	MaxDelayMs int `yaml:"max_delay_ms"`

	// JitterRatio widens each delay by a random factor in [0, ratio].
	JitterRatio float64 `yaml:"jitter_ratio"`

	// Markers are the lowercase substrings that classify agent output as an
	// API error symptom.
	Markers []string `yaml:"markers"`
}

// BaseDelay returns the recovery backoff base as a duration.
func (c APIErrorConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the recovery backoff cap as a duration.
func (c APIErrorConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// ArchiveConfig controls per-task log retention.
type ArchiveConfig struct {
	// RetentionDays removes archived logs older than this. 0 keeps forever.
	RetentionDays int `yaml:"retention_days"`

	// MaxTaskBytes caps a task's archive directory; oldest files are removed
	// first. 0 means unlimited.
	MaxTaskBytes int64 `yaml:"max_task_bytes"`
}

// SessionConfig controls session snapshot persistence.
type SessionConfig struct {
	// DebounceMs batches rapid state changes into one disk write.
	DebounceMs int `yaml:"debounce_ms"`
}

// Debounce returns the persistence debounce as a duration.
func (c SessionConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// WaveCheckConfig controls the optional wave-completion sanity check.
type WaveCheckConfig struct {
	// Enabled fires the check when a wave fully settles.
	Enabled bool `yaml:"enabled"`

	// Command is the shell command run for the check, e.g. "npx tsc --noEmit".
	Command string `yaml:"command"`

	// TimeoutMs bounds one check run.
	TimeoutMs int `yaml:"timeout_ms"`
}

// Timeout returns the check deadline as a duration.
func (c WaveCheckConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HistoryConfig controls the sqlite attempt-history store.
type HistoryConfig struct {
	// Enabled records task attempts into the history database.
	Enabled bool `yaml:"enabled"`

	// DBPath overrides the database location. Empty resolves to
	// <home>/history.db.
	DBPath string `yaml:"db_path"`
}

// AgentConfig describes how worker child processes are launched.
type AgentConfig struct {
	// Command is the agent CLI binary.
	Command string `yaml:"command"`

	// Args are passed to the CLI; defaults select the line-delimited JSON
	// stream protocol.
	Args []string `yaml:"args"`
}

// Config represents the scheduler configuration options.
type Config struct {
	// MaxParallel bounds concurrent workers (1..4).
	MaxParallel int `yaml:"max_parallel"`

	// LogLevel sets logging verbosity: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// HomeDir overrides the state directory. Empty resolves via
	// AUTODEV_HOME or ~/.autodev.
	HomeDir string `yaml:"home_dir"`

	// TickIntervalMs is the scheduling loop period.
	TickIntervalMs int `yaml:"tick_interval_ms"`

	// DryRun parses and validates without spawning workers.
	DryRun bool `yaml:"dry_run"`

	// Resume hydrates task state from the stored session on load.
	Resume bool `yaml:"resume"`

	// Watch reloads the plan when the file changes on disk.
	Watch bool `yaml:"watch"`

	// BlockerAutoPause pauses scheduling when a blocker issue is open.
	BlockerAutoPause bool `yaml:"blocker_auto_pause"`

	AutoRetry AutoRetryConfig `yaml:"auto_retry"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	APIError  APIErrorConfig  `yaml:"api_error"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Session   SessionConfig   `yaml:"session"`
	WaveCheck WaveCheckConfig `yaml:"wave_check"`
	History   HistoryConfig   `yaml:"history"`
	Agent     AgentConfig     `yaml:"agent"`
}

// TickInterval returns the scheduling loop period as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		MaxParallel:      4,
		LogLevel:         "info",
		TickIntervalMs:   5000,
		DryRun:           false,
		Resume:           true,
		Watch:            false,
		BlockerAutoPause: true,
		AutoRetry: AutoRetryConfig{
			Enabled:     true,
			MaxRetries:  3,
			BaseDelayMs: 5000,
			MaxDelayMs:  300000,
		},
		Watchdog: WatchdogConfig{
			Enabled:           true,
			CheckIntervalMs:   30000,
			ActivityTimeoutMs: 300000,
			HardTimeoutMs:     0,
			SlowTool: SlowToolTimeouts{
				CodexMins:      60,
				GeminiMins:     60,
				NpmInstallMins: 15,
				NpmBuildMins:   20,
				DefaultMins:    10,
			},
			AIEnabled:         false,
			AITimeoutMs:       30000,
			VerdictCacheTTLMs: 60000,
		},
		APIError: APIErrorConfig{
			MaxRetries:     5,
			MaxTaskRetries: 3,
			BaseDelayMs:    10000,
			MaxDelayMs:     300000,
			JitterRatio:    0.2,
			Markers:        append([]string(nil), DefaultAPIErrorMarkers...),
		},
		Archive: ArchiveConfig{
			RetentionDays: 7,
			MaxTaskBytes:  5 * 1024 * 1024,
		},
		Session: SessionConfig{
			DebounceMs: 750,
		},
		WaveCheck: WaveCheckConfig{
			Enabled:   false,
			Command:   "",
			TimeoutMs: 600000,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "",
		},
		Agent: AgentConfig{
			Command: "claude",
			Args: []string{
				"--print",
				"--verbose",
				"--input-format", "stream-json",
				"--output-format", "stream-json",
			},
		},
	}
}

// yamlOverlay mirrors Config with pointer fields so the loader can tell an
// explicit zero value apart from an omitted key.
type yamlOverlay struct {
	MaxParallel      *int    `yaml:"max_parallel"`
	LogLevel         *string `yaml:"log_level"`
	HomeDir          *string `yaml:"home_dir"`
	TickIntervalMs   *int    `yaml:"tick_interval_ms"`
	DryRun           *bool   `yaml:"dry_run"`
	Resume           *bool   `yaml:"resume"`
	Watch            *bool   `yaml:"watch"`
	BlockerAutoPause *bool   `yaml:"blocker_auto_pause"`

	AutoRetry *struct {
		Enabled     *bool `yaml:"enabled"`
		MaxRetries  *int  `yaml:"max_retries"`
		BaseDelayMs *int  `yaml:"base_delay_ms"`
		MaxDelayMs  *int  `yaml:"max_delay_ms"`
	} `yaml:"auto_retry"`

	Watchdog *struct {
		Enabled           *bool `yaml:"enabled"`
		CheckIntervalMs   *int  `yaml:"check_interval_ms"`
		ActivityTimeoutMs *int  `yaml:"activity_timeout_ms"`
		HardTimeoutMs     *int  `yaml:"hard_timeout_ms"`
		SlowTool          *struct {
			CodexMins      *int `yaml:"codex_mins"`
			GeminiMins     *int `yaml:"gemini_mins"`
			NpmInstallMins *int `yaml:"npm_install_mins"`
			NpmBuildMins   *int `yaml:"npm_build_mins"`
			DefaultMins    *int `yaml:"default_mins"`
		} `yaml:"slow_tool_timeouts"`
		AIEnabled         *bool   `yaml:"ai_enabled"`
		AICommand         *string `yaml:"ai_command"`
		AITimeoutMs       *int    `yaml:"ai_timeout_ms"`
		VerdictCacheTTLMs *int    `yaml:"verdict_cache_ttl_ms"`
	} `yaml:"watchdog"`

	APIError *struct {
		MaxRetries     *int      `yaml:"max_retries"`
		MaxTaskRetries *int      `yaml:"max_task_retries"`
		BaseDelayMs    *int      `yaml:"base_delay_ms"`
		MaxDelayMs     *int      `yaml:"max_delay_ms"`
		JitterRatio    *float64  `yaml:"jitter_ratio"`
		Markers        *[]string `yaml:"markers"`
	} `yaml:"api_error"`

	Archive *struct {
		RetentionDays *int   `yaml:"retention_days"`
		MaxTaskBytes  *int64 `yaml:"max_task_bytes"`
	} `yaml:"archive"`

	Session *struct {
		DebounceMs *int `yaml:"debounce_ms"`
	} `yaml:"session"`

	WaveCheck *struct {
		Enabled   *bool   `yaml:"enabled"`
		Command   *string `yaml:"command"`
		TimeoutMs *int    `yaml:"timeout_ms"`
	} `yaml:"wave_check"`

	History *struct {
		Enabled *bool   `yaml:"enabled"`
		DBPath  *string `yaml:"db_path"`
	} `yaml:"history"`

	Agent *struct {
		Command *string   `yaml:"command"`
		Args    *[]string `yaml:"args"`
	} `yaml:"agent"`
}

// LoadConfig loads configuration from the specified file path.
// A missing file yields the defaults without error; a malformed file is an
// error. Keys present in the file override defaults, including explicit
// zero values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyOverlay(cfg, &overlay)

	return cfg, nil
}

// applyOverlay copies every present (non-nil) overlay field onto cfg.
func applyOverlay(cfg *Config, o *yamlOverlay) {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt64 := func(dst *int64, src *int64) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}

	setInt(&cfg.MaxParallel, o.MaxParallel)
	setString(&cfg.LogLevel, o.LogLevel)
	setString(&cfg.HomeDir, o.HomeDir)
	setInt(&cfg.TickIntervalMs, o.TickIntervalMs)
	setBool(&cfg.DryRun, o.DryRun)
	setBool(&cfg.Resume, o.Resume)
	setBool(&cfg.Watch, o.Watch)
	setBool(&cfg.BlockerAutoPause, o.BlockerAutoPause)

	if o.AutoRetry != nil {
		setBool(&cfg.AutoRetry.Enabled, o.AutoRetry.Enabled)
		setInt(&cfg.AutoRetry.MaxRetries, o.AutoRetry.MaxRetries)
		setInt(&cfg.AutoRetry.BaseDelayMs, o.AutoRetry.BaseDelayMs)
		setInt(&cfg.AutoRetry.MaxDelayMs, o.AutoRetry.MaxDelayMs)
	}

	if o.Watchdog != nil {
		setBool(&cfg.Watchdog.Enabled, o.Watchdog.Enabled)
		setInt(&cfg.Watchdog.CheckIntervalMs, o.Watchdog.CheckIntervalMs)
		setInt(&cfg.Watchdog.ActivityTimeoutMs, o.Watchdog.ActivityTimeoutMs)
		setInt(&cfg.Watchdog.HardTimeoutMs, o.Watchdog.HardTimeoutMs)
		if o.Watchdog.SlowTool != nil {
			setInt(&cfg.Watchdog.SlowTool.CodexMins, o.Watchdog.SlowTool.CodexMins)
			setInt(&cfg.Watchdog.SlowTool.GeminiMins, o.Watchdog.SlowTool.GeminiMins)
			setInt(&cfg.Watchdog.SlowTool.NpmInstallMins, o.Watchdog.SlowTool.NpmInstallMins)
			setInt(&cfg.Watchdog.SlowTool.NpmBuildMins, o.Watchdog.SlowTool.NpmBuildMins)
			setInt(&cfg.Watchdog.SlowTool.DefaultMins, o.Watchdog.SlowTool.DefaultMins)
		}
		setBool(&cfg.Watchdog.AIEnabled, o.Watchdog.AIEnabled)
		setString(&cfg.Watchdog.AICommand, o.Watchdog.AICommand)
		setInt(&cfg.Watchdog.AITimeoutMs, o.Watchdog.AITimeoutMs)
		setInt(&cfg.Watchdog.VerdictCacheTTLMs, o.Watchdog.VerdictCacheTTLMs)
	}

	if o.APIError != nil {
		setInt(&cfg.APIError.MaxRetries, o.APIError.MaxRetries)
		setInt(&cfg.APIError.MaxTaskRetries, o.APIError.MaxTaskRetries)
		setInt(&cfg.APIError.BaseDelayMs, o.APIError.BaseDelayMs)
		setInt(&cfg.APIError.MaxDelayMs, o.APIError.MaxDelayMs)
		if o.APIError.JitterRatio != nil {
			cfg.APIError.JitterRatio = *o.APIError.JitterRatio
		}
		if o.APIError.Markers != nil {
			cfg.APIError.Markers = append([]string(nil), (*o.APIError.Markers)...)
		}
	}

	if o.Archive != nil {
		setInt(&cfg.Archive.RetentionDays, o.Archive.RetentionDays)
		setInt64(&cfg.Archive.MaxTaskBytes, o.Archive.MaxTaskBytes)
	}

	if o.Session != nil {
		setInt(&cfg.Session.DebounceMs, o.Session.DebounceMs)
	}

	if o.WaveCheck != nil {
		setBool(&cfg.WaveCheck.Enabled, o.WaveCheck.Enabled)
		setString(&cfg.WaveCheck.Command, o.WaveCheck.Command)
		setInt(&cfg.WaveCheck.TimeoutMs, o.WaveCheck.TimeoutMs)
	}

	if o.History != nil {
		setBool(&cfg.History.Enabled, o.History.Enabled)
		setString(&cfg.History.DBPath, o.History.DBPath)
	}

	if o.Agent != nil {
		setString(&cfg.Agent.Command, o.Agent.Command)
		if o.Agent.Args != nil {
			cfg.Agent.Args = append([]string(nil), (*o.Agent.Args)...)
		}
	}
}

// LoadConfigFromDir loads configuration from autodev.yaml in the specified
// directory. If the file doesn't exist, returns default configuration
// without error.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(configPathInDir(dir))
}

// configPathInDir returns the expected config file path inside dir.
func configPathInDir(dir string) string {
	return filepath.Join(dir, "autodev.yaml")
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
// This allows CLI flags to take precedence over config file settings.
func (c *Config) MergeWithFlags(maxParallel *int, logLevel *string, dryRun *bool, resume *bool, watch *bool) {
	if maxParallel != nil {
		c.MaxParallel = *maxParallel
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if dryRun != nil {
		c.DryRun = *dryRun
	}
	if resume != nil {
		c.Resume = *resume
	}
	if watch != nil {
		c.Watch = *watch
	}
}

// Validate validates the configuration values.
// Returns an error if any values are invalid.
func (c *Config) Validate() error {
	if c.MaxParallel < 1 || c.MaxParallel > 4 {
		return fmt.Errorf("max_parallel must be in 1..4, got %d", c.MaxParallel)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.TickIntervalMs <= 0 {
		return fmt.Errorf("tick_interval_ms must be > 0, got %d", c.TickIntervalMs)
	}

	if c.AutoRetry.MaxRetries < 0 || c.AutoRetry.MaxRetries > 10 {
		return fmt.Errorf("auto_retry.max_retries must be in 0..10, got %d", c.AutoRetry.MaxRetries)
	}
	if c.AutoRetry.BaseDelayMs < 1000 || c.AutoRetry.BaseDelayMs > 300000 {
		return fmt.Errorf("auto_retry.base_delay_ms must be in 1000..300000, got %d", c.AutoRetry.BaseDelayMs)
	}
	if c.AutoRetry.MaxDelayMs < c.AutoRetry.BaseDelayMs {
		return fmt.Errorf("auto_retry.max_delay_ms must be >= base_delay_ms, got %d < %d",
			c.AutoRetry.MaxDelayMs, c.AutoRetry.BaseDelayMs)
	}

	if c.Watchdog.Enabled {
		if c.Watchdog.CheckIntervalMs <= 0 {
			return fmt.Errorf("watchdog.check_interval_ms must be > 0 when the watchdog is enabled, got %d",
				c.Watchdog.CheckIntervalMs)
		}
		if c.Watchdog.ActivityTimeoutMs < 0 {
			return fmt.Errorf("watchdog.activity_timeout_ms must be >= 0, got %d", c.Watchdog.ActivityTimeoutMs)
		}
		if c.Watchdog.HardTimeoutMs < 0 {
			return fmt.Errorf("watchdog.hard_timeout_ms must be >= 0, got %d", c.Watchdog.HardTimeoutMs)
		}
		if c.Watchdog.AIEnabled && c.Watchdog.AICommand == "" {
			return fmt.Errorf("watchdog.ai_command cannot be empty when watchdog.ai_enabled is true")
		}
	}

	if c.APIError.MaxRetries < 0 {
		return fmt.Errorf("api_error.max_retries must be >= 0, got %d", c.APIError.MaxRetries)
	}
	if c.APIError.MaxTaskRetries < 0 {
		return fmt.Errorf("api_error.max_task_retries must be >= 0, got %d", c.APIError.MaxTaskRetries)
	}
	if c.APIError.BaseDelayMs <= 0 {
		return fmt.Errorf("api_error.base_delay_ms must be > 0, got %d", c.APIError.BaseDelayMs)
	}
	if c.APIError.MaxDelayMs < c.APIError.BaseDelayMs {
		return fmt.Errorf("api_error.max_delay_ms must be >= base_delay_ms, got %d < %d",
			c.APIError.MaxDelayMs, c.APIError.BaseDelayMs)
	}
	if c.APIError.JitterRatio < 0 || c.APIError.JitterRatio > 1 {
		return fmt.Errorf("api_error.jitter_ratio must be in 0..1, got %v", c.APIError.JitterRatio)
	}

	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive.retention_days must be >= 0, got %d", c.Archive.RetentionDays)
	}
	if c.Archive.MaxTaskBytes < 0 {
		return fmt.Errorf("archive.max_task_bytes must be >= 0, got %d", c.Archive.MaxTaskBytes)
	}

	if c.Session.DebounceMs < 0 {
		return fmt.Errorf("session.debounce_ms must be >= 0, got %d", c.Session.DebounceMs)
	}

	if c.WaveCheck.Enabled && c.WaveCheck.Command == "" {
		return fmt.Errorf("wave_check.command cannot be empty when wave_check is enabled")
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command cannot be empty")
	}

	return nil
}
