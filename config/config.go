// Package config handles YAML configuration for revertd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/revertd/revertd/types"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "2s"
// or "15m" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and bare integers
// (interpreted as seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		if secs, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			*d = Duration(time.Duration(secs) * time.Second)
			return nil
		}
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure.
type Config struct {
	StateDir      string         `yaml:"state_dir"`
	Socket        string         `yaml:"socket"`
	LogLevel      string         `yaml:"log_level"`
	MetricsListen string         `yaml:"metrics_listen"`
	OTELEndpoint  string         `yaml:"otel_endpoint"`
	Watch         WatchConfig    `yaml:"watch"`
	Deadlines     DeadlineConfig `yaml:"deadlines"`
	Revert        RevertConfig   `yaml:"revert"`
	Snapshots     SnapshotConfig `yaml:"snapshots"`
	Journal       JournalConfig  `yaml:"journal"`
}

// WatchPath names one path or glob to protect.
type WatchPath struct {
	Path      string         `yaml:"path"`
	Category  types.Category `yaml:"category"`
	Recursive bool           `yaml:"recursive,omitempty"`
}

// WatchConfig holds watcher settings.
type WatchConfig struct {
	Paths          []WatchPath `yaml:"paths"`
	Debounce       Duration    `yaml:"debounce"`
	PollInterval   Duration    `yaml:"poll_interval"`
	RescanInterval Duration    `yaml:"rescan_interval"`
	QueueSize      int         `yaml:"queue_size"`
}

// DeadlineConfig holds confirmation deadline settings.
type DeadlineConfig struct {
	Policy     string                      `yaml:"policy"`
	Grace      Duration                    `yaml:"grace"`
	Categories map[types.Category]Duration `yaml:"categories,omitempty"`
	Cron       map[types.Category]string   `yaml:"cron,omitempty"`
}

// RevertConfig holds revert execution settings.
type RevertConfig struct {
	MaxAttempts        int                         `yaml:"max_attempts"`
	RetryBackoff       Duration                    `yaml:"retry_backoff"`
	HookTimeout        Duration                    `yaml:"hook_timeout"`
	ConnectivityProbes []string                    `yaml:"connectivity_probes,omitempty"`
	Hooks              map[types.Category][]string `yaml:"hooks,omitempty"`
	Verify             map[types.Category][]string `yaml:"verify,omitempty"`
}

// SnapshotConfig holds snapshot store settings.
type SnapshotConfig struct {
	Max           int          `yaml:"max"`
	KeepConfirmed bool         `yaml:"keep_confirmed"`
	Docker        DockerConfig `yaml:"docker"`
}

// DockerConfig enables the docker payload producers.
type DockerConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Volumes   []string         `yaml:"volumes,omitempty"`
	Databases []DatabaseConfig `yaml:"databases,omitempty"`
}

// DatabaseConfig names one database to dump alongside file snapshots.
type DatabaseConfig struct {
	Container string `yaml:"container"`
	Engine    string `yaml:"engine"`
	Name      string `yaml:"name"`
	User      string `yaml:"user,omitempty"`
}

// JournalConfig holds audit journal retention settings.
type JournalConfig struct {
	MaxAge   Duration `yaml:"max_age"`
	MaxFiles int      `yaml:"max_files"`
}

// Deadline policies.
const (
	PolicyFixed = "fixed"
	PolicyCron  = "cron"
)

// Load reads, parses and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		StateDir:      "/var/lib/revertd",
		Socket:        "/run/revertd.sock",
		LogLevel:      "info",
		MetricsListen: ":9090",
		Watch: WatchConfig{
			Debounce:       Duration(2 * time.Second),
			PollInterval:   Duration(30 * time.Second),
			RescanInterval: Duration(5 * time.Minute),
			QueueSize:      64,
		},
		Deadlines: DeadlineConfig{
			Policy: PolicyFixed,
			Grace:  Duration(30 * time.Second),
		},
		Revert: RevertConfig{
			MaxAttempts:        3,
			RetryBackoff:       Duration(2 * time.Second),
			HookTimeout:        Duration(30 * time.Second),
			ConnectivityProbes: []string{"8.8.8.8:53", "1.1.1.1:53"},
		},
		Snapshots: SnapshotConfig{
			Max: 10,
		},
		Journal: JournalConfig{
			MaxAge:   Duration(30 * 24 * time.Hour),
			MaxFiles: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.StateDir == "" {
		cfg.StateDir = def.StateDir
	}
	if cfg.Socket == "" {
		cfg.Socket = def.Socket
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = def.Watch.Debounce
	}
	if cfg.Watch.PollInterval == 0 {
		cfg.Watch.PollInterval = def.Watch.PollInterval
	}
	if cfg.Watch.RescanInterval == 0 {
		cfg.Watch.RescanInterval = def.Watch.RescanInterval
	}
	if cfg.Watch.QueueSize == 0 {
		cfg.Watch.QueueSize = def.Watch.QueueSize
	}
	for i, wp := range cfg.Watch.Paths {
		if wp.Category == "" {
			cfg.Watch.Paths[i].Category = types.CategorySystem
		}
	}
	if cfg.Deadlines.Policy == "" {
		cfg.Deadlines.Policy = def.Deadlines.Policy
	}
	if cfg.Deadlines.Grace == 0 {
		cfg.Deadlines.Grace = def.Deadlines.Grace
	}
	if cfg.Revert.MaxAttempts == 0 {
		cfg.Revert.MaxAttempts = def.Revert.MaxAttempts
	}
	if cfg.Revert.RetryBackoff == 0 {
		cfg.Revert.RetryBackoff = def.Revert.RetryBackoff
	}
	if cfg.Revert.HookTimeout == 0 {
		cfg.Revert.HookTimeout = def.Revert.HookTimeout
	}
	if cfg.Revert.ConnectivityProbes == nil {
		cfg.Revert.ConnectivityProbes = def.Revert.ConnectivityProbes
	}
	if cfg.Snapshots.Max == 0 {
		cfg.Snapshots.Max = def.Snapshots.Max
	}
	if cfg.Journal.MaxAge == 0 {
		cfg.Journal.MaxAge = def.Journal.MaxAge
	}
	if cfg.Journal.MaxFiles == 0 {
		cfg.Journal.MaxFiles = def.Journal.MaxFiles
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if err := validLogLevel(c.LogLevel); err != nil {
		return err
	}
	for _, wp := range c.Watch.Paths {
		if wp.Path == "" {
			return fmt.Errorf("watch: path cannot be empty")
		}
		if !wp.Category.Valid() {
			return fmt.Errorf("watch: unknown category %q for %s", wp.Category, wp.Path)
		}
	}
	if c.Watch.QueueSize < 1 {
		return fmt.Errorf("watch: queue_size must be at least 1 (got %d)", c.Watch.QueueSize)
	}
	if c.Watch.Debounce.Std() <= 0 {
		return fmt.Errorf("watch: debounce must be positive")
	}
	if err := c.validateDeadlines(); err != nil {
		return err
	}
	if c.Revert.MaxAttempts < 1 {
		return fmt.Errorf("revert: max_attempts must be at least 1 (got %d)", c.Revert.MaxAttempts)
	}
	if c.Snapshots.Max < 1 {
		return fmt.Errorf("snapshots: max must be at least 1 (got %d)", c.Snapshots.Max)
	}
	for _, db := range c.Snapshots.Docker.Databases {
		if db.Container == "" {
			return fmt.Errorf("snapshots: docker database container cannot be empty")
		}
		if db.Engine != "postgres" && db.Engine != "mysql" {
			return fmt.Errorf("snapshots: unsupported database engine %q (postgres or mysql)", db.Engine)
		}
	}
	return nil
}

func (c *Config) validateDeadlines() error {
	if c.Deadlines.Policy != PolicyFixed && c.Deadlines.Policy != PolicyCron {
		return fmt.Errorf("deadlines: unknown policy %q (fixed or cron)", c.Deadlines.Policy)
	}
	for cat, d := range c.Deadlines.Categories {
		if !cat.Valid() {
			return fmt.Errorf("deadlines: unknown category %q", cat)
		}
		if d.Std() < types.MinDeadline || d.Std() > types.MaxDeadline {
			return fmt.Errorf("deadlines: %s deadline %v outside [%v, %v]",
				cat, d.Std(), types.MinDeadline, types.MaxDeadline)
		}
	}
	for cat, expr := range c.Deadlines.Cron {
		if !cat.Valid() {
			return fmt.Errorf("deadlines: unknown cron category %q", cat)
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("deadlines: invalid cron expression for %s: %w", cat, err)
		}
	}
	return nil
}

func validLogLevel(level string) error {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log_level %q", level)
}

// DeadlineFor resolves the confirmation window for a category:
// explicit config wins, then the built-in table.
func (c *Config) DeadlineFor(cat types.Category) time.Duration {
	if d, ok := c.Deadlines.Categories[cat]; ok {
		return d.Std()
	}
	return cat.DefaultDeadline()
}

// CronFor returns the cron expression for a category when the cron
// policy applies to it, or "" to use the fixed window.
func (c *Config) CronFor(cat types.Category) string {
	if c.Deadlines.Policy != PolicyCron {
		return ""
	}
	return c.Deadlines.Cron[cat]
}

// CategoryFor maps a concrete path to its category using the longest
// matching watch entry, defaulting to system.
func (c *Config) CategoryFor(path string) types.Category {
	cat, _ := c.Covers(path)
	return cat
}

// Covers reports whether path falls under any watch entry, and the
// category of the longest matching one. Unmatched paths report the
// system category and false.
func (c *Config) Covers(path string) (types.Category, bool) {
	best := types.CategorySystem
	bestLen := -1
	for _, wp := range c.Watch.Paths {
		pattern := wp.Path
		if wp.Recursive && !strings.ContainsAny(pattern, "*?[") {
			pattern += "/**"
		}
		if matched, n := pathMatches(pattern, path); matched && n > bestLen {
			best = wp.Category
			bestLen = n
		}
	}
	return best, bestLen >= 0
}

// pathMatches reports whether a watch pattern covers path. Patterns are
// exact paths, shell globs in the final segment, or a subtree suffix
// "/**". The second return is match specificity for longest-match wins.
func pathMatches(pattern, path string) (bool, int) {
	if base, ok := strings.CutSuffix(pattern, "/**"); ok {
		if path == base || strings.HasPrefix(path, base+"/") {
			return true, len(base)
		}
		return false, 0
	}
	if pattern == path {
		return true, len(pattern)
	}
	if ok, err := filepath.Match(pattern, path); err == nil && ok {
		return true, len(pattern) - strings.Count(pattern, "*") - strings.Count(pattern, "?")
	}
	return false, 0
}
