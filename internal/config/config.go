// Package config loads service configuration from an optional file and
// HOTLOG_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/coffersTech/hotlog/internal/model"
)

// EnvPrefix is prepended to every environment override, e.g.
// HOTLOG_WATCH_BASE_PATH for watch.base_path.
const EnvPrefix = "HOTLOG"

type Config struct {
	Watch      WatchConfig      `mapstructure:"watch"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Query      QueryConfig      `mapstructure:"query"`
	Cold       ColdConfig       `mapstructure:"cold"`
	Quarantine QuarantineConfig `mapstructure:"quarantine"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

type WatchConfig struct {
	BasePath         string        `mapstructure:"base_path"`
	Patterns         []string      `mapstructure:"patterns"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DiscoverInterval time.Duration `mapstructure:"discover_interval"`
	MaxReadBytes     int           `mapstructure:"max_read_bytes"`
	MaxBlockBytes    int           `mapstructure:"max_block_bytes"`
	CheckpointDir    string        `mapstructure:"checkpoint_dir"`
	Marker           string        `mapstructure:"marker"`
	StrictUUID       bool          `mapstructure:"strict_uuid"`
	ForgetAfter      time.Duration `mapstructure:"forget_after"`
	MaxParkDelay     time.Duration `mapstructure:"max_park_delay"`
}

type CacheConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	Shards        int           `mapstructure:"shards"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	EnqueueWait   time.Duration `mapstructure:"enqueue_wait"`
	Workers       int           `mapstructure:"workers"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SnapshotPath  string        `mapstructure:"snapshot_path"`
}

type QueryConfig struct {
	CacheTimeout    time.Duration `mapstructure:"cache_timeout"`
	ArchiveTimeout  time.Duration `mapstructure:"archive_timeout"`
	ColdTimeout     time.Duration `mapstructure:"cold_timeout"`
	MaxMerge        int           `mapstructure:"max_merge"`
	ArchiveDirs     []string      `mapstructure:"archive_dirs"`
	ArchiveWorkers  int           `mapstructure:"archive_workers"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
}

type ColdConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type QuarantineConfig struct {
	Path        string `mapstructure:"path"`
	MaxRawBytes int    `mapstructure:"max_raw_bytes"`
}

type BroadcastConfig struct {
	Buffer            int           `mapstructure:"buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	StatsInterval     time.Duration `mapstructure:"stats_interval"`
	NATSURL           string        `mapstructure:"nats_url"`
	NATSSubject       string        `mapstructure:"nats_subject"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	TokenHashes []string `mapstructure:"token_hashes"`
	RateLimit   float64  `mapstructure:"rate_limit"`
	Burst       int      `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watch.base_path", "./logs")
	v.SetDefault("watch.patterns", []string{"*.log", "*.txt"})
	v.SetDefault("watch.poll_interval", "1s")
	v.SetDefault("watch.discover_interval", "10s")
	v.SetDefault("watch.max_read_bytes", 4<<20)
	v.SetDefault("watch.max_block_bytes", 8<<20)
	v.SetDefault("watch.checkpoint_dir", "")
	v.SetDefault("watch.marker", "**********")
	v.SetDefault("watch.strict_uuid", false)
	v.SetDefault("watch.forget_after", "1h")
	v.SetDefault("watch.max_park_delay", "30s")

	v.SetDefault("cache.retention", "48h")
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.queue_capacity", 8192)
	v.SetDefault("cache.enqueue_wait", "5ms")
	v.SetDefault("cache.workers", 2)
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.snapshot_path", "")

	v.SetDefault("query.cache_timeout", "1s")
	v.SetDefault("query.archive_timeout", "5s")
	v.SetDefault("query.cold_timeout", "3s")
	v.SetDefault("query.max_merge", 10000)
	v.SetDefault("query.archive_dirs", []string{})
	v.SetDefault("query.archive_workers", 4)
	v.SetDefault("query.default_page_size", model.DefaultPageSize)
	v.SetDefault("query.max_page_size", model.MaxPageSize)

	v.SetDefault("cold.dsn", "")
	v.SetDefault("cold.table", "log_entries")

	v.SetDefault("quarantine.path", "")
	v.SetDefault("quarantine.max_raw_bytes", 64<<10)

	v.SetDefault("broadcast.buffer", 256)
	v.SetDefault("broadcast.heartbeat_interval", "15s")
	v.SetDefault("broadcast.heartbeat_timeout", "45s")
	v.SetDefault("broadcast.stats_interval", "2s")
	v.SetDefault("broadcast.nats_url", "")
	v.SetDefault("broadcast.nats_subject", "hotlog")

	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.token_hashes", []string{})
	v.SetDefault("server.rate_limit", 100.0)
	v.SetDefault("server.burst", 200)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")
}

// Load reads path (if non-empty) and applies environment overrides on top
// of the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", model.ErrInvalidConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", model.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail at runtime.
// Every returned error wraps model.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Watch.BasePath == "" {
		add("watch.base_path is empty")
	} else if info, err := os.Stat(c.Watch.BasePath); err != nil {
		add("watch.base_path: %v", err)
	} else if !info.IsDir() {
		add("watch.base_path %s is not a directory", c.Watch.BasePath)
	}
	if len(c.Watch.Patterns) == 0 {
		add("watch.patterns is empty")
	}
	if c.Watch.PollInterval <= 0 {
		add("watch.poll_interval must be positive")
	}
	if c.Watch.MaxReadBytes <= 0 {
		add("watch.max_read_bytes must be positive")
	}
	if c.Watch.MaxBlockBytes <= 0 {
		add("watch.max_block_bytes must be positive")
	}
	if c.Watch.Marker == "" {
		add("watch.marker is empty")
	}

	if c.Cache.Retention <= 0 {
		add("cache.retention must be positive")
	}
	if c.Cache.Shards <= 0 {
		add("cache.shards must be positive")
	}
	if c.Cache.QueueCapacity <= 0 {
		add("cache.queue_capacity must be positive")
	}
	if c.Cache.Workers <= 0 {
		add("cache.workers must be positive")
	}

	if c.Query.MaxPageSize <= 0 {
		add("query.max_page_size must be positive")
	}
	if c.Query.DefaultPageSize <= 0 || c.Query.DefaultPageSize > c.Query.MaxPageSize {
		add("query.default_page_size must be in [1, %d]", c.Query.MaxPageSize)
	}
	if c.Query.MaxMerge <= 0 {
		add("query.max_merge must be positive")
	}

	if c.Broadcast.Buffer <= 0 {
		add("broadcast.buffer must be positive")
	}
	if c.Broadcast.HeartbeatTimeout < c.Broadcast.HeartbeatInterval {
		add("broadcast.heartbeat_timeout must not be shorter than heartbeat_interval")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", model.ErrInvalidConfig, errors.Join(errs...))
}
