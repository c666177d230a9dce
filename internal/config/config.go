// Package config reads the engine and daemon settings from flags and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"

	"github.com/leonardcser/tiercache/internal/logger"
)

const (
	DurableBolt     = "bolt"
	DurableSocket   = "socket"
	DurablePostgres = "postgres"
	DurableMemory   = "memory"
)

var durables = []string{DurableBolt, DurableSocket, DurablePostgres, DurableMemory}

type Config struct {
	DevMode  bool   `arg:"--dev,env:TIERCACHE_DEV" default:"false" help:"Load .env and log at debug level by default."`
	LogLevel string `arg:"--log-level,env:TIERCACHE_LOG_LEVEL" default:"default" help:"debug, info, warn or error. Default is info, or debug in dev mode."`
	LogFile  string `arg:"--log-file,env:TIERCACHE_LOG" help:"Log file path; - logs to stderr."`

	Durable     string `arg:"--durable,env:TIERCACHE_DURABLE" default:"socket" help:"Durable tier: bolt, socket, postgres or memory."`
	DBPath      string `arg:"--db,env:TIERCACHE_DB" help:"bbolt file for the bolt tier."`
	SocketPath  string `arg:"--socket,env:TIERCACHE_SOCK" help:"Unix socket of the cache daemon."`
	PostgresDSN string `arg:"--postgres-dsn,env:TIERCACHE_POSTGRES_DSN" help:"Connection string for the postgres tier."`

	MaxMemoryItems     int           `arg:"--max-memory-items,env:TIERCACHE_MAX_MEMORY_ITEMS" default:"50"`
	DefaultTTL         time.Duration `arg:"--ttl,env:TIERCACHE_TTL" default:"15m"`
	FetchTimeout       time.Duration `arg:"--fetch-timeout,env:TIERCACHE_FETCH_TIMEOUT" default:"15s"`
	MutationTimeout    time.Duration `arg:"--mutation-timeout,env:TIERCACHE_MUTATION_TIMEOUT" default:"10s"`
	RevalidateInterval time.Duration `arg:"--revalidate-interval,env:TIERCACHE_REVALIDATE_INTERVAL" default:"20m"`
	SweepInterval      time.Duration `arg:"--sweep-interval,env:TIERCACHE_SWEEP_INTERVAL" default:"30m"`
	PollInterval       time.Duration `arg:"--poll-interval,env:TIERCACHE_POLL_INTERVAL" default:"8s"`
	PreviewTTL         time.Duration `arg:"--preview-ttl,env:TIERCACHE_PREVIEW_TTL" default:"15m"`
}

func (Config) Description() string {
	return "tiercache: tiered client cache and optimistic sync engine served over MCP"
}

// DaemonConfig configures the durable-tier daemon.
type DaemonConfig struct {
	DevMode    bool   `arg:"--dev,env:TIERCACHE_DEV" default:"false"`
	LogLevel   string `arg:"--log-level,env:TIERCACHE_LOG_LEVEL" default:"default"`
	LogFile    string `arg:"--log-file,env:TIERCACHE_DAEMON_LOG"`
	SocketPath string `arg:"--socket,env:TIERCACHE_SOCK"`
	DBPath     string `arg:"--db,env:TIERCACHE_DB"`
	Bucket     string `arg:"--bucket,env:TIERCACHE_BUCKET" default:"tiercache"`
}

func (DaemonConfig) Description() string {
	return "tiercache-daemon: serves the durable cache tier over a unix socket"
}

// Parse reads cfg from args and the environment. In dev mode .env is
// loaded and the arguments parsed again so its values apply. Help output
// is written to stdout and reported as arg.ErrHelp.
func Parse(args []string) (*Config, error) {
	var cfg Config
	if err := parse("tiercache", args, &cfg); err != nil {
		return nil, err
	}
	if cfg.DevMode && loadDotEnv() {
		cfg = Config{}
		if err := parse("tiercache", args, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseDaemon is Parse for the daemon.
func ParseDaemon(args []string) (*DaemonConfig, error) {
	var cfg DaemonConfig
	if err := parse("tiercache-daemon", args, &cfg); err != nil {
		return nil, err
	}
	if cfg.DevMode && loadDotEnv() {
		cfg = DaemonConfig{}
		if err := parse("tiercache-daemon", args, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if _, err := logger.ParseLevel(cfg.LogLevel); err != nil && cfg.LogLevel != "default" {
		return nil, err
	}
	return &cfg, nil
}

func parse(program string, args []string, dest any) error {
	p, err := arg.NewParser(arg.Config{Program: program}, dest)
	if err != nil {
		return err
	}
	err = p.Parse(args)
	if errors.Is(err, arg.ErrHelp) {
		p.WriteHelp(os.Stdout)
	}
	return err
}

func loadDotEnv() bool {
	if err := godotenv.Load(".env"); err != nil {
		return false
	}
	slog.Info("loaded .env")
	return true
}

func (c *Config) Validate() error {
	if !slices.Contains(durables, c.Durable) {
		return fmt.Errorf("config: unknown durable tier %q (want one of %v)", c.Durable, durables)
	}
	if c.Durable == DurablePostgres && c.PostgresDSN == "" {
		return errors.New("config: the postgres tier needs --postgres-dsn")
	}
	if c.MaxMemoryItems <= 0 {
		return fmt.Errorf("config: max memory items must be positive, got %d", c.MaxMemoryItems)
	}
	for name, d := range map[string]time.Duration{
		"ttl":                 c.DefaultTTL,
		"fetch-timeout":       c.FetchTimeout,
		"mutation-timeout":    c.MutationTimeout,
		"revalidate-interval": c.RevalidateInterval,
		"sweep-interval":      c.SweepInterval,
		"poll-interval":       c.PollInterval,
		"preview-ttl":         c.PreviewTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.LogLevel != "default" {
		if _, err := logger.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Level resolves LogLevel, where "default" means info, or debug in dev mode.
func (c *Config) Level() slog.Level { return resolveLevel(c.LogLevel, c.DevMode) }

func (c *DaemonConfig) Level() slog.Level { return resolveLevel(c.LogLevel, c.DevMode) }

func resolveLevel(name string, dev bool) slog.Level {
	if name == "default" || name == "" {
		if dev {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	}
	l, err := logger.ParseLevel(name)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func cacheDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "tiercache")
}

func DefaultSocketPath() string { return filepath.Join(cacheDir(), "cache.sock") }

func DefaultDBPath() string { return filepath.Join(cacheDir(), "cache.bbolt") }
