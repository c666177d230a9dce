package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/tiercache/internal/cache"
	"github.com/leonardcser/tiercache/internal/config"
	"github.com/leonardcser/tiercache/internal/engine"
	"github.com/leonardcser/tiercache/internal/logger"
	"github.com/leonardcser/tiercache/internal/tools"
	"github.com/leonardcser/tiercache/internal/web"
)

const daemonBinary = "tiercache-daemon"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, arg.ErrHelp) {
		return
	}
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	if cfg.LogFile != "" {
		err = logger.Init(cfg.LogFile)
	} else {
		err = logger.InitFromEnv("tiercache")
	}
	if err != nil {
		panic(err)
	}
	defer logger.Close()
	logger.SetLevel(cfg.Level())

	logger.Infof("Starting tiercache MCP server (durable tier: %s)", cfg.Durable)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	durable, closeDurable, err := openDurable(ctx, cfg)
	if err != nil {
		logger.Errorf("Failed to open durable tier: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeDurable(); err != nil {
			logger.Warnf("closing durable tier: %v", err)
		}
	}()

	e, err := engine.New(ctx, engine.Options{
		Durable:            durable,
		Logger:             logger.L(),
		MaxMemoryItems:     cfg.MaxMemoryItems,
		DefaultTTL:         cfg.DefaultTTL,
		FetchTimeout:       cfg.FetchTimeout,
		MutationTimeout:    cfg.MutationTimeout,
		RevalidateInterval: cfg.RevalidateInterval,
		SweepInterval:      cfg.SweepInterval,
		PollInterval:       cfg.PollInterval,
	})
	if err != nil {
		logger.Errorf("Failed to start engine: %v", err)
		os.Exit(1)
	}
	defer e.Close()
	e.Start(ctx)

	previewer := web.NewPreviewer(e, web.Options{
		TTL:     cfg.PreviewTTL,
		Timeout: cfg.FetchTimeout,
		Logger:  logger.L(),
	})

	s := server.NewMCPServer(
		"tiercache",
		"0.1.0",
		server.WithRecovery(),
		server.WithToolCapabilities(false),
	)
	tools.Register(s, e, previewer)
	logger.Infof("Registered tools")

	logger.Infof("Starting MCP server on stdio")
	if err := server.ServeStdio(s); err != nil {
		logger.Errorf("server error: %v", err)
	}
}

// openDurable returns the configured durable tier and its closer.
func openDurable(ctx context.Context, cfg *config.Config) (cache.Durable, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Durable {
	case config.DurableMemory:
		return cache.NewMemoryDurable(), noop, nil
	case config.DurableBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, nil, err
		}
		st, err := cache.OpenBolt(cfg.DBPath, cache.BoltOptions{})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.DurablePostgres:
		st, err := cache.OpenPG(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		c, err := connectDaemon(cfg.SocketPath)
		if err != nil {
			return nil, nil, err
		}
		return c, noop, nil
	}
}

// connectDaemon connects to the durable tier daemon, starting it when no
// daemon is listening yet.
func connectDaemon(sock string) (*cache.Client, error) {
	logger.Infof("Attempting to connect to cache daemon at %s", sock)
	if cache.Ping(sock, 200*time.Millisecond) {
		return cache.NewClient(sock), nil
	}
	logger.Warnf("No cache daemon at %s, attempting to start one", sock)
	if err := startDaemon(sock); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cache.Ping(sock, 200*time.Millisecond) {
			logger.Infof("Cache daemon started")
			return cache.NewClient(sock), nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, errors.New("cache daemon did not come up within 5s")
}

func startDaemon(sock string) error {
	var candidates []string
	// next to this executable, then PATH, then the working directory
	if exePath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exePath), daemonBinary))
	}
	if path, err := exec.LookPath(daemonBinary); err == nil {
		candidates = append(candidates, path)
	}
	candidates = append(candidates, "./"+daemonBinary)

	for _, bin := range candidates {
		if _, err := os.Stat(bin); err != nil {
			continue
		}
		cmd := exec.Command(bin, "--socket", sock)
		cmd.Env = os.Environ()
		return cmd.Start()
	}
	return exec.ErrNotFound
}
