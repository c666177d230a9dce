package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/leonardcser/tiercache/internal/cache"
	"github.com/leonardcser/tiercache/internal/config"
	"github.com/leonardcser/tiercache/internal/logger"
)

func main() {
	cfg, err := config.ParseDaemon(os.Args[1:])
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
		err = logger.InitFromEnv("tiercache-daemon")
	}
	if err != nil {
		panic(err)
	}
	defer logger.Close()
	logger.SetLevel(cfg.Level())

	// Ensure socket dir exists and remove stale socket
	_ = os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755)
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755)
	_ = os.Remove(cfg.SocketPath)

	store, err := cache.OpenBolt(cfg.DBPath, cache.BoltOptions{Bucket: cfg.Bucket})
	if err != nil {
		logger.Errorf("open %s: %v", cfg.DBPath, err)
		os.Exit(1)
	}
	defer store.Close()

	l, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		logger.Errorf("listen on %s: %v", cfg.SocketPath, err)
		os.Exit(1)
	}
	_ = os.Chmod(cfg.SocketPath, 0o600)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	logger.Infof("Serving durable tier %s on %s", cfg.DBPath, cfg.SocketPath)
	if err := cache.Serve(l, store, logger.L()); err != nil {
		logger.Errorf("serve: %v", err)
	}
	_ = os.Remove(cfg.SocketPath)
	logger.Infof("Durable tier daemon stopped")
}
