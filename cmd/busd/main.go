// Command busd runs the agent collaboration bus daemon: an embedded
// NATS/JetStream server, the embedded sqlite queue/taskid store, the
// external ingress HTTP surface, and the board/orchestrator/aws_bridge
// subscriber loops. It parses flags, loads config, builds an App, and runs
// under a cancellable context until a signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c360studio/busd/internal/busconfig"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := busconfig.DefaultConfig()
	if configPath != "" {
		loaded, err := busconfig.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg = busconfig.ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	log.Info("busd started", "http_addr", cfg.HTTP.Addr)
	<-ctx.Done()
	log.Info("busd shutting down")
	return nil
}
