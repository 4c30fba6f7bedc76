package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/busconfig"
	"github.com/c360studio/busd/internal/ingress"
)

func testConfig(t *testing.T) busconfig.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := busconfig.DefaultConfig()
	cfg.NATS.StoreDir = dir + "/nats"
	cfg.NATS.HostPort = "127.0.0.1:0"
	cfg.SQLite.Path = dir + "/busd.sqlite"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Mail.Dir = dir + "/mail"
	cfg.Audit.Dir = dir + "/audit"
	cfg.Registry.SnapshotPath = dir + "/registry.json"
	cfg.Board.Path = dir + "/board.json"
	cfg.Workflow.TemplatesFile = ""
	cfg.Workflow.Watch = false
	return cfg
}

func TestAppStartStop(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	app, err := NewApp(testConfig(t), log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, app.Start(ctx))
	defer app.Shutdown()

	require.NotNil(t, app.natsConn)
	require.NotNil(t, app.js)
	require.NotNil(t, app.db)
	require.NotNil(t, app.Queue)
	require.NotNil(t, app.TaskIDs)
	require.NotNil(t, app.Registry)
	require.NotNil(t, app.Orchestrator)
	require.NotNil(t, app.Outbox)
	require.NotNil(t, app.Workflows)
	require.NotNil(t, app.Aggregator)
	require.NotNil(t, app.Verdict)
}

func TestResolvedWhitelists(t *testing.T) {
	cfg := testConfig(t)
	app := &App{cfg: cfg}

	both := ingress.DefaultTaskTypeWhitelists()
	got := app.resolvedWhitelists()
	require.Equal(t, both, got)

	app.cfg.HTTP.TaskTypeWhitelist = "run_prompt_style"
	got = app.resolvedWhitelists()
	require.Equal(t, both.RunPromptStyle, got.RunPromptStyle)
	require.Empty(t, got.EventStyle)

	app.cfg.HTTP.TaskTypeWhitelist = "event_style"
	got = app.resolvedWhitelists()
	require.Equal(t, both.EventStyle, got.EventStyle)
	require.Empty(t, got.RunPromptStyle)
}
