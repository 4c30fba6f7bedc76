package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/busd/internal/aggregator"
	"github.com/c360studio/busd/internal/audit"
	"github.com/c360studio/busd/internal/bus"
	"github.com/c360studio/busd/internal/busconfig"
	"github.com/c360studio/busd/internal/convo"
	"github.com/c360studio/busd/internal/events"
	"github.com/c360studio/busd/internal/ingress"
	"github.com/c360studio/busd/internal/orchestrator"
	"github.com/c360studio/busd/internal/outbox"
	"github.com/c360studio/busd/internal/queue"
	"github.com/c360studio/busd/internal/registry"
	"github.com/c360studio/busd/internal/sqlstore"
	"github.com/c360studio/busd/internal/subscriber"
	"github.com/c360studio/busd/internal/taskid"
	"github.com/c360studio/busd/internal/verdict"
	"github.com/c360studio/busd/internal/workflowengine"
)

// App wires the daemon's components together: one struct holding the
// long-lived handles, a Start that brings them up in dependency order, and
// a Shutdown that tears them down in reverse.
type App struct {
	cfg busconfig.Config
	log *slog.Logger

	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream
	db             *sqlstore.DB

	Queue        *queue.Queue
	TaskIDs      *taskid.Manager
	Publisher    *events.Publisher
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Convo        *convo.Store
	Outbox       *outbox.Outbox
	Templates    *workflowengine.TemplateStore
	Workflows    *workflowengine.Engine
	Aggregator   *aggregator.Aggregator
	Audit        *audit.Logger
	Verdict      *verdict.Handler

	board   *subscriber.Board
	pusher  *ingress.Pusher
	httpSrv *http.Server

	loops  []*subscriber.Loop
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewApp constructs an App; Start performs all I/O.
func NewApp(cfg busconfig.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	return &App{cfg: cfg, log: log}, nil
}

// Start brings up the embedded NATS/JetStream server, the sqlite store,
// every component, the external-ingress HTTP server, and the three
// subscriber lanes (board, orchestrator, aws_bridge), then returns once
// everything is ready to accept work. The subscriber loops and HTTP server
// continue running in the background until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	db, err := sqlstore.Open(ctx, a.cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	a.db = db

	a.Queue = queue.New(db.DB)
	a.TaskIDs = taskid.NewManager(db.DB)

	publisher, err := events.NewPublisher(ctx, a.js, a.Queue)
	if err != nil {
		return fmt.Errorf("open event publisher: %w", err)
	}
	a.Publisher = publisher

	a.Registry = registry.New(a.cfg.Registry.SnapshotPath)
	if err := a.Registry.Load(); err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}

	orch, err := orchestrator.New(ctx, a.js, publisher)
	if err != nil {
		return fmt.Errorf("open orchestrator: %w", err)
	}
	a.Orchestrator = orch

	convoStore, err := convo.NewStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("open conversation context store: %w", err)
	}
	a.Convo = convoStore

	ob, err := outbox.New(ctx, a.js, a.Registry, convoStore, a.Queue, a.cfg.Mail.Dir)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	a.Outbox = ob

	templates := workflowengine.NewTemplateStore()
	if a.cfg.Workflow.TemplatesFile != "" {
		if err := templates.LoadFile(a.cfg.Workflow.TemplatesFile); err != nil {
			a.log.Warn("workflow templates file unavailable, using built-in defaults", "path", a.cfg.Workflow.TemplatesFile, "error", err)
		}
		if a.cfg.Workflow.Watch {
			errCh := make(chan error, 1)
			if err := templates.WatchFile(a.cfg.Workflow.TemplatesFile, errCh); err != nil {
				a.log.Warn("workflow template hot-reload unavailable", "error", err)
			} else {
				go func() {
					for err := range errCh {
						a.log.Error("workflow template reload failed", "error", err)
					}
				}()
			}
		}
	}
	a.Templates = templates

	engine, err := workflowengine.New(ctx, a.js, templates, a.Registry, ob)
	if err != nil {
		return fmt.Errorf("open workflow engine: %w", err)
	}
	a.Workflows = engine

	a.Aggregator = aggregator.New(orch, a.cfg.Mail.Dir)
	a.Audit = audit.New(a.cfg.Audit.Dir)
	a.Verdict = verdict.NewHandler(a.TaskIDs, orch, publisher)

	a.board = subscriber.NewBoard(a.cfg.Board.Path)
	if err := a.board.Load(); err != nil {
		return fmt.Errorf("load board: %w", err)
	}

	a.pusher = ingress.NewPusher(a.cfg.HTTP.ExternalPushURL, a.log)

	a.startSubscribers()

	if err := a.startHTTP(); err != nil {
		return fmt.Errorf("start HTTP ingress: %w", err)
	}
	return nil
}

func (a *App) startNATS(_ context.Context) error {
	host, portStr, err := net.SplitHostPort(a.cfg.NATS.HostPort)
	if err != nil {
		return fmt.Errorf("parse nats.host_port %q: %w", a.cfg.NATS.HostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("parse nats.host_port %q: %w", a.cfg.NATS.HostPort, err)
	}

	opts := &server.Options{
		JetStream: true,
		StoreDir:  a.cfg.NATS.StoreDir,
		Host:      host,
		Port:      port,
		HTTPPort:  a.cfg.NATS.HTTPPort,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}
	a.embeddedServer = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsConn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// startSubscribers launches the three fan-out lanes as background
// loops, each polling its own lane on the durable queue.
func (a *App) startSubscribers() {
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	group, gctx := errgroup.WithContext(loopCtx)
	a.group = group

	boardLoop := subscriber.NewLoop(bus.LaneBoard, a.Queue, a.board.Apply, a.log)
	orchLoop := subscriber.NewLoop(bus.LaneOrchestrator, a.Queue, subscriber.NewOrchestratorHandler(a.Orchestrator, a.log).Handle, a.log)
	bridgeLoop := subscriber.NewLoop(bus.LaneAWSBridge, a.Queue, subscriber.NewBridgeHandler(a.pusher, a.TaskIDs, a.log).Handle, a.log)
	a.loops = []*subscriber.Loop{boardLoop, orchLoop, bridgeLoop}

	for _, loop := range a.loops {
		loop := loop
		group.Go(func() error { return loop.Run(gctx, 20) })
	}
}

func (a *App) startHTTP() error {
	whitelists := a.resolvedWhitelists()
	srv := ingress.NewServer(a.db.DB, a.TaskIDs, a.Publisher, a.Orchestrator, a.Aggregator, whitelists, a.log, a.Audit)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{Addr: a.cfg.HTTP.Addr, Handler: mux}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("ingress HTTP server stopped", "error", err)
		}
	}()
	return nil
}

// resolvedWhitelists narrows ingress.DefaultTaskTypeWhitelists() per the
// configured mode: both overlapping whitelists stay available, and the
// operator picks which this deployment enforces.
func (a *App) resolvedWhitelists() ingress.TaskTypeWhitelists {
	both := ingress.DefaultTaskTypeWhitelists()
	switch a.cfg.WhitelistMode() {
	case "run_prompt_style":
		return ingress.TaskTypeWhitelists{RunPromptStyle: both.RunPromptStyle}
	case "event_style":
		return ingress.TaskTypeWhitelists{EventStyle: both.EventStyle}
	default:
		return both
	}
}

// Shutdown stops the HTTP server, drains the subscriber loops, and tears
// down the NATS connection and embedded server, in reverse start order.
func (a *App) Shutdown() {
	if a.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.httpSrv.Shutdown(ctx)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		_ = a.group.Wait()
	}
	if a.Templates != nil {
		_ = a.Templates.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
