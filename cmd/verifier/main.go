package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/anchor"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/api"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/runner"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store/memory"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store/postgres"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = config.Load
	newLogger  = logging.New
	newBroker  = events.NewBroker
	// newStore falls back to the in-memory store when no database is configured.
	newStore = func(conn string) (store.Store, func(), error) {
		if conn == "" {
			return memory.New(), func() {}, nil
		}
		st, err := postgres.New(conn)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	newRunner          = runner.FromConfig
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newServer          = func(st store.Store, broker *events.Broker, r api.Runner, wf api.WorkflowService, cfg config.Config, opts ...api.Option) server {
		return api.NewServer(st, broker, r, wf, cfg, opts...)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	st, closeStore, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer closeStore()

	broker := newBroker()
	testRunner, err := newRunner(cfg, events.NewPublisher(st, broker), logger, m)
	if err != nil {
		return err
	}

	var workflowService api.WorkflowService
	if cfg.TemporalEnabled() {
		workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			return err
		}
		if workflowClient != nil {
			defer workflowClient.Close()
		}
		workflowService = newWorkflowService(workflowClient, cfg.TemporalTaskQueue)
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetricsHandler(metrics.Handler(registry)),
	}
	if cfg.AnchorAPIKey != "" {
		opts = append(opts, api.WithAnchor(anchor.NewClient(cfg.AnchorAPIURL, cfg.AnchorAPIKey)))
	}
	srv := newServer(st, broker, testRunner, workflowService, cfg, opts...)

	addr := fmt.Sprintf(":%s", cfg.VerifierPort)
	logger.Info("verifier listening",
		zap.String("addr", addr),
		zap.Bool("postgres", cfg.PostgresURL != ""),
		zap.String("async_runs_mode", cfg.AsyncRunsMode),
	)
	return srv.Start(ctx, addr)
}
