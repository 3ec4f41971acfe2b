package main

import (
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/logging"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/runner"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store/postgres"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/workflows"
)

var (
	loadConfig   = config.Load
	newLogger    = logging.New
	dialTemporal = client.Dial
	// newStore returns a nil store when no database is configured; events
	// then only reach the verifier over HTTP.
	newStore = func(conn string) (store.Store, error) {
		if conn == "" {
			return nil, nil
		}
		return postgres.New(conn)
	}
	newRunner       = runner.FromConfig
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
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

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}

	poster := workflows.NewEventPoster(st, cfg.VerifierURL, logger)
	testRunner, err := newRunner(cfg, poster, logger, nil)
	if err != nil {
		return err
	}
	activities := workflows.NewTestRunActivities(st, testRunner, poster, logger)

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.TestRunWorkflow)
	w.RegisterActivity(activities)

	logger.Info("verifier worker started", zap.String("task_queue", cfg.TemporalTaskQueue))
	return w.Run(workerInterrupt())
}
