package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/githubtools"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/logging"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig      = config.Load
	newLogger       = logging.New
	newGitHubClient = githubtools.NewClient
	newServer       = func(tools *githubtools.Service, agent githubtools.Agent, logger *zap.Logger) server {
		return githubtools.NewServer(tools, agent, logger)
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

	client, err := newGitHubClient(ctx, cfg.GitHubAccessToken)
	if err != nil {
		return err
	}
	tools := githubtools.NewService(client, cfg.GitHubUsername, logger)

	// Direct tool calls keep working without an LLM key.
	var agent githubtools.Agent
	if cfg.OpenAIAPIKey != "" {
		agent = githubtools.NewExecutor(llm.NewClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		}), tools, githubtools.ExecutorConfig{
			Model:         cfg.GitHubToolsModel,
			MaxIterations: cfg.GitHubToolsMaxIter,
		}, logger)
	} else {
		logger.Warn("OPENAI_API_KEY is not set, /execute is disabled")
	}

	addr := fmt.Sprintf(":%s", cfg.GitHubToolsPort)
	logger.Info("github tools listening", zap.String("addr", addr), zap.String("owner", cfg.GitHubUsername))
	return newServer(tools, agent, logger).Start(ctx, addr)
}
