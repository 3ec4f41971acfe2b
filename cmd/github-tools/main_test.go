package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/githubtools"
)

type stubServer struct {
	err error
}

func (s stubServer) Start(ctx context.Context, addr string) error {
	return s.err
}

func captureGitHubToolsDeps() func() {
	origLoadConfig := loadConfig
	origNewLogger := newLogger
	origNewGitHubClient := newGitHubClient
	origNewServer := newServer
	origNotifyContext := notifyContext

	return func() {
		loadConfig = origLoadConfig
		newLogger = origNewLogger
		newGitHubClient = origNewGitHubClient
		newServer = origNewServer
		notifyContext = origNotifyContext
	}
}

func stubCommon() {
	newLogger = func(_ string, _ string) (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}
}

func TestRunWithAgent(t *testing.T) {
	restore := captureGitHubToolsDeps()
	t.Cleanup(restore)
	stubCommon()

	loadConfig = func() (config.Config, error) {
		return config.Config{
			GitHubToolsPort:   "0",
			GitHubAccessToken: "github_pat_x",
			GitHubUsername:    "octo",
			OpenAIAPIKey:      "sk-test",
		}, nil
	}
	var gotAgent githubtools.Agent
	newServer = func(tools *githubtools.Service, agent githubtools.Agent, _ *zap.Logger) server {
		if tools == nil {
			t.Error("expected tool service")
		}
		gotAgent = agent
		return stubServer{}
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, ok := gotAgent.(*githubtools.Executor); !ok {
		t.Fatalf("expected executor agent, got %T", gotAgent)
	}
}

func TestRunWithoutLLMKey(t *testing.T) {
	restore := captureGitHubToolsDeps()
	t.Cleanup(restore)
	stubCommon()

	loadConfig = func() (config.Config, error) {
		return config.Config{GitHubAccessToken: "github_pat_x"}, nil
	}
	called := false
	newServer = func(_ *githubtools.Service, agent githubtools.Agent, _ *zap.Logger) server {
		called = true
		if agent != nil {
			t.Errorf("expected no agent, got %T", agent)
		}
		return stubServer{}
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !called {
		t.Fatal("expected server to start")
	}
}

func TestRunMissingToken(t *testing.T) {
	restore := captureGitHubToolsDeps()
	t.Cleanup(restore)
	stubCommon()

	loadConfig = func() (config.Config, error) {
		return config.Config{}, nil
	}

	if err := run(); !errors.Is(err, githubtools.ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureGitHubToolsDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunServerFailure(t *testing.T) {
	restore := captureGitHubToolsDeps()
	t.Cleanup(restore)
	stubCommon()

	loadConfig = func() (config.Config, error) {
		return config.Config{GitHubAccessToken: "github_pat_x"}, nil
	}
	newGitHubClient = func(_ context.Context, _ string) (*github.Client, error) {
		return github.NewClient(nil), nil
	}
	newServer = func(_ *githubtools.Service, _ githubtools.Agent, _ *zap.Logger) server {
		return stubServer{err: errors.New("address in use")}
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}
