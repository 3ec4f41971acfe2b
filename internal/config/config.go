package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const configFileEnv = "VERIFIER_CONFIG_FILE"

type Config struct {
	VerifierPort       string
	VerifierURL        string
	GitHubToolsPort    string
	PostgresURL        string
	TemporalAddress    string
	TemporalTaskQueue  string
	AsyncRunsMode      string
	AnchorAPIKey       string
	AnchorAPIURL       string
	AnchorCDPURL       string
	TelemetryURL       string
	AgentModel         string
	AgentMaxSteps      int
	AgentUseVision     bool
	AgentMaxFailures   int
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	NavigationTimeout  time.Duration
	SubmoduleTimeout   time.Duration
	LogLevel           string
	LogFormat          string
	GitHubAccessToken  string
	GitHubUsername     string
	GitHubToolsModel   string
	GitHubToolsMaxIter int
}

// Load reads the optional YAML file named by VERIFIER_CONFIG_FILE and
// overlays environment variables. Keys are the lowercased variable names,
// so `verifier_port: "9000"` in the file and VERIFIER_PORT=9000 are the same
// setting.
func Load() (Config, error) {
	k := koanf.New(".")
	if path := strings.TrimSpace(os.Getenv(configFileEnv)); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	l := loader{k: k}
	port := l.getString("verifier_port", "8000")
	postgresURL := l.getString("postgres_url", "")
	if postgresURL == "" && l.getString("postgres_host", "") != "" {
		postgresURL = l.buildPostgresURL()
	}
	return Config{
		VerifierPort:       port,
		VerifierURL:        l.getString("verifier_url", "http://localhost:"+port),
		GitHubToolsPort:    l.getString("github_tools_port", "8001"),
		PostgresURL:        postgresURL,
		TemporalAddress:    l.getString("temporal_address", "localhost:7233"),
		TemporalTaskQueue:  l.getString("temporal_task_queue", "verifier-runs"),
		AsyncRunsMode:      l.getString("async_runs_mode", "inline"),
		AnchorAPIKey:       l.getString("anchor_api_key", ""),
		AnchorAPIURL:       l.getString("anchor_api_url", "https://api.anchorbrowser.io"),
		AnchorCDPURL:       l.getString("anchor_cdp_url", "wss://connect.anchorbrowser.io"),
		TelemetryURL:       l.getString("telemetry_url", "http://localhost:3000/session"),
		AgentModel:         l.getString("agent_model", "gpt-4o"),
		AgentMaxSteps:      l.getInt("agent_max_steps", 10),
		AgentUseVision:     l.getBool("agent_use_vision", true),
		AgentMaxFailures:   l.getInt("agent_max_failures", 3),
		OpenAIAPIKey:       l.getString("openai_api_key", ""),
		OpenAIBaseURL:      l.getString("openai_base_url", ""),
		NavigationTimeout:  l.getDuration("navigation_timeout", 30*time.Second),
		SubmoduleTimeout:   l.getDuration("submodule_timeout", 10*time.Minute),
		LogLevel:           l.getString("log_level", "info"),
		LogFormat:          l.getString("log_format", "json"),
		GitHubAccessToken:  l.getString("github_access_token", ""),
		GitHubUsername:     l.getString("github_username", ""),
		GitHubToolsModel:   l.getString("github_tools_model", "gpt-4o-mini"),
		GitHubToolsMaxIter: l.getInt("github_tools_max_iterations", 8),
	}, nil
}

// envKey maps an environment variable to its config key. Empty variables are
// skipped so they do not mask values from the config file.
func envKey(name string) string {
	if strings.TrimSpace(os.Getenv(name)) == "" {
		return ""
	}
	return strings.ToLower(name)
}

// TemporalEnabled reports whether async runs are dispatched to Temporal.
func (c Config) TemporalEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(c.AsyncRunsMode), "temporal")
}

type loader struct {
	k *koanf.Koanf
}

func (l loader) getString(key string, fallback string) string {
	if value := strings.TrimSpace(l.k.String(key)); value != "" {
		return value
	}
	return fallback
}

func (l loader) getInt(key string, fallback int) int {
	if value := l.getString(key, ""); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func (l loader) getBool(key string, fallback bool) bool {
	if value := l.getString(key, ""); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getDuration accepts Go duration strings or a bare number of seconds.
func (l loader) getDuration(key string, fallback time.Duration) time.Duration {
	value := l.getString(key, "")
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func (l loader) buildPostgresURL() string {
	user := l.getString("postgres_user", "verifier")
	password := l.getString("postgres_password", "verifier")
	host := l.getString("postgres_host", "localhost")
	port := l.getString("postgres_port", "5432")
	database := l.getString("postgres_db", "verifier")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
