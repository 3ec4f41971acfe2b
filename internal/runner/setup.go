package runner

import (
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/browser"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/telemetry"
)

// FromConfig wires the Anchor browser manager, the LLM agent factory and the
// telemetry sink into a Runner.
func FromConfig(cfg config.Config, sink EventSink, logger *zap.Logger, m *metrics.Metrics) (*Runner, error) {
	provider, err := llm.NewProvider(llm.Config{
		Model:   cfg.AgentModel,
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
	})
	if err != nil {
		return nil, err
	}
	sessions := browser.NewManager(browser.Config{
		CDPURL:            cfg.AnchorCDPURL,
		APIKey:            cfg.AnchorAPIKey,
		TelemetryURL:      cfg.TelemetryURL,
		NavigationTimeout: cfg.NavigationTimeout,
	}, logger, m)
	agents := agent.NewLLMFactory(provider, telemetry.NewHTTPSink(cfg.TelemetryURL, logger, m), logger, m, agent.Config{
		UseVision:   cfg.AgentUseVision,
		MaxFailures: cfg.AgentMaxFailures,
	})
	return New(sessions, agents, sink, logger, m, Config{
		MaxSteps:         cfg.AgentMaxSteps,
		SubmoduleTimeout: cfg.SubmoduleTimeout,
	}), nil
}
