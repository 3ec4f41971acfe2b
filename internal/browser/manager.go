package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/metrics"
)

const (
	DefaultCDPURL            = "wss://connect.anchorbrowser.io"
	DefaultNavigationTimeout = 30 * time.Second
	DefaultActionTimeout     = 10 * time.Second
)

var ErrMissingAPIKey = errors.New("anchor api key is not configured")

type Config struct {
	CDPURL            string
	APIKey            string
	TelemetryURL      string
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

// Manager acquires remote browser sessions over CDP and tears them down.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var (
	installOnce sync.Once
	installErr  error

	startPlaywright = func() (*playwright.Playwright, error) {
		// Browsers run remotely, only the driver is needed locally.
		opts := &playwright.RunOptions{
			Verbose:             false,
			Stdout:              io.Discard,
			Stderr:              io.Discard,
			SkipInstallBrowsers: true,
		}
		installOnce.Do(func() {
			installErr = playwright.Install(opts)
		})
		if installErr != nil {
			return nil, fmt.Errorf("install playwright driver: %w", installErr)
		}
		return playwright.Run(opts)
	}

	connectOverCDP = func(pw *playwright.Playwright, endpoint string, timeout float64) (playwright.Browser, error) {
		return pw.Chromium.ConnectOverCDP(endpoint, playwright.BrowserTypeConnectOverCDPOptions{
			Timeout: playwright.Float(timeout),
		})
	}
)

func NewManager(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if strings.TrimSpace(cfg.CDPURL) == "" {
		cfg.CDPURL = DefaultCDPURL
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger, metrics: m}
}

// Acquire connects to the remote browser behind anchorSessionID and prepares
// a page seeded with sessionID. On failure the returned session holds
// whatever was opened before the error and must still be released.
func (m *Manager) Acquire(ctx context.Context, sessionID string, anchorSessionID string) (*Session, error) {
	session := &Session{
		ID:                sessionID,
		AnchorSessionID:   anchorSessionID,
		CreatedAt:         time.Now().UTC(),
		logger:            m.logger.With(zap.String("session_id", sessionID), zap.String("anchor_session_id", anchorSessionID)),
		navigationTimeout: milliseconds(m.cfg.NavigationTimeout),
		actionTimeout:     milliseconds(m.cfg.ActionTimeout),
	}
	fail := func(stage string, err error) (*Session, error) {
		return session, &ConnectionError{AnchorSessionID: anchorSessionID, Stage: stage, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("start", err)
	}
	if strings.TrimSpace(m.cfg.APIKey) == "" {
		return fail("config", ErrMissingAPIKey)
	}
	endpoint, err := ConnectURL(m.cfg.CDPURL, m.cfg.APIKey, anchorSessionID)
	if err != nil {
		return fail("config", err)
	}

	pw, err := startPlaywright()
	if err != nil {
		return fail("driver", err)
	}
	session.pw = pw

	remote, err := connectOverCDP(pw, endpoint, session.navigationTimeout)
	if err != nil {
		return fail("connect", err)
	}
	session.browser = remote

	contexts := remote.Contexts()
	if len(contexts) > 0 {
		session.context = contexts[0]
	} else {
		created, err := remote.NewContext()
		if err != nil {
			return fail("context", err)
		}
		session.context = created
	}
	if err := session.context.AddInitScript(playwright.Script{
		Content: playwright.String(InitScript(sessionID, m.cfg.TelemetryURL)),
	}); err != nil {
		return fail("init_script", err)
	}

	pages := session.context.Pages()
	if len(pages) > 0 {
		session.page = pages[0]
	} else {
		page, err := session.context.NewPage()
		if err != nil {
			return fail("page", err)
		}
		session.page = page
	}
	session.page.SetDefaultTimeout(session.actionTimeout)

	m.metrics.SessionOpened()
	session.counted = true
	session.logger.Info("browser session acquired")
	return session, nil
}

// Navigate loads url in the session's current page.
func (m *Manager) Navigate(ctx context.Context, session *Session, url string) error {
	if session == nil {
		return &NavigationError{URL: url, Err: ErrNoPage}
	}
	if err := session.Goto(ctx, url); err != nil {
		var navErr *NavigationError
		if errors.As(err, &navErr) {
			return navErr
		}
		return &NavigationError{URL: url, Err: err}
	}
	return nil
}

// Release closes the context, the remote browser and the local driver.
// It is safe on nil or partially acquired sessions and runs at most once.
// Close failures are logged and never returned.
func (m *Manager) Release(session *Session) {
	if session == nil {
		return
	}
	session.closeOnce.Do(func() {
		logger := session.logger
		if logger == nil {
			logger = m.logger
		}
		if session.context != nil {
			if err := session.context.Close(); err != nil {
				logger.Warn("close browser context failed", zap.Error(err))
			}
		}
		if session.browser != nil {
			if err := session.browser.Close(); err != nil {
				logger.Warn("close browser failed", zap.Error(err))
			}
		}
		if session.pw != nil {
			if err := session.pw.Stop(); err != nil {
				logger.Warn("stop playwright driver failed", zap.Error(err))
			}
		}
		if session.counted {
			m.metrics.SessionClosed()
		}
		logger.Info("browser session released")
	})
}

// ConnectURL builds the CDP endpoint for an anchor session.
func ConnectURL(base string, apiKey string, anchorSessionID string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = DefaultCDPURL
	}
	if strings.TrimSpace(anchorSessionID) == "" {
		return "", errors.New("anchor session id is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse cdp url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("cdp url %q must be absolute", base)
	}
	query := parsed.Query()
	query.Set("apiKey", apiKey)
	query.Set("sessionId", anchorSessionID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// InitScript exposes the telemetry endpoint and the logical session id to
// every document loaded in the context.
func InitScript(sessionID string, telemetryURL string) string {
	var b strings.Builder
	if strings.TrimSpace(telemetryURL) != "" {
		b.WriteString("window.relayer = ")
		b.WriteString(jsString(telemetryURL))
		b.WriteString(";\n")
	}
	b.WriteString("window.session = ")
	b.WriteString(jsString(sessionID))
	b.WriteString(";\n")
	return b.String()
}

func jsString(value string) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return `""`
	}
	return string(encoded)
}

func milliseconds(d time.Duration) float64 {
	return float64(d / time.Millisecond)
}
