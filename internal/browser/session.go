package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

const maxLogLines = 50

var ErrNoPage = errors.New("browser session has no page")

// Session is one remote browser bound to a logical test run. It is owned by
// a single run and must be released through Manager.Release.
type Session struct {
	ID              string
	AnchorSessionID string
	CreatedAt       time.Time

	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	logger  *zap.Logger

	navigationTimeout float64
	actionTimeout     float64

	closeOnce sync.Once
	counted   bool

	mu      sync.Mutex
	logging bool
	console []string
	network []string
}

func (s *Session) currentPage(ctx context.Context) (playwright.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.page == nil {
		return nil, ErrNoPage
	}
	return s.page, nil
}

// Observe marks interactive elements and snapshots the page.
func (s *Session) Observe(ctx context.Context, screenshot bool) (Observation, error) {
	page, err := s.currentPage(ctx)
	if err != nil {
		return Observation{}, err
	}
	if _, err := page.Evaluate(markElementsScript); err != nil {
		return Observation{}, fmt.Errorf("mark elements: %w", err)
	}
	html, err := page.Content()
	if err != nil {
		return Observation{}, fmt.Errorf("read page content: %w", err)
	}
	elements, text, err := ExtractElements(html, 0)
	if err != nil {
		return Observation{}, fmt.Errorf("parse page content: %w", err)
	}
	title, err := page.Title()
	if err != nil {
		s.log().Debug("read page title failed", zap.Error(err))
	}

	observation := Observation{
		URL:      page.URL(),
		Title:    title,
		Elements: elements,
		Text:     text,
	}
	if screenshot {
		image, err := page.Screenshot(playwright.PageScreenshotOptions{
			Type:    playwright.ScreenshotTypeJpeg,
			Quality: playwright.Int(60),
		})
		if err != nil {
			s.log().Warn("page screenshot failed", zap.Error(err))
		} else {
			observation.Screenshot = base64.StdEncoding.EncodeToString(image)
		}
	}
	observation.Console, observation.Network = s.drainLogs()
	return observation, nil
}

func (s *Session) element(page playwright.Page, index int) playwright.Locator {
	return page.Locator(fmt.Sprintf(`[%s="%d"]`, IndexAttribute, index)).First()
}

func (s *Session) Click(ctx context.Context, index int) error {
	page, err := s.currentPage(ctx)
	if err != nil {
		return err
	}
	if err := s.element(page, index).Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(s.actionTimeout),
	}); err != nil {
		return fmt.Errorf("click element %d: %w", index, err)
	}
	return nil
}

func (s *Session) Fill(ctx context.Context, index int, text string) error {
	page, err := s.currentPage(ctx)
	if err != nil {
		return err
	}
	if err := s.element(page, index).Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(s.actionTimeout),
	}); err != nil {
		return fmt.Errorf("fill element %d: %w", index, err)
	}
	return nil
}

func (s *Session) Press(ctx context.Context, key string) error {
	page, err := s.currentPage(ctx)
	if err != nil {
		return err
	}
	if err := page.Keyboard().Press(key); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

// Scroll moves the viewport vertically by deltaY pixels.
func (s *Session) Scroll(ctx context.Context, deltaY int) error {
	page, err := s.currentPage(ctx)
	if err != nil {
		return err
	}
	if err := page.Mouse().Wheel(0, float64(deltaY)); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (s *Session) Goto(ctx context.Context, url string) error {
	page, err := s.currentPage(ctx)
	if err != nil {
		return err
	}
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(s.navigationTimeout),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	return nil
}

func (s *Session) GoBack(ctx context.Context) error {
	page, err := s.currentPage(ctx)
	if err != nil {
		return err
	}
	if _, err := page.GoBack(playwright.PageGoBackOptions{
		Timeout: playwright.Float(s.navigationTimeout),
	}); err != nil {
		return fmt.Errorf("go back: %w", err)
	}
	return nil
}

// Wait pauses for d or until ctx is done.
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EnableLogging captures console output and network traffic into the next
// observation. Calling it again is a no-op.
func (s *Session) EnableLogging(ctx context.Context) error {
	page, err := s.currentPage(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.logging {
		s.mu.Unlock()
		return nil
	}
	s.logging = true
	s.mu.Unlock()

	page.OnConsole(func(msg playwright.ConsoleMessage) {
		s.appendConsole(fmt.Sprintf("[%s] %s", msg.Type(), msg.Text()))
	})
	page.OnRequest(func(req playwright.Request) {
		s.appendNetwork(fmt.Sprintf(">> %s %s", req.Method(), req.URL()))
	})
	page.OnResponse(func(resp playwright.Response) {
		s.appendNetwork(fmt.Sprintf("<< %d %s", resp.Status(), resp.URL()))
	})
	s.log().Info("page logging enabled", zap.String("session_id", s.ID))
	return nil
}

func (s *Session) appendConsole(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = appendBounded(s.console, line)
}

func (s *Session) appendNetwork(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.network = appendBounded(s.network, line)
}

func (s *Session) drainLogs() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	console, network := s.console, s.network
	s.console, s.network = nil, nil
	return console, network
}

func appendBounded(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return lines
}

func (s *Session) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}
