// Package browser owns the process-wide Chrome session used by the
// scraping adapters: launched once at startup, shared by every adapter
// call, recycled on a lifetime budget, released on shutdown. The
// aggregation coordinator never touches it; adapters expose only their
// fetch contract.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Config configures the session.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local headless Chrome via launcher.
	RemoteURL string

	// RecycleInterval is the maximum lifetime of a Chrome process before
	// it is replaced. Default: 4h.
	RecycleInterval time.Duration

	// BlockResources lists resource types to block on every page
	// (images, fonts, media, stylesheets). Listings only need the DOM.
	BlockResources []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session manages the shared Chrome lifecycle.
type Session struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// NewSession creates a Session. Call Start to launch Chrome.
func NewSession(cfg Config) *Session {
	cfg.defaults()
	return &Session{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance) and starts the
// lifetime monitor goroutine.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("browser: session is closed")
	}

	b, err := s.launch()
	if err != nil {
		return err
	}
	s.browser = b
	s.startAt = time.Now()

	go s.monitorLoop(ctx)
	return nil
}

// Healthy reports whether a Chrome connection is currently alive.
// Used by the health endpoint only.
func (s *Session) Healthy() bool {
	s.mu.RLock()
	b := s.browser
	closed := s.closed
	s.mu.RUnlock()
	if closed || b == nil {
		return false
	}
	// A cheap CDP round-trip; failure means the process is gone.
	_, err := b.Version()
	return err == nil
}

// Page opens a new stealth page navigated to pageURL, with resource
// blocking applied and the page load awaited under ctx. The caller owns
// the page and must Close it.
func (s *Session) Page(ctx context.Context, pageURL string) (*rod.Page, error) {
	s.mu.RLock()
	b := s.browser
	s.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	if len(s.cfg.BlockResources) > 0 {
		if err := applyResourceBlocking(page, s.cfg.BlockResources); err != nil {
			s.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		}
	}

	if err := page.Context(ctx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		s.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return page, nil
}

// Close shuts down Chrome. The session cannot be restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.cleanup()
}

func (s *Session) launch() (*rod.Browser, error) {
	log := s.cfg.Logger

	var wsURL string
	if s.cfg.RemoteURL != "" {
		wsURL = s.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		log.Info("browser: launched local chrome")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// recycle replaces the Chrome process. Sources throttle long-lived
// automation sessions; a periodic fresh process keeps fetches reliable.
func (s *Session) recycle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("browser: session is closed")
	}

	s.cfg.Logger.Info("browser: recycling", "uptime", time.Since(s.startAt).Round(time.Second))
	if err := s.cleanup(); err != nil {
		s.cfg.Logger.Warn("browser: cleanup during recycle", "error", err)
	}

	b, err := s.launch()
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	s.browser = b
	s.startAt = time.Now()
	return nil
}

func (s *Session) cleanup() error {
	if s.browser != nil {
		s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return nil
}

func (s *Session) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			closed, startAt := s.closed, s.startAt
			s.mu.RUnlock()
			if closed {
				return
			}
			if time.Since(startAt) > s.cfg.RecycleInterval {
				if err := s.recycle(); err != nil {
					s.cfg.Logger.Error("browser: recycle failed", "error", err)
				}
			}
		}
	}
}
