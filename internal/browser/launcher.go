// Package browser starts a Chromium instance with remote debugging enabled
// when none is listening yet.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	ExecPath   string
	Headless   bool
	WindowSize [2]int
	// ReadyTimeout bounds the wait for the DevTools endpoint.
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process started through a
// chromedp exec allocator.
type Launcher struct {
	cfg         Config
	allocCancel context.CancelFunc
	ctxCancel   context.CancelFunc
	browserCtx  context.Context
	running     bool
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == [2]int{} {
		cfg.WindowSize = [2]int{1280, 900}
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg}
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("remote-debugging-port", strconv.Itoa(l.cfg.CDPPort)),
		chromedp.Flag("remote-debugging-address", l.cfg.CDPAddress),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-session-crashed-bubble", true),
		chromedp.Flag("hide-crash-restore-bubble", true),
		chromedp.WindowSize(l.cfg.WindowSize[0], l.cfg.WindowSize[1]),
	)
	if l.cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(l.cfg.ProfileDir))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Launch starts the browser unless the CDP port is already in use.
func (l *Launcher) Launch(ctx context.Context) error {
	if isPortInUse(l.cfg.CDPAddress, l.cfg.CDPPort) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}

	if l.cfg.ProfileDir != "" {
		if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, ctxCancel := chromedp.NewContext(allocCtx)
	l.allocCancel = allocCancel
	l.ctxCancel = ctxCancel
	l.browserCtx = browserCtx

	var actions []chromedp.Action
	if l.cfg.StartURL != "" {
		actions = append(actions, chromedp.Navigate(l.cfg.StartURL))
	}
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		l.Stop()
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	slog.Info("browser process started", "headless", l.cfg.Headless, "profile", l.cfg.ProfileDir)

	if err := waitForCDP(ctx, l.endpoint(), l.cfg.ReadyTimeout); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready",
		"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
	return nil
}

func (l *Launcher) endpoint() string {
	return "http://" + net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func waitForCDP(ctx context.Context, base string, timeout time.Duration) error {
	url := base + "/json/version"
	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", timeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop closes the browser this launcher started. A browser that was already
// running before Launch is left alone.
func (l *Launcher) Stop() {
	if l.browserCtx == nil {
		return
	}
	slog.Info("stopping browser")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(l.browserCtx) }()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("browser close failed", "error", err)
		} else {
			slog.Info("browser stopped gracefully")
		}
	case <-ctx.Done():
		slog.Warn("browser did not exit in time, killing")
	}
	l.ctxCancel()
	l.allocCancel()
	l.browserCtx = nil
	l.running = false
}
