package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/markbridge/internal/api"
	"github.com/dgnsrekt/markbridge/internal/browser"
	"github.com/dgnsrekt/markbridge/internal/cdphost"
	"github.com/dgnsrekt/markbridge/internal/config"
	"github.com/dgnsrekt/markbridge/internal/injector"
	"github.com/dgnsrekt/markbridge/internal/journal"
	"github.com/dgnsrekt/markbridge/internal/netutil"
	"github.com/dgnsrekt/markbridge/internal/notify"
	"github.com/dgnsrekt/markbridge/internal/relay"
	"github.com/dgnsrekt/markbridge/internal/urlpattern"
	"gopkg.in/natefinch/lumberjack.v2"
)

// service joins the host's tab list with the injector's operations.
type service struct {
	*injector.Injector
	host *cdphost.Host
}

func (s service) Tabs() []injector.Tab { return s.host.Tabs() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("markbridge config loaded",
		"cdp_url", cfg.CDPURL(),
		"url_patterns", cfg.URLPatterns,
		"script_files", cfg.ScriptFiles,
		"marker", cfg.Marker,
		"inject_delay_ms", cfg.InjectDelayMS,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"bind_addr", cfg.BindAddr,
		"port_candidates", cfg.PortCandidates,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	patterns, err := urlpattern.Compile(cfg.URLPatterns)
	if err != nil {
		slog.Error("invalid url patterns", "error", err)
		os.Exit(1)
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind api address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr := ln.Addr().String()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
			ExecPath:   cfg.BrowserPath,
			Headless:   cfg.Headless,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	broker := relay.NewBroker()
	pubs := injector.Publishers{broker}

	jw, err := journal.Open(journal.Options{Path: cfg.JournalFile})
	if err != nil {
		slog.Warn("journal disabled", "file", cfg.JournalFile, "error", err)
	} else {
		pubs = append(pubs, jw)
		defer func() { _ = jw.Close() }()
	}

	if cfg.NotifyURL != "" {
		n := notify.NewNotifier(nil, cfg.NotifyURL, 0)
		pubs = append(pubs, n)
		defer n.Close()
	}

	host := cdphost.New(cdphost.Options{
		HTTPBase:      cfg.CDPURL(),
		EvalTimeout:   cfg.EvalTimeout(),
		AllowFileURLs: cfg.AllowFileURLs,
	})
	if err := host.Connect(ctx); err != nil {
		slog.Warn("browser not reachable yet, will keep retrying", "cdp_url", cfg.CDPURL(), "error", err)
	}
	go host.Run(ctx)

	inj := injector.New(host, injector.Config{
		Patterns: patterns,
		Marker:   cfg.Marker,
		Files:    cfg.ScriptFiles,
		Delay:    cfg.InjectDelay(),
	}, pubs)

	events := make(chan injector.Event)
	go forwardEvents(ctx, host, events)
	inj.Init(ctx, events)

	srv := &http.Server{Handler: api.NewServer(service{Injector: inj, host: host}, broker)}
	go func() {
		slog.Info("markbridge listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown failed", "error", err)
	}
	host.Close()
	inj.Close()
}

// forwardEvents relays host events to the injector and turns SIGHUP into
// an Installed event after dropping cached bridge scripts.
func forwardEvents(ctx context.Context, host *cdphost.Host, out chan<- injector.Event) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		var ev injector.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-host.Events():
		case <-hup:
			slog.Info("reload requested, rereading bridge scripts")
			host.ResetScripts()
			ev = injector.Event{Kind: injector.EventInstalled}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
