// Package config loads markbridge settings from the environment, an
// optional .env file and an optional YAML bridge profile.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the injector service.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	EvalTimeoutMS int

	// Bridge injection
	URLPatterns   []string
	ScriptFiles   []string
	Marker        string
	InjectDelayMS int
	AllowFileURLs bool
	ProfileFile   string

	// Status API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Output
	LogLevel    string
	LogFile     string
	JournalFile string
	NotifyURL   string

	// Browser launch
	LaunchBrowser bool
	ProfileDir    string
	Headless      bool
	BrowserPath   string
	StartURL      string
}

// Load reads configuration from environment variables and optional .env
// file, then applies the bridge profile when one is configured.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		EvalTimeoutMS:    getEnvIntOrDefault("INJECTOR_EVAL_TIMEOUT_MS", 5000),
		URLPatterns:      getEnvListOrDefault("INJECTOR_URL_PATTERNS", []string{"https://markbridge.web.app/*", "http://localhost:3000/*"}),
		ScriptFiles:      getEnvListOrDefault("INJECTOR_SCRIPT_FILES", []string{"bridge/content-bridge.js"}),
		Marker:           getEnvOrDefault("INJECTOR_MARKER", "__markbridgeLoaded"),
		InjectDelayMS:    getEnvIntOrDefault("INJECTOR_DELAY_MS", 500),
		AllowFileURLs:    getEnvBoolOrDefault("INJECTOR_ALLOW_FILE_URLS", false),
		ProfileFile:      getEnvOrDefault("INJECTOR_PROFILE_FILE", ""),
		BindAddr:         getEnvOrDefault("INJECTOR_BIND_ADDR", "127.0.0.1:8189"),
		PortAutoFallback: getEnvBoolOrDefault("INJECTOR_PORT_AUTO_FALLBACK", true),
		LogLevel:         strings.ToLower(getEnvOrDefault("INJECTOR_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("INJECTOR_LOG_FILE", "logs/markbridge.log"),
		JournalFile:      getEnvOrDefault("INJECTOR_JOURNAL_FILE", "logs/injections.jsonl"),
		NotifyURL:        getEnvOrDefault("INJECTOR_NOTIFY_URL", ""),
		LaunchBrowser:    getEnvBoolOrDefault("INJECTOR_LAUNCH_BROWSER", false),
		ProfileDir:       getEnvOrDefault("INJECTOR_PROFILE_DIR", "./browser_profile"),
		Headless:         getEnvBoolOrDefault("INJECTOR_HEADLESS", false),
		BrowserPath:      getEnvOrDefault("INJECTOR_BROWSER_PATH", ""),
		StartURL:         getEnvOrDefault("INJECTOR_START_URL", ""),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.InjectDelayMS < 0 {
		cfg.InjectDelayMS = 0
	}

	host := "127.0.0.1"
	if h, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && h != "" {
		host = h
	}
	for _, p := range getEnvListOrDefault("INJECTOR_PORT_CANDIDATES", []string{"8190", "8191"}) {
		cfg.PortCandidates = append(cfg.PortCandidates, net.JoinHostPort(host, p))
	}

	if cfg.ProfileFile != "" {
		p, err := LoadProfile(cfg.ProfileFile)
		if err != nil {
			return nil, err
		}
		p.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	if len(c.URLPatterns) == 0 {
		return fmt.Errorf("config: at least one url pattern is required")
	}
	if len(c.ScriptFiles) == 0 {
		return fmt.Errorf("config: at least one script file is required")
	}
	if c.Marker == "" {
		return fmt.Errorf("config: marker must not be empty")
	}
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		return fmt.Errorf("config: invalid CDP port %d", c.CDPPort)
	}
	return nil
}

// CDPURL returns the DevTools HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + net.JoinHostPort(c.CDPAddress, strconv.Itoa(c.CDPPort))
}

// InjectDelay returns the post-load delay before injecting.
func (c *Config) InjectDelay() time.Duration {
	return time.Duration(c.InjectDelayMS) * time.Millisecond
}

// EvalTimeout returns the per-evaluation deadline.
func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	out := splitList(val)
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
