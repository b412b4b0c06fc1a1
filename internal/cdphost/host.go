// Package cdphost implements the injector's host capabilities on top of a
// Chromium browser reached over the DevTools protocol.
package cdphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/markbridge/internal/injector"
	"github.com/dgnsrekt/markbridge/internal/urlpattern"
)

const (
	defaultEvalTimeout  = 5 * time.Second
	minEvalTimeout      = time.Second
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	eventBufSize        = 128
)

// Options configures a Host.
type Options struct {
	// HTTPBase is the DevTools HTTP endpoint, e.g. http://127.0.0.1:9222.
	HTTPBase      string
	EvalTimeout   time.Duration
	AllowFileURLs bool
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

// Host is a browser connection that satisfies injector.Host and produces
// the injector's lifecycle events.
type Host struct {
	opts Options
	cdp  *cdpConn
	reg  *registry

	events chan injector.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	scriptsMu sync.Mutex
	scripts   map[string]string
}

// New creates a Host. Call Connect before use.
func New(opts Options) *Host {
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = defaultEvalTimeout
	}
	if opts.EvalTimeout < minEvalTimeout {
		opts.EvalTimeout = minEvalTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		opts:    opts,
		cdp:     newCDPConn(opts.HTTPBase),
		reg:     newRegistry(),
		events:  make(chan injector.Event, eventBufSize),
		ctx:     ctx,
		cancel:  cancel,
		scripts: make(map[string]string),
	}
	h.registerHandlers()
	return h
}

// Events returns the lifecycle event feed for injector.Init.
func (h *Host) Events() <-chan injector.Event { return h.events }

// Connect dials the browser, attaches to every page target and enables
// target discovery. On success a Startup event is emitted.
func (h *Host) Connect(ctx context.Context) error {
	if err := h.cdp.connect(ctx); err != nil {
		return err
	}
	if err := h.syncTargets(ctx); err != nil {
		h.cdp.close()
		return err
	}
	if err := h.cdp.setDiscoverTargets(ctx); err != nil {
		h.cdp.close()
		return fmt.Errorf("set discover targets: %w", err)
	}
	slog.Info("connected to browser", "endpoint", h.opts.HTTPBase, "tabs", len(h.reg.list()))
	h.emit(injector.Event{Kind: injector.EventStartup})
	return nil
}

// syncTargets registers the current page targets, drops vanished ones and
// attaches a session to each.
func (h *Host) syncTargets(ctx context.Context) error {
	infos, err := h.cdp.listTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	live := make(map[target.ID]bool)
	var ids []injector.TabID
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		live[info.TargetID] = true
		id, _ := h.reg.ensure(info.TargetID, info.URL)
		ids = append(ids, id)
	}
	for _, id := range h.reg.prune(live) {
		h.emit(injector.Event{Kind: injector.EventTabRemoved, TabID: id})
	}
	for _, id := range ids {
		if _, err := h.ensureSession(ctx, id); err != nil {
			slog.Debug("attach failed", "tab_id", id, "error", err)
		}
	}
	return nil
}

// Run reconnects with exponential backoff whenever the connection drops,
// until ctx is done or Close is called.
func (h *Host) Run(ctx context.Context) {
	backoff := h.opts.ReconnectMin
	for {
		if done := h.cdp.done(); done != nil {
			select {
			case <-ctx.Done():
				return
			case <-h.ctx.Done():
				return
			case <-done:
			}
			h.reg.resetSessions()
			slog.Warn("browser connection lost, reconnecting")
		}

		for {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-h.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			err := h.Connect(ctx)
			if err == nil {
				backoff = h.opts.ReconnectMin
				break
			}
			slog.Warn("reconnect failed", "error", err, "retry_in", backoff.String())
			backoff = min(backoff*2, h.opts.ReconnectMax)
		}
	}
}

// Close stops background work and drops the connection.
func (h *Host) Close() {
	h.cancel()
	h.cdp.close()
	h.wg.Wait()
}

// Tabs returns every page target the host knows about.
func (h *Host) Tabs() []injector.Tab {
	entries := h.reg.list()
	out := make([]injector.Tab, 0, len(entries))
	for _, e := range entries {
		out = append(out, injector.Tab{ID: e.ID, URL: e.URL})
	}
	return out
}

// Evaluate runs expression in the tab and returns its JSON value.
func (h *Host) Evaluate(ctx context.Context, tab injector.TabID, expression string) (json.RawMessage, error) {
	sess, err := h.ensureSession(ctx, tab)
	if err != nil {
		return nil, classify(tab, err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.EvalTimeout)
	defer cancel()
	v, err := h.cdp.evaluate(ctx, sess, expression, true)
	if err != nil {
		return nil, classify(tab, err)
	}
	return v, nil
}

// RunFiles evaluates each script file in the tab, in order. Pages the
// browser does not allow scripting fail before any protocol traffic.
func (h *Host) RunFiles(ctx context.Context, tab injector.TabID, files []string) error {
	e, ok := h.reg.get(tab)
	if !ok {
		return injector.NewExecError(injector.KindTabNotFound, tab, errUnknownTab)
	}
	if isRestricted(e.URL, h.opts.AllowFileURLs) {
		return injector.NewExecError(injector.KindPermissionDenied, tab,
			fmt.Errorf("cannot access contents of url %q", e.URL))
	}

	sources := make([]string, 0, len(files))
	for _, f := range files {
		src, err := h.script(f)
		if err != nil {
			return injector.NewExecError(injector.KindOther, tab, err)
		}
		sources = append(sources, src)
	}

	sess, err := h.ensureSession(ctx, tab)
	if err != nil {
		return classify(tab, err)
	}
	for i, src := range sources {
		evalCtx, cancel := context.WithTimeout(ctx, h.opts.EvalTimeout)
		_, err := h.cdp.evaluate(evalCtx, sess, src, false)
		cancel()
		if err != nil {
			return classify(tab, fmt.Errorf("run %s: %w", files[i], err))
		}
	}
	return nil
}

// QueryTabs lists open page targets whose URL matches any pattern.
func (h *Host) QueryTabs(ctx context.Context, patterns []string) ([]injector.Tab, error) {
	set, err := urlpattern.Compile(patterns)
	if err != nil {
		return nil, err
	}
	infos, err := h.cdp.listTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var out []injector.Tab
	for _, info := range infos {
		if info.Type != "page" || !set.Match(info.URL) {
			continue
		}
		id, _ := h.reg.ensure(info.TargetID, info.URL)
		out = append(out, injector.Tab{ID: id, URL: info.URL})
	}
	return out, nil
}

func (h *Host) script(path string) (string, error) {
	h.scriptsMu.Lock()
	defer h.scriptsMu.Unlock()
	if src, ok := h.scripts[path]; ok {
		return src, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	h.scripts[path] = string(b)
	return string(b), nil
}

// ResetScripts drops cached script sources so the next injection rereads
// them from disk.
func (h *Host) ResetScripts() {
	h.scriptsMu.Lock()
	defer h.scriptsMu.Unlock()
	h.scripts = make(map[string]string)
}

// ensureSession returns the tab's session, attaching when needed. It must
// not be called from an event handler.
func (h *Host) ensureSession(ctx context.Context, tab injector.TabID) (string, error) {
	e, ok := h.reg.get(tab)
	if !ok {
		return "", errUnknownTab
	}
	if e.Session != "" {
		return e.Session, nil
	}
	sess, err := h.cdp.attachToTarget(ctx, e.Target)
	if err != nil {
		if kindOf(err) == injector.KindOther {
			return "", fmt.Errorf("%w: attach: %v", errUnknownTab, err)
		}
		return "", err
	}
	if !h.reg.setSession(tab, sess) {
		_ = h.cdp.detachFromTarget(ctx, sess)
		return "", errUnknownTab
	}
	if err := h.cdp.enablePageDomain(ctx, sess); err != nil {
		slog.Debug("page enable failed", "tab_id", tab, "error", err)
	}
	return sess, nil
}

// emit delivers ev unless the host is closing.
func (h *Host) emit(ev injector.Event) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

// announceIfReady attaches to a freshly created tab and, when its document
// already finished loading, reports it complete so it is not missed.
func (h *Host) announceIfReady(tab injector.TabID) {
	defer h.wg.Done()
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.EvalTimeout)
	defer cancel()

	sess, err := h.ensureSession(ctx, tab)
	if err != nil {
		slog.Debug("attach to new tab failed", "tab_id", tab, "error", err)
		return
	}
	v, err := h.cdp.evaluate(ctx, sess, "document.readyState", true)
	if err != nil {
		return
	}
	var state string
	if json.Unmarshal(v, &state) != nil || state != "complete" {
		return
	}
	if e, ok := h.reg.get(tab); ok {
		h.emit(injector.Event{
			Kind:   injector.EventTabUpdated,
			TabID:  tab,
			Change: injector.ChangeInfo{Status: injector.StatusComplete},
			TabURL: e.URL,
		})
	}
}
