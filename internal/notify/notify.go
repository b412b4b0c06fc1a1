// Package notify posts injection warnings and errors to an ntfy-style HTTP
// endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/markbridge/internal/injector"
	"golang.org/x/time/rate"
)

const (
	queueSize       = 64
	sendTimeout     = 10 * time.Second
	defaultCooldown = time.Minute
	burst           = 5
	refillEvery     = 10 * time.Second
)

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("ntfy notification failed: empty endpoint")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Notifier forwards warning and error signals to an endpoint on its own
// goroutine. Repeats of the same message within the cooldown are dropped,
// and bursts beyond the limiter are dropped too.
type Notifier struct {
	client   *http.Client
	endpoint string
	cooldown time.Duration
	now      func() time.Time
	limiter  *rate.Limiter

	queue chan injector.Signal
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu     sync.Mutex
	last   map[string]time.Time
	pruned time.Time
}

// NewNotifier starts a Notifier. A nil client uses http.DefaultClient.
func NewNotifier(client *http.Client, endpoint string, cooldown time.Duration) *Notifier {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	n := &Notifier{
		client:   client,
		endpoint: endpoint,
		cooldown: cooldown,
		now:      time.Now,
		limiter:  rate.NewLimiter(rate.Every(refillEvery), burst),
		queue:    make(chan injector.Signal, queueSize),
		done:     make(chan struct{}),
		last:     make(map[string]time.Time),
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Publish queues warning and error signals; other kinds are ignored.
func (n *Notifier) Publish(s injector.Signal) {
	if s.Kind != injector.SignalWarning && s.Kind != injector.SignalError {
		return
	}
	if !n.admit(s) {
		return
	}
	if !n.limiter.Allow() {
		slog.Debug("notify rate limited, dropping signal", "kind", s.Kind)
		return
	}
	select {
	case n.queue <- s:
	case <-n.done:
	default:
		slog.Debug("notify queue full, dropping signal", "kind", s.Kind)
	}
}

func (n *Notifier) admit(s injector.Signal) bool {
	key := string(s.Kind) + "|" + s.Message
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if now.Sub(n.pruned) >= n.cooldown {
		for k, t := range n.last {
			if now.Sub(t) >= n.cooldown {
				delete(n.last, k)
			}
		}
		n.pruned = now
	}
	if t, ok := n.last[key]; ok && now.Sub(t) < n.cooldown {
		return false
	}
	n.last[key] = now
	return true
}

// Close stops the sender after delivering what is already queued.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case s := <-n.queue:
			n.send(s)
		case <-n.done:
			for {
				select {
				case s := <-n.queue:
					n.send(s)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) send(s injector.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := Send(ctx, n.client, n.endpoint, Format(s)); err != nil {
		slog.Warn("notification failed", "kind", s.Kind, "error", err)
	}
}

// Format renders a signal as a one-line notification body.
func Format(s injector.Signal) string {
	var b strings.Builder
	b.WriteString("markbridge ")
	b.WriteString(string(s.Kind))
	if s.TabID != 0 {
		fmt.Fprintf(&b, " tab=%d", s.TabID)
	}
	if s.PassID != "" {
		fmt.Fprintf(&b, " pass=%s", s.PassID)
	}
	if s.Message != "" {
		b.WriteString(": ")
		b.WriteString(s.Message)
	}
	return b.String()
}
