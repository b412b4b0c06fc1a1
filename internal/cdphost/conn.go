package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	errNotConnected = errors.New("cdp: not connected")
	errConnClosed   = errors.New("cdp: connection closed")
)

// protocolError is an error object returned by the browser for a command.
type protocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("cdp: %s: %s (%d)", e.Method, e.Message, e.Code)
}

// exceptionError is a JavaScript exception thrown by an evaluated script.
type exceptionError struct {
	Text string
}

func (e *exceptionError) Error() string {
	return "cdp: eval exception: " + e.Text
}

// cdpConn is a minimal CDP client over the browser-level WebSocket. It only
// speaks the Target, Page and Runtime commands the injector needs and
// avoids chromedp's per-target session initialisation.
type cdpConn struct {
	httpBase string
	client   *http.Client

	mu     sync.Mutex
	conn   net.Conn
	seq    atomic.Int64
	closed chan struct{}

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventFunc
}

type eventFunc func(sessionID string, params json.RawMessage)

func newCDPConn(httpBase string) *cdpConn {
	return &cdpConn{
		httpBase:      strings.TrimRight(httpBase, "/"),
		client:        &http.Client{Timeout: 10 * time.Second},
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventFunc),
	}
}

// connect dials the browser-level WebSocket endpoint.
func (c *cdpConn) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	prev := c.closed
	c.mu.Unlock()

	// The previous read loop fails its pending calls on exit; let it finish
	// before a new pending map is installed.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("cdp: browser ws url: %w", err)
	}

	slog.Debug("cdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("cdp: dial: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.closed = make(chan struct{})
	c.pendingMu.Lock()
	c.pending = make(map[int64]chan json.RawMessage)
	c.pendingMu.Unlock()
	go c.readLoop(conn, c.closed)
	return nil
}

// done returns a channel closed when the current connection's read loop
// exits. It is nil before the first connect.
func (c *cdpConn) done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *cdpConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *cdpConn) readLoop(conn net.Conn, closed chan struct{}) {
	defer close(closed)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			c.closeAllPending()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			c.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (c *cdpConn) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *cdpConn) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// call sends a command, optionally on a flattened session, and returns the
// "result" object of the response.
func (c *cdpConn) call(ctx context.Context, sessionID string, method cdproto.MethodType, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errNotConnected
	}

	id := c.seq.Add(1)
	req := struct {
		ID        int64              `json:"id"`
		Method    cdproto.MethodType `json:"method"`
		SessionID string             `json:"sessionId,omitempty"`
		Params    any                `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal: %w", err)
	}

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	c.mu.Unlock()
	if err != nil {
		c.deletePending(id)
		return nil, fmt.Errorf("%w: send: %v", errConnClosed, err)
	}

	var resp json.RawMessage
	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, errConnClosed
		}
		resp = raw
	case <-ctx.Done():
		c.deletePending(id)
		return nil, ctx.Err()
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("cdp: unmarshal %s: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, &protocolError{Method: string(method), Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return envelope.Result, nil
}

func (c *cdpConn) setDiscoverTargets(ctx context.Context) error {
	_, err := c.call(ctx, "", cdproto.CommandTargetSetDiscoverTargets, target.SetDiscoverTargets(true))
	return err
}

// attachToTarget attaches a flat session to the given target.
func (c *cdpConn) attachToTarget(ctx context.Context, id target.ID) (string, error) {
	raw, err := c.call(ctx, "", cdproto.CommandTargetAttachToTarget, target.AttachToTarget(id).WithFlatten(true))
	if err != nil {
		return "", err
	}
	var res target.AttachToTargetReturns
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("cdp: decode attach result: %w", err)
	}
	return string(res.SessionID), nil
}

// detachFromTarget detaches from a session without closing the target.
func (c *cdpConn) detachFromTarget(ctx context.Context, sessionID string) error {
	params := target.DetachFromTarget().WithSessionID(target.SessionID(sessionID))
	_, err := c.call(ctx, "", cdproto.CommandTargetDetachFromTarget, params)
	return err
}

// enablePageDomain turns on Page lifecycle events for a session.
func (c *cdpConn) enablePageDomain(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, sessionID, cdproto.CommandPageEnable, nil)
	return err
}

// evaluate runs an expression on a session. With byValue the JSON value of
// the result is returned; otherwise the result is discarded.
func (c *cdpConn) evaluate(ctx context.Context, sessionID, expression string, byValue bool) (json.RawMessage, error) {
	params := runtime.Evaluate(expression).WithReturnByValue(byValue).WithAwaitPromise(byValue)
	raw, err := c.call(ctx, sessionID, cdproto.CommandRuntimeEvaluate, params)
	if err != nil {
		return nil, err
	}

	// RemoteObject.Value is decoded by hand; cdproto types it for its own
	// JSON codec.
	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("cdp: decode eval result: %w", err)
	}
	if d := resp.ExceptionDetails; d != nil {
		text := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			text = d.Exception.Description
		}
		return nil, &exceptionError{Text: text}
	}
	if len(resp.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result.Value, nil
}

// listTargets fetches open targets via the HTTP /json/list endpoint.
func (c *cdpConn) listTargets(ctx context.Context) ([]*target.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// on registers fn for a CDP event method. Handlers run on the read loop and
// must not issue commands synchronously.
func (c *cdpConn) on(method cdproto.MethodType, fn func(sessionID string, params json.RawMessage)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandlers[string(method)] = append(c.eventHandlers[string(method)], fn)
}

func (c *cdpConn) dispatchEvent(method, sessionID string, params json.RawMessage) {
	c.eventMu.RLock()
	handlers := c.eventHandlers[method]
	c.eventMu.RUnlock()
	for _, fn := range handlers {
		fn(sessionID, params)
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (c *cdpConn) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
