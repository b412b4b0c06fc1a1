package cdphost

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/markbridge/internal/injector"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeTarget struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// fakeBrowser serves the DevTools HTTP endpoints and a browser WebSocket
// that understands the handful of commands the host sends.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	targets []fakeTarget
	markers map[string]bool
	calls   map[string]int
	conn    net.Conn
	writeMu sync.Mutex
}

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{
		t:       t,
		targets: targets,
		markers: make(map[string]bool),
		calls:   make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, _ *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(fb.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()
	defer conn.Close()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		result, perr := fb.handle(req.Method, req.SessionID, req.Params)
		resp := map[string]any{"id": req.ID}
		if perr != "" {
			resp["error"] = map[string]any{"code": -32000, "message": perr}
		} else {
			resp["result"] = result
		}
		fb.write(resp)
	}
}

func (fb *fakeBrowser) handle(method, sessionID string, params json.RawMessage) (any, string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.calls[method]++

	switch method {
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(params, &p)
		for _, tg := range fb.targets {
			if tg.ID == p.TargetID {
				return map[string]string{"sessionId": "session-" + tg.ID}, ""
			}
		}
		return nil, "No target with given id found"
	case "Runtime.evaluate":
		if !fb.sessionLive(sessionID) {
			return nil, "Session with given id not found"
		}
		var p struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(params, &p)
		switch {
		case p.Expression == "document.readyState":
			return map[string]any{"result": map[string]any{"type": "string", "value": "complete"}}, ""
		case strings.Contains(p.Expression, "globalThis["):
			return map[string]any{"result": map[string]any{"type": "boolean", "value": fb.markers[sessionID]}}, ""
		case strings.Contains(p.Expression, "throw"):
			return map[string]any{
				"result": map[string]any{"type": "object"},
				"exceptionDetails": map[string]any{
					"text":      "Uncaught",
					"exception": map[string]any{"description": "Error: boom"},
				},
			}, ""
		default:
			fb.markers[sessionID] = true
			return map[string]any{"result": map[string]any{"type": "undefined"}}, ""
		}
	default:
		return map[string]any{}, ""
	}
}

func (fb *fakeBrowser) sessionLive(sessionID string) bool {
	for _, tg := range fb.targets {
		if "session-"+tg.ID == sessionID {
			return true
		}
	}
	return false
}

func (fb *fakeBrowser) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		fb.t.Errorf("marshal: %v", err)
		return
	}
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

// event pushes a protocol event to the connected client.
func (fb *fakeBrowser) event(method, sessionID string, params any) {
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	fb.write(msg)
}

func (fb *fakeBrowser) addTarget(tg fakeTarget) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.targets = append(fb.targets, tg)
}

func (fb *fakeBrowser) removeTarget(id string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i, tg := range fb.targets {
		if tg.ID == id {
			fb.targets = append(fb.targets[:i], fb.targets[i+1:]...)
			return
		}
	}
}

func (fb *fakeBrowser) callCount(method string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.calls[method]
}

func (fb *fakeBrowser) dropConnection() {
	fb.mu.Lock()
	conn := fb.conn
	fb.conn = nil
	fb.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func nextEvent(t *testing.T, h *Host) injector.Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for host event")
		return injector.Event{}
	}
}
