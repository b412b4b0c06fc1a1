package cdphost

import (
	"encoding/json"
	"log/slog"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/markbridge/internal/injector"
)

// registerHandlers translates protocol events into injector events. The
// handlers run on the read loop, so anything that issues a command is
// started on its own goroutine. Page events are decoded into local structs
// since cdproto's frame types carry enums newer browsers may extend.
func (h *Host) registerHandlers() {
	h.cdp.on(cdproto.EventTargetTargetCreated, func(_ string, params json.RawMessage) {
		var ev target.EventTargetCreated
		if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
			return
		}
		id, created := h.reg.ensure(ev.TargetInfo.TargetID, ev.TargetInfo.URL)
		if !created {
			return
		}
		slog.Debug("tab created", "tab_id", id, "url", ev.TargetInfo.URL)
		h.wg.Add(1)
		go h.announceIfReady(id)
	})

	h.cdp.on(cdproto.EventTargetTargetDestroyed, func(_ string, params json.RawMessage) {
		var ev target.EventTargetDestroyed
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		if id, ok := h.reg.remove(ev.TargetID); ok {
			slog.Debug("tab removed", "tab_id", id)
			h.emit(injector.Event{Kind: injector.EventTabRemoved, TabID: id})
		}
	})

	h.cdp.on(cdproto.EventTargetDetachedFromTarget, func(_ string, params json.RawMessage) {
		var ev target.EventDetachedFromTarget
		if json.Unmarshal(params, &ev) == nil && ev.SessionID != "" {
			h.reg.dropSession(string(ev.SessionID))
		}
	})

	h.cdp.on(cdproto.EventPageFrameNavigated, func(sessionID string, params json.RawMessage) {
		var p struct {
			Frame struct {
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
			} `json:"frame"`
		}
		if json.Unmarshal(params, &p) != nil || p.Frame.ParentID != "" {
			return
		}
		h.updated(sessionID, injector.StatusLoading, p.Frame.URL)
	})

	h.cdp.on(cdproto.EventPageNavigatedWithinDocument, func(sessionID string, params json.RawMessage) {
		var p struct {
			FrameID string `json:"frameId"`
			URL     string `json:"url"`
		}
		if json.Unmarshal(params, &p) != nil {
			return
		}
		// The main frame shares its id with the target.
		e, ok := h.reg.lookupSession(sessionID)
		if !ok || p.FrameID != string(e.Target) {
			return
		}
		h.updated(sessionID, injector.StatusComplete, p.URL)
	})

	h.cdp.on(cdproto.EventPageLoadEventFired, func(sessionID string, _ json.RawMessage) {
		h.updated(sessionID, injector.StatusComplete, "")
	})
}

// updated emits a TabUpdated event. ChangeInfo.URL is set only when url
// differs from the last known URL.
func (h *Host) updated(sessionID string, status injector.Status, url string) {
	e, ok := h.reg.lookupSession(sessionID)
	if !ok {
		return
	}
	change := injector.ChangeInfo{Status: status}
	current := e.URL
	if url != "" {
		if prev, ok := h.reg.setURL(e.ID, url); ok && prev != url {
			change.URL = url
		}
		current = url
	}
	h.emit(injector.Event{
		Kind:   injector.EventTabUpdated,
		TabID:  e.ID,
		Change: change,
		TabURL: current,
	})
}
