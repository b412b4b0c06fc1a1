package relay

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	keepAliveInterval = 15 * time.Second
	retryMillis       = 3000
)

// SSEHandler streams signals as server-sent events. ?kinds=warning,error
// limits the stream to those signal kinds. A Last-Event-ID header replays
// retained events newer than that id before live delivery starts.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		kinds := parseKinds(r.URL.Query().Get("kinds"))
		lastID, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)

		// Subscribe before the headers go out so a client that acts on the
		// response does not miss the first events.
		id, ch, backlog := broker.Resume(lastID)
		defer broker.Unsubscribe(id)

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
		for _, evt := range backlog {
			writeEvent(w, evt, kinds)
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if writeEvent(w, evt, kinds) {
					flusher.Flush()
				}
			}
		}
	}
}

// writeEvent writes one SSE frame unless the kind filter excludes it.
func writeEvent(w io.Writer, evt Event, kinds map[string]bool) bool {
	if kinds != nil && !kinds[evt.Kind] {
		return false
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, evt.Data)
	return true
}

func parseKinds(q string) map[string]bool {
	var filter map[string]bool
	for _, k := range strings.Split(q, ",") {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		if filter == nil {
			filter = make(map[string]bool)
		}
		filter[k] = true
	}
	return filter
}
