// Package relay fans injector signals out to server-sent event clients.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/markbridge/internal/injector"
)

const (
	subscriberBufSize = 256
	historySize       = 128
)

// Event is a single signal encoded for SSE delivery. IDs increase by one
// per broadcast.
type Event struct {
	ID   int64
	Kind string
	Data string
}

// Broker fans out events to all subscribed SSE clients and keeps a short
// history so reconnecting clients can resume. It satisfies
// injector.Publisher.
type Broker struct {
	mu      sync.Mutex
	subs    map[int64]chan Event
	nextSub int64
	lastID  int64
	history []Event // ring, oldest first once full
	dropped int64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[int64]chan Event),
		history: make([]Event, 0, historySize),
	}
}

// Subscribe registers a client that only wants new events.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id, ch, _ := b.Resume(0)
	return id, ch
}

// Resume registers a client and returns the retained events after lastID.
// Registration and backlog are taken atomically, so nothing between the
// backlog and the channel is lost or repeated. lastID <= 0 means no replay.
func (b *Broker) Resume(lastID int64) (int64, <-chan Event, []Event) {
	ch := make(chan Event, subscriberBufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.subs[b.nextSub] = ch

	var backlog []Event
	if lastID > 0 {
		for _, evt := range b.history {
			if evt.ID > lastID {
				backlog = append(backlog, evt)
			}
		}
	}
	return b.nextSub, ch, backlog
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish encodes a signal and broadcasts it.
func (b *Broker) Publish(s injector.Signal) {
	data, err := json.Marshal(s)
	if err != nil {
		slog.Warn("relay: encode signal failed", "kind", s.Kind, "error", err)
		return
	}
	b.Broadcast(Event{Kind: string(s.Kind), Data: string(data)})
}

// Broadcast stamps evt with the next id, records it and hands it to every
// subscriber without blocking. Full subscriber buffers drop the event.
func (b *Broker) Broadcast(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	evt.ID = b.lastID
	if len(b.history) == historySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:historySize-1]
	}
	b.history = append(b.history, evt)

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped++
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow clients.
func (b *Broker) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
