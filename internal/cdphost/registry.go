package cdphost

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/markbridge/internal/injector"
)

// tabEntry is what the host knows about one page target.
type tabEntry struct {
	ID      injector.TabID
	Target  target.ID
	URL     string
	Session string
}

// registry maps CDP target IDs to the integer tab ids handed to the
// injector. Ids are assigned from 1 and never reused, so a closed tab's id
// cannot alias a new tab.
type registry struct {
	mu        sync.RWMutex
	next      injector.TabID
	byTarget  map[target.ID]*tabEntry
	byTab     map[injector.TabID]*tabEntry
	bySession map[string]*tabEntry
}

func newRegistry() *registry {
	return &registry{
		byTarget:  make(map[target.ID]*tabEntry),
		byTab:     make(map[injector.TabID]*tabEntry),
		bySession: make(map[string]*tabEntry),
	}
}

// ensure returns the tab id for targetID, registering it when unseen. A
// non-empty url replaces the stored one.
func (r *registry) ensure(targetID target.ID, url string) (injector.TabID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byTarget[targetID]; ok {
		if url != "" {
			e.URL = url
		}
		return e.ID, false
	}
	r.next++
	e := &tabEntry{ID: r.next, Target: targetID, URL: url}
	r.byTarget[targetID] = e
	r.byTab[e.ID] = e
	return e.ID, true
}

func (r *registry) get(id injector.TabID) (tabEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTab[id]
	if !ok {
		return tabEntry{}, false
	}
	return *e, true
}

func (r *registry) lookupSession(sessionID string) (tabEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySession[sessionID]
	if !ok {
		return tabEntry{}, false
	}
	return *e, true
}

// setSession binds a session to a tab. It reports false when the tab was
// removed while attaching.
func (r *registry) setSession(id injector.TabID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTab[id]
	if !ok {
		return false
	}
	if e.Session != "" {
		delete(r.bySession, e.Session)
	}
	e.Session = sessionID
	r.bySession[sessionID] = e
	return true
}

func (r *registry) dropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySession[sessionID]; ok {
		e.Session = ""
		delete(r.bySession, sessionID)
	}
}

// setURL records a tab's URL and returns the previous one.
func (r *registry) setURL(id injector.TabID, url string) (prev string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTab[id]
	if !ok {
		return "", false
	}
	prev = e.URL
	e.URL = url
	return prev, true
}

func (r *registry) remove(targetID target.ID) (injector.TabID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTarget[targetID]
	if !ok {
		return 0, false
	}
	delete(r.byTarget, targetID)
	delete(r.byTab, e.ID)
	if e.Session != "" {
		delete(r.bySession, e.Session)
	}
	return e.ID, true
}

// resetSessions forgets every session after the connection dropped. Tab ids
// survive so a reconnect keeps them stable.
func (r *registry) resetSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byTab {
		e.Session = ""
	}
	r.bySession = make(map[string]*tabEntry)
}

// prune removes targets not present in live and returns their tab ids.
func (r *registry) prune(live map[target.ID]bool) []injector.TabID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var gone []injector.TabID
	for tid, e := range r.byTarget {
		if live[tid] {
			continue
		}
		delete(r.byTarget, tid)
		delete(r.byTab, e.ID)
		if e.Session != "" {
			delete(r.bySession, e.Session)
		}
		gone = append(gone, e.ID)
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return gone
}

func (r *registry) list() []tabEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tabEntry, 0, len(r.byTab))
	for _, e := range r.byTab {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
