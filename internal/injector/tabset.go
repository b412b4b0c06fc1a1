package injector

import (
	"sort"
	"sync"
)

type tabState struct {
	tracked  bool
	epoch    uint64 // bumped on every removal
	inflight int
}

// tabSet is the tracked tab set. A single goroutine owns the state; callers
// submit operations and wait for them to be applied, so every mutation is
// serialized without a lock around the map.
type tabSet struct {
	ops  chan func(map[TabID]*tabState)
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newTabSet() *tabSet {
	s := &tabSet{
		ops:  make(chan func(map[TabID]*tabState)),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *tabSet) run() {
	defer close(s.done)
	states := make(map[TabID]*tabState)
	for {
		select {
		case op := <-s.ops:
			op(states)
		case <-s.quit:
			return
		}
	}
}

// do applies op on the owner goroutine and waits for it. It reports false
// once the set has been closed.
func (s *tabSet) do(op func(map[TabID]*tabState)) bool {
	applied := make(chan struct{})
	wrapped := func(m map[TabID]*tabState) {
		op(m)
		close(applied)
	}
	select {
	case s.ops <- wrapped:
	case <-s.done:
		return false
	}
	<-applied
	return true
}

func (s *tabSet) close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

func (s *tabSet) contains(id TabID) bool {
	var ok bool
	s.do(func(m map[TabID]*tabState) {
		st := m[id]
		ok = st != nil && st.tracked
	})
	return ok
}

// remove untracks id. Injections that began before the removal can no
// longer commit.
func (s *tabSet) remove(id TabID) {
	s.do(func(m map[TabID]*tabState) {
		st := m[id]
		if st == nil {
			return
		}
		st.tracked = false
		st.epoch++
		if st.inflight == 0 {
			delete(m, id)
		}
	})
}

// begin registers an in-flight injection for id and returns the epoch it
// must match to commit.
func (s *tabSet) begin(id TabID) uint64 {
	var epoch uint64
	s.do(func(m map[TabID]*tabState) {
		st := m[id]
		if st == nil {
			st = &tabState{}
			m[id] = st
		}
		st.inflight++
		epoch = st.epoch
	})
	return epoch
}

// finish ends an in-flight injection. When ok is true and no removal
// happened since begin, id becomes tracked. It reports whether id was
// added.
func (s *tabSet) finish(id TabID, epoch uint64, ok bool) bool {
	var added bool
	s.do(func(m map[TabID]*tabState) {
		st := m[id]
		if st == nil {
			return
		}
		st.inflight--
		if ok && st.epoch == epoch {
			st.tracked = true
			added = true
		}
		if !st.tracked && st.inflight == 0 {
			delete(m, id)
		}
	})
	return added
}

func (s *tabSet) snapshot() []TabID {
	var out []TabID
	s.do(func(m map[TabID]*tabState) {
		out = make([]TabID, 0, len(m))
		for id, st := range m {
			if st.tracked {
				out = append(out, id)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
