package meetpin

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Active Typers
// ============================================================================

// TypingSet holds the users currently typing in one conversation. Entries are
// upserted by user id, removed by an explicit stop event or on message send,
// and expired by the session sweeper once older than the TTL. The explicit
// stop plus TTL combination keeps indicators from sticking when a stop event
// is dropped on the wire.
type TypingSet struct {
	mu     sync.Mutex
	ttl    time.Duration
	typers map[string]TypingEvent
}

func newTypingSet(ttl time.Duration) *TypingSet {
	return &TypingSet{
		ttl:    ttl,
		typers: make(map[string]TypingEvent),
	}
}

func (t *TypingSet) upsert(ev TypingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typers[ev.UserID] = ev
}

func (t *TypingSet) remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typers, userID)
}

// sweep drops entries whose timestamp is older than the TTL at now.
func (t *TypingSet) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ev := range t.typers {
		if now.Sub(ev.Timestamp) >= t.ttl {
			delete(t.typers, id)
		}
	}
}

// Active returns the users typing right now, ordered by user id. Entries past
// the TTL are excluded even if the sweeper has not visited yet.
func (t *TypingSet) Active() []TypingEvent {
	now := time.Now()
	t.mu.Lock()
	out := make([]TypingEvent, 0, len(t.typers))
	for _, ev := range t.typers {
		if now.Sub(ev.Timestamp) < t.ttl {
			out = append(out, ev)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ============================================================================
// Sweeper
// ============================================================================

// sweeper drives TTL expiry for every registered typing set off a single
// ticker, so one session runs one periodic task no matter how many
// conversations are open. It starts lazily with the first registration and
// stops when the last set deregisters.
type sweeper struct {
	interval time.Duration

	mu      sync.Mutex
	sets    map[*TypingSet]struct{}
	stop    chan struct{}
	running bool
	closed  bool
}

func newSweeper(interval time.Duration) *sweeper {
	return &sweeper{
		interval: interval,
		sets:     make(map[*TypingSet]struct{}),
	}
}

func (s *sweeper) register(ts *TypingSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sets[ts] = struct{}{}
	if !s.running {
		s.running = true
		s.stop = make(chan struct{})
		go s.run(s.stop)
	}
}

func (s *sweeper) deregister(ts *TypingSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, ts)
	if len(s.sets) == 0 && s.running {
		close(s.stop)
		s.running = false
	}
}

func (s *sweeper) run(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			sets := make([]*TypingSet, 0, len(s.sets))
			for ts := range s.sets {
				sets = append(sets, ts)
			}
			s.mu.Unlock()
			for _, ts := range sets {
				ts.sweep(now)
			}
		}
	}
}

func (s *sweeper) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sets = make(map[*TypingSet]struct{})
	if s.running {
		close(s.stop)
		s.running = false
	}
}
