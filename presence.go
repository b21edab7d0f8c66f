package meetpin

import (
	"sort"
	"sync"
)

// ============================================================================
// Presence Tracker
// ============================================================================

type presenceKey struct {
	userID        string
	connectionRef string
}

// PresenceSet tracks who is on a topic. One record per active connection; a
// user is online while at least one of their connections remains, so a single
// device dropping does not flap the user offline. Mutated only by its owning
// channel's event dispatch.
type PresenceSet struct {
	mu      sync.RWMutex
	records map[presenceKey]PresenceRecord
}

func newPresenceSet() *PresenceSet {
	return &PresenceSet{records: make(map[presenceKey]PresenceRecord)}
}

// applySync replaces the whole set with the authoritative snapshot.
func (p *PresenceSet) applySync(records []PresenceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[presenceKey]PresenceRecord, len(records))
	for _, rec := range records {
		p.records[presenceKey{rec.UserID, rec.ConnectionRef}] = rec
	}
}

// applyJoin upserts records keyed by (userID, connectionRef).
func (p *PresenceSet) applyJoin(records []PresenceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		p.records[presenceKey{rec.UserID, rec.ConnectionRef}] = rec
	}
}

// applyLeave removes exactly the keys named; other connections of the same
// user are untouched.
func (p *PresenceSet) applyLeave(records []PresenceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		delete(p.records, presenceKey{rec.UserID, rec.ConnectionRef})
	}
}

// IsOnline reports whether any connection for userID remains on the topic.
func (p *PresenceSet) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for key := range p.records {
		if key.userID == userID {
			return true
		}
	}
	return false
}

// Records returns a copy of every presence record, ordered by user then
// connection ref.
func (p *PresenceSet) Records() []PresenceRecord {
	p.mu.RLock()
	out := make([]PresenceRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ConnectionRef < out[j].ConnectionRef
	})
	return out
}

// OnlineUsers returns the distinct online user ids, sorted.
func (p *PresenceSet) OnlineUsers() []string {
	p.mu.RLock()
	seen := make(map[string]struct{})
	for key := range p.records {
		seen[key.userID] = struct{}{}
	}
	p.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
