package meetpin

import (
	"testing"
	"time"
)

func rec(userID, connRef string) PresenceRecord {
	return PresenceRecord{
		UserID:        userID,
		DisplayName:   "User " + userID,
		ConnectionRef: connRef,
		LastSeenAt:    time.Now().UTC(),
	}
}

func TestPresenceSetSync(t *testing.T) {
	p := newPresenceSet()
	p.applyJoin([]PresenceRecord{rec("u-1", "c-1"), rec("u-9", "c-9")})

	// The snapshot is authoritative: u-9 is gone afterwards.
	snapshot := []PresenceRecord{rec("u-1", "c-1"), rec("u-2", "c-2")}
	p.applySync(snapshot)

	if got := p.OnlineUsers(); len(got) != 2 || got[0] != "u-1" || got[1] != "u-2" {
		t.Fatalf("unexpected online users after sync: %v", got)
	}
	if p.IsOnline("u-9") {
		t.Error("u-9 survived the snapshot replace")
	}

	t.Run("repeated snapshot is idempotent", func(t *testing.T) {
		p.applySync(snapshot)
		if got := p.OnlineUsers(); len(got) != 2 {
			t.Errorf("repeated sync changed the set: %v", got)
		}
	})
}

func TestPresenceSetJoinLeave(t *testing.T) {
	p := newPresenceSet()

	p.applyJoin([]PresenceRecord{rec("u-1", "c-1")})
	p.applyJoin([]PresenceRecord{rec("u-1", "c-2")}) // second device
	p.applyJoin([]PresenceRecord{rec("u-2", "c-3")})

	if got := p.Records(); len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}

	t.Run("one device leaving does not flap the user", func(t *testing.T) {
		p.applyLeave([]PresenceRecord{rec("u-1", "c-1")})
		if !p.IsOnline("u-1") {
			t.Error("u-1 went offline with a connection still up")
		}
	})

	t.Run("last device leaving takes the user offline", func(t *testing.T) {
		p.applyLeave([]PresenceRecord{rec("u-1", "c-2")})
		if p.IsOnline("u-1") {
			t.Error("u-1 still online with no connections")
		}
		if !p.IsOnline("u-2") {
			t.Error("u-2 affected by u-1's leave")
		}
	})

	t.Run("duplicate join is an upsert", func(t *testing.T) {
		p.applyJoin([]PresenceRecord{rec("u-2", "c-3")})
		if got := p.Records(); len(got) != 1 {
			t.Errorf("duplicate join grew the set: %+v", got)
		}
	})

	t.Run("leave for unknown key is a no-op", func(t *testing.T) {
		p.applyLeave([]PresenceRecord{rec("u-404", "c-404")})
		if !p.IsOnline("u-2") {
			t.Error("unrelated leave removed u-2")
		}
	})
}

func TestPresenceEventsThroughChannel(t *testing.T) {
	sess := newTestSession(t)
	ch := sess.Channel(ConversationTopic("conv-1"))

	sess.dispatch(presenceEnvelope(t, ch.Topic(), EventPresenceSync, []PresenceRecord{
		rec("u-1", "c-1"),
	}))
	if !ch.Presence().IsOnline("u-1") {
		t.Fatal("sync event did not populate the set")
	}

	sess.dispatch(presenceEnvelope(t, ch.Topic(), EventPresenceJoin, []PresenceRecord{
		rec("u-2", "c-2"),
	}))
	sess.dispatch(presenceEnvelope(t, ch.Topic(), EventPresenceLeave, []PresenceRecord{
		rec("u-1", "c-1"),
	}))

	got := ch.Presence().OnlineUsers()
	if len(got) != 1 || got[0] != "u-2" {
		t.Errorf("unexpected online users: %v", got)
	}
}
