package session

import (
	"testing"
	"time"
)

func newTestStore(timeout time.Duration) (*Store, *time.Time) {
	s := NewStore(timeout, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestShouldStartNew_SingleUserTurn(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	s.Record("alice", "dify-chat", "conv-1", "")

	cases := []struct {
		name  string
		roles []string
	}{
		{"only user", []string{"user"}},
		{"system plus user", []string{"system", "user"}},
		{"assistant noise", []string{"system", "assistant", "user", "assistant"}},
		{"no user at all", []string{"system", "assistant"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !s.ShouldStartNew(tc.roles, "alice", "dify-chat", "") {
				t.Errorf("roles %v: expected new conversation", tc.roles)
			}
		})
	}
}

func TestShouldStartNew_ContinuesExistingRecord(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	roles := []string{"user", "assistant", "user"}

	// No record yet: must start new.
	if !s.ShouldStartNew(roles, "alice", "dify-chat", "") {
		t.Fatal("expected new conversation without a record")
	}

	s.Record("alice", "dify-chat", "conv-1", "")
	if s.ShouldStartNew(roles, "alice", "dify-chat", "") {
		t.Fatal("expected continuation with a live record")
	}

	// A different model is a different slot.
	if !s.ShouldStartNew(roles, "alice", "dify-other", "") {
		t.Fatal("expected new conversation for unmapped model slot")
	}
}

func TestShouldStartNew_ExpiryEvicts(t *testing.T) {
	s, now := newTestStore(30 * time.Minute)
	roles := []string{"user", "assistant", "user"}
	s.Record("alice", "dify-chat", "conv-1", "")

	*now = now.Add(31 * time.Minute)
	if !s.ShouldStartNew(roles, "alice", "dify-chat", "") {
		t.Fatal("expected new conversation after timeout")
	}
	// The stale record must be gone, not just ignored.
	if got := s.Snapshot().ActiveConversations; got != 0 {
		t.Fatalf("expected eviction, still %d records", got)
	}
}

func TestShouldStartNew_UnknownAliasForcesNew(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	roles := []string{"user", "assistant", "user"}
	s.Record("alice", "dify-chat", "conv-1", "")

	if !s.ShouldStartNew(roles, "alice", "dify-chat", "sess-unknown") {
		t.Fatal("unknown alias must start a new conversation")
	}

	s.Record("alice", "dify-chat", "conv-1", "sess-known")
	if s.ShouldStartNew(roles, "alice", "dify-chat", "sess-known") {
		t.Fatal("known alias should continue")
	}
}

func TestRecordThenLookup(t *testing.T) {
	s, _ := newTestStore(time.Hour)

	s.Record("alice", "dify-chat", "conv-1", "")
	id, ok := s.ActiveConversation("alice", "dify-chat", "")
	if !ok || id != "conv-1" {
		t.Fatalf("got (%q,%v), want (conv-1,true)", id, ok)
	}

	// Re-recording a different id replaces, never merges.
	s.Record("alice", "dify-chat", "conv-2", "")
	id, ok = s.ActiveConversation("alice", "dify-chat", "")
	if !ok || id != "conv-2" {
		t.Fatalf("got (%q,%v), want (conv-2,true)", id, ok)
	}
	if got := s.Snapshot().ActiveConversations; got != 1 {
		t.Fatalf("expected one live record, got %d", got)
	}
}

func TestActiveConversation_AliasPrecedence(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	s.Record("alice", "dify-chat", "conv-key", "")
	s.Record("bob", "dify-chat", "conv-alias", "sess-1")

	id, ok := s.ActiveConversation("alice", "dify-chat", "sess-1")
	if !ok || id != "conv-alias" {
		t.Fatalf("alias lookup got (%q,%v), want (conv-alias,true)", id, ok)
	}
}

func TestActiveConversation_TouchRefreshesExpiry(t *testing.T) {
	s, now := newTestStore(30 * time.Minute)
	s.Record("alice", "dify-chat", "conv-1", "")

	*now = now.Add(20 * time.Minute)
	if _, ok := s.ActiveConversation("alice", "dify-chat", ""); !ok {
		t.Fatal("record should still be live")
	}

	// 20 more minutes is past the original expiry but within the touched one.
	*now = now.Add(20 * time.Minute)
	if _, ok := s.ActiveConversation("alice", "dify-chat", ""); !ok {
		t.Fatal("touch should have refreshed the activity timestamp")
	}

	*now = now.Add(31 * time.Minute)
	if _, ok := s.ActiveConversation("alice", "dify-chat", ""); ok {
		t.Fatal("record should have expired")
	}
}

func TestTerminate(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	s.Record("alice", "dify-chat", "conv-1", "sess-1")

	if !s.Terminate("alice", "dify-chat") {
		t.Fatal("terminate should report removal")
	}
	if s.Terminate("alice", "dify-chat") {
		t.Fatal("second terminate should be a no-op")
	}
	// Alias cascade.
	if _, ok := s.ActiveConversation("", "", "sess-1"); ok {
		t.Fatal("alias should be removed with its record")
	}
}

func TestTerminateAlias(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	s.Record("alice", "dify-chat", "conv-1", "sess-1")

	if !s.TerminateAlias("sess-1") {
		t.Fatal("terminate by alias should report removal")
	}
	if s.TerminateAlias("sess-1") {
		t.Fatal("second terminate should be a no-op")
	}
	if _, ok := s.ActiveConversation("alice", "dify-chat", ""); ok {
		t.Fatal("record pointed at by alias should be removed")
	}
}

func TestSweep(t *testing.T) {
	s, now := newTestStore(30 * time.Minute)
	s.Record("alice", "dify-chat", "conv-1", "sess-1")
	s.Record("bob", "dify-chat", "conv-2", "")

	*now = now.Add(20 * time.Minute)
	s.Record("carol", "dify-chat", "conv-3", "")

	*now = now.Add(15 * time.Minute)
	if n := s.Sweep(); n != 2 {
		t.Fatalf("sweep removed %d, want 2", n)
	}
	stats := s.Snapshot()
	if stats.ActiveConversations != 1 || stats.Aliases != 0 {
		t.Fatalf("unexpected stats after sweep: %+v", stats)
	}
}
