// Package session tracks Dify conversation continuity across stateless
// OpenAI-style calls. Dify threads multi-turn conversations by an opaque
// conversation_id it assigns on the first exchange; this store remembers
// that id per (owner, model) so follow-up calls can continue the thread,
// and expires idle conversations.
package session

import (
	"sync"
	"time"

	log "github.com/dify2openai/difybridge/internal/logging"
)

// Key addresses one logical conversation slot.
type Key struct {
	// Owner is the caller-supplied user label, falling back to the
	// caller's API key when no label was given.
	Owner string

	// Model is the gateway-visible model name.
	Model string
}

type record struct {
	conversationID string
	lastActivity   time.Time
}

// Stats summarizes the live store contents.
type Stats struct {
	ActiveConversations int           `json:"active_conversations"`
	Aliases             int           `json:"aliases"`
	Timeout             time.Duration `json:"-"`
	TimeoutMinutes      int           `json:"timeout_minutes"`
}

// Store is an in-memory conversation registry with expiry. It is constructed
// explicitly and injected into the translator and stream handlers; there is
// no package-level singleton. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[Key]*record
	aliases map[string]string // external session token -> conversation id

	timeout    time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a store with the given idle timeout and sweep interval.
// Zero values fall back to 120 minutes and 15 minutes respectively.
func NewStore(timeout, sweepEvery time.Duration) *Store {
	if timeout <= 0 {
		timeout = 120 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Minute
	}
	return &Store{
		records:    make(map[Key]*record),
		aliases:    make(map[string]string),
		timeout:    timeout,
		sweepEvery: sweepEvery,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background expiry sweep.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.Infof("session sweep removed %d expired conversations", n)
				}
			}
		}
	}()
}

// Stop terminates the sweep goroutine. Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// ShouldStartNew decides whether a request opens a fresh Dify conversation.
// Only messages with role "user" count toward history; a single user turn
// always starts fresh (clients commonly resend full history when opening a
// new topic with one user message). An unknown external alias also forces a
// new conversation, as does a missing or expired record for the key.
func (s *Store) ShouldStartNew(roles []string, owner, model, alias string) bool {
	userTurns := 0
	for _, r := range roles {
		if r == "user" {
			userTurns++
		}
	}
	if userTurns <= 1 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if alias != "" {
		if _, ok := s.aliases[alias]; !ok {
			return true
		}
	}

	key := Key{Owner: owner, Model: model}
	rec, ok := s.records[key]
	if !ok {
		return true
	}
	if s.now().Sub(rec.lastActivity) >= s.timeout {
		s.removeLocked(key)
		return true
	}
	return false
}

// ActiveConversation returns the live conversation id for the key, touching
// its activity timestamp. An alias lookup takes precedence over the key
// lookup. Expired records are evicted and report no conversation.
func (s *Store) ActiveConversation(owner, model, alias string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alias != "" {
		if id, ok := s.aliases[alias]; ok {
			return id, true
		}
	}

	key := Key{Owner: owner, Model: model}
	rec, ok := s.records[key]
	if !ok {
		return "", false
	}
	if s.now().Sub(rec.lastActivity) >= s.timeout {
		s.removeLocked(key)
		return "", false
	}
	rec.lastActivity = s.now()
	return rec.conversationID, true
}

// Record upserts the conversation id for the key. A differing id replaces
// the stored one outright; ids are never merged. When alias is non-empty the
// alias mapping is created or updated alongside.
func (s *Store) Record(owner, model, conversationID, alias string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{Owner: owner, Model: model}
	rec, ok := s.records[key]
	if !ok {
		rec = &record{}
		s.records[key] = rec
	}
	if rec.conversationID != conversationID {
		if rec.conversationID != "" {
			log.Debugf("session %s/%s: replacing conversation %s with %s",
				owner, model, shortID(rec.conversationID), shortID(conversationID))
		}
		rec.conversationID = conversationID
	}
	rec.lastActivity = s.now()

	if alias != "" {
		s.aliases[alias] = conversationID
	}
}

// Terminate deletes the record for the key, cascading alias removal.
// Reports whether anything was removed.
func (s *Store) Terminate(owner, model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{Owner: owner, Model: model}
	if _, ok := s.records[key]; !ok {
		return false
	}
	s.removeLocked(key)
	return true
}

// TerminateAlias deletes the alias and the record it points at.
// Reports whether anything was removed.
func (s *Store) TerminateAlias(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, ok := s.aliases[alias]
	if !ok {
		return false
	}
	delete(s.aliases, alias)
	for key, rec := range s.records {
		if rec.conversationID == conversationID {
			s.removeLocked(key)
			break
		}
	}
	return true
}

// Sweep removes every record idle past the timeout and returns the count.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []Key
	for key, rec := range s.records {
		if now.Sub(rec.lastActivity) >= s.timeout {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.removeLocked(key)
	}
	return len(expired)
}

// Snapshot returns current counters.
func (s *Store) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ActiveConversations: len(s.records),
		Aliases:             len(s.aliases),
		Timeout:             s.timeout,
		TimeoutMinutes:      int(s.timeout / time.Minute),
	}
}

// removeLocked deletes one record and every alias pointing at its
// conversation id. Caller holds s.mu.
func (s *Store) removeLocked(key Key) {
	rec, ok := s.records[key]
	if !ok {
		return
	}
	delete(s.records, key)
	for alias, id := range s.aliases {
		if id == rec.conversationID {
			delete(s.aliases, alias)
		}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
