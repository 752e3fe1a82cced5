package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/repository"
)

// sessionStoreStub is an in-memory port.SessionStore.
type sessionStoreStub struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	hashes   map[string]string
	failing  bool
}

func newSessionStoreStub() *sessionStoreStub {
	return &sessionStoreStub{
		sessions: make(map[string]domain.Session),
		hashes:   make(map[string]string),
	}
}

var errStoreUnavailable = errors.New("store unavailable")

func (s *sessionStoreStub) Save(_ context.Context, session domain.Session, refreshHash string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreUnavailable
	}
	s.sessions[session.ID] = session
	s.hashes[session.ID] = refreshHash
	return nil
}

func (s *sessionStoreStub) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreUnavailable
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := session
	return &copied, nil
}

func (s *sessionStoreStub) RefreshHash(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.hashes[sessionID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return hash, nil
}

func (s *sessionStoreStub) Rotate(_ context.Context, sessionID, oldHash, newHash string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.hashes[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	if current != oldHash {
		return repository.ErrConflict
	}
	s.hashes[sessionID] = newHash
	return nil
}

func (s *sessionStoreStub) Touch(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	session.Touch(at)
	s.sessions[sessionID] = session
	return nil
}

func (s *sessionStoreStub) ListByUser(_ context.Context, userID string) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreUnavailable
	}
	var out []domain.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *sessionStoreStub) Delete(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(s.sessions, sessionID)
	delete(s.hashes, sessionID)
	return true, nil
}

func (s *sessionStoreStub) DeleteAllForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
			delete(s.hashes, id)
			removed++
		}
	}
	return removed, nil
}

// presenceStoreStub is an in-memory port.PresenceStore.
type presenceStoreStub struct {
	mu      sync.Mutex
	entries map[string]domain.UserPresence
	failing bool
}

func newPresenceStoreStub() *presenceStoreStub {
	return &presenceStoreStub{entries: make(map[string]domain.UserPresence)}
}

func (s *presenceStoreStub) SetPresence(_ context.Context, presence domain.UserPresence, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreUnavailable
	}
	s.entries[presence.UserID] = presence
	return nil
}

func (s *presenceStoreStub) GetPresence(_ context.Context, userID string) (*domain.UserPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errStoreUnavailable
	}
	presence, ok := s.entries[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := presence
	return &copied, nil
}

func (s *presenceStoreStub) DeletePresence(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

func (s *presenceStoreStub) status(userID string) (domain.PresenceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	presence, ok := s.entries[userID]
	if !ok {
		return "", false
	}
	return presence.Status, true
}

// offlineQueueStub is an in-memory port.OfflineMessageQueue.
type offlineQueueStub struct {
	mu     sync.Mutex
	queues map[string][]domain.Message
}

func newOfflineQueueStub() *offlineQueueStub {
	return &offlineQueueStub{queues: make(map[string][]domain.Message)}
}

func (s *offlineQueueStub) Queue(_ context.Context, userID string, message domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[userID] = append(s.queues[userID], message)
	return nil
}

func (s *offlineQueueStub) Drain(_ context.Context, userID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.queues[userID]
	delete(s.queues, userID)
	return queued, nil
}

// eventPublisherStub records published lifecycle events.
type eventPublisherStub struct {
	mu               sync.Mutex
	sessionsRevoked  []domain.SessionRevokedEvent
	presenceChanges  []domain.PresenceChangedEvent
	messagePersisted []domain.MessagePersistedEvent
}

func newEventPublisherStub() *eventPublisherStub {
	return &eventPublisherStub{}
}

func (s *eventPublisherStub) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsRevoked = append(s.sessionsRevoked, event)
	return nil
}

func (s *eventPublisherStub) PublishPresenceChanged(_ context.Context, event domain.PresenceChangedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceChanges = append(s.presenceChanges, event)
	return nil
}

func (s *eventPublisherStub) PublishMessagePersisted(_ context.Context, event domain.MessagePersistedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messagePersisted = append(s.messagePersisted, event)
	return nil
}

// sessionCheckerStub answers IsActive from a fixed map.
type sessionCheckerStub struct {
	mu     sync.Mutex
	active map[string]bool
	err    error
}

func newSessionCheckerStub() *sessionCheckerStub {
	return &sessionCheckerStub{active: make(map[string]bool)}
}

func (s *sessionCheckerStub) IsActive(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.active[userID], nil
}

// rateLimitStoreStub counts attempts per identifier inside a window.
type rateLimitStoreStub struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	err      error
}

func newRateLimitStoreStub() *rateLimitStoreStub {
	return &rateLimitStoreStub{attempts: make(map[string][]time.Time)}
}

func (s *rateLimitStoreStub) Take(_ context.Context, identifier string, window time.Duration, at time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, time.Time{}, s.err
	}

	threshold := at.Add(-window)
	kept := make([]time.Time, 0, len(s.attempts[identifier])+1)
	for _, attempt := range s.attempts[identifier] {
		if attempt.After(threshold) {
			kept = append(kept, attempt)
		}
	}
	kept = append(kept, at)
	s.attempts[identifier] = kept

	return len(kept), kept[0], nil
}
