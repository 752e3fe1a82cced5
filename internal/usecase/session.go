package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
	"github.com/arklim/social-platform-rtc/internal/infra/security"
	"github.com/arklim/social-platform-rtc/internal/repository"
)

// ErrTokenInvalid indicates the presented token failed signature, format, or type checks.
var ErrTokenInvalid = errors.New("token invalid")

// ErrTokenExpired indicates the presented token has outlived its TTL.
var ErrTokenExpired = errors.New("token expired")

// ErrSessionNotFound indicates no live session backs the presented token.
// A missing session is the server-side revocation signal.
var ErrSessionNotFound = errors.New("session not found")

// ErrRefreshInvalid indicates the refresh token does not match the one
// currently bound to its session, typically a rotated-out replay.
var ErrRefreshInvalid = errors.New("refresh token invalid")

// presenceMarkTTL bounds how long a presence entry written by the session
// lifecycle survives without a heartbeat refreshing it.
const presenceMarkTTL = 90 * time.Second

// SessionService owns the session lifecycle: issuing token pairs, verifying
// access tokens against the store, rotating refresh tokens, and revocation.
// The store is the single source of truth: a session present in the store is
// the authority that its refresh token is still honorable.
type SessionService struct {
	store      port.SessionStore
	presence   port.PresenceStore
	events     port.EventPublisher
	codec      *security.TokenCodec
	logger     *zap.Logger
	accessTTL  time.Duration
	refreshTTL time.Duration
	maxPerUser int
	now        func() time.Time
}

// NewSessionService constructs a SessionService.
func NewSessionService(
	store port.SessionStore,
	presence port.PresenceStore,
	events port.EventPublisher,
	codec *security.TokenCodec,
	accessTTL, refreshTTL time.Duration,
	maxPerUser int,
) *SessionService {
	return &SessionService{
		store:      store,
		presence:   presence,
		events:     events,
		codec:      codec,
		logger:     zap.NewNop(),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		maxPerUser: maxPerUser,
		now:        time.Now,
	}
}

// WithLogger attaches a structured logger to the service.
func (s *SessionService) WithLogger(logger *zap.Logger) *SessionService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source. Intended for tests.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	if now != nil {
		s.now = now
	}
	return s
}

// IssueTokenPair creates a new session for the authenticated user and returns
// its access/refresh token pair. Sessions beyond the per-user cap are evicted
// oldest-first by last activity.
func (s *SessionService) IssueTokenPair(ctx context.Context, userID, email, username string, device domain.DeviceInfo) (*domain.TokenPair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := s.now().UTC()
	sessionID := uuid.NewString()

	accessToken, err := s.codec.SignAccess(userID, email, username, sessionID, s.accessTTL, now)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken, err := s.codec.SignRefresh(userID, sessionID, s.refreshTTL, now)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	session := domain.Session{
		ID:           sessionID,
		UserID:       userID,
		Email:        strings.TrimSpace(email),
		Username:     strings.TrimSpace(username),
		DeviceID:     device.DeviceID,
		IPAddress:    device.IPAddress,
		UserAgent:    device.UserAgent,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(s.refreshTTL),
	}

	if err := s.store.Save(ctx, session, security.HashToken(refreshToken), s.refreshTTL); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	if err := s.enforceSessionCap(ctx, userID, sessionID); err != nil {
		s.logger.Warn("session cap enforcement failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	s.markPresence(ctx, userID, domain.PresenceActive, now)

	s.logger.Info("session issued",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
	)

	return &domain.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresAt:        now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// VerifyAccess validates an access token and confirms its session still
// exists. Store unavailability fails closed: the caller gets an error, not an
// identity.
func (s *SessionService) VerifyAccess(ctx context.Context, token string) (*domain.Identity, error) {
	claims, err := s.codec.ParseAccess(token)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	session, err := s.store.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := s.now().UTC()
	if session.IsExpired(now) {
		return nil, ErrSessionNotFound
	}

	if err := s.store.Touch(ctx, session.ID, now); err != nil {
		s.logger.Warn("touch session failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}

	return &domain.Identity{
		UserID:    claims.UserID,
		Email:     claims.Email,
		Username:  claims.Username,
		SessionID: claims.SessionID,
	}, nil
}

// Refresh rotates the session's refresh token and reissues both tokens under
// the same session id. A token that no longer matches the stored hash is a
// rotated-out replay and is rejected.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	claims, err := s.codec.ParseRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrRefreshInvalid
	}

	session, err := s.store.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := s.now().UTC()

	newAccess, err := s.codec.SignAccess(session.UserID, session.Email, session.Username, session.ID, s.accessTTL, now)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	newRefresh, err := s.codec.SignRefresh(session.UserID, session.ID, s.refreshTTL, now)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	oldHash := security.HashToken(refreshToken)
	newHash := security.HashToken(newRefresh)

	if err := s.store.Rotate(ctx, session.ID, oldHash, newHash, s.refreshTTL); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			s.logger.Warn("refresh token replay rejected",
				zap.String("session_id", session.ID),
				zap.String("user_id", session.UserID),
			)
			return nil, ErrRefreshInvalid
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrSessionNotFound
		default:
			return nil, fmt.Errorf("rotate refresh token: %w", err)
		}
	}

	if err := s.store.Touch(ctx, session.ID, now); err != nil {
		s.logger.Warn("touch session failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}

	return &domain.TokenPair{
		AccessToken:      newAccess,
		RefreshToken:     newRefresh,
		ExpiresAt:        now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// Revoke deletes the session and its refresh token. When it removed the
// user's last session, global presence flips to inactive.
func (s *SessionService) Revoke(ctx context.Context, sessionID, revokedBy, reason string) error {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}

	deleted, err := s.store.Delete(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !deleted {
		return ErrSessionNotFound
	}

	now := s.now().UTC()

	remaining, err := s.store.ListByUser(ctx, session.UserID)
	if err != nil {
		s.logger.Warn("list sessions after revoke failed",
			zap.String("user_id", session.UserID),
			zap.Error(err),
		)
	} else if len(remaining) == 0 {
		s.markPresence(ctx, session.UserID, domain.PresenceInactive, now)
	}

	if err := s.events.PublishSessionRevoked(ctx, domain.SessionRevokedEvent{
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		UserID:    session.UserID,
		RevokedAt: now,
		RevokedBy: revokedBy,
		Reason:    reason,
	}); err != nil {
		s.logger.Warn("publish session revoked failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	s.logger.Info("session revoked",
		zap.String("session_id", sessionID),
		zap.String("user_id", session.UserID),
		zap.String("reason", reason),
	)

	return nil
}

// RevokeAll deletes every session owned by the user and flips global presence
// to inactive. Returns the number of sessions removed.
func (s *SessionService) RevokeAll(ctx context.Context, userID, revokedBy, reason string) (int, error) {
	removed, err := s.store.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}

	now := s.now().UTC()
	s.markPresence(ctx, userID, domain.PresenceInactive, now)

	if removed > 0 {
		if err := s.events.PublishSessionRevoked(ctx, domain.SessionRevokedEvent{
			EventID:   uuid.NewString(),
			UserID:    userID,
			RevokedAt: now,
			RevokedBy: revokedBy,
			Reason:    reason,
		}); err != nil {
			s.logger.Warn("publish session revoked failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	return removed, nil
}

// IsActive reports whether the user owns at least one non-expired session.
func (s *SessionService) IsActive(ctx context.Context, userID string) (bool, error) {
	sessions, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list sessions: %w", err)
	}

	now := s.now().UTC()
	for _, session := range sessions {
		if !session.IsExpired(now) {
			return true, nil
		}
	}

	return false, nil
}

// Sessions lists the user's live sessions, most recently active first.
func (s *SessionService) Sessions(ctx context.Context, userID string) ([]domain.Session, error) {
	sessions, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})

	return sessions, nil
}

// enforceSessionCap evicts the oldest sessions (by last activity) beyond the
// per-user limit. The freshly issued session is never evicted.
func (s *SessionService) enforceSessionCap(ctx context.Context, userID, keepSessionID string) error {
	if s.maxPerUser <= 0 {
		return nil
	}

	sessions, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) <= s.maxPerUser {
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.Before(sessions[j].LastActiveAt)
	})

	excess := len(sessions) - s.maxPerUser
	for _, candidate := range sessions {
		if excess == 0 {
			break
		}
		if candidate.ID == keepSessionID {
			continue
		}
		if _, err := s.store.Delete(ctx, candidate.ID); err != nil {
			return fmt.Errorf("evict session %s: %w", candidate.ID, err)
		}
		s.logger.Info("session evicted by cap",
			zap.String("user_id", userID),
			zap.String("session_id", candidate.ID),
		)
		excess--
	}

	return nil
}

func (s *SessionService) markPresence(ctx context.Context, userID string, status domain.PresenceStatus, at time.Time) {
	presence := domain.UserPresence{
		UserID:   userID,
		Status:   status,
		LastSeen: at,
	}
	if err := s.presence.SetPresence(ctx, presence, presenceMarkTTL); err != nil {
		s.logger.Warn("write presence failed",
			zap.String("user_id", userID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
