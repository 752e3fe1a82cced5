package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// SessionChecker answers whether a user still owns a valid session. Satisfied
// by SessionService.
type SessionChecker interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// connState tracks one live connection inside the registry.
type connState struct {
	userID       string
	sessionID    string
	lastActivity time.Time
}

// PresenceCoordinator owns the in-process connection registry and derives
// user presence from it. Status is never settable directly: it is always the
// product of connection count, session validity, and idleness. Registry
// mutations are critical sections; the mutex is never held across store I/O.
type PresenceCoordinator struct {
	store    port.PresenceStore
	offline  port.OfflineMessageQueue
	sessions SessionChecker
	logger   *zap.Logger
	now      func() time.Time

	ttl           time.Duration
	awayTimeout   time.Duration
	typingTimeout time.Duration

	mu        sync.Mutex
	conns     map[string]*connState
	userConns map[string]map[string]struct{}
	roomUsers map[string]map[string]struct{}
	userRooms map[string]map[string]struct{}
	typing    map[string]map[string]domain.TypingStatus
	cache     map[string]domain.UserPresence

	onTransition func(userID string, status domain.PresenceStatus)
}

// NewPresenceCoordinator constructs a PresenceCoordinator.
func NewPresenceCoordinator(
	store port.PresenceStore,
	offline port.OfflineMessageQueue,
	sessions SessionChecker,
	ttl, awayTimeout, typingTimeout time.Duration,
) *PresenceCoordinator {
	return &PresenceCoordinator{
		store:         store,
		offline:       offline,
		sessions:      sessions,
		logger:        zap.NewNop(),
		now:           time.Now,
		ttl:           ttl,
		awayTimeout:   awayTimeout,
		typingTimeout: typingTimeout,
		conns:         make(map[string]*connState),
		userConns:     make(map[string]map[string]struct{}),
		roomUsers:     make(map[string]map[string]struct{}),
		userRooms:     make(map[string]map[string]struct{}),
		typing:        make(map[string]map[string]domain.TypingStatus),
		cache:         make(map[string]domain.UserPresence),
	}
}

// WithLogger attaches a structured logger.
func (c *PresenceCoordinator) WithLogger(logger *zap.Logger) *PresenceCoordinator {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithClock overrides the time source. Intended for tests.
func (c *PresenceCoordinator) WithClock(now func() time.Time) *PresenceCoordinator {
	if now != nil {
		c.now = now
	}
	return c
}

// WithTransitionHook registers a callback invoked (outside the registry lock)
// whenever the heartbeat loop observes a status transition.
func (c *PresenceCoordinator) WithTransitionHook(fn func(userID string, status domain.PresenceStatus)) *PresenceCoordinator {
	c.onTransition = fn
	return c
}

// OnConnect registers a connection. Only the user's first live connection
// transitions presence and drains the offline queue; additional device
// connections are silent.
func (c *PresenceCoordinator) OnConnect(ctx context.Context, connID, userID, sessionID string) (bool, []domain.Message, error) {
	now := c.now().UTC()

	c.mu.Lock()
	if _, exists := c.conns[connID]; exists {
		c.mu.Unlock()
		c.logger.Warn("duplicate connection id registered", zap.String("conn_id", connID))
		return false, nil, nil
	}
	c.conns[connID] = &connState{userID: userID, sessionID: sessionID, lastActivity: now}
	if c.userConns[userID] == nil {
		c.userConns[userID] = make(map[string]struct{})
	}
	c.userConns[userID][connID] = struct{}{}
	first := len(c.userConns[userID]) == 1
	if first {
		c.cache[userID] = domain.UserPresence{UserID: userID, Status: domain.PresenceActive, LastSeen: now}
	}
	c.mu.Unlock()

	if !first {
		return false, nil, nil
	}

	presence := domain.UserPresence{UserID: userID, Status: domain.PresenceActive, LastSeen: now}
	if err := c.store.SetPresence(ctx, presence, c.ttl); err != nil {
		c.logger.Warn("write presence failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	queued, err := c.offline.Drain(ctx, userID)
	if err != nil {
		c.logger.Warn("drain offline queue failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		queued = nil
	}

	return true, queued, nil
}

// OnDisconnect removes the connection. Only when the user's connection set
// empties does presence flip to inactive; the returned room list is the set
// the user implicitly left.
func (c *PresenceCoordinator) OnDisconnect(ctx context.Context, connID string) (string, bool, []string) {
	now := c.now().UTC()

	c.mu.Lock()
	state, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("disconnect for unknown connection", zap.String("conn_id", connID))
		return "", false, nil
	}
	delete(c.conns, connID)
	userID := state.userID

	delete(c.userConns[userID], connID)
	last := len(c.userConns[userID]) == 0

	var rooms []string
	if last {
		delete(c.userConns, userID)
		for roomID := range c.userRooms[userID] {
			rooms = append(rooms, roomID)
			delete(c.roomUsers[roomID], userID)
			if len(c.roomUsers[roomID]) == 0 {
				delete(c.roomUsers, roomID)
			}
			if entries, ok := c.typing[roomID]; ok {
				delete(entries, userID)
				if len(entries) == 0 {
					delete(c.typing, roomID)
				}
			}
		}
		delete(c.userRooms, userID)
		c.cache[userID] = domain.UserPresence{UserID: userID, Status: domain.PresenceInactive, LastSeen: now}
	}
	c.mu.Unlock()

	if last {
		presence := domain.UserPresence{UserID: userID, Status: domain.PresenceInactive, LastSeen: now}
		if err := c.store.SetPresence(ctx, presence, c.ttl); err != nil {
			c.logger.Warn("write presence failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	return userID, last, rooms
}

// MarkActivity refreshes the connection's activity timestamp. Returns the
// owning user and whether this cleared an idle (away) state.
func (c *PresenceCoordinator) MarkActivity(connID string) (string, bool) {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.conns[connID]
	if !ok {
		return "", false
	}

	wasIdle := now.Sub(state.lastActivity) >= c.awayTimeout
	state.lastActivity = now
	if wasIdle {
		c.cache[state.userID] = domain.UserPresence{UserID: state.userID, Status: domain.PresenceActive, LastSeen: now}
	}

	return state.userID, wasIdle
}

// OnJoinRoom records room membership for presence derivation. Returns false
// when the user was already present.
func (c *PresenceCoordinator) OnJoinRoom(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.roomUsers[roomID] == nil {
		c.roomUsers[roomID] = make(map[string]struct{})
	}
	if _, ok := c.roomUsers[roomID][userID]; ok {
		return false
	}
	c.roomUsers[roomID][userID] = struct{}{}

	if c.userRooms[userID] == nil {
		c.userRooms[userID] = make(map[string]struct{})
	}
	c.userRooms[userID][roomID] = struct{}{}

	return true
}

// OnLeaveRoom removes room membership and any typing entry the user held there.
func (c *PresenceCoordinator) OnLeaveRoom(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.roomUsers[roomID][userID]; !ok {
		return false
	}
	delete(c.roomUsers[roomID], userID)
	if len(c.roomUsers[roomID]) == 0 {
		delete(c.roomUsers, roomID)
	}
	delete(c.userRooms[userID], roomID)
	if len(c.userRooms[userID]) == 0 {
		delete(c.userRooms, userID)
	}
	if entries, ok := c.typing[roomID]; ok {
		delete(entries, userID)
		if len(entries) == 0 {
			delete(c.typing, roomID)
		}
	}

	return true
}

// InRoom reports whether the user currently occupies the room.
func (c *PresenceCoordinator) InRoom(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.roomUsers[roomID][userID]
	return ok
}

// SetTyping records a typing indicator. Only the not-typing to typing
// transition reports a change; repeats inside the window refresh the entry
// silently.
func (c *PresenceCoordinator) SetTyping(userID, roomID string, isTyping bool) bool {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.typing[roomID]
	if isTyping {
		if entries == nil {
			entries = make(map[string]domain.TypingStatus)
			c.typing[roomID] = entries
		}
		_, already := entries[userID]
		entries[userID] = domain.TypingStatus{UserID: userID, RoomID: roomID, IsTyping: true, Timestamp: now}
		return !already
	}

	if entries == nil {
		return false
	}
	if _, ok := entries[userID]; !ok {
		return false
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(c.typing, roomID)
	}
	return true
}

// ExpireTyping removes typing entries older than the typing timeout and
// returns them so the caller can broadcast the implied stop events.
func (c *PresenceCoordinator) ExpireTyping() []domain.TypingStatus {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []domain.TypingStatus
	for roomID, entries := range c.typing {
		for userID, status := range entries {
			if status.Expired(now, c.typingTimeout) {
				expired = append(expired, status)
				delete(entries, userID)
			}
		}
		if len(entries) == 0 {
			delete(c.typing, roomID)
		}
	}

	return expired
}

// ConnectionsInRoom returns the connection ids of every room occupant,
// optionally excluding one user.
func (c *PresenceCoordinator) ConnectionsInRoom(roomID, excludeUserID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for userID := range c.roomUsers[roomID] {
		if userID == excludeUserID {
			continue
		}
		for connID := range c.userConns[userID] {
			out = append(out, connID)
		}
	}
	return out
}

// Rooms returns the ids of every room with at least one occupant.
func (c *PresenceCoordinator) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.roomUsers))
	for roomID := range c.roomUsers {
		out = append(out, roomID)
	}
	return out
}

// ConnectionsOfUser returns the user's live connection ids.
func (c *PresenceCoordinator) ConnectionsOfUser(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.userConns[userID]))
	for connID := range c.userConns[userID] {
		out = append(out, connID)
	}
	return out
}

// ConnectionUser resolves the user owning a connection. The boolean reports
// whether the connection is still registered, letting callers discard store
// results that arrived for a connection that is already gone.
func (c *PresenceCoordinator) ConnectionUser(connID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.conns[connID]
	if !ok {
		return "", false
	}
	return state.userID, true
}

// RoomPresence derives the room's presence snapshot on demand. It is never
// persisted.
func (c *PresenceCoordinator) RoomPresence(ctx context.Context, roomID string) domain.RoomPresence {
	now := c.now().UTC()

	type occupant struct {
		userID   string
		conns    int
		lastSeen time.Time
		idle     bool
	}

	c.mu.Lock()
	occupants := make([]occupant, 0, len(c.roomUsers[roomID]))
	for userID := range c.roomUsers[roomID] {
		latest := time.Time{}
		conns := 0
		for connID := range c.userConns[userID] {
			if state, ok := c.conns[connID]; ok {
				conns++
				if state.lastActivity.After(latest) {
					latest = state.lastActivity
				}
			}
		}
		occupants = append(occupants, occupant{
			userID:   userID,
			conns:    conns,
			lastSeen: latest,
			idle:     conns > 0 && now.Sub(latest) >= c.awayTimeout,
		})
	}
	c.mu.Unlock()

	snapshot := domain.RoomPresence{RoomID: roomID}
	for _, occ := range occupants {
		// Connected occupants passed handshake verification; treat the
		// session as valid here and let revocation kicks correct it.
		status := domain.DerivePresence(occ.conns, true, occ.idle)
		snapshot.Users = append(snapshot.Users, domain.UserPresence{
			UserID:   occ.userID,
			Status:   status,
			LastSeen: occ.lastSeen,
		})
		if status == domain.PresenceActive {
			snapshot.ActiveUsers++
		}
		if occ.lastSeen.After(snapshot.LastActivity) {
			snapshot.LastActivity = occ.lastSeen
		}
	}

	return snapshot
}

// UserPresence reads a user's presence from the shared store, falling back to
// the in-process cache when the store is unavailable.
func (c *PresenceCoordinator) UserPresence(ctx context.Context, userID string) domain.UserPresence {
	presence, err := c.store.GetPresence(ctx, userID)
	if err == nil && presence != nil {
		return *presence
	}
	if err != nil {
		c.logger.Warn("read presence failed, using local cache",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	cached, ok := c.cache[userID]
	c.mu.Unlock()
	if ok {
		return cached
	}

	return domain.UserPresence{UserID: userID, Status: domain.PresenceInactive}
}

// RunHeartbeat rewrites every connected user's presence entry before its TTL
// elapses, deriving away status from idleness. Blocks until ctx is done. The
// interval must stay well under the presence TTL so one missed tick does not
// expire a live user.
func (c *PresenceCoordinator) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeatTick(ctx)
		}
	}
}

func (c *PresenceCoordinator) heartbeatTick(ctx context.Context) {
	now := c.now().UTC()

	type userBeat struct {
		userID   string
		conns    int
		idle     bool
		lastSeen time.Time
		status   domain.PresenceStatus
	}

	c.mu.Lock()
	beats := make([]userBeat, 0, len(c.userConns))
	for userID, conns := range c.userConns {
		latest := time.Time{}
		for connID := range conns {
			if state, ok := c.conns[connID]; ok && state.lastActivity.After(latest) {
				latest = state.lastActivity
			}
		}
		beats = append(beats, userBeat{
			userID:   userID,
			conns:    len(conns),
			idle:     now.Sub(latest) >= c.awayTimeout,
			lastSeen: latest,
		})
	}
	c.mu.Unlock()

	for i := range beats {
		// A revoked session flips a connected user to inactive even before
		// the revocation kick lands. Check failures leave the user active.
		valid, err := c.sessions.IsActive(ctx, beats[i].userID)
		if err != nil {
			c.logger.Warn("heartbeat session check failed",
				zap.String("user_id", beats[i].userID),
				zap.Error(err),
			)
			valid = true
		}
		beats[i].status = domain.DerivePresence(beats[i].conns, valid, beats[i].idle)
	}

	transitions := make([]userBeat, 0)
	c.mu.Lock()
	for _, beat := range beats {
		prev, ok := c.cache[beat.userID]
		if !ok || prev.Status != beat.status {
			transitions = append(transitions, beat)
		}
		c.cache[beat.userID] = domain.UserPresence{UserID: beat.userID, Status: beat.status, LastSeen: beat.lastSeen}
	}
	c.mu.Unlock()

	for _, beat := range beats {
		presence := domain.UserPresence{UserID: beat.userID, Status: beat.status, LastSeen: beat.lastSeen}
		if err := c.store.SetPresence(ctx, presence, c.ttl); err != nil {
			c.logger.Warn("heartbeat presence write failed",
				zap.String("user_id", beat.userID),
				zap.Error(err),
			)
		}
	}

	if c.onTransition != nil {
		for _, beat := range transitions {
			c.onTransition(beat.userID, beat.status)
		}
	}
}
