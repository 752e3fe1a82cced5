package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
	"github.com/arklim/social-platform-rtc/internal/infra/telemetry"
	"github.com/arklim/social-platform-rtc/internal/usecase"
)

// SessionVerifier authenticates handshake tokens. Satisfied by
// usecase.SessionService.
type SessionVerifier interface {
	VerifyAccess(ctx context.Context, token string) (*domain.Identity, error)
}

// RateLimits carries the per-event-class sliding windows.
type RateLimits struct {
	ConnectionMax    int
	ConnectionWindow time.Duration
	MessageMax       int
	MessageWindow    time.Duration
	TypingMax        int
	TypingWindow     time.Duration
	JoinMax          int
	JoinWindow       time.Duration
}

// Config bounds the gateway's payloads and buffers.
type Config struct {
	InstanceID         string
	MaxMessageLength   int
	RecentMessages     int
	SendBuffer         int
	TypingSweepEvery   time.Duration
	PresenceSweepEvery time.Duration
	Limits             RateLimits
}

// Gateway owns the websocket surface: handshake authentication, the
// per-connection read loop, event dispatch, local fan-out, and cross-instance
// fan-out over the shared store's pub/sub channel. All inter-instance
// coordination is message passing through the bus; instances never call each
// other directly.
type Gateway struct {
	cfg      Config
	sessions SessionVerifier
	presence *usecase.PresenceCoordinator
	limiter  *usecase.RateLimitService
	voice    *usecase.VoiceService
	messages port.MessageStore
	rooms    port.RoomDirectory
	friends  port.FriendDirectory
	offline  port.OfflineMessageQueue
	bus      port.EventBus
	events   port.EventPublisher
	metrics  *telemetry.GatewayMetrics
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[string]*client

	sigMu      sync.Mutex
	signatures map[string]string
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Sessions SessionVerifier
	Presence *usecase.PresenceCoordinator
	Limiter  *usecase.RateLimitService
	Voice    *usecase.VoiceService
	Messages port.MessageStore
	Rooms    port.RoomDirectory
	Friends  port.FriendDirectory
	Offline  port.OfflineMessageQueue
	Bus      port.EventBus
	Events   port.EventPublisher
	Metrics  *telemetry.GatewayMetrics
	Logger   *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(cfg Config, deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.TypingSweepEvery <= 0 {
		cfg.TypingSweepEvery = time.Second
	}
	if cfg.PresenceSweepEvery <= 0 {
		cfg.PresenceSweepEvery = 30 * time.Second
	}

	return &Gateway{
		cfg:        cfg,
		sessions:   deps.Sessions,
		presence:   deps.Presence,
		limiter:    deps.Limiter,
		voice:      deps.Voice,
		messages:   deps.Messages,
		rooms:      deps.Rooms,
		friends:    deps.Friends,
		offline:    deps.Offline,
		bus:        deps.Bus,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
		clients:    make(map[string]*client),
		signatures: make(map[string]string),
	}
}

// WithClock overrides the time source. Intended for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	if now != nil {
		g.now = now
	}
	return g
}

// Run subscribes to the cross-instance bus and starts the typing and
// room-presence sweeps. Blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.bus.Subscribe(ctx, g.applyRemote); err != nil {
		return err
	}

	typingTicker := time.NewTicker(g.cfg.TypingSweepEvery)
	defer typingTicker.Stop()
	presenceTicker := time.NewTicker(g.cfg.PresenceSweepEvery)
	defer presenceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-typingTicker.C:
			g.sweepTyping(ctx)
		case <-presenceTicker.C:
			g.sweepRoomPresence(ctx)
		}
	}
}

// HandleWS is the gin handler for the websocket upgrade endpoint.
func (g *Gateway) HandleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	clientIP := c.ClientIP()

	decision := g.limiter.Allow(ctx, "conn:"+clientIP, g.cfg.Limits.ConnectionMax, g.cfg.Limits.ConnectionWindow)
	if !decision.Allowed {
		g.countReject("connection")
		conn.Close(websocket.StatusCode(CloseRateLimited), "connection rate limit exceeded")
		return
	}

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	identity, err := g.sessions.VerifyAccess(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrTokenExpired):
			conn.Close(websocket.StatusCode(CloseTokenExpired), "token expired")
		case errors.Is(err, usecase.ErrSessionNotFound):
			conn.Close(websocket.StatusCode(CloseSessionRevoked), "session revoked")
		case errors.Is(err, usecase.ErrTokenInvalid):
			conn.Close(websocket.StatusCode(CloseMalformedToken), "malformed token")
		default:
			// Store outage fails closed without leaking details.
			conn.Close(websocket.StatusInternalError, "authentication unavailable")
		}
		return
	}

	g.serve(ctx, conn, *identity)
}

// serve runs one connection's lifecycle: registration, presence transition,
// read loop, and cleanup.
func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, identity domain.Identity) {
	connID := uuid.NewString()
	cl := newClient(connID, identity, conn, g.cfg.SendBuffer, g.logger)

	g.mu.Lock()
	g.clients[connID] = cl
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.Connections.Inc()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cl.writePump(connCtx)

	g.logger.Info("connection opened",
		zap.String("conn_id", connID),
		zap.String("user_id", identity.UserID),
	)

	first, queued, err := g.presence.OnConnect(connCtx, connID, identity.UserID, identity.SessionID)
	if err != nil {
		g.logger.Warn("presence registration failed",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
	}

	if len(queued) > 0 {
		cl.sendEvent(EventOfflineMessages, queued, g.now().UTC())
	}

	if first {
		g.notifyFriendsPresence(connCtx, identity, domain.PresenceActive)
		g.publishPresenceChanged(connCtx, identity.UserID, domain.PresenceActive)
	}

	g.readLoop(connCtx, cl)
	g.disconnect(context.WithoutCancel(connCtx), cl)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) readLoop(ctx context.Context, cl *client) {
	for {
		_, frame, err := cl.conn.Read(ctx)
		if err != nil {
			return
		}
		g.dispatch(ctx, cl, frame)
	}
}

// dispatch routes one inbound frame. Any inbound activity clears idleness;
// events handled by this connection stay ordered because dispatch runs on the
// connection's read goroutine.
func (g *Gateway) dispatch(ctx context.Context, cl *client, frame []byte) {
	now := g.now().UTC()

	var event clientEvent
	if err := json.Unmarshal(frame, &event); err != nil {
		cl.sendError("invalid_event", "event envelope could not be parsed", now)
		g.countEvent("unknown", "rejected")
		return
	}

	if _, wasIdle := g.presence.MarkActivity(cl.id); wasIdle {
		g.notifyFriendsPresence(ctx, cl.identity, domain.PresenceActive)
		g.publishPresenceChanged(ctx, cl.identity.UserID, domain.PresenceActive)
	}

	switch event.Type {
	case EventHeartbeat:
		cl.sendEvent(EventHeartbeatAck, nil, now)
	case EventJoinRoom:
		g.handleJoinRoom(ctx, cl, event.Data)
	case EventLeaveRoom:
		g.handleLeaveRoom(ctx, cl, event.Data)
	case EventSendMessage:
		g.handleSendMessage(ctx, cl, event.Data)
	case EventTypingStart:
		g.handleTyping(ctx, cl, event.Data, true)
	case EventTypingStop:
		g.handleTyping(ctx, cl, event.Data, false)
	case EventGetRoomPresence:
		g.handleGetRoomPresence(ctx, cl, event.Data)
	case EventWebRTCSignal:
		g.handleWebRTCSignal(ctx, cl, event.Data)
	case EventVoiceJoin:
		g.handleVoiceJoin(ctx, cl, event.Data)
	case EventVoiceLeave:
		g.handleVoiceLeave(ctx, cl)
	case EventVoiceMute:
		g.handleVoiceMute(ctx, cl, event.Data)
	case EventVoiceDeafen:
		g.handleVoiceDeafen(ctx, cl, event.Data)
	case EventDirectMessage:
		g.handleDirectMessage(ctx, cl, event.Data)
	case EventFriendRequest, EventFriendAccepted, EventFriendRemoved:
		g.handleFriendNotify(ctx, cl, event.Type, event.Data)
	case EventRoomKick, EventRoomBan:
		g.handleModeration(ctx, cl, event.Type, event.Data)
	default:
		cl.sendError("unknown_event", "unsupported event type: "+event.Type, now)
		g.countEvent("unknown", "rejected")
	}
}

// allowOrReject runs the event-class rate gate. A rejection answers the
// client and stops all further work for the event.
func (g *Gateway) allowOrReject(ctx context.Context, cl *client, class, identifier string, max int, window time.Duration) bool {
	decision := g.limiter.Allow(ctx, identifier, max, window)
	if decision.Allowed {
		return true
	}

	g.countReject(class)
	cl.sendEvent(EventRateLimitExceeded, map[string]any{
		"class":    class,
		"reset_at": decision.ResetAt,
	}, g.now().UTC())
	return false
}

func (g *Gateway) handleJoinRoom(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload joinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.RoomID) == "" {
		cl.sendError("invalid_payload", "join_room requires room_id", now)
		g.countEvent(EventJoinRoom, "rejected")
		return
	}

	if !g.allowOrReject(ctx, cl, "join", "join:"+cl.identity.UserID, g.cfg.Limits.JoinMax, g.cfg.Limits.JoinWindow) {
		return
	}

	member, err := g.rooms.IsMember(ctx, payload.RoomID, cl.identity.UserID)
	if err != nil {
		cl.sendError("internal_error", "membership check failed", now)
		g.countEvent(EventJoinRoom, "error")
		return
	}
	if !member {
		cl.sendError("not_a_member", "you are not a member of this room", now)
		g.countEvent(EventJoinRoom, "rejected")
		return
	}

	// The membership check may outlive the connection; re-check before
	// registering so a stale result cannot resurrect a closed connection.
	if _, alive := g.presence.ConnectionUser(cl.id); !alive {
		return
	}

	joined := g.presence.OnJoinRoom(payload.RoomID, cl.identity.UserID)

	recent, err := g.messages.Recent(ctx, payload.RoomID, g.cfg.RecentMessages)
	if err != nil {
		g.logger.Warn("recent backlog fetch failed",
			zap.String("room_id", payload.RoomID),
			zap.Error(err),
		)
	} else {
		cl.sendEvent(EventRecentMessages, map[string]any{
			"room_id":  payload.RoomID,
			"messages": recent,
		}, now)
	}

	if joined {
		g.broadcastRoom(ctx, payload.RoomID, cl.identity.UserID, EventUserJoinedRoom, map[string]any{
			"room_id":  payload.RoomID,
			"user_id":  cl.identity.UserID,
			"username": cl.identity.Username,
		})
	}

	g.broadcastRoomPresence(ctx, payload.RoomID, true)
	g.countEvent(EventJoinRoom, "ok")
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload leaveRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.RoomID) == "" {
		cl.sendError("invalid_payload", "leave_room requires room_id", now)
		g.countEvent(EventLeaveRoom, "rejected")
		return
	}

	if !g.presence.OnLeaveRoom(payload.RoomID, cl.identity.UserID) {
		g.countEvent(EventLeaveRoom, "noop")
		return
	}

	g.broadcastRoom(ctx, payload.RoomID, cl.identity.UserID, EventUserLeftRoom, map[string]any{
		"room_id":  payload.RoomID,
		"user_id":  cl.identity.UserID,
		"username": cl.identity.Username,
	})
	g.broadcastRoomPresence(ctx, payload.RoomID, true)
	g.countEvent(EventLeaveRoom, "ok")
}

func (g *Gateway) handleSendMessage(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.RoomID) == "" {
		cl.sendError("invalid_payload", "send_message requires room_id and content", now)
		g.countEvent(EventSendMessage, "rejected")
		return
	}

	if !g.allowOrReject(ctx, cl, "message", "msg:"+cl.identity.UserID, g.cfg.Limits.MessageMax, g.cfg.Limits.MessageWindow) {
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		cl.sendError("empty_message", "message content is empty", now)
		g.countEvent(EventSendMessage, "rejected")
		return
	}
	if g.cfg.MaxMessageLength > 0 && len(content) > g.cfg.MaxMessageLength {
		cl.sendError("message_too_long", "message exceeds the length limit", now)
		g.countEvent(EventSendMessage, "rejected")
		return
	}

	if !g.presence.InRoom(payload.RoomID, cl.identity.UserID) {
		cl.sendError("not_in_room", "join the room before sending", now)
		g.countEvent(EventSendMessage, "rejected")
		return
	}

	messageType := payload.Type
	if messageType == "" {
		messageType = "text"
	}

	message, err := g.messages.Persist(ctx, payload.RoomID, cl.identity.UserID, content, messageType)
	if err != nil {
		g.logger.Error("persist message failed",
			zap.String("room_id", payload.RoomID),
			zap.String("user_id", cl.identity.UserID),
			zap.Error(err),
		)
		cl.sendError("persist_failed", "message could not be stored", now)
		g.countEvent(EventSendMessage, "error")
		return
	}

	// The persist round trip may outlive the connection; drop the result
	// instead of acking a ghost.
	if _, alive := g.presence.ConnectionUser(cl.id); !alive {
		return
	}

	cl.sendEvent(EventMessageAck, map[string]any{
		"temp_id": payload.TempID,
		"message": message,
	}, now)

	// Sender's other devices receive the broadcast; the sending connection
	// already has the ack.
	g.broadcastRoomExceptConn(ctx, payload.RoomID, cl.id, EventNewMessage, map[string]any{
		"message": message,
	})

	// A send is typing's end.
	if g.presence.SetTyping(cl.identity.UserID, payload.RoomID, false) {
		g.broadcastTyping(ctx, payload.RoomID, cl.identity, false)
	}

	if g.events != nil {
		if err := g.events.PublishMessagePersisted(ctx, domain.MessagePersistedEvent{
			EventID:     uuid.NewString(),
			MessageID:   message.ID,
			RoomID:      message.RoomID,
			UserID:      message.UserID,
			PersistedAt: message.CreatedAt,
		}); err != nil {
			g.logger.Warn("publish message persisted failed", zap.Error(err))
		}
	}

	g.countEvent(EventSendMessage, "ok")
}

func (g *Gateway) handleTyping(ctx context.Context, cl *client, data json.RawMessage, start bool) {
	now := g.now().UTC()
	eventType := EventTypingStop
	if start {
		eventType = EventTypingStart
	}

	var payload typingPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.RoomID) == "" {
		cl.sendError("invalid_payload", "typing events require room_id", now)
		g.countEvent(eventType, "rejected")
		return
	}

	if start {
		if !g.allowOrReject(ctx, cl, "typing", "typing:"+cl.identity.UserID, g.cfg.Limits.TypingMax, g.cfg.Limits.TypingWindow) {
			return
		}
	}

	if !g.presence.InRoom(payload.RoomID, cl.identity.UserID) {
		g.countEvent(eventType, "noop")
		return
	}

	// Only transitions broadcast; repeats refresh the expiry silently.
	if g.presence.SetTyping(cl.identity.UserID, payload.RoomID, start) {
		g.broadcastTyping(ctx, payload.RoomID, cl.identity, start)
	}
	g.countEvent(eventType, "ok")
}

func (g *Gateway) handleGetRoomPresence(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload roomPresencePayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.RoomID) == "" {
		cl.sendError("invalid_payload", "get_room_presence requires room_id", now)
		return
	}

	snapshot := g.presence.RoomPresence(ctx, payload.RoomID)
	cl.sendEvent(EventRoomPresence, snapshot, now)
	g.countEvent(EventGetRoomPresence, "ok")
}

func (g *Gateway) handleWebRTCSignal(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload webrtcSignalPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.To == "" {
		cl.sendError("invalid_payload", "webrtc_signal requires a target", now)
		g.countEvent(EventWebRTCSignal, "rejected")
		return
	}

	if _, err := g.voice.ValidateRelay(cl.identity.UserID, payload.To); err != nil {
		switch {
		case errors.Is(err, usecase.ErrNotInVoiceRoom):
			cl.sendError("not_in_voice", "join a voice room before signaling", now)
		default:
			cl.sendError("target_not_in_voice", "target is not in your voice room", now)
		}
		g.countEvent(EventWebRTCSignal, "rejected")
		return
	}

	envelope := domain.SignalEnvelope{
		Type:      payload.Type,
		From:      cl.identity.UserID,
		To:        payload.To,
		Data:      payload.Data,
		Timestamp: now,
	}

	if !g.deliverToUser(ctx, payload.To, EventWebRTCSignal, envelope) {
		// Delivery failure is reported to the sender and never retried.
		cl.sendError("target_not_connected", "target has no live connection", now)
		g.countEvent(EventWebRTCSignal, "error")
		return
	}

	g.countEvent(EventWebRTCSignal, "ok")
}

func (g *Gateway) handleVoiceJoin(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload voiceJoinPayload
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.RoomID) == "" {
		cl.sendError("invalid_payload", "voice_join requires room_id", now)
		g.countEvent(EventVoiceJoin, "rejected")
		return
	}

	member, err := g.rooms.IsMember(ctx, payload.RoomID, cl.identity.UserID)
	if err != nil {
		cl.sendError("internal_error", "membership check failed", now)
		g.countEvent(EventVoiceJoin, "error")
		return
	}
	if !member {
		cl.sendError("not_a_member", "you are not a member of this room", now)
		g.countEvent(EventVoiceJoin, "rejected")
		return
	}

	result := g.voice.Join(cl.id, cl.identity.UserID, payload.RoomID)

	if result.PreviousRoom != "" {
		g.broadcastVoiceLeave(ctx, result.PreviousRoom, cl.identity, result.PreviousDestroyed)
	}

	cl.sendEvent(EventVoiceRoster, map[string]any{
		"room_id":      payload.RoomID,
		"participants": result.Roster,
	}, now)

	g.broadcastRoom(ctx, payload.RoomID, cl.identity.UserID, EventVoiceUserJoined, map[string]any{
		"room_id":     payload.RoomID,
		"participant": result.Participant,
	})

	if g.metrics != nil {
		g.metrics.VoiceParticipants.Inc()
	}
	g.countEvent(EventVoiceJoin, "ok")
}

func (g *Gateway) handleVoiceLeave(ctx context.Context, cl *client) {
	roomID, destroyed, ok := g.voice.Leave(cl.identity.UserID)
	if !ok {
		g.countEvent(EventVoiceLeave, "noop")
		return
	}

	g.broadcastVoiceLeave(ctx, roomID, cl.identity, destroyed)
	if g.metrics != nil {
		g.metrics.VoiceParticipants.Dec()
	}
	g.countEvent(EventVoiceLeave, "ok")
}

func (g *Gateway) broadcastVoiceLeave(ctx context.Context, roomID string, identity domain.Identity, destroyed bool) {
	g.broadcastRoom(ctx, roomID, identity.UserID, EventVoiceUserLeft, map[string]any{
		"room_id": roomID,
		"user_id": identity.UserID,
	})
	if destroyed {
		g.broadcastRoom(ctx, roomID, "", EventVoiceRoomClosed, map[string]any{
			"room_id": roomID,
		})
	}
}

// PresenceTransition fans out a status change observed outside the dispatch
// path, such as the heartbeat loop deriving away from idleness or inactive
// from a revoked session.
func (g *Gateway) PresenceTransition(userID string, status domain.PresenceStatus) {
	ctx := context.Background()

	identity := domain.Identity{UserID: userID}
	g.mu.Lock()
	for _, cl := range g.clients {
		if cl.identity.UserID == userID {
			identity = cl.identity
			break
		}
	}
	g.mu.Unlock()

	g.notifyFriendsPresence(ctx, identity, status)
	g.publishPresenceChanged(ctx, userID, status)
}

// VoiceRoomClosed announces a reaped voice room to its chat room. Used as the
// idle sweep's destroy hook.
func (g *Gateway) VoiceRoomClosed(roomID string) {
	g.broadcastRoom(context.Background(), roomID, "", EventVoiceRoomClosed, map[string]any{
		"room_id": roomID,
	})
}

func (g *Gateway) handleVoiceMute(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload voiceMutePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		cl.sendError("invalid_payload", "voice_mute requires muted", now)
		return
	}

	participant, roomID, err := g.voice.SetMute(cl.identity.UserID, payload.Muted)
	if err != nil {
		cl.sendError("not_in_voice", "join a voice room first", now)
		g.countEvent(EventVoiceMute, "rejected")
		return
	}

	g.broadcastRoom(ctx, roomID, "", EventVoiceUserState, map[string]any{
		"room_id":     roomID,
		"participant": participant,
	})
	g.countEvent(EventVoiceMute, "ok")
}

func (g *Gateway) handleVoiceDeafen(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload voiceDeafenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		cl.sendError("invalid_payload", "voice_deafen requires deafened", now)
		return
	}

	participant, roomID, err := g.voice.SetDeafen(cl.identity.UserID, payload.Deafened)
	if err != nil {
		cl.sendError("not_in_voice", "join a voice room first", now)
		g.countEvent(EventVoiceDeafen, "rejected")
		return
	}

	g.broadcastRoom(ctx, roomID, "", EventVoiceUserState, map[string]any{
		"room_id":     roomID,
		"participant": participant,
	})
	g.countEvent(EventVoiceDeafen, "ok")
}

func (g *Gateway) handleDirectMessage(ctx context.Context, cl *client, data json.RawMessage) {
	now := g.now().UTC()

	var payload directMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ToUserID == "" {
		cl.sendError("invalid_payload", "direct_message requires to_user_id and content", now)
		g.countEvent(EventDirectMessage, "rejected")
		return
	}

	if !g.allowOrReject(ctx, cl, "message", "msg:"+cl.identity.UserID, g.cfg.Limits.MessageMax, g.cfg.Limits.MessageWindow) {
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		cl.sendError("empty_message", "message content is empty", now)
		g.countEvent(EventDirectMessage, "rejected")
		return
	}
	if g.cfg.MaxMessageLength > 0 && len(content) > g.cfg.MaxMessageLength {
		cl.sendError("message_too_long", "message exceeds the length limit", now)
		g.countEvent(EventDirectMessage, "rejected")
		return
	}

	message := domain.Message{
		ID:        uuid.NewString(),
		UserID:    cl.identity.UserID,
		Content:   content,
		Type:      "direct",
		CreatedAt: now,
		Author: domain.UserRef{
			ID:       cl.identity.UserID,
			Username: cl.identity.Username,
		},
	}

	delivered := g.deliverToUser(ctx, payload.ToUserID, EventNewMessage, map[string]any{
		"message": message,
	})
	if !delivered {
		// Bounded queue for the recipient's next connection.
		if err := g.offline.Queue(ctx, payload.ToUserID, message); err != nil {
			g.logger.Warn("offline queue failed",
				zap.String("to_user_id", payload.ToUserID),
				zap.Error(err),
			)
		} else if g.metrics != nil {
			g.metrics.OfflineQueued.Inc()
		}
	}

	cl.sendEvent(EventMessageAck, map[string]any{
		"temp_id": payload.TempID,
		"message": message,
	}, now)
	g.countEvent(EventDirectMessage, "ok")
}

func (g *Gateway) handleFriendNotify(ctx context.Context, cl *client, eventType string, data json.RawMessage) {
	now := g.now().UTC()

	var payload friendNotifyPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ToUserID == "" {
		cl.sendError("invalid_payload", eventType+" requires to_user_id", now)
		g.countEvent(eventType, "rejected")
		return
	}

	g.deliverToUser(ctx, payload.ToUserID, eventType, map[string]any{
		"from_user_id": cl.identity.UserID,
		"username":     cl.identity.Username,
	})
	g.countEvent(eventType, "ok")
}

func (g *Gateway) handleModeration(ctx context.Context, cl *client, eventType string, data json.RawMessage) {
	now := g.now().UTC()

	var payload moderationPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" || payload.TargetUserID == "" {
		cl.sendError("invalid_payload", eventType+" requires room_id and target_user_id", now)
		g.countEvent(eventType, "rejected")
		return
	}

	moderator, err := g.rooms.IsModerator(ctx, payload.RoomID, cl.identity.UserID)
	if err != nil {
		cl.sendError("internal_error", "moderation check failed", now)
		g.countEvent(eventType, "error")
		return
	}
	if !moderator {
		cl.sendError("not_a_moderator", "you cannot moderate this room", now)
		g.countEvent(eventType, "rejected")
		return
	}

	// Remove the target from the room channel first so no further room
	// events reach them; the notice follows the removal. The bus mirror
	// evicts the target's connections held by other instances.
	g.presence.OnLeaveRoom(payload.RoomID, payload.TargetUserID)
	g.publishBus(ctx, domain.GatewayEvent{
		Kind:      domain.GatewayEventRoomRemoval,
		Origin:    g.cfg.InstanceID,
		RoomID:    payload.RoomID,
		UserID:    payload.TargetUserID,
		Timestamp: g.now().UTC(),
	})

	g.deliverToUser(ctx, payload.TargetUserID, EventRemovedFromRoom, map[string]any{
		"room_id": payload.RoomID,
		"action":  eventType,
		"reason":  payload.Reason,
	})

	g.broadcastRoom(ctx, payload.RoomID, payload.TargetUserID, EventUserLeftRoom, map[string]any{
		"room_id": payload.RoomID,
		"user_id": payload.TargetUserID,
	})
	g.broadcastRoomPresence(ctx, payload.RoomID, true)
	g.countEvent(eventType, "ok")
}

// disconnect tears one connection down. Only the user's last connection
// produces presence fan-out.
func (g *Gateway) disconnect(ctx context.Context, cl *client) {
	cl.shutdown()

	g.mu.Lock()
	delete(g.clients, cl.id)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.Connections.Dec()
	}

	userID, last, rooms := g.presence.OnDisconnect(ctx, cl.id)
	if userID == "" {
		return
	}

	if last {
		if roomID, destroyed, ok := g.voice.Leave(userID); ok {
			g.broadcastVoiceLeave(ctx, roomID, cl.identity, destroyed)
			if g.metrics != nil {
				g.metrics.VoiceParticipants.Dec()
			}
		}

		for _, roomID := range rooms {
			g.broadcastRoom(ctx, roomID, userID, EventUserLeftRoom, map[string]any{
				"room_id": roomID,
				"user_id": userID,
			})
			g.broadcastRoomPresence(ctx, roomID, true)
		}

		g.notifyFriendsPresence(ctx, cl.identity, domain.PresenceInactive)
		g.publishPresenceChanged(ctx, userID, domain.PresenceInactive)
	}

	g.logger.Info("connection closed",
		zap.String("conn_id", cl.id),
		zap.String("user_id", userID),
		zap.Bool("last", last),
	)
}

// sweepTyping expires stale typing entries and broadcasts their implied stop
// events, so a crashed client's indicator never sticks.
func (g *Gateway) sweepTyping(ctx context.Context) {
	for _, status := range g.presence.ExpireTyping() {
		g.broadcastRoom(ctx, status.RoomID, status.UserID, EventUserTyping, map[string]any{
			"room_id":   status.RoomID,
			"user_id":   status.UserID,
			"is_typing": false,
		})
	}
}

// sweepRoomPresence re-derives every occupied room's snapshot and fans it out
// only where the signature moved since the last broadcast, so rooms whose
// occupants drift to away still see the change without duplicate traffic.
func (g *Gateway) sweepRoomPresence(ctx context.Context) {
	for _, roomID := range g.presence.Rooms() {
		g.broadcastRoomPresence(ctx, roomID, false)
	}
}

func (g *Gateway) broadcastTyping(ctx context.Context, roomID string, identity domain.Identity, isTyping bool) {
	g.broadcastRoom(ctx, roomID, identity.UserID, EventUserTyping, map[string]any{
		"room_id":   roomID,
		"user_id":   identity.UserID,
		"username":  identity.Username,
		"is_typing": isTyping,
	})
}

// broadcastRoomPresence derives the room snapshot and fans it out unless the
// signature matches the previous broadcast. force bypasses suppression.
func (g *Gateway) broadcastRoomPresence(ctx context.Context, roomID string, force bool) {
	snapshot := g.presence.RoomPresence(ctx, roomID)
	signature := snapshot.Signature()

	g.sigMu.Lock()
	previous, seen := g.signatures[roomID]
	g.signatures[roomID] = signature
	g.sigMu.Unlock()

	if !force && seen && previous == signature {
		return
	}

	g.broadcastRoom(ctx, roomID, "", EventRoomPresence, snapshot)
}

// notifyFriendsPresence fans a presence transition out to the user's friends.
func (g *Gateway) notifyFriendsPresence(ctx context.Context, identity domain.Identity, status domain.PresenceStatus) {
	friends, err := g.friends.FriendsOf(ctx, identity.UserID)
	if err != nil {
		g.logger.Warn("friends lookup failed",
			zap.String("user_id", identity.UserID),
			zap.Error(err),
		)
		return
	}

	eventType := EventFriendOnline
	if status == domain.PresenceInactive {
		eventType = EventFriendOffline
	}

	payload := map[string]any{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"status":   status,
	}

	for _, friend := range friends {
		g.deliverToUser(ctx, friend.ID, eventType, payload)
	}
}

func (g *Gateway) publishPresenceChanged(ctx context.Context, userID string, status domain.PresenceStatus) {
	if g.events == nil {
		return
	}
	if err := g.events.PublishPresenceChanged(ctx, domain.PresenceChangedEvent{
		EventID:   uuid.NewString(),
		UserID:    userID,
		Status:    status,
		ChangedAt: g.now().UTC(),
	}); err != nil {
		g.logger.Warn("publish presence changed failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	if g.metrics != nil {
		g.metrics.PresenceTransitions.WithLabelValues(string(status)).Inc()
	}
}

// broadcastRoom delivers an event to every local connection in the room
// (optionally excluding one user) and mirrors it to other instances over the
// bus. Duplicate delivery across instances is tolerated by consumers.
func (g *Gateway) broadcastRoom(ctx context.Context, roomID, excludeUserID, eventType string, data any) {
	frame, ok := g.marshalEvent(eventType, data)
	if !ok {
		return
	}

	g.deliverFrames(g.presence.ConnectionsInRoom(roomID, excludeUserID), frame)
	g.countBroadcast("room")

	g.publishBus(ctx, domain.GatewayEvent{
		Kind:          domain.GatewayEventRoomBroadcast,
		Origin:        g.cfg.InstanceID,
		RoomID:        roomID,
		ExcludeUserID: excludeUserID,
		Payload:       frame,
		Timestamp:     g.now().UTC(),
	})
}

// broadcastRoomExceptConn is broadcastRoom minus one specific connection,
// used to reach the sender's other devices without echoing the sending one.
func (g *Gateway) broadcastRoomExceptConn(ctx context.Context, roomID, excludeConnID, eventType string, data any) {
	frame, ok := g.marshalEvent(eventType, data)
	if !ok {
		return
	}

	conns := g.presence.ConnectionsInRoom(roomID, "")
	filtered := conns[:0]
	for _, connID := range conns {
		if connID != excludeConnID {
			filtered = append(filtered, connID)
		}
	}
	g.deliverFrames(filtered, frame)
	g.countBroadcast("room")

	g.publishBus(ctx, domain.GatewayEvent{
		Kind:      domain.GatewayEventRoomBroadcast,
		Origin:    g.cfg.InstanceID,
		RoomID:    roomID,
		Payload:   frame,
		Timestamp: g.now().UTC(),
	})
}

// deliverToUser sends an event to every local connection of the user and
// mirrors it over the bus. Returns true when the user looks reachable: either
// a local connection took the frame or the shared store reports them present
// on another instance.
func (g *Gateway) deliverToUser(ctx context.Context, userID, eventType string, data any) bool {
	frame, ok := g.marshalEvent(eventType, data)
	if !ok {
		return false
	}

	conns := g.presence.ConnectionsOfUser(userID)
	g.deliverFrames(conns, frame)
	g.countBroadcast("user")

	g.publishBus(ctx, domain.GatewayEvent{
		Kind:      domain.GatewayEventUserDelivery,
		Origin:    g.cfg.InstanceID,
		UserID:    userID,
		Payload:   frame,
		Timestamp: g.now().UTC(),
	})

	if len(conns) > 0 {
		return true
	}

	presence := g.presence.UserPresence(ctx, userID)
	return presence.Status != domain.PresenceInactive
}

func (g *Gateway) marshalEvent(eventType string, data any) ([]byte, bool) {
	frame, err := json.Marshal(serverEvent{Type: eventType, Data: data, Timestamp: g.now().UTC()})
	if err != nil {
		g.logger.Error("marshal broadcast failed",
			zap.String("type", eventType),
			zap.Error(err),
		)
		return nil, false
	}
	return frame, true
}

func (g *Gateway) deliverFrames(connIDs []string, frame []byte) {
	g.mu.Lock()
	targets := make([]*client, 0, len(connIDs))
	for _, connID := range connIDs {
		if cl, ok := g.clients[connID]; ok {
			targets = append(targets, cl)
		}
	}
	g.mu.Unlock()

	for _, cl := range targets {
		cl.enqueue(frame)
	}
}

func (g *Gateway) publishBus(ctx context.Context, event domain.GatewayEvent) {
	if err := g.bus.Publish(ctx, event); err != nil {
		g.logger.Warn("bus publish failed",
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
		return
	}
	g.countBroadcast("cross_instance")
}

// applyRemote applies a bus event from another instance to local connections.
// Own events are filtered by origin so local delivery never doubles.
func (g *Gateway) applyRemote(event domain.GatewayEvent) {
	if event.Origin == g.cfg.InstanceID {
		return
	}

	switch event.Kind {
	case domain.GatewayEventRoomBroadcast, domain.GatewayEventPresenceChanged:
		if event.RoomID == "" {
			return
		}
		g.deliverFrames(g.presence.ConnectionsInRoom(event.RoomID, event.ExcludeUserID), event.Payload)
	case domain.GatewayEventUserDelivery:
		g.deliverFrames(g.presence.ConnectionsOfUser(event.UserID), event.Payload)
	case domain.GatewayEventRoomRemoval:
		g.presence.OnLeaveRoom(event.RoomID, event.UserID)
	default:
		g.logger.Warn("unknown bus event kind", zap.String("kind", string(event.Kind)))
	}
}

func (g *Gateway) countEvent(eventType, outcome string) {
	if g.metrics != nil {
		g.metrics.Events.WithLabelValues(eventType, outcome).Inc()
	}
}

func (g *Gateway) countBroadcast(scope string) {
	if g.metrics != nil {
		g.metrics.Broadcasts.WithLabelValues(scope).Inc()
	}
}

func (g *Gateway) countReject(class string) {
	if g.metrics != nil {
		g.metrics.RateLimitRejects.WithLabelValues(class).Inc()
	}
}
