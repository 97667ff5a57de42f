package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"retro/api/internal/metrics"
	"retro/api/internal/presence"
	"retro/api/internal/session"
	"retro/api/internal/store"
)

const relayTimeout = 10 * time.Second

// SessionStore persists session documents. SaveSessionState returns the
// value as stored, which may differ from the input.
type SessionStore interface {
	LoadSessionState(ctx context.Context, sessionID string) (json.RawMessage, error)
	SaveSessionState(ctx context.Context, sessionID string, doc json.RawMessage) (json.RawMessage, error)
}

type RosterSource interface {
	Roster(ctx context.Context, sessionID string) []presence.Member
}

// ActivityRecorder refreshes a team's last-active stamp for a joining user.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, teamID, userID string) (bool, error)
}

// Manager drives each connection through join, leave and disconnect, and
// relays session edits. Events of one connection must be passed in arrival
// order from a single goroutine; relays are serialized per session.
type Manager struct {
	hub      *Hub
	sessions SessionStore
	cache    session.Cache
	roster   RosterSource
	activity ActivityRecorder
	logger   *zap.Logger

	relays keyedMutex
}

// NewManager wires the lifecycle. activity may be nil.
func NewManager(hub *Hub, sessions SessionStore, cache session.Cache, roster RosterSource, activity ActivityRecorder, logger *zap.Logger) *Manager {
	return &Manager{
		hub:      hub,
		sessions: sessions,
		cache:    cache,
		roster:   roster,
		activity: activity,
		logger:   logger,
	}
}

// HandleFrame decodes one client frame and dispatches it. Bad frames are
// logged and dropped.
func (m *Manager) HandleFrame(ctx context.Context, c *Conn, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.logger.Warn("dropping malformed frame", zap.String("conn_id", c.id), zap.Error(err))
		return
	}

	switch frame.Event {
	case EventJoinSession:
		var req JoinRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			m.logger.Warn("dropping malformed join", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
		m.Join(ctx, c, req)
	case EventLeaveSession:
		m.Leave(ctx, c)
	case EventUpdateSession:
		m.Relay(ctx, c, frame.Data)
	default:
		m.logger.Debug("ignoring unknown event", zap.String("conn_id", c.id), zap.String("event", frame.Event))
	}
}

// Join binds c to req.SessionID. A connection bound elsewhere leaves its old
// session first, so that room hears member-left before the new room hears
// member-joined.
func (m *Manager) Join(ctx context.Context, c *Conn, req JoinRequest) {
	if req.SessionID == "" {
		m.logger.Warn("dropping join without session id", zap.String("conn_id", c.id))
		return
	}
	if current := c.SessionID(); current != "" && current != req.SessionID {
		m.Leave(ctx, c)
	}

	c.bind(req.SessionID, req.UserID, req.UserName)
	m.hub.join(req.SessionID, c)
	metrics.Joins.Inc()
	m.logger.Info("member joined session",
		zap.String("session_id", req.SessionID),
		zap.String("user_id", req.UserID),
		zap.Int("local_connections", m.hub.RoomSize(req.SessionID)),
	)

	m.broadcastRoster(ctx, req.SessionID)

	doc := m.currentDocument(ctx, req.SessionID)
	if doc != nil {
		if frame, err := sessionFrame(doc); err == nil {
			m.hub.SendTo(c, frame)
		}
	}

	if frame, err := memberFrame(EventMemberJoined, c.member()); err == nil {
		m.hub.Broadcast(ctx, req.SessionID, c, frame)
	}

	m.recordActivity(ctx, req.SessionID, doc, req.UserID)
}

// Leave unbinds c from its session. It is a no-op for an unbound connection.
func (m *Manager) Leave(ctx context.Context, c *Conn) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return
	}

	m.hub.leave(sessionID, c)
	m.logger.Info("member left session",
		zap.String("session_id", sessionID),
		zap.String("user_id", c.member().UserID),
		zap.Int("local_connections", m.hub.RoomSize(sessionID)),
	)

	if frame, err := memberFrame(EventMemberLeft, c.member()); err == nil {
		m.hub.Broadcast(ctx, sessionID, c, frame)
	}
	m.broadcastRoster(ctx, sessionID)
	c.unbind()
}

// Disconnect runs the leave path for a closed transport and forgets c.
func (m *Manager) Disconnect(ctx context.Context, c *Conn) {
	m.Leave(ctx, c)
	m.hub.Unregister(c)
	c.Close()
}

// Relay persists doc for c's session and sends the stored value to everyone
// else in the room. If persistence fails the raw input is cached and sent
// instead. Edits from an unbound connection are dropped.
func (m *Manager) Relay(ctx context.Context, c *Conn, doc json.RawMessage) {
	sessionID := c.SessionID()
	if sessionID == "" {
		m.logger.Warn("update-session from a connection with no session", zap.String("conn_id", c.id))
		return
	}
	if len(doc) == 0 {
		m.logger.Warn("update-session without a document", zap.String("session_id", sessionID))
		return
	}
	if !isObject(doc) {
		m.logger.Warn("dropping update-session that is not a JSON object", zap.String("session_id", sessionID))
		return
	}

	// Persistence and the broadcast outlive the sender's connection.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
	defer cancel()

	unlock := m.relays.Lock(sessionID)
	defer unlock()

	out, result := doc, "cached"
	saved, err := m.sessions.SaveSessionState(ctx, sessionID, doc)
	if err != nil {
		m.logger.Warn("session state not persisted, relaying unsaved copy",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	} else {
		out, result = saved, "persisted"
	}

	if err := m.cache.Set(ctx, sessionID, out); err != nil {
		m.logger.Warn("session cache write failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	frame, err := sessionFrame(out)
	if err != nil {
		m.logger.Warn("cannot encode session update", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.hub.Broadcast(ctx, sessionID, c, frame)
	metrics.Relays.WithLabelValues(result).Inc()
}

func isObject(doc json.RawMessage) bool {
	trimmed := bytes.TrimSpace(doc)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func (m *Manager) broadcastRoster(ctx context.Context, sessionID string) {
	frame, err := rosterFrame(m.roster.Roster(ctx, sessionID))
	if err != nil {
		m.logger.Warn("cannot encode roster", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.hub.Broadcast(ctx, sessionID, nil, frame)
}

// currentDocument prefers the persisted document and copies it into the
// cache. It falls back to the cache and returns nil when neither has one.
func (m *Manager) currentDocument(ctx context.Context, sessionID string) json.RawMessage {
	persisted, err := m.sessions.LoadSessionState(ctx, sessionID)
	if err != nil {
		m.logger.Warn("cannot load persisted session state", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err == nil && persisted != nil {
		if err := m.cache.Set(ctx, sessionID, persisted); err != nil {
			m.logger.Warn("session cache write failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return persisted
	}

	cached, ok, err := m.cache.Get(ctx, sessionID)
	if err != nil {
		m.logger.Warn("session cache read failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return cached
}

// recordActivity never fails the join; errors are only logged.
func (m *Manager) recordActivity(ctx context.Context, sessionID string, doc json.RawMessage, userID string) {
	if m.activity == nil || doc == nil || userID == "" {
		return
	}
	teamID := store.ParseSessionMeta(doc).TeamID
	if teamID == "" {
		return
	}
	touched, err := m.activity.RecordActivity(ctx, teamID, userID)
	if err != nil {
		m.logger.Warn("failed to update last connection date on join",
			zap.String("session_id", sessionID),
			zap.String("team_id", teamID),
			zap.Error(err),
		)
		return
	}
	if touched {
		m.logger.Debug("team last connection date updated",
			zap.String("team_id", teamID),
			zap.String("user_id", userID),
		)
	}
}
