package realtime

import (
	"encoding/json"
	"fmt"

	"retro/api/internal/presence"
)

const (
	EventJoinSession   = "join-session"
	EventLeaveSession  = "leave-session"
	EventUpdateSession = "update-session"

	EventMemberRoster  = "member-roster"
	EventMemberJoined  = "member-joined"
	EventMemberLeft    = "member-left"
	EventSessionUpdate = "session-update"
)

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

func rosterFrame(members []presence.Member) ([]byte, error) {
	if members == nil {
		members = []presence.Member{}
	}
	return encodeFrame(EventMemberRoster, members)
}

func memberFrame(event string, member presence.Member) ([]byte, error) {
	return encodeFrame(event, member)
}

func sessionFrame(doc json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Event: EventSessionUpdate, Data: doc})
}
