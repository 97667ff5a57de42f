package realtime

import (
	"context"
	"encoding/json"
)

// Envelope is a room broadcast as it travels between processes.
type Envelope struct {
	Origin    string          `json:"origin"`
	SessionID string          `json:"sessionId"`
	Except    string          `json:"except,omitempty"`
	Frame     json.RawMessage `json:"frame"`
}

// Bus carries room broadcasts to the other processes serving the same rooms.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
}

// LocalBus is the bus of a standalone process: there is nobody to tell.
type LocalBus struct{}

func (LocalBus) Publish(context.Context, Envelope) error { return nil }
