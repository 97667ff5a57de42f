// Package presence computes the roster of a live session.
//
// A roster is always recomputed from a membership Provider, never patched.
// When the cluster-wide provider cannot answer, the registry falls back to
// the connections this process holds and logs the degradation.
package presence

import (
	"context"

	"go.uber.org/zap"

	"retro/api/internal/metrics"
)

// Member is one roster entry. A user with two open connections appears twice.
type Member struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Identified reports whether the connection finished its join handshake.
func (m Member) Identified() bool {
	return m.UserID != "" && m.UserName != ""
}

// Provider lists the members bound to a session.
type Provider interface {
	Members(ctx context.Context, sessionID string) ([]Member, error)
}

type Registry struct {
	local   Provider
	cluster Provider
	logger  *zap.Logger
}

// NewRegistry builds a registry over the local provider. cluster may be nil,
// in which case the local view is the whole view.
func NewRegistry(local, cluster Provider, logger *zap.Logger) *Registry {
	return &Registry{local: local, cluster: cluster, logger: logger}
}

// Roster returns the identified members of sessionID. It never fails: a
// cluster error degrades to the local view, and a local error to an empty one.
func (r *Registry) Roster(ctx context.Context, sessionID string) []Member {
	if r.cluster != nil {
		members, err := r.cluster.Members(ctx, sessionID)
		if err == nil {
			return identified(members)
		}
		metrics.PresenceFallbacks.Inc()
		r.logger.Warn("cluster roster unavailable, using local connections",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	members, err := r.local.Members(ctx, sessionID)
	if err != nil {
		r.logger.Error("local roster unavailable",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return []Member{}
	}
	return identified(members)
}

func identified(members []Member) []Member {
	out := make([]Member, 0, len(members))
	for _, member := range members {
		if member.Identified() {
			out = append(out, member)
		}
	}
	return out
}
