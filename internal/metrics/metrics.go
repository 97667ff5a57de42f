// Package metrics holds the process Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "retro",
		Subsystem: "realtime",
		Name:      "connections",
		Help:      "Open websocket connections on this process",
	})

	Joins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retro",
		Subsystem: "realtime",
		Name:      "joins_total",
		Help:      "The total number of session joins",
	})

	Relays = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retro",
		Subsystem: "relay",
		Name:      "total",
		Help:      "Session updates relayed, by whether the broadcast value was persisted or cache-only",
	}, []string{"result"})

	PresenceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retro",
		Subsystem: "presence",
		Name:      "fallback_total",
		Help:      "Rosters computed from local connections only because the cluster query failed",
	})

	TeamUpdateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retro",
		Subsystem: "team_update",
		Name:      "conflicts_total",
		Help:      "Optimistic commits rejected because the revision moved",
	})

	TeamUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retro",
		Subsystem: "team_update",
		Name:      "total",
		Help:      "Team updates by outcome",
	}, []string{"result"})
)
