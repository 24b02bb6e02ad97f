// Package metrics holds the Prometheus collectors shared by the client
// engine and the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsApplied counts inbound events that mutated a cache.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tukmol",
		Subsystem: "sync",
		Name:      "events_applied_total",
		Help:      "Inbound events applied to a room cache, by source and kind.",
	}, []string{"source", "kind"})

	// EventsDropped counts inbound events discarded before merging.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tukmol",
		Subsystem: "sync",
		Name:      "events_dropped_total",
		Help:      "Inbound events discarded, by reason.",
	}, []string{"reason"})

	// WriteFailures counts durable or storage calls that failed.
	WriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tukmol",
		Subsystem: "sync",
		Name:      "write_failures_total",
		Help:      "Failed durable-store or object-storage calls, by operation.",
	}, []string{"op"})

	// RelayConnections is the number of open relay WebSockets.
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tukmol",
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Open relay WebSocket connections.",
	})

	// RelayRejected counts connections refused by the relay, by reason.
	RelayRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tukmol",
		Subsystem: "relay",
		Name:      "rejected_total",
		Help:      "Relay connections refused, by reason.",
	}, []string{"reason"})

	// RelayDropped counts frames dropped for slow consumers.
	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tukmol",
		Subsystem: "relay",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because a client's send buffer was full.",
	})

	// RelayFrames counts frames relayed into rooms, by type.
	RelayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tukmol",
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Frames relayed to rooms, by envelope type.",
	}, []string{"type"})
)

// Drop reasons.
const (
	DropStaleRoom = "stale_room"
	DropSelfEcho  = "self_echo"
	DropUndecoded = "undecoded"
)
