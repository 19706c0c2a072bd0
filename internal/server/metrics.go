package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"topicpresence/internal/bus"
)

type Metrics struct {
	hub                *bus.Hub
	signups            atomic.Uint64
	logins             atomic.Uint64
	busConns           atomic.Uint64
	presencePublished  atomic.Uint64
	presenceSuppressed atomic.Uint64
	presenceRejected   atomic.Uint64
}

// NewMetrics reports hub gauges alongside the counters when hub is set.
func NewMetrics(hub *bus.Hub) *Metrics {
	return &Metrics{hub: hub}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncBusConn() {
	m.busConns.Add(1)
}

func (m *Metrics) IncPresencePublished() {
	m.presencePublished.Add(1)
}

func (m *Metrics) IncPresenceSuppressed() {
	m.presenceSuppressed.Add(1)
}

func (m *Metrics) IncPresenceRejected() {
	m.presenceRejected.Add(1)
}

// Snapshot returns the current values keyed like the JSON output.
func (m *Metrics) Snapshot() map[string]any {
	payload := map[string]any{
		"signups_total":             m.signups.Load(),
		"logins_total":              m.logins.Load(),
		"bus_connections_total":     m.busConns.Load(),
		"presence_published_total":  m.presencePublished.Load(),
		"presence_suppressed_total": m.presenceSuppressed.Load(),
		"presence_rejected_total":   m.presenceRejected.Load(),
	}
	if m.hub != nil {
		stats := m.hub.Stats()
		payload["bus_channels"] = stats.Channels
		payload["bus_subscribers"] = stats.Subscribers
		payload["bus_messages_total"] = stats.Published
		payload["bus_dropped_subscribers_total"] = stats.Dropped
	}
	return payload
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
