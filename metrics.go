/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Metrics counts connection and game activity for the /metrics endpoint.
type Metrics struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	droppedClients    atomic.Int64
	activeRooms       atomic.Int64

	gamesCreated  atomic.Int64
	gamesFinished atomic.Int64

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	lastMessageTime  atomic.Int64 // Unix timestamp

	persistenceFailures atomic.Int64

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
}

func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// IncrementDropped counts connections detached because their queue was full.
func (m *Metrics) IncrementDropped() {
	m.droppedClients.Add(1)
}

func (m *Metrics) IncrementRooms() {
	m.activeRooms.Add(1)
}

func (m *Metrics) DecrementRooms() {
	m.activeRooms.Add(-1)
}

func (m *Metrics) IncrementGamesCreated() {
	m.gamesCreated.Add(1)
}

func (m *Metrics) IncrementGamesFinished() {
	m.gamesFinished.Add(1)
}

func (m *Metrics) IncrementMessagesReceived() {
	m.messagesReceived.Add(1)
	m.lastMessageTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementMessagesSent() {
	m.messagesSent.Add(1)
}

func (m *Metrics) IncrementPersistenceFailures() {
	m.persistenceFailures.Add(1)
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	DroppedClients    int64 `json:"dropped_clients"`
	ActiveRooms       int64 `json:"active_rooms"`

	GamesCreated  int64 `json:"games_created"`
	GamesFinished int64 `json:"games_finished"`

	MessagesReceived int64  `json:"messages_received"`
	MessagesSent     int64  `json:"messages_sent"`
	LastMessageTime  string `json:"last_message_time"`

	PersistenceFailures int64 `json:"persistence_failures"`

	UptimeSeconds int64  `json:"uptime_seconds"`
	MemoryUsageMB uint64 `json:"memory_usage_mb"`
	NumGoroutines int    `json:"num_goroutines"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	last := "never"
	if ts := m.lastMessageTime.Load(); ts > 0 {
		last = time.Unix(ts, 0).Format(time.RFC3339)
	}

	return MetricsSnapshot{
		ActiveConnections:   m.activeConnections.Load(),
		TotalConnections:    m.totalConnections.Load(),
		DroppedClients:      m.droppedClients.Load(),
		ActiveRooms:         m.activeRooms.Load(),
		GamesCreated:        m.gamesCreated.Load(),
		GamesFinished:       m.gamesFinished.Load(),
		MessagesReceived:    m.messagesReceived.Load(),
		MessagesSent:        m.messagesSent.Load(),
		LastMessageTime:     last,
		PersistenceFailures: m.persistenceFailures.Load(),
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		MemoryUsageMB:       memStats.Alloc / 1024 / 1024,
		NumGoroutines:       runtime.NumGoroutine(),
	}
}

func serveMetrics(cfg *Config, m *Metrics, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(m.Snapshot()); err != nil {
			errs <- err
		}
	}
}
