package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Directions used with BytesTotal.
const (
	DirClientToBackend = "client_to_backend"
	DirBackendToClient = "backend_to_client"
)

var (
	ActiveSessions              = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsgate_sessions_active", Help: "Sessions with an open client connection"})
	ConnectingSessions          = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsgate_sessions_connecting", Help: "Sessions waiting for the backend connection"})
	SessionsTotal               = promauto.NewCounter(prometheus.CounterOpts{Name: "wsgate_sessions_total", Help: "Sessions created"})
	BridgedTotal                = promauto.NewCounter(prometheus.CounterOpts{Name: "wsgate_bridged_total", Help: "Sessions that reached the backend"})
	BackendConnectFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "wsgate_backend_connect_failures_total", Help: "Failed backend connection attempts"})
	QueuedMessagesTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "wsgate_queued_messages_total", Help: "Client messages buffered while the backend was connecting"})
	ErrorsTotal                 = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsgate_errors_total", Help: "Errors by type"}, []string{"type"})
	UpgradesRejectedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsgate_upgrades_rejected_total", Help: "Upgrade requests refused before a session was created"}, []string{"reason"})
	BytesTotal                  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsgate_bytes_total", Help: "Relayed payload bytes by direction"}, []string{"direction"})
	SessionDurationSeconds      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsgate_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 18)})
)
