// Package metrics exposes quillboxd's prometheus counters and gauges
// (SPEC_FULL AMBIENT STACK: "connection/command counters exposed by the
// server binary"). It is ambient plumbing, not a spec module: nothing
// here is read by IMAP/POP3/JMAP request handling itself.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quillbox_active_connections",
		Help: "Number of active connections by protocol.",
	}, []string{"protocol"})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quillbox_connections_total",
		Help: "Total connections accepted by protocol.",
	}, []string{"protocol"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quillbox_commands_total",
		Help: "Total protocol commands handled.",
	}, []string{"protocol", "command"})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quillbox_auth_attempts_total",
		Help: "Authentication attempts by protocol and result.",
	}, []string{"protocol", "result"})

	// ChangelogDepth is a per-user snapshot gauge (spec §4.F bounded
	// retention); the caller samples jmap/changelog.Log depth on a timer
	// and sets it per user, mirroring changelog.maxEntries/compactKeep.
	ChangelogDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quillbox_changelog_depth",
		Help: "Entries currently retained in a user's JMAP change log.",
	}, []string{"user", "type"})

	NotifierFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quillbox_notifier_fires_total",
		Help: "Total notifier.Worker.Fire calls (spec §4.H fan-out).",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quillbox_messages_delivered_total",
		Help: "Total messages delivered by path.",
	}, []string{"path"}) // "local", "remote"
)

// RecordConnection increments the active/total gauges for protocol.
func RecordConnection(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Inc()
	ConnectionsTotal.WithLabelValues(protocol).Inc()
}

// ReleaseConnection decrements the active gauge for protocol.
func ReleaseConnection(protocol string) {
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// RecordAuth records a login attempt's outcome.
func RecordAuth(protocol string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(protocol, result).Inc()
}

// Handler returns the /metrics HTTP handler quillboxd mounts on the debug
// listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
