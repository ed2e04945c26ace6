// Package metrics defines Courier's Prometheus instruments.
//
// Instruments are registered on the Registerer passed to New; tests use
// Discard (a private registry) so parallel tests never collide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier"

// Metrics groups every instrument. A nil *Metrics is not valid; use Discard.
type Metrics struct {
	SessionsActive prometheus.Gauge
	UsersOnline    prometheus.Gauge

	MessagesPersisted  prometheus.Counter
	MessagesDuplicated prometheus.Counter
	ResolveCreated     prometheus.Counter
	ResolveConflicts   prometheus.Counter
	ReadsMarked        prometheus.Counter

	SendFailures *prometheus.CounterVec // kind
	Deliveries   *prometheus.CounterVec // event, outcome
	AuthFailures *prometheus.CounterVec // reason
	UnreadCache  *prometheus.CounterVec // result
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "sessions_active",
			Help: "Authenticated WebSocket sessions currently registered.",
		}),
		UsersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "users_online",
			Help: "Users with at least one live session.",
		}),
		MessagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_persisted_total",
			Help: "Messages durably appended.",
		}),
		MessagesDuplicated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_duplicated_total",
			Help: "Sends answered from an existing client_msg_id.",
		}),
		ResolveCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "conversations_created_total",
			Help: "Conversations created by first contact.",
		}),
		ResolveConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "resolve_conflicts_total",
			Help: "Pair-uniqueness conflicts absorbed while resolving a conversation.",
		}),
		ReadsMarked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_marked_read_total",
			Help: "Messages flipped to read.",
		}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "send_failures_total",
			Help: "Rejected or failed sends by error kind.",
		}, []string{"kind"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "deliveries_total",
			Help: "Outbound events by type and enqueue outcome.",
		}, []string{"event", "outcome"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "auth_failures_total",
			Help: "Rejected WebSocket authentications by reason.",
		}, []string{"reason"}),
		UnreadCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "unread_cache_total",
			Help: "Unread counter cache lookups and recount fallbacks by result.",
		}, []string{"result"}),
	}
}

// Discard returns instruments registered on a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
