package chat

import (
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts session activity.
type Metrics struct {
	reconnects     prometheus.Counter
	authFailures   prometheus.Counter
	sent           prometheus.Counter
	received       prometheus.Counter
	echoConfirmed  prometheus.Counter
	duplicates     prometheus.Counter
	queued         prometheus.Counter
	queueOverflow  prometheus.Counter
	expired        prometheus.Counter
	rejected       prometheus.Counter
	staleHistories prometheus.Counter
	queueDepth     prometheus.Gauge
}

// NewMetrics creates session metrics and registers them on reg when it is not nil.
// Registration errors are logged and the metric is kept unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "session",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		reconnects:     counter("reconnects_total", "Successful reconnections after a transport drop."),
		authFailures:   counter("auth_failures_total", "Connections closed for a missing or rejected token."),
		sent:           counter("messages_sent_total", "Messages written to the transport."),
		received:       counter("messages_received_total", "Private messages received from the transport."),
		echoConfirmed:  counter("echo_confirmed_total", "Optimistic messages confirmed by a server echo."),
		duplicates:     counter("duplicates_dropped_total", "Redelivered messages dropped."),
		queued:         counter("queued_total", "Messages queued while not connected."),
		queueOverflow:  counter("queue_overflow_total", "Queued messages dropped on overflow."),
		expired:        counter("delivery_expired_total", "Queued messages expired."),
		rejected:       counter("delivery_rejected_total", "Sent messages refused by the server."),
		staleHistories: counter("stale_history_total", "History responses discarded for a superseded selection."),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minichat",
			Subsystem: "session",
			Name:      "queue_depth",
			Help:      "Messages waiting in the pending send queue.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.reconnects, m.authFailures, m.sent, m.received,
			m.echoConfirmed, m.duplicates, m.queued, m.queueOverflow, m.expired, m.rejected, m.staleHistories,
			m.queueDepth} {
			if err := reg.Register(c); err != nil {
				glog.Errorf("metrics: register error: %v", err)
			}
		}
	}
	return m
}
