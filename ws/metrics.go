package ws

import (
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	sessions prometheus.Gauge
	relayed  prometheus.Counter
	resent   prometheus.Counter
	rejected *prometheus.CounterVec
	kickoffs prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	m := &hubMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minichat",
			Subsystem: "hub",
			Name:      "sessions",
			Help:      "Open websocket sessions.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "hub",
			Name:      "relayed_total",
			Help:      "Private messages saved and relayed.",
		}),
		resent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "hub",
			Name:      "resent_total",
			Help:      "Private messages sent again with a known client id, echoed but not relayed.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "hub",
			Name:      "rejected_total",
			Help:      "Private messages rejected, by reason.",
		}, []string{"reason"}),
		kickoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Subsystem: "hub",
			Name:      "kickoffs_total",
			Help:      "Sessions kicked off for exceeding the per user quota.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.sessions, m.relayed, m.resent, m.rejected, m.kickoffs} {
			if err := reg.Register(c); err != nil {
				glog.Errorf("metrics: register error: %v", err)
			}
		}
	}
	return m
}
