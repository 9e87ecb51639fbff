package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slate_ws_sessions",
		Help: "Currently registered websocket sessions.",
	})

	metricFanoutDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slate_chat_fanout_dropped_total",
		Help: "Fanout events or per-session deliveries dropped, by reason.",
	}, []string{"reason"})
)
