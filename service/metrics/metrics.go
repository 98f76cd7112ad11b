package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ppchat"

var (
	SessionsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sessions_online",
		Help: "Live sessions registered on this node.",
	})

	// result: live / failed
	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "router_pushes_total",
		Help: "Live push attempts by result.",
	}, []string{"result"})

	Queued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "router_queued_total",
		Help: "Offline records handed to the queue by the router.",
	})

	Dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "router_dropped_total",
		Help: "Deliveries that could neither be pushed nor queued.",
	})

	SyncDrains = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sync_drains_total",
		Help: "Reconnect sync requests by outcome.",
	}, []string{"outcome"})

	SyncItems = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "sync_items",
		Help:    "Items returned per sync page.",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 250, 500},
	})

	// kind: expired / delivered / idle_session
	SweepDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sweep_deleted_total",
		Help: "Rows or sessions removed by background sweeps.",
	}, []string{"kind"})

	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "gateway_errors_total",
		Help: "Persistence gateway call failures by operation.",
	}, []string{"op"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "delivery_events_dropped_total",
		Help: "Delivery events dropped because the publish buffer was full.",
	})
)
