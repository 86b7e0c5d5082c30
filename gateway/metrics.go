package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_gateway_connections",
		Help: "Number of currently connected websocket clients",
	})

	messagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_gateway_messages_total",
		Help: "Total inbound client operations received over websocket",
	})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_gateway_broadcasts_total",
		Help: "Total snapshot broadcasts fanned out, by event kind",
	}, []string{"event"})
)
