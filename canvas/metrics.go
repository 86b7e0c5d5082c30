package canvas

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_reconcile_total",
		Help: "Remote snapshot reconciliation passes applied to local state",
	})

	echoSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_reconcile_echo_suppressed_total",
		Help: "Snapshot entries recognized as echoes of this client's own writes and kept local",
	})

	rollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_rollback_total",
		Help: "Local optimistic mutations rolled back after a remote write failure",
	}, []string{"operation"})

	remoteWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_remote_write_errors_total",
		Help: "Remote store write failures by operation",
	}, []string{"operation"})

	cursorWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_cursor_writes_total",
		Help: "Cursor positions broadcast to the remote store",
	})

	cursorThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_cursor_throttled_total",
		Help: "Cursor positions dropped inside a throttle window",
	})
)
