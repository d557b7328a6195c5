// Package metrics 定義加入協議的 Prometheus 指標
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JoinAttemptsTotal 加入結果（outcome/reason 分類）
	JoinAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "join_attempts_total",
		Help: "Join attempts by terminal outcome and reason",
	}, []string{"outcome", "reason"})

	// StoreLatency 存儲操作延遲
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "join_store_latency_seconds",
		Help:    "Latency of connection registry and room state operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"store", "op"})

	// ReconcileTotal 對帳結果
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_total",
		Help: "Partial-failure reconciliation results",
	}, []string{"result"})

	// ActiveConnections 目前的 WebSocket 連線數
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "Open WebSocket connections on this gateway",
	})
)

// ObserveStore 記錄一次存儲操作耗時
func ObserveStore(store, op string, start time.Time) {
	StoreLatency.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
}
