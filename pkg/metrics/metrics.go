// Package metrics は通知パイプラインのPrometheusメトリクスを定義する。
// 各メトリクスはデフォルトレジストリに登録され、/metrics で公開される。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished は発行結果（ok, failed）ごとのイベント数。
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordernotify_events_published_total",
			Help: "Total number of order events handed to the broker",
		},
		[]string{"event_type", "result"},
	)

	// PublishAttempts は発行試行の回数。
	PublishAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordernotify_publish_attempts_total",
			Help: "Total number of broker publish attempts including retries",
		},
	)

	// EventsConsumed は処理結果（handled, duplicate, decode_error, handler_error）ごとの受信イベント数。
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordernotify_events_consumed_total",
			Help: "Total number of events received by the consumer",
		},
		[]string{"topic", "outcome"},
	)

	// ConsumerState は購読ループの現在状態（状態ごとに1または0）。
	ConsumerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ordernotify_consumer_state",
			Help: "Current consumer state (1 for the active state)",
		},
		[]string{"state"},
	)

	// NotificationsCreated はチャネルごとの作成済み通知数。
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordernotify_notifications_created_total",
			Help: "Total number of notification records created",
		},
		[]string{"channel"},
	)

	// Deliveries はチャネルと結果（sent, retry, failed, skipped）ごとの配信数。
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordernotify_deliveries_total",
			Help: "Total number of delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// SweepDuration は配信スイープ1回の所要時間。
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ordernotify_sweep_duration_seconds",
			Help:    "Duration of one delivery worker sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTPRequestDuration はHTTPリクエストの処理時間。
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordernotify_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
