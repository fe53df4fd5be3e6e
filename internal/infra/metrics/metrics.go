// Package metrics: счётчики и гейджи Prometheus для слоя устойчивости и
// синхронизации комнат. Метрики живут в собственном реестре Registry, чтобы
// повторная регистрация в тестах не паниковала; HTTP-экспорт делает web-адаптер.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry: реестр приложения; его отдаёт /metrics.
	Registry = prometheus.NewRegistry()

	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_retry_attempts_total",
		Help: "Retries scheduled after a transient failure, by operation.",
	}, []string{"op"})
	RetryGiveUps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_retry_giveups_total",
		Help: "Operations that ended with a retry error, by operation.",
	}, []string{"op"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_rate_limited_total",
		Help: "Token bucket refusals.",
	})

	BatchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_batch_flushes_total",
		Help: "Batch flush callbacks, by batcher and result.",
	}, []string{"batcher", "result"})
	BatchItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_batch_items_total",
		Help: "Items delivered in successful flushes, by batcher.",
	}, []string{"batcher"})

	MessagesMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_merged_total",
		Help: "Messages merged into room views, by source.",
	}, []string{"source"})
	PageFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_page_fetches_total",
		Help: "History page fetches, by kind and result.",
	}, []string{"kind", "result"})
	ListenerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_listener_failures_total",
		Help: "Listener callbacks that panicked or returned an error.",
	})

	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_active_rooms",
		Help: "Rooms with a registered listener.",
	})
	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_ws_clients",
		Help: "Connected websocket event consumers.",
	})
	WSDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_ws_dropped_total",
		Help: "Events dropped because a websocket consumer queue was full.",
	})
)

var registerOnce sync.Once

// Register регистрирует все метрики в Registry. Повторные вызовы игнорируются.
func Register() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			RetryAttempts, RetryGiveUps,
			RateLimited,
			BatchFlushes, BatchItems,
			MessagesMerged, PageFetches, ListenerFailures,
			ActiveRooms, WSClients, WSDropped,
		)
	})
}
