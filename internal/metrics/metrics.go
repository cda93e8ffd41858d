// Package metrics holds the Prometheus collectors of the API. Collectors
// register on the default registry once per process.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type collectors struct {
	activeSubscriptions *prometheus.GaugeVec
	subscribeTotal      *prometheus.CounterVec
	deliveryTotal       *prometheus.CounterVec
	failureTotal        *prometheus.CounterVec

	adaptationTotal   *prometheus.CounterVec
	adaptationLatency *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	liveClients  prometheus.Gauge
}

var collectorsSingleton = sync.OnceValue(func() *collectors {
	return &collectors{
		activeSubscriptions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulseboard",
			Subsystem: "livequery",
			Name:      "active_subscriptions",
			Help:      "Live subscriptions currently held open, by slot.",
		}, []string{"slot"}),
		subscribeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseboard",
			Subsystem: "livequery",
			Name:      "subscribe_total",
			Help:      "Total number of live subscriptions opened, by slot.",
		}, []string{"slot"}),
		deliveryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseboard",
			Subsystem: "livequery",
			Name:      "deliveries_total",
			Help:      "Total number of snapshot deliveries, by slot and result.",
		}, []string{"slot", "result"}),
		failureTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseboard",
			Subsystem: "livequery",
			Name:      "failures_total",
			Help:      "Total number of live-query failures published, by slot and kind.",
		}, []string{"slot", "kind"}),
		adaptationTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseboard",
			Subsystem: "adapt",
			Name:      "requests_total",
			Help:      "Total number of theme adaptation requests, by outcome.",
		}, []string{"outcome"}),
		adaptationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulseboard",
			Subsystem: "adapt",
			Name:      "latency_seconds",
			Help:      "Latency distribution for theme adaptation requests.",
			Buckets: []float64{
				0.05, 0.1, 0.2, 0.5,
				1, 2, 5, 10, 20, 30, 60,
			},
		}, []string{"outcome"}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseboard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests, by method and status code.",
		}, []string{"method", "code"}),
		httpLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulseboard",
			Subsystem: "http",
			Name:      "latency_seconds",
			Help:      "Latency distribution for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		liveClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulseboard",
			Subsystem: "http",
			Name:      "live_clients",
			Help:      "Websocket clients currently connected to the live stream.",
		}),
	}
})

func get() *collectors {
	return collectorsSingleton()
}

func SubscriptionOpened(slot string) {
	c := get()
	c.subscribeTotal.WithLabelValues(slot).Inc()
	c.activeSubscriptions.WithLabelValues(slot).Inc()
}

func SubscriptionClosed(slot string) {
	get().activeSubscriptions.WithLabelValues(slot).Dec()
}

// Delivery records one snapshot delivery; result is "ok" or "malformed".
func Delivery(slot, result string) {
	get().deliveryTotal.WithLabelValues(slot, result).Inc()
}

// Failure records one published failure; kind is "permission" or "delivery".
func Failure(slot, kind string) {
	get().failureTotal.WithLabelValues(slot, kind).Inc()
}

func Adaptation(outcome string, latency time.Duration) {
	c := get()
	c.adaptationTotal.WithLabelValues(outcome).Inc()
	c.adaptationLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

func HTTPRequest(method string, status int, latency time.Duration) {
	c := get()
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method).Observe(latency.Seconds())
}

func LiveClientConnected() {
	get().liveClients.Inc()
}

func LiveClientDisconnected() {
	get().liveClients.Dec()
}
