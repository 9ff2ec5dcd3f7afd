// Package metrics exposes Prometheus instrumentation for the session engine,
// the broadcast hub, the persistence journal, and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK     = "ok"
	resultFailed = "failed"
)

// Collector owns a private Prometheus registry and the application metrics.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	Messages        *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	LockReleases    *prometheus.CounterVec
	JournalWrites   *prometheus.CounterVec
	JournalBreakers *prometheus.GaugeVec
}

// NewCollector creates a Collector whose metrics are prefixed with namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	messages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_messages_total",
			Help:      "Client messages handled by the session engine, by outcome",
		},
		[]string{"type", "outcome"},
	)
	deliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_deliveries_total",
			Help:      "Events offered to subscriber queues, by result",
		},
		[]string{"type", "result"},
	)
	lockReleases := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edit_lock_releases_total",
			Help:      "Edit lock releases by cause",
		},
		[]string{"cause"},
	)
	journalWrites := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_writes_total",
			Help:      "Operation writes attempted by the persistence journal",
		},
		[]string{"result"},
	)
	journalBreakers := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "journal_breaker_open",
			Help:      "1 while the journal circuit breaker is open",
		},
		[]string{"breaker"},
	)

	registry.MustRegister(
		httpRequests,
		httpDuration,
		messages,
		deliveries,
		lockReleases,
		journalWrites,
		journalBreakers,
	)

	return &Collector{
		registry:        registry,
		HTTPRequests:    httpRequests,
		HTTPDuration:    httpDuration,
		Messages:        messages,
		Deliveries:      deliveries,
		LockReleases:    lockReleases,
		JournalWrites:   journalWrites,
		JournalBreakers: journalBreakers,
	}
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// TrackGauge exposes a value computed at scrape time, such as open connections.
func (c *Collector) TrackGauge(name, help string, value func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, value))
}

// RecordMessage counts a handled client message.
func (c *Collector) RecordMessage(messageType protocol.Type, kind fault.Kind) {
	outcome := string(kind)
	if outcome == "" {
		outcome = resultOK
	}
	c.Messages.WithLabelValues(string(messageType), outcome).Inc()
}

// RecordLockReleased counts a lock release.
func (c *Collector) RecordLockReleased(cause string) {
	c.LockReleases.WithLabelValues(cause).Inc()
}

// RecordDelivery counts one fan-out attempt.
func (c *Collector) RecordDelivery(eventType protocol.Type, err error) {
	c.Deliveries.WithLabelValues(string(eventType), result(err)).Inc()
}

// RecordPersist counts one journal write.
func (c *Collector) RecordPersist(err error) {
	c.JournalWrites.WithLabelValues(result(err)).Inc()
}

// RecordBreakerState tracks the journal breaker.
func (c *Collector) RecordBreakerState(name string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	c.JournalBreakers.WithLabelValues(name).Set(value)
}

// Middleware records request counts and latency per route.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		start := time.Now()
		ginContext.Next()
		route := ginContext.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ginContext.Request.Method
		c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(ginContext.Writer.Status())).Inc()
		c.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func result(err error) string {
	if err != nil {
		return resultFailed
	}
	return resultOK
}
