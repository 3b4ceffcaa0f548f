// Package metrics holds the Prometheus collectors for relayed chat streams,
// provider retries and the reminder store.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "studymate"

// Metrics exposes Prometheus collectors. A nil *Metrics is valid and records
// nothing, so components can take one optionally.
type Metrics struct {
	relayStreams     *prometheus.CounterVec
	relayDuration    *prometheus.HistogramVec
	relayDeltas      *prometheus.CounterVec
	providerRetries  *prometheus.CounterVec
	remindersCreated *prometheus.CounterVec
	remindersNotify  prometheus.Counter
	remindersPending prometheus.Gauge
	persistFailures  prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global Prometheus
// registry. Collectors are created once so repeated construction of servers
// in tests does not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs Metrics on reg. Tests should pass a fresh
// prometheus.NewRegistry(). Registration errors other than an identical
// collector already being present panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		relayStreams: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "streams_total",
			Help:      "Relayed chat streams by route and outcome.",
		}, []string{"route", "outcome"})),
		relayDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "stream_duration_seconds",
			Help:      "Wall time from provider request to the end of the relayed stream.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"route"})),
		relayDeltas: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deltas_total",
			Help:      "Content deltas forwarded to clients.",
		}, []string{"route"})),
		providerRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Provider requests retried after a rate limit response.",
		}, []string{"provider"})),
		remindersCreated: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "created_total",
			Help:      "Reminders created, by source.",
		}, []string{"source"})),
		remindersNotify: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "notified_total",
			Help:      "Reminders settled by the scanner.",
		})),
		remindersPending: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "pending",
			Help:      "Reminders that have not fired yet.",
		})),
		persistFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "persist_failures_total",
			Help:      "Reminder writes rejected by the storage port.",
		})),
	}
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveStream records one finished relay stream.
func (m *Metrics) ObserveStream(route, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.relayStreams.WithLabelValues(route, outcome).Inc()
	m.relayDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) IncDelta(route string) {
	if m == nil {
		return
	}
	m.relayDeltas.WithLabelValues(route).Inc()
}

// IncProviderRetry counts a rate-limited provider request that is retried.
func (m *Metrics) IncProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(provider).Inc()
}

// AddRemindersCreated counts n reminders created from source.
func (m *Metrics) AddRemindersCreated(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remindersCreated.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) AddRemindersNotified(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remindersNotify.Add(float64(n))
}

// SetRemindersPending sets the pending reminder gauge.
func (m *Metrics) SetRemindersPending(n int) {
	if m == nil {
		return
	}
	m.remindersPending.Set(float64(n))
}

func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}
