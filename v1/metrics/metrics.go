package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts granted locks by the path that granted them.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fairlock_acquire_total",
		Help: "Total number of granted locks by path (fast, queued, takeover)",
	}, []string{"path"})
	// ReleaseCounter counts releases by outcome.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fairlock_release_total",
		Help: "Total number of releases by mode (reset, handoff)",
	}, []string{"mode"})
	// CASRetryCounter counts lost ticket allocation races.
	CASRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_cas_retries_total",
		Help: "Total number of ticket allocation compare-and-swap retries",
	})
	// WaitHistogram observes the time a queued ticket waited for its grant.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fairlock_wait_seconds",
		Help:    "Time spent queued before the lock was granted",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
	// WatchRestartCounter counts re-established watch streams.
	WatchRestartCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_watch_restarts_total",
		Help: "Total number of watch streams reopened after a failure",
	})
	// AbandonCounter counts queued tickets given up on cancellation.
	AbandonCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_abandoned_total",
		Help: "Total number of queued tickets abandoned by cancellation",
	})
	// HeldGauge reports locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fairlock_held",
		Help: "Current number of locks held by this process",
	})
	// SessionExpiredCounter counts sessions that lost their lease.
	SessionExpiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_session_expired_total",
		Help: "Total number of sessions whose lease expired",
	})
	// AnomalyCounter counts key space anomalies found by the validator.
	AnomalyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_anomalies_total",
		Help: "Total number of lock key space anomalies detected",
	})
	// WatcherGauge reports the number of active store watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fairlock_watchers",
		Help: "Current number of active watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers fairlock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ReleaseCounter,
		CASRetryCounter,
		WaitHistogram,
		WatchRestartCounter,
		AbandonCounter,
		HeldGauge,
		SessionExpiredCounter,
		AnomalyCounter,
		WatcherGauge,
	)
}
