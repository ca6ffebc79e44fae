package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus metrics.
type Metrics struct {
	SnapshotCycles       prometheus.Counter
	SnapshotServerErrors *prometheus.CounterVec
	SnapshotKeysRecorded prometheus.Counter
	QuotaResets          *prometheus.CounterVec
	LimitPushFailures    prometheus.Counter
	AlertsSent           *prometheus.CounterVec
}

var (
	metrics *Metrics
	once    sync.Once
)

// Get returns the shared metrics instance, registering on first use. The
// engine services may race here on startup; promauto panics on double
// registration, so the guard is a sync.Once.
func Get() *Metrics {
	once.Do(register)
	return metrics
}

func register() {
	metrics = &Metrics{
		SnapshotCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usage_snapshot_cycles_total",
			Help: "Snapshot recorder cycles run",
		}),
		SnapshotServerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_snapshot_server_errors_total",
			Help: "Remote metrics fetch failures per server",
		}, []string{"server"}),
		SnapshotKeysRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usage_snapshot_keys_recorded_total",
			Help: "Keys successfully snapshotted",
		}),
		QuotaResets: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_quota_resets_total",
			Help: "Quota resets applied, by reset strategy",
		}, []string{"strategy"}),
		LimitPushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "usage_remote_limit_push_failures_total",
			Help: "Failed remote data-limit pushes",
		}),
		AlertsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_alerts_sent_total",
			Help: "Usage alerts delivered, by event",
		}, []string{"event"}),
	}
}
