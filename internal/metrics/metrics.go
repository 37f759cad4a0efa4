// Package metrics defines Prometheus metrics describing pool state and
// exposes an Observer that samples a gopool.Pool from the outside, on a
// timer, without the pool itself taking a metrics dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/joao-brasil/connpool/internal/gopool"
)

var (
	// Size tracks the number of non-removed slots per kind.
	Size = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_size",
		Help: "Number of slots currently held by the pool, per kind",
	}, []string{"kind"})

	// Capacity tracks the committed weight per kind.
	Capacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_capacity",
		Help: "Sum of slot weights currently committed against a kind's budget",
	}, []string{"kind"})

	// Requests tracks the number of slots currently CONNECTING per kind.
	Requests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_requests",
		Help: "Number of in-flight connect attempts, per kind",
	}, []string{"kind"})

	// Waiters tracks the current queue length per kind.
	Waiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_waiters",
		Help: "Number of waiters currently queued, per kind",
	}, []string{"kind"})

	// AcquireTotal counts every Acquire outcome.
	AcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_acquire_total",
		Help: "Total Acquire calls by kind and outcome",
	}, []string{"kind", "outcome"})

	// QueueWaitSeconds tracks how long a served waiter spent queued.
	QueueWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_queue_wait_seconds",
		Help:    "Time between Acquire and lease delivery, per kind",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"kind"})

	// ConnectErrorsTotal counts failed connect attempts by kind.
	ConnectErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_connect_errors_total",
		Help: "Total failed connect attempts, per kind",
	}, []string{"kind"})

	// RedisOperationsTotal counts coordinator Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_coordinator_redis_operations_total",
		Help: "Total Redis operations performed by the wakeup coordinator",
	}, []string{"operation", "status"})

	// InstanceHeartbeat reports this instance's heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})

	// PinnedDuration tracks how long a lease stayed pinned, recorded
	// when Lease.Unpin releases the pin.
	PinnedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_pinned_duration_seconds",
		Help:    "Duration a lease stayed pinned, from Pin to Unpin",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"kind", "reason"})
)

// Observer samples a Pool's gauge-shaped state on a timer. It never
// touches the pool's internals beyond its public observer methods, so
// it can run against any gopool.Pool without the pool package
// depending on Prometheus.
type Observer struct {
	pool *gopool.Pool
	kind string
	stop chan struct{}
}

// NewObserver returns an Observer for pool, labelling every series with
// kind.
func NewObserver(pool *gopool.Pool, kind string) *Observer {
	return &Observer{pool: pool, kind: kind, stop: make(chan struct{})}
}

// Sample records one snapshot of the pool's observer surface.
func (o *Observer) Sample() {
	Size.WithLabelValues(o.kind).Set(float64(o.pool.Size()))
	Capacity.WithLabelValues(o.kind).Set(float64(o.pool.Capacity()))
	Requests.WithLabelValues(o.kind).Set(float64(o.pool.Requests()))
	Waiters.WithLabelValues(o.kind).Set(float64(o.pool.Waiters()))
}

// Run samples the pool every interval until Stop is called. It is meant
// to be launched with go Observer.Run.
func (o *Observer) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Sample()
		case <-o.stop:
			return
		}
	}
}

// Stop terminates a running Run loop.
func (o *Observer) Stop() {
	close(o.stop)
}
