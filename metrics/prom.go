package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GistCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_gist_created_total",
		Help: "no. of gists created",
	})
	GistRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_gist_retrieved_total",
		Help: "no. of gists retrieved",
	})
	GistUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_gist_updated_total",
		Help: "no. of gists updated",
	})
	GistDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_gist_deleted_total",
		Help: "no. of gists deleted",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_cache_misses_total",
		Help: "no. of cache misses",
	})
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gistlock_auth_failures_total",
			Help: "no. of rejected credentials",
		},
		[]string{"operation"},
	)
	AttemptsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_attempts_throttled_total",
		Help: "no. of credential attempts rejected by the limiter",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gistlock_sweep_cycles_total",
		Help: "no. of housekeeping sweep runs",
	})
	SweepRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gistlock_sweep_removed_total",
			Help: "no. of objects removed by sweeps",
		},
		[]string{"kind"},
	)
)

func Init() {
}
