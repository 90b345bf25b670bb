package cluster

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// managerMetrics holds the prometheus metrics of one manager and the in-process
// timers reported by the manager.stats evaluator
type managerMetrics struct {
	set *metrics.Set

	grants      []*metrics.Counter
	respawns    *metrics.Counter
	exits       *metrics.Counter
	ipcFailures *metrics.Counter

	timers       gometrics.Registry
	identifyWait gometrics.Timer
	startup      gometrics.Timer
}

func newManagerMetrics() *managerMetrics {
	set := metrics.NewSet()
	timers := gometrics.NewRegistry()
	return &managerMetrics{
		set:          set,
		respawns:     set.NewCounter("dshard_cluster_respawns_total"),
		exits:        set.NewCounter("dshard_cluster_exits_total"),
		ipcFailures:  set.NewCounter("dshard_ipc_request_failures_total"),
		timers:       timers,
		identifyWait: gometrics.GetOrRegisterTimer("identify.wait", timers),
		startup:      gometrics.GetOrRegisterTimer("cluster.startup", timers),
	}
}

// registerBuckets creates the per key metrics, called once the concurrency is known
func (mm *managerMetrics) registerBuckets(m *ClusterManager) {
	mm.grants = make([]*metrics.Counter, len(m.buckets))
	for key, b := range m.buckets {
		b := b
		mm.grants[key] = mm.set.NewCounter(fmt.Sprintf(`dshard_identify_grants_total{key="%d"}`, key))
		mm.set.NewGauge(fmt.Sprintf(`dshard_identify_queue_depth{key="%d"}`, key), func() float64 {
			return float64(b.Len())
		})
	}
	mm.set.NewGauge("dshard_clusters_ready", func() float64 {
		return float64(m.readyCount())
	})
	mm.set.NewGauge("dshard_clusters_total", func() float64 {
		return float64(len(m.ranges))
	})
	mm.set.NewGauge("dshard_identify_waiting", func() float64 {
		return float64(m.waiters.Len())
	})
}

// grant records an identify grant for the key
func (mm *managerMetrics) grant(key int, waitedSince time.Time) {
	if key < len(mm.grants) {
		mm.grants[key].Inc()
	}
	mm.identifyWait.UpdateSince(waitedSince)
}

// TimerStats summarizes one in-process timer
type TimerStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// timerStats snapshots all timers of a registry
func timerStats(r gometrics.Registry) map[string]TimerStats {
	stats := make(map[string]TimerStats)
	r.Each(func(name string, i interface{}) {
		timer, ok := i.(gometrics.Timer)
		if !ok {
			return
		}
		snap := timer.Snapshot()
		ms := float64(time.Millisecond)
		stats[name] = TimerStats{
			Count: snap.Count(),
			Mean:  snap.Mean() / ms,
			P50:   snap.Percentile(0.5) / ms,
			P99:   snap.Percentile(0.99) / ms,
			Max:   float64(snap.Max()) / ms,
		}
	})
	return stats
}

// writePrometheus writes the manager metrics plus the process metrics
func (mm *managerMetrics) writePrometheus(w io.Writer) {
	mm.set.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}

// MetricsHandler serves the metrics of the manager in the prometheus text format
func (m *ClusterManager) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.metrics.writePrometheus(w)
	})
}
