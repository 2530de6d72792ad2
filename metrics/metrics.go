// Package metrics exposes the events reported by a sentinel.Sentinel and its
// PoolManagers as Prometheus metrics, using VictoriaMetrics' metrics library.
//
//	c := metrics.New()
//	s, err := sentinel.New("mymaster", addrs,
//		sentinel.WithTrace(c.SentinelTrace("mymaster")),
//		sentinel.WithManagerFunc(sentinel.PoolManagerFunc(
//			sentinel.PoolWithTrace(c.PoolTrace()),
//		)),
//	)
//	http.HandleFunc("/metrics", c.Handler)
//
// Metrics produced (prefix defaults to "sentinel"):
//   - {prefix}_failover_total{group} counts manager swaps
//   - {prefix}_generation{group} is the generation of the live manager
//   - {prefix}_swap_duration_seconds{group} is how long new managers took to build
//   - {prefix}_topology_changes_total{group} counts observed topology changes
//   - {prefix}_discovery_errors_total{group} counts failed discovery attempts
//   - {prefix}_listener_closed_total{group} counts lost notification streams
//   - {prefix}_pool_conn_created_total{role} counts new node connections
//   - {prefix}_pool_conn_errors_total{role} counts failed node connections
//   - {prefix}_pool_connect_duration_seconds{role} is how long connecting took
//   - {prefix}_pool_closed_total counts closed pool managers
package metrics

import (
	"fmt"
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"

	"github.com/mediocregopher/sentinel/trace"
)

// Option configures a Collector.
type Option func(*Collector)

// WithPrefix sets the metric name prefix. Defaults to "sentinel".
func WithPrefix(prefix string) Option {
	return func(c *Collector) {
		c.prefix = prefix
	}
}

// WithMetricsSet sets the metrics set to register metrics with. The caller is
// then responsible for exposing the set. By default a new set is created and
// registered globally.
func WithMetricsSet(set *metrics.Set) Option {
	return func(c *Collector) {
		c.set = set
	}
}

// Collector turns trace events into metrics. It is safe for concurrent use,
// and a single Collector can be shared by Sentinels of many groups.
type Collector struct {
	set    *metrics.Set
	prefix string
}

// New creates a Collector.
func New(opts ...Option) *Collector {
	c := &Collector{prefix: "sentinel"}
	for _, opt := range opts {
		opt(c)
	}
	if c.set == nil {
		c.set = metrics.NewSet()
		metrics.RegisterSet(c.set)
	}
	return c
}

// Set returns the metrics set the Collector registers with.
func (c *Collector) Set() *metrics.Set {
	return c.set
}

// Handler is an http.HandlerFunc which exposes the Collector's metrics in the
// Prometheus text format.
func (c *Collector) Handler(w http.ResponseWriter, _ *http.Request) {
	c.set.WritePrometheus(w)
}

// WritePrometheus writes the Collector's metrics in the Prometheus text format
// to the given writer.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

func (c *Collector) name(metric, labels string) string {
	if labels == "" {
		return c.prefix + "_" + metric
	}
	return fmt.Sprintf("%s_%s{%s}", c.prefix, metric, labels)
}

// SentinelTrace returns a trace.SentinelTrace which records the events of the
// Sentinel for the given group.
func (c *Collector) SentinelTrace(group string) trace.SentinelTrace {
	labels := fmt.Sprintf("group=%q", group)
	var (
		failovers  = c.set.GetOrCreateCounter(c.name("failover_total", labels))
		generation = c.set.GetOrCreateGauge(c.name("generation", labels), nil)
		swapTime   = c.set.GetOrCreateHistogram(c.name("swap_duration_seconds", labels))
		topoChange = c.set.GetOrCreateCounter(c.name("topology_changes_total", labels))
		discErrs   = c.set.GetOrCreateCounter(c.name("discovery_errors_total", labels))
		lisClosed  = c.set.GetOrCreateCounter(c.name("listener_closed_total", labels))
	)

	return trace.SentinelTrace{
		TopoChanged: func(trace.SentinelTopoChanged) {
			topoChange.Inc()
		},
		Swapped: func(ev trace.SentinelSwapped) {
			failovers.Inc()
			generation.Set(float64(ev.Generation))
			swapTime.Update(ev.BuildTime.Seconds())
		},
		DiscoveryFailed: func(trace.SentinelDiscoveryFailed) {
			discErrs.Inc()
		},
		ListenerClosed: func(trace.SentinelListenerClosed) {
			lisClosed.Inc()
		},
	}
}

// PoolTrace returns a trace.PoolTrace which records the events of every
// PoolManager it is given to.
func (c *Collector) PoolTrace() trace.PoolTrace {
	type roleMetrics struct {
		created, errs *metrics.Counter
		connectTime   *metrics.Histogram
	}
	role := func(r string) roleMetrics {
		labels := fmt.Sprintf("role=%q", r)
		return roleMetrics{
			created:     c.set.GetOrCreateCounter(c.name("pool_conn_created_total", labels)),
			errs:        c.set.GetOrCreateCounter(c.name("pool_conn_errors_total", labels)),
			connectTime: c.set.GetOrCreateHistogram(c.name("pool_connect_duration_seconds", labels)),
		}
	}
	primary, replica := role("primary"), role("replica")
	closed := c.set.GetOrCreateCounter(c.name("pool_closed_total", ""))

	return trace.PoolTrace{
		ConnCreated: func(ev trace.PoolConnCreated) {
			rm := replica
			if ev.IsPrimary {
				rm = primary
			}
			if ev.Err != nil {
				rm.errs.Inc()
				return
			}
			rm.created.Inc()
			rm.connectTime.Update(ev.ConnectTime.Seconds())
		},
		Closed: func(trace.PoolClosed) {
			closed.Inc()
		},
	}
}
