package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"line-plant/pkg/util"
)

const namespace = "lineplant"

// Collector bundles the routing engine's Prometheus metrics. A nil *Collector
// is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	ConflictsDetected *prometheus.CounterVec
	ForcedEvictions   prometheus.Counter
	RouteSaves        *prometheus.CounterVec
	PortBatches       *prometheus.CounterVec
	BatchOperations   *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{
		gatherer: gatherer,
		ConflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Port conflicts found while validating edits.",
		}, []string{"source"}), // source: editor/grid
		ForcedEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_evictions_total",
			Help:      "Hops removed from another line by an operator override.",
		}),
		RouteSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_saves_total",
			Help:      "Single-line route saves by outcome.",
		}, []string{"result"}),
		PortBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_batches_total",
			Help:      "Grid port batches by outcome.",
		}, []string{"result"}),
		BatchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_batch_operations_total",
			Help:      "Individual hop creations and deletions submitted in grid batches.",
		}, []string{"op"}), // op: create/delete
	}
	for _, col := range []prometheus.Collector{c.ConflictsDetected, c.ForcedEvictions, c.RouteSaves, c.PortBatches, c.BatchOperations} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Conflicts adds n detected conflicts for source.
func (c *Collector) Conflicts(source string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.ConflictsDetected.WithLabelValues(source).Add(float64(n))
}

// Evicted counts forced evictions.
func (c *Collector) Evicted(n int) {
	if c == nil || n == 0 {
		return
	}
	c.ForcedEvictions.Add(float64(n))
}

// RouteSaved records the outcome of a route save.
func (c *Collector) RouteSaved(err error) {
	if c == nil {
		return
	}
	c.RouteSaves.WithLabelValues(Outcome(err)).Inc()
}

// BatchApplied records a grid batch and its operation counts.
func (c *Collector) BatchApplied(deletions, creations int, err error) {
	if c == nil {
		return
	}
	c.PortBatches.WithLabelValues(Outcome(err)).Inc()
	if err == nil {
		c.BatchOperations.WithLabelValues("delete").Add(float64(deletions))
		c.BatchOperations.WithLabelValues("create").Add(float64(creations))
	}
}

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, util.ErrPortConflict):
		return "conflict"
	case errors.Is(err, util.ErrValidationFailed), errors.Is(err, util.ErrInvalidSelector):
		return "invalid"
	default:
		return "error"
	}
}
