// Package metrics exposes controller activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/controller/internal/dispatch"
)

const namespace = "controller"

// Collector counts dispatch events on a private registry. It implements
// dispatch.Observer.
type Collector struct {
	commands    *prometheus.CounterVec
	launches    *prometheus.CounterVec
	parseErrors prometheus.Counter
	loopState   prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector creates a Collector and registers its metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of well-formed commands received",
		},
		[]string{"verb"},
	)

	// Denied targets are not used as label values; they come from the
	// command channel and are unbounded.
	c.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of launch decisions by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	c.parseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total number of malformed command records",
		},
	)

	c.loopState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_state",
			Help:      "Dispatch loop state (0 awaiting channel, 1 reading, 2 terminated normally, 3 terminated fatally)",
		},
	)

	c.registry.MustRegister(
		c.commands,
		c.launches,
		c.parseErrors,
		c.loopState,
	)

	return c
}

// Observe records one dispatch event.
func (c *Collector) Observe(ev dispatch.Event) {
	switch ev.Kind {
	case dispatch.EventState:
		c.loopState.Set(float64(ev.State))
	case dispatch.EventParseError:
		c.parseErrors.Inc()
	case dispatch.EventDenied:
		c.commands.WithLabelValues(ev.Command.Verb).Inc()
		c.launches.WithLabelValues("", "denied").Inc()
	case dispatch.EventLaunchFailed:
		c.commands.WithLabelValues(ev.Command.Verb).Inc()
		c.launches.WithLabelValues(ev.Command.Target(), "failed").Inc()
	case dispatch.EventLaunched:
		c.commands.WithLabelValues(ev.Command.Verb).Inc()
		c.launches.WithLabelValues(ev.Command.Target(), "launched").Inc()
	}
}

// Registry returns the Prometheus registry for HTTP handler setup
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

var _ dispatch.Observer = (*Collector)(nil)
