package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes event-loop metrics for the virtual-time
// scheduler: how many events each batch executes, how many agents they
// fan out to, and how much work is still queued.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	BatchSize     prometheus.Histogram
	BatchOwners   prometheus.Histogram
	EventsPending prometheus.Gauge
	BatchesTotal  prometheus.Counter
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	size, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "discosim_scheduler_batch_events",
		Help:    "Events executed per due batch.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}), "discosim_scheduler_batch_events")
	if err != nil {
		return nil, err
	}

	owners, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "discosim_scheduler_batch_owners",
		Help:    "Distinct agents touched per due batch.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	}), "discosim_scheduler_batch_owners")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discosim_scheduler_events_pending",
		Help: "Events still queued after the last batch.",
	}), "discosim_scheduler_events_pending")
	if err != nil {
		return nil, err
	}

	batches, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discosim_scheduler_batches_total",
		Help: "Cumulative number of due batches executed.",
	}), "discosim_scheduler_batches_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:      gatherer,
		BatchSize:     size,
		BatchOwners:   owners,
		EventsPending: pending,
		BatchesTotal:  batches,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveBatch records one executed batch.
func (c *SchedulerCollector) ObserveBatch(events, owners, pending int) {
	if c == nil {
		return
	}
	c.BatchesTotal.Inc()
	c.BatchSize.Observe(float64(events))
	if owners > 0 {
		c.BatchOwners.Observe(float64(owners))
	}
	if pending < 0 {
		pending = 0
	}
	c.EventsPending.Set(float64(pending))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
