package config

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultExecutorCapacity bounds the number of lease-management or
// coordinator tasks that may run concurrently per stream.
const defaultExecutorCapacity = 8

// InstrumentedExecutor is a semaphore-bounded worker pool that reports
// queue depth and active-task gauges, so the lease-management and
// coordinator executors are observable when a metrics registry is
// configured.
type InstrumentedExecutor struct {
	sem    chan struct{}
	queued prometheus.Gauge
	active prometheus.Gauge
}

// NewInstrumentedExecutor builds a pool named label with capacity slots,
// registering its gauges against the default Prometheus registry. If a
// gauge with the same name and label is already registered — e.g. a
// second executor built for the same stream — the already-registered
// collector is reused instead of panicking.
func NewInstrumentedExecutor(label string, capacity int) *InstrumentedExecutor {
	e := &InstrumentedExecutor{
		sem: make(chan struct{}, capacity),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "kcr_executor_queued",
			Help:        "tasks waiting for a free executor slot",
			ConstLabels: prometheus.Labels{"executor": label},
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "kcr_executor_active",
			Help:        "tasks currently running on the executor",
			ConstLabels: prometheus.Labels{"executor": label},
		}),
	}
	e.queued = registerOrReuseGauge(e.queued)
	e.active = registerOrReuseGauge(e.active)
	return e
}

// registerOrReuseGauge registers g against the default registerer,
// returning the already-registered collector in its place if g was
// already registered under the same name and labels.
func registerOrReuseGauge(g prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.DefaultRegisterer.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
	}
	return g
}

// Submit runs fn once a slot is free, or returns ctx.Err() if ctx is
// cancelled first.
func (e *InstrumentedExecutor) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	e.queued.Inc()
	select {
	case e.sem <- struct{}{}:
		e.queued.Dec()
	case <-ctx.Done():
		e.queued.Dec()
		return ctx.Err()
	}

	e.active.Inc()
	defer func() {
		<-e.sem
		e.active.Dec()
	}()

	fn(ctx)
	return nil
}
