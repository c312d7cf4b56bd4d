package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// MetricsSink is the Micrometer-equivalent abstraction CustomizeMetricsConfig
// binds: something record/active-lease counts and checkpoint latencies
// can be published to.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, labels map[string]string, seconds float64)
}

// nullSink discards everything. Selected for MetricsDriver NONE and as
// the fallback when MICROMETER has no registry to bind to.
type nullSink struct{}

func (nullSink) IncCounter(string, map[string]string)                 {}
func (nullSink) ObserveLatency(string, map[string]string, float64) {}

// loggingSink writes each observation as a structured log line.
// Selected for MetricsDriver LOGGING.
type loggingSink struct {
	log *logrus.Entry
}

func newLoggingSink(log *logrus.Entry) *loggingSink {
	return &loggingSink{log: log}
}

func (s *loggingSink) IncCounter(name string, labels map[string]string) {
	s.log.WithFields(toFields(labels)).WithField("metric", name).Debug("counter incremented")
}

func (s *loggingSink) ObserveLatency(name string, labels map[string]string, seconds float64) {
	s.log.WithFields(toFields(labels)).WithField("metric", name).WithField("seconds", seconds).Debug("latency observed")
}

func toFields(labels map[string]string) logrus.Fields {
	f := make(logrus.Fields, len(labels))
	for k, v := range labels {
		f[k] = v
	}
	return f
}

// PrometheusSink is the MICROMETER-equivalent bound registry: a real
// prometheus.Registerer wrapped to satisfy MetricsSink. Counters and
// histograms are created lazily per metric name, matching a dynamic
// Micrometer registry's behaviour.
type PrometheusSink struct {
	reg        prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusSink wraps reg. Passing prometheus.DefaultRegisterer is
// the common case.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	return &PrometheusSink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (s *PrometheusSink) IncCounter(name string, labels map[string]string) {
	cv, ok := s.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kcr_" + name + "_total",
			Help: "kcr counter for " + name,
		}, labelNames(labels))
		s.reg.MustRegister(cv)
		s.counters[name] = cv
	}
	cv.With(labels).Inc()
}

func (s *PrometheusSink) ObserveLatency(name string, labels map[string]string, seconds float64) {
	hv, ok := s.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kcr_" + name + "_seconds",
			Help:    "kcr latency histogram for " + name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		s.reg.MustRegister(hv)
		s.histograms[name] = hv
	}
	hv.With(labels).Observe(seconds)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}
