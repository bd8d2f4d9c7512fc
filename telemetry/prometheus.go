package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics backs Metrics with github.com/prometheus/client_golang.
// Counter, histogram, and gauge vectors are created lazily per metric name
// the first time they are observed, keyed by the tag names supplied on that
// first call; subsequent calls for the same name must supply the same
// number of tag pairs.
type PrometheusMetrics struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics constructs a Metrics recorder registered against reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (p *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitize(name), Help: name}, keys)
		_ = p.registerer.Register(c)
		p.counters[name] = c
	}
	p.mu.Unlock()
	c.WithLabelValues(values...).Add(value)
}

func (p *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, values := splitTags(tags)
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    sanitize(name),
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		_ = p.registerer.Register(h)
		p.histograms[name] = h
	}
	p.mu.Unlock()
	h.WithLabelValues(values...).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	p.mu.Lock()
	g, ok := p.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name), Help: name}, keys)
		_ = p.registerer.Register(g)
		p.gauges[name] = g
	}
	p.mu.Unlock()
	g.WithLabelValues(values...).Set(value)
}

// splitTags converts the "key1", "value1", "key2", "value2", ... variadic
// form used by the Metrics interface into separate label-name and
// label-value slices ordered consistently between calls with the same name.
func splitTags(tags []string) (keys, values []string) {
	for i := 0; i+1 < len(tags); i += 2 {
		keys = append(keys, sanitize(tags[i]))
		values = append(values, tags[i+1])
	}
	return keys, values
}

func sanitize(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(name)
}
