package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector on a private Prometheus registry
type PrometheusCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
}

// NewPrometheusCollector creates a collector with the Go and process
// collectors already registered
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// NewStandardCollector creates a collector with StandardMetrics registered
func NewStandardCollector() (*PrometheusCollector, error) {
	c := NewPrometheusCollector()
	if err := c.RegisterAll(StandardMetrics()...); err != nil {
		return nil, err
	}
	return c, nil
}

// Register registers a new metric
func (c *PrometheusCollector) Register(metric Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exists(metric.Name) {
		return fmt.Errorf("metric %s already registered", metric.Name)
	}

	switch metric.Type {
	case CounterType:
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: metric.Name, Help: metric.Help}, metric.Labels)
		if err := c.registry.Register(counter); err != nil {
			return fmt.Errorf("failed to register counter %s: %w", metric.Name, err)
		}
		c.counters[metric.Name] = counter

	case GaugeType:
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metric.Name, Help: metric.Help}, metric.Labels)
		if err := c.registry.Register(gauge); err != nil {
			return fmt.Errorf("failed to register gauge %s: %w", metric.Name, err)
		}
		c.gauges[metric.Name] = gauge

	case HistogramType:
		buckets := metric.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metric.Name,
			Help:    metric.Help,
			Buckets: buckets,
		}, metric.Labels)
		if err := c.registry.Register(histogram); err != nil {
			return fmt.Errorf("failed to register histogram %s: %w", metric.Name, err)
		}
		c.histograms[metric.Name] = histogram

	default:
		return fmt.Errorf("unknown metric type: %s", metric.Type)
	}
	return nil
}

// RegisterAll registers every metric, collecting failures
func (c *PrometheusCollector) RegisterAll(metrics ...Metric) error {
	var errs []string
	for _, m := range metrics {
		if err := c.Register(m); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to register some metrics: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *PrometheusCollector) exists(name string) bool {
	_, counter := c.counters[name]
	_, gauge := c.gauges[name]
	_, histogram := c.histograms[name]
	return counter || gauge || histogram
}

// IncrementCounter increments a counter by 1
func (c *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds a value to a counter
func (c *PrometheusCollector) AddCounter(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if m, err := counter.GetMetricWith(labels); err == nil {
		m.Add(value)
	}
}

// SetGauge sets the value of a gauge
func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	if g := c.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

// AddGauge moves a gauge by delta
func (c *PrometheusCollector) AddGauge(name string, delta float64, labels map[string]string) {
	if g := c.gauge(name, labels); g != nil {
		g.Add(delta)
	}
}

func (c *PrometheusCollector) gauge(name string, labels map[string]string) prometheus.Gauge {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	g, err := gauge.GetMetricWith(labels)
	if err != nil {
		return nil
	}
	return g
}

// ObserveHistogram records a value in a histogram
func (c *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if o, err := histogram.GetMetricWith(labels); err == nil {
		o.Observe(value)
	}
}

// ObserveDuration records the time elapsed since start
func (c *PrometheusCollector) ObserveDuration(name string, start time.Time, labels map[string]string) {
	c.ObserveHistogram(name, time.Since(start).Seconds(), labels)
}

// Handler returns an HTTP handler for Prometheus scraping
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// MetricNames returns the registered metric names, sorted
func (c *PrometheusCollector) MetricNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.counters)+len(c.gauges)+len(c.histograms))
	for name := range c.counters {
		names = append(names, name)
	}
	for name := range c.gauges {
		names = append(names, name)
	}
	for name := range c.histograms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
