package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/health"
	"github.com/objectfs/drivefs/pkg/types"
)

// Collector implements types.MetricsCollector on a private Prometheus
// registry.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	remoteCounter     *prometheus.CounterVec
	remoteDuration    *prometheus.HistogramVec
	retryCounter      *prometheus.CounterVec
	cacheCounter      *prometheus.CounterVec
	conflictCounter   *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	dirtyBytes        prometheus.Gauge
	cachedBytes       prometheus.Gauge
	queueWaiters      prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server   *http.Server
	listener net.Listener
}

var _ types.MetricsCollector = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Logger    *zap.Logger       `yaml:"-"`
	// Health backs the /health endpoint. Without it /health always
	// reports healthy.
	Health *health.Tracker `yaml:"-"`
}

// OperationMetrics tracks metrics for a specific filesystem operation
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "drivefs",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.With(zap.String("component", "metrics")),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Handler serves the registry, a health check and an operation summary.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves Handler on the configured port until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to listen for metrics").
			WithComponent("metrics")
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	c.logger.Info("metrics server started", zap.String("addr", ln.Addr().String()), zap.String("path", c.config.Path))
	return nil
}

// Addr returns the listening address once started.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records a filesystem call
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.operationCounter.WithLabelValues(operation, status(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordRemoteCall records one attempt against the drive. status is
// "success" or the error code of the failure.
func (c *Collector) RecordRemoteCall(operation string, duration time.Duration, status string) {
	if !c.config.Enabled {
		return
	}
	c.remoteCounter.WithLabelValues(operation, status).Inc()
	c.remoteDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRetry counts a retried remote call
func (c *Collector) RecordRetry(operation string) {
	if !c.config.Enabled {
		return
	}
	c.retryCounter.WithLabelValues(operation).Inc()
}

// RecordCacheHit records a cache hit
func (c *Collector) RecordCacheHit(cache string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.WithLabelValues("hit", cache).Inc()
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss(cache string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.WithLabelValues("miss", cache).Inc()
}

// RecordConflict counts a version conflict by how it was resolved
func (c *Collector) RecordConflict(resolution string) {
	if !c.config.Enabled {
		return
	}
	c.conflictCounter.WithLabelValues(resolution).Inc()
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

func (c *Collector) SetDirtyBytes(n int64) {
	if c.config.Enabled {
		c.dirtyBytes.Set(float64(n))
	}
}

func (c *Collector) SetCachedBytes(n int64) {
	if c.config.Enabled {
		c.cachedBytes.Set(float64(n))
	}
}

func (c *Collector) SetQueueWaiters(n int) {
	if c.config.Enabled {
		c.queueWaiters.Set(float64(n))
	}
}

// GetMetrics returns a copy of the per-operation tracking
func (c *Collector) GetMetrics() map[string]*OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}
	return operations
}

// ResetMetrics resets the per-operation tracking
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem
	labels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "operations_total",
		Help: "Total number of filesystem operations",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_duration_seconds",
		Help:    "Duration of filesystem operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_size_bytes",
		Help:    "Bytes transferred by filesystem operations",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 20), // 1KB to ~512MB
	}, []string{"operation"})

	c.remoteCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "remote_calls_total",
		Help: "Total number of drive calls by outcome",
	}, []string{"operation", "status"})

	c.remoteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "remote_call_duration_seconds",
		Help:    "Duration of drive calls in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
	}, []string{"operation"})

	c.retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "remote_retries_total",
		Help: "Total number of retried drive calls",
	}, []string{"operation"})

	c.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_requests_total",
		Help: "Total number of cache lookups",
	}, []string{"type", "cache"})

	c.conflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "conflicts_total",
		Help: "Total number of version conflicts by resolution",
	}, []string{"resolution"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "errors_total",
		Help: "Total number of errors",
	}, []string{"operation", "type"})

	c.dirtyBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "dirty_bytes",
		Help: "Bytes written locally and not yet uploaded",
	})
	c.cachedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cached_bytes",
		Help: "Bytes held by the content cache",
	})
	c.queueWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "queue_waiters",
		Help: "Calls waiting for a drive request slot",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.remoteCounter,
		c.remoteDuration,
		c.retryCounter,
		c.cacheCounter,
		c.conflictCounter,
		c.errorCounter,
		c.dirtyBytes,
		c.cachedBytes,
		c.queueWaiters,
	}
	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError labels err by its error code, lower-cased. Errors from
// outside the taxonomy count as internal_error.
func classifyError(err error) string {
	return strings.ToLower(string(errors.CodeOf(err)))
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status     health.HealthState       `json:"status"`
		Service    string                   `json:"service"`
		Components []health.ComponentHealth `json:"components,omitempty"`
	}{Status: health.StateHealthy, Service: "drivefs"}

	if tracker := c.config.Health; tracker != nil {
		body.Status = tracker.GetOverallHealth()
		body.Components = tracker.GetAllComponents()
	}

	code := http.StatusOK
	if body.Status == health.StateUnavailable {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Debug("failed to write health status", zap.Error(err))
	}
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetMetrics()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	c.mu.RLock()
	uptime := time.Since(c.lastReset)
	c.mu.RUnlock()

	summary := struct {
		Uptime     string                       `json:"uptime"`
		Operations map[string]*OperationMetrics `json:"operations"`
		Order      []string                     `json:"order"`
	}{uptime.Round(time.Second).String(), ops, names}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		c.logger.Debug("failed to write operations summary", zap.Error(err))
	}
}
