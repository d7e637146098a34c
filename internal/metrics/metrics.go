// Package metrics owns the Prometheus registry served on the ops port.
// Labels are limited to method, route pattern, status and small fixed enums
// so client identifiers and brand ids never become series.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brandplot/brandplot-server/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	burstDeniedTotal   prometheus.Counter
	burstCapacityTotal prometheus.Counter
	quotaDeniedTotal   prometheus.Counter
	quotaTracked       prometheus.Gauge
	quotaSweptTotal    prometheus.Counter

	cacheEventsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the Go and process collectors plus the
// service metrics.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		burstDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the burst limiter",
		}),
		burstCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times the burst limiter hit its visitor cap",
		}),
		quotaDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brandplot_quota_denied_total",
			Help: "Total requests rejected by the fixed-window quota",
		}),
		quotaTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brandplot_quota_tracked_identifiers",
			Help: "Identifiers holding a quota window after the last sweep",
		}),
		quotaSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brandplot_quota_swept_total",
			Help: "Expired quota windows removed by sweeps",
		}),
		cacheEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brandplot_result_cache_events_total",
			Help: "Result cache outcomes by event",
		}, []string{"event"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.burstDeniedTotal,
		m.burstCapacityTotal,
		m.quotaDeniedTotal,
		m.quotaTracked,
		m.quotaSweptTotal,
		m.cacheEventsTotal,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.burstDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.burstCapacityTotal.Inc()
}

func (m *ServerMetrics) IncQuotaDenied() {
	m.quotaDeniedTotal.Inc()
}

// ObserveQuotaSweep records one sweep pass: removed windows and the number
// still tracked afterwards.
func (m *ServerMetrics) ObserveQuotaSweep(removed, tracked int) {
	m.quotaSweptTotal.Add(float64(removed))
	m.quotaTracked.Set(float64(tracked))
}

func (m *ServerMetrics) IncCacheEvent(event string) {
	m.cacheEventsTotal.WithLabelValues(event).Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
