package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Process / supervisor metrics
var (
	ProcessRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_process_restarts_total",
			Help: "Total target process restarts",
		},
		[]string{"reason"},
	)

	ProcessUptimeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflexive_process_uptime_seconds",
			Help: "Seconds since the current target process started",
		},
		[]string{"id"},
	)

	InjectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_injection_events_total",
			Help: "Total shim injection events by type (ready, log, state, error)",
		},
		[]string{"type"},
	)

	WatchHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_watch_hits_total",
			Help: "Total log watch pattern hits",
		},
		[]string{"pattern"},
	)
)

// Sandbox metrics
var (
	SandboxesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflexive_sandboxes_active",
			Help: "Number of currently active sandboxes",
		},
		[]string{"provider"},
	)

	SandboxCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflexive_sandbox_create_duration_seconds",
			Help:    "Time to create a sandbox",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"provider"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflexive_exec_duration_seconds",
			Help:    "Time to execute a command in a sandbox",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
		[]string{"provider"},
	)

	SandboxHibernationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_sandbox_hibernations_total",
			Help: "Total auto-hibernate transitions",
		},
		[]string{"reason"},
	)

	SnapshotOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflexive_snapshot_op_duration_seconds",
			Help:    "Time for snapshot save/load/resume operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)
)

// Chat / tool-plane metrics
var (
	ChatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_chat_turns_total",
			Help: "Total chat turns processed",
		},
		[]string{"result"},
	)

	ChatTurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflexive_chat_turn_duration_seconds",
			Help:    "End-to-end duration of a chat turn",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"result"},
	)

	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_tool_calls_total",
			Help: "Total tool-plane invocations",
		},
		[]string{"tool", "result"},
	)
)

// HTTP layer metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"result"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexive_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(
		ProcessRestartsTotal,
		ProcessUptimeSeconds,
		InjectionEventsTotal,
		WatchHitsTotal,
		SandboxesActive,
		SandboxCreateDuration,
		ExecDuration,
		SandboxHibernationsTotal,
		SnapshotOpDuration,
		ChatTurnsTotal,
		ChatTurnDuration,
		ToolCallsTotal,
		HTTPRequestsTotal,
		AuthAttemptsTotal,
		RateLimitRejectionsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// metrics server is non-critical, errors are not fatal
		}
	}()
	return srv
}
