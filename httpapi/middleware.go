package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Metrics instruments routes with a Prometheus request counter and duration
// histogram plus a tracing span per request. Each service owns its own
// registry so collector names never collide across processes.
type Metrics struct {
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// NewMetrics builds the middleware for a service. The service name becomes
// both the tracer name and (underscored) the metric namespace.
func NewMetrics(service string, logger *slog.Logger) *Metrics {
	if service == "" {
		service = "agora"
	}
	if logger == nil {
		logger = slog.Default()
	}
	namespace := strings.ReplaceAll(service, "-", "_")
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the service.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, durations)
	return &Metrics{
		logger:    logger,
		tracer:    otel.Tracer(service),
		requests:  requests,
		durations: durations,
		registry:  registry,
	}
}

// Middleware instruments one route. The label should be a stable name like
// "bank.credit" rather than the raw path so metric cardinality stays bounded.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := m.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			duration := time.Since(start).Seconds()
			m.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			m.durations.WithLabelValues(route, r.Method).Observe(duration)
			m.logger.Debug("request served",
				slog.String("route", route),
				slog.String("method", r.Method),
				slog.Int("status", recorder.status),
				slog.Float64("duration_ms", duration*1000),
			)
		})
	}
}

// Handler serves GET /metrics. The service registry is merged with the
// default gatherer so domain collectors registered elsewhere in the process
// appear on the same endpoint.
func (m *Metrics) Handler() http.Handler {
	gatherers := prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RateLimit bounds request rates for one route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter *rate.Limiter
}

// RateLimiter applies per-client token buckets keyed by route group. Routes
// without a configured limit pass through untouched.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
}

// NewRateLimiter builds a limiter from the config `limits` section.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
	}
}

// Middleware enforces the limit registered under key, answering over-budget
// callers with 429 RATE_LIMITED.
func (l *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := l.limits[key]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			id := clientID(r)
			if !l.obtainLimiter(key+"|"+id, limit).Allow() {
				l.logger.Warn("rate limit exceeded", slog.String("route", key), slog.String("client", id))
				WriteError(w, Errorf(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.visitors[id]
	if ok {
		return entry.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	l.visitors[id] = &rateEntry{limiter: limiter}
	go l.expire(id)
	return limiter
}

// expire drops an idle visitor bucket after a fixed TTL so the map cannot
// grow without bound.
func (l *RateLimiter) expire(id string) {
	timer := time.NewTimer(5 * time.Minute)
	defer timer.Stop()
	<-timer.C
	l.mu.Lock()
	delete(l.visitors, id)
	l.mu.Unlock()
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if comma := strings.IndexByte(fwd, ','); comma > 0 {
			first = fwd[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
