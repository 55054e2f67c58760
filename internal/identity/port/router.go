package port

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	apiv1 "github.com/aelexs/identity-service/api/v1"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/observability"
)

// RouterConfig holds transport-level policy for NewRouter.
type RouterConfig struct {
	AllowedOrigins []string

	// IPRate and IPBurst configure the per-process token bucket in front of
	// every /v1 route. Zero IPRate disables it.
	IPRate  rate.Limit
	IPBurst int

	// TrustedProxies are the peers whose forwarding headers are believed.
	// Requests from anyone else are keyed on the TCP peer address.
	TrustedProxies []netip.Prefix
}

// NewRouter mounts the identity endpoints. ctx bounds the limiter's
// background sweep.
func NewRouter(ctx context.Context, h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(realIP(cfg.TrustedProxies))
	r.Use(chimiddleware.Recoverer)
	r.Use(h.logRequests)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/openapi.json", serveOpenAPI)

	r.Route("/v1", func(r chi.Router) {
		if cfg.IPRate > 0 {
			r.Use(NewIPLimiter(ctx, cfg.IPRate, cfg.IPBurst).Limit)
		}
		r.Use(h.admitAPI)

		r.Post("/otp/send", h.SendOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/otp/resend", h.ResendOTP)
		r.Post("/signup", h.Signup)
		r.Post("/login-link", h.RequestLoginLink)
		r.Post("/login-link/verify", h.VerifyLoginLink)
		r.Get("/session", h.CurrentSession)
	})

	return r
}

func serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(apiv1.Spec)
}

// admitAPI applies the api RateGate class keyed by client IP.
func (h *Handler) admitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.gate.Enforce(r.Context(), domain.OpAPI, clientIP(r)); err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var requestDuration, _ = observability.Meter("identity/port").Float64Histogram(
	"http_server_request_duration_seconds",
	metric.WithDescription("HTTP request latency by route and status"),
	metric.WithUnit("s"),
)

// logRequests writes one line per request at DEBUG, with the chi request id,
// and records its latency under the matched route pattern.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		requestDuration.Record(r.Context(), elapsed.Seconds(), metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", ww.Status()),
		))

		h.requestLogger(r).DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", elapsed,
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// clientIP returns the host part of RemoteAddr, which realIP has already
// rewritten when the request came through a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---------------------------------------------------------------------------
// Per-IP token bucket
// ---------------------------------------------------------------------------

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a per-IP token bucket held in process memory. It only damps
// bursts on one instance; the RateGate classes hold the shared limits.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	r       rate.Limit
	burst   int
}

// NewIPLimiter creates a limiter allowing r requests/second with the given
// burst per IP. Idle entries are swept until ctx is done.
func NewIPLimiter(ctx context.Context, r rate.Limit, burst int) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &IPLimiter{entries: make(map[string]*ipEntry), r: r, burst: burst}
	go l.sweep(ctx)
	return l
}

func (l *IPLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[ip]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}
	lim := rate.NewLimiter(l.r, l.burst)
	l.entries[ip] = &ipEntry{limiter: lim, lastSeen: time.Now()}
	return lim
}

func (l *IPLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for ip, e := range l.entries {
				if time.Since(e.lastSeen) > limiterIdleTTL {
					delete(l.entries, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Limit is the middleware enforcing the per-IP bucket.
func (l *IPLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.get(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: rateLimitedError})
			return
		}
		next.ServeHTTP(w, r)
	})
}
