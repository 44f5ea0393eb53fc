package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	ra "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/authz"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

const limiterIdleTimeout = 3 * time.Minute

// recordMetrics counts requests and observes their duration per route
// pattern.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the caller identity and stores it in the request
// context. Unauthenticated requests are refused.
func authenticate(a *authz.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := a.Authenticate(r)
			if err != nil {
				LoggerFromContext(r.Context()).Infow("Authentication failed", common.FieldError, err)
				w.Header().Set(wwwAuthenticateHeader, `Bearer realm="kritis3m_ra"`)
				writeError(w, r, err)
				return
			}

			ctx := authz.WithToken(r.Context(), token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	clients  map[string]*visitor
	lastScan time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond int) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(perSecond),
		burst:   perSecond,
		clients: make(map[string]*visitor),
	}
}

func (l *clientLimiter) allow(addr string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastScan) > limiterIdleTimeout {
		for k, v := range l.clients {
			if now.Sub(v.lastSeen) > limiterIdleTimeout {
				delete(l.clients, k)
			}
		}
		l.lastScan = now
	}

	v, ok := l.clients[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[addr] = v
	}
	v.lastSeen = now

	return v.limiter.AllowN(now, 1)
}

// rateLimit refuses requests above perSecond requests per second and client
// address with 429 Too Many Requests.
func rateLimit(perSecond int) func(http.Handler) http.Handler {
	limiter := newClientLimiter(perSecond)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(addr); err == nil {
				addr = host
			}

			if !limiter.allow(addr, time.Now()) {
				w.Header().Set(retryAfterHeader, "1")
				writeError(w, r, errTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// authorize checks that the caller in ctx may perform operation on
// resource.
func (s *server) authorize(r *http.Request, resource, operation string) error {
	token := authz.TokenFromContext(r.Context())

	granted, err := s.authorizer.Authorize(r.Context(), token, resource, operation)
	if err != nil {
		return ra.ProcessingError(err)
	}
	if granted == nil {
		return ra.ErrUnauthorized
	}

	return nil
}
