package httpapi

import (
	"compress/gzip"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// Long-lived routes are never compressed: SSE needs every event flushed as
// is and the WebSocket upgrade needs the raw connection.
var streamingRoutes = map[string]bool{"/stream": true, "/frames": true}

// wrap applies request ids, CORS, rate limiting, gzip, the access log and
// request metrics to h. route is the metrics label.
func (s *Server) wrap(route string, h http.HandlerFunc) http.Handler {
	compress := !streamingRoutes[route]
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		rec := &recorder{ResponseWriter: w}
		defer func() {
			rec.finish()
			status := rec.Status()
			dur := time.Since(start)
			s.opts.Metrics.ObserveRequest(route, r.Method, status, dur)
			slog.Debug("httpapi: request",
				"id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rec.bytes,
				"duration_ms", dur.Milliseconds(),
				"ip", remoteIP(r),
			)
		}()

		if s.cors.handle(rec, r) {
			return
		}
		if !s.limiter.Allow(remoteIP(r)) {
			s.opts.Metrics.IncRateLimited()
			rec.Header().Set("Retry-After", "1")
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if compress && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			rec.gz = gzip.NewWriter(w)
		}
		h(rec, r)
	})
}

// recorder captures the status and body size of a response. When gz is set
// the body is compressed; the encoding headers are written with the status
// line so handlers that reset headers (http.Error) cannot drop them.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	gz     *gzip.Writer
}

func (r *recorder) WriteHeader(code int) {
	if r.status != 0 {
		return
	}
	r.status = code
	if r.gz != nil {
		if code == http.StatusNoContent || code == http.StatusNotModified {
			r.gz = nil
		} else {
			h := r.Header()
			h.Del("Content-Length")
			h.Set("Content-Encoding", "gzip")
			h.Add("Vary", "Accept-Encoding")
		}
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	var (
		n   int
		err error
	)
	if r.gz != nil {
		n, err = r.gz.Write(b)
	} else {
		n, err = r.ResponseWriter.Write(b)
	}
	r.bytes += int64(n)
	return n, err
}

func (r *recorder) Flush() {
	if r.gz != nil {
		_ = r.gz.Flush()
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *recorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// finish terminates the gzip stream. Nothing is written when the handler
// produced no response.
func (r *recorder) finish() {
	if r.gz != nil && r.status != 0 {
		_ = r.gz.Close()
	}
}

// baseWriter returns the connection-level writer, which WebSocket upgrades
// need for hijacking.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if rec, ok := w.(*recorder); ok {
		return rec.ResponseWriter
	}
	return w
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client address. A nil limiter
// allows everything.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

const (
	visitorIdle  = 5 * time.Minute
	visitorSweep = 1024
)

func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		if len(l.visitors) >= visitorSweep {
			for key, old := range l.visitors {
				if now.Sub(old.lastSeen) > visitorIdle {
					delete(l.visitors, key)
				}
			}
		}
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// remoteIP prefers the first X-Forwarded-For hop; the API is expected to run
// behind a proxy that sets it.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// corsPolicy allows browser origins listed in configuration. "*" allows any
// http(s) origin. A nil policy sends no CORS headers.
type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

func newCORSPolicy(origins []string) *corsPolicy {
	var policy *corsPolicy
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if policy == nil {
			policy = &corsPolicy{origins: make(map[string]struct{})}
		}
		if o == "*" {
			return &corsPolicy{allowAll: true}
		}
		policy.origins[o] = struct{}{}
	}
	return policy
}

func (c *corsPolicy) allows(origin string) bool {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if c.allowAll {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// handle adds CORS headers for requests carrying an Origin. It reports true
// when the response is already complete: the origin was refused or a
// preflight was answered.
func (c *corsPolicy) handle(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return false
	}
	if !c.allows(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	if r.Method != http.MethodOptions {
		return false
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+requestIDHeader)
	h.Set("Access-Control-Max-Age", "300")
	w.WriteHeader(http.StatusNoContent)
	return true
}
