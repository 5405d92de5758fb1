package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxclone/internal/apperr"
	"github.com/MrWong99/voxclone/internal/observe"
)

// exemptPaths are never limited.
var exemptPaths = map[string]bool{
	"/health":        true,
	"/api/v1/health": true,
	"/healthz":       true,
	"/readyz":        true,
	"/metrics":       true,
}

// Classify maps a request path to its endpoint class.
func Classify(path string) string {
	switch {
	case strings.Contains(path, "upload"):
		return ClassUpload
	case strings.Contains(path, "synthesize"):
		return ClassSynthesize
	case strings.Contains(path, "clone"):
		return ClassClone
	default:
		return ClassDefault
	}
}

// ClientID identifies the caller: the API key when present, else the first
// forwarded address, the real-IP header or the connection's remote host.
func ClientID(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return "api:" + k
	}
	ip, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// Middleware applies a [Limiter] to HTTP requests.
type Middleware struct {
	limiter *Limiter
	metrics *observe.Metrics
	enabled atomic.Bool
}

// NewMiddleware returns an enabled Middleware. A nil metrics selects
// [observe.DefaultMetrics].
func NewMiddleware(l *Limiter, m *observe.Metrics) *Middleware {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	mw := &Middleware{limiter: l, metrics: m}
	mw.enabled.Store(true)
	return mw
}

// SetEnabled switches limiting on or off at runtime.
func (m *Middleware) SetEnabled(on bool) { m.enabled.Store(on) }

// Wrap returns next guarded by the limiter.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled.Load() || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		client := ClientID(r)
		class := Classify(r.URL.Path)

		if !m.limiter.Allow(client, class, 1) {
			info := m.limiter.Info(client, class)
			m.metrics.RecordRateLimitDenied(r.Context(), class)
			setHeaders(w, info)
			w.Header().Set("X-RateLimit-Remaining", "0")
			retry := int(math.Ceil(time.Until(info.Reset).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(1, retry)))
			writeDenied(w, info)
			return
		}
		setHeaders(w, m.limiter.Info(client, class))
		next.ServeHTTP(w, r)
	})
}

func setHeaders(w http.ResponseWriter, info Info) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset.Unix(), 10))
}

func writeDenied(w http.ResponseWriter, info Info) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"error_code": apperr.CodeRateLimited,
		"message":    "Rate limit exceeded",
		"details": map[string]any{
			"limit":  info.Limit,
			"window": int(info.Window.Seconds()),
			"reset":  info.Reset.Unix(),
		},
	})
}
