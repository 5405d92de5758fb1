// Package ratelimit enforces per-client request quotas with a sliding-window
// log per client and endpoint class.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Endpoint classes.
const (
	ClassUpload     = "upload"
	ClassSynthesize = "synthesize"
	ClassClone      = "clone"
	ClassDefault    = "default"
)

// Limit allows Requests within any Window. A non-positive Requests value
// disables limiting for the class.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits are applied when no configuration is given.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		ClassUpload:     {Requests: 10, Window: time.Hour},
		ClassSynthesize: {Requests: 100, Window: time.Hour},
		ClassClone:      {Requests: 50, Window: time.Hour},
		ClassDefault:    {Requests: 200, Window: time.Hour},
	}
}

// Info describes the quota state of one client and class.
type Info struct {
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	Reset     time.Time     `json:"reset"`
	Window    time.Duration `json:"window"`
}

// bucket is the request log of one client:class key.
type bucket struct {
	mu   sync.Mutex
	hits []time.Time
}

// prune drops hits that fell out of the window ending at now.
func (b *bucket) prune(now time.Time, window time.Duration) {
	start := now.Add(-window)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(start) {
		i++
	}
	b.hits = b.hits[i:]
}

// Limiter tracks request logs in an expiring cache. Idle keys are evicted
// once their window has passed. It is safe for concurrent use.
type Limiter struct {
	cache  *gocache.Cache
	limits atomic.Pointer[map[string]Limit]
	now    func() time.Time
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter enforcing limits. A nil map selects [DefaultLimits].
func New(limits map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		cache: gocache.New(time.Hour, 10*time.Minute),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.SetLimits(limits)
	return l
}

// SetLimits replaces the limits of all classes. Existing request logs are
// kept and evaluated against the new limits.
func (l *Limiter) SetLimits(limits map[string]Limit) {
	if limits == nil {
		limits = DefaultLimits()
	}
	cp := make(map[string]Limit, len(limits)+1)
	for k, v := range limits {
		cp[k] = v
	}
	if _, ok := cp[ClassDefault]; !ok {
		cp[ClassDefault] = DefaultLimits()[ClassDefault]
	}
	l.limits.Store(&cp)
}

// Limits returns a copy of the active limits.
func (l *Limiter) Limits() map[string]Limit {
	cur := *l.limits.Load()
	cp := make(map[string]Limit, len(cur))
	for k, v := range cur {
		cp[k] = v
	}
	return cp
}

func (l *Limiter) limit(class string) Limit {
	limits := *l.limits.Load()
	if lim, ok := limits[class]; ok {
		return lim
	}
	return limits[ClassDefault]
}

// Allow records cost requests for client in class and reports whether they
// fit the quota. Nothing is recorded on denial. Internal failures allow the
// request.
func (l *Limiter) Allow(client, class string, cost int) bool {
	lim := l.limit(class)
	if lim.Requests <= 0 || lim.Window <= 0 {
		return true
	}
	if cost < 1 {
		cost = 1
	}
	b, err := l.bucket(client, class, lim.Window)
	if err != nil {
		slog.Error("rate limiter failure, allowing request", "client", client, "class", class, "err", err)
		return true
	}

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, lim.Window)
	if len(b.hits)+cost > lim.Requests {
		slog.Warn("rate limit exceeded",
			"client", client,
			"class", class,
			"current", len(b.hits),
			"limit", lim.Requests,
		)
		return false
	}
	for range cost {
		b.hits = append(b.hits, now)
	}
	return true
}

// Info reports the quota state for client in class without recording a
// request.
func (l *Limiter) Info(client, class string) Info {
	lim := l.limit(class)
	now := l.now()
	info := Info{Limit: lim.Requests, Remaining: lim.Requests, Reset: now.Add(lim.Window), Window: lim.Window}
	if lim.Requests <= 0 {
		return info
	}
	v, ok := l.cache.Get(key(client, class))
	if !ok {
		return info
	}
	b, ok := v.(*bucket)
	if !ok {
		return info
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, lim.Window)
	info.Remaining = max(0, lim.Requests-len(b.hits))
	if len(b.hits) > 0 {
		info.Reset = b.hits[0].Add(lim.Window)
	}
	return info
}

// bucket returns the log for client:class, creating it when absent. Every
// access pushes the key's expiry one window ahead.
func (l *Limiter) bucket(client, class string, window time.Duration) (*bucket, error) {
	k := key(client, class)
	for range 2 {
		if v, exp, ok := l.cache.GetWithExpiration(k); ok {
			b, ok := v.(*bucket)
			if !ok {
				return nil, fmt.Errorf("ratelimit: unexpected cache value %T for %s", v, k)
			}
			if exp.IsZero() || time.Until(exp) < window/2 {
				l.cache.Set(k, b, window)
			}
			return b, nil
		}
		b := &bucket{}
		if err := l.cache.Add(k, b, window); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("ratelimit: could not create bucket for %s", k)
}

func key(client, class string) string { return client + ":" + class }
