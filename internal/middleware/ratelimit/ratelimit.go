// Package ratelimit provides per-client token bucket rate limiting. Requests
// that start a check or tweak run draw from a separate, smaller bucket since
// each one compiles a project and may talk to the fork.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pendergraft/contratweak/internal/middleware/realip"
)

// Config holds the configuration for rate limiting
type Config struct {
	Enabled        bool
	RequestsPerMin int // all requests, per client
	BurstSize      int
	RunsPerMin     int // POSTs that start a run, per client; 0 = no extra limit
	RunBurst       int
	CleanupMinutes int // idle buckets are dropped after this long
}

type class int

const (
	classDefault class = iota
	classRun
)

type bucketKey struct {
	client string
	class  class
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks buckets per client address.
type Limiter struct {
	cfg  Config
	idle time.Duration

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Limiter and starts its janitor. Call Close to stop it.
func New(cfg Config) *Limiter {
	idle := time.Duration(cfg.CleanupMinutes) * time.Minute
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		idle:    idle,
		buckets: make(map[bucketKey]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Close stops the janitor and waits for it to exit. It is safe to call more
// than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Limiter) janitor() {
	defer close(l.done)
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (l *Limiter) limiterFor(key bucketKey, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		perMin, burst := l.cfg.RequestsPerMin, l.cfg.BurstSize
		if key.class == classRun {
			perMin, burst = l.cfg.RunsPerMin, l.cfg.RunBurst
		}
		if burst <= 0 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow consumes a token for the client in every bucket the request falls
// into. The returned duration is a suggested wait when it does not.
func (l *Limiter) Allow(r *http.Request) (bool, time.Duration) {
	client := realip.GetClientIP(r)
	now := time.Now()

	classes := []class{classDefault}
	if l.cfg.RunsPerMin > 0 && startsRun(r) {
		classes = append(classes, classRun)
	}
	var reserved []*rate.Reservation
	for _, c := range classes {
		res := l.limiterFor(bucketKey{client: client, class: c}, now).ReserveN(now, 1)
		if res.OK() && res.DelayFrom(now) == 0 {
			reserved = append(reserved, res)
			continue
		}
		wait := time.Minute
		if res.OK() {
			wait = res.DelayFrom(now)
			res.CancelAt(now)
		}
		// hand back tokens already taken from the other buckets
		for _, prev := range reserved {
			prev.CancelAt(now)
		}
		return false, wait
	}
	return true, 0
}

// startsRun matches POST /api/v1/projects/{name}/check and .../tweak.
func startsRun(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	return strings.HasPrefix(path, "/api/v1/projects/") &&
		(strings.HasSuffix(path, "/check") || strings.HasSuffix(path, "/tweak"))
}

// exempt paths are never limited
var exempt = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware answers 429 with a Retry-After header once a bucket is empty.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if ok, wait := l.Allow(r); !ok {
				secs := int(wait.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":    "RATE_LIMIT_EXCEEDED",
						"message": "Too many requests. Please try again later.",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
