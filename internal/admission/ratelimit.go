// Package admission decides whether a connection, terminal creation or
// one-shot request may proceed.
//
// Limits are fixed windows keyed by caller identity. A bucket is created on
// the first request, reset lazily once its window has passed, and deleted by
// a periodic sweep so idle callers do not accumulate. All state is in memory.
package admission

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule removes expired buckets every five minutes
const DefaultSweepSchedule = "@every 5m"

// Config is a window length and the number of requests allowed within it
type Config struct {
	Window time.Duration
	Max    int
}

// Presets
var (
	Strict   = Config{Window: time.Minute, Max: 10}
	Standard = Config{Window: time.Minute, Max: 60}
	Generous = Config{Window: time.Minute, Max: 100}
	API      = Config{Window: time.Hour, Max: 1000}
)

// RateLimitError is returned when a key has exhausted its window
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded for %s (retry after %s)", e.Limit, e.Key, e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Status is a snapshot of one key's bucket
type Status struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces a fixed-window request ceiling per key
type RateLimiter struct {
	cfg  Config
	name string

	mu      sync.Mutex
	buckets map[string]*bucket

	// Clock function for testing
	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter. name appears in log lines only.
func NewRateLimiter(name string, cfg Config) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	return &RateLimiter{
		cfg:     cfg,
		name:    name,
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

// Name returns the label the limiter was created with
func (rl *RateLimiter) Name() string {
	return rl.name
}

// Config returns the limiter's window and ceiling
func (rl *RateLimiter) Config() Config {
	return rl.cfg
}

// Allow counts one request for key. It returns nil when the request fits in
// the current window, or a *RateLimitError carrying the time until the
// window resets.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(rl.cfg.Window)}
		rl.buckets[key] = b
	}

	if b.count >= rl.cfg.Max {
		retryAfter := b.resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		log.Printf("[admission] %s limit: %s exceeded %d per %s", rl.name, key, rl.cfg.Max, rl.cfg.Window)
		return &RateLimitError{
			Key:        key,
			Limit:      rl.cfg.Max,
			RetryAfter: retryAfter,
			ResetAt:    b.resetAt,
		}
	}

	b.count++
	return nil
}

// Status reports the bucket for key without counting a request
func (rl *RateLimiter) Status(key string) Status {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		return Status{Limit: rl.cfg.Max, Remaining: rl.cfg.Max, ResetAt: now.Add(rl.cfg.Window)}
	}
	remaining := rl.cfg.Max - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{Limit: rl.cfg.Max, Remaining: remaining, ResetAt: b.resetAt}
}

// Sweep deletes every bucket whose window has passed and returns how many
// were removed
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	removed := 0
	for key, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// StartJanitor runs Sweep on every limiter according to schedule (cron spec
// or "@every" descriptor). Stop the returned cron to end the sweeps.
func StartJanitor(schedule string, limiters ...*RateLimiter) (*cron.Cron, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		for _, rl := range limiters {
			if n := rl.Sweep(); n > 0 {
				log.Printf("[admission] swept %d expired %s bucket(s)", n, rl.name)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
