package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// windowLimiter allows limit calls per key inside a fixed window.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]window
}

type window struct {
	count int
	reset time.Time
}

func newWindowLimiter(limit int, every time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || every <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:  limit,
		window: every,
		clock:  clock,
		store:  make(map[string]window),
	}
}

func (l *windowLimiter) Allow(key string) bool {
	key = strings.TrimSpace(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.store[key]
	if !ok || !now.Before(current.reset) {
		l.prune(now)
		l.store[key] = window{count: 1, reset: now.Add(l.window)}
		return true
	}
	if current.count >= l.limit {
		return false
	}
	current.count++
	l.store[key] = current
	return true
}

func (l *windowLimiter) prune(now time.Time) {
	for key, w := range l.store {
		if !now.Before(w.reset) {
			delete(l.store, key)
		}
	}
}
