// Package ratelimit caps posts per account on a rolling one-hour window.
//
// State is in memory and per process. Two processes sharing a store each
// enforce their own window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/maheshrc27/postpilot/internal/models"
)

const Window = time.Hour

// Reservation is one counted attempt. Release gives it back.
type Reservation struct {
	key string
	at  time.Time
}

type Limiter struct {
	mu       sync.Mutex
	limits   map[models.Platform]int
	fallback int
	now      func() time.Time
	attempts map[string][]time.Time
}

// New builds a limiter. A platform missing from limits gets fallback; a
// limit of zero or less disables limiting for that platform.
func New(limits map[models.Platform]int, fallback int, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		limits:   limits,
		fallback: fallback,
		now:      now,
		attempts: make(map[string][]time.Time),
	}
}

func key(p models.Platform, accountID string) string {
	return string(p) + ":" + accountID
}

func (l *Limiter) limit(p models.Platform) int {
	if n, ok := l.limits[p]; ok {
		return n
	}
	return l.fallback
}

// prune drops attempts older than the window. Callers hold mu.
func (l *Limiter) prune(k string, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	hits := l.attempts[k]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(l.attempts, k)
		return nil
	}
	l.attempts[k] = hits
	return hits
}

// Reserve counts an attempt if the account is under its limit. ok is false
// when the window is full; nothing is recorded then.
func (l *Limiter) Reserve(p models.Platform, accountID string) (r Reservation, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key(p, accountID)
	hits := l.prune(k, now)
	if n := l.limit(p); n > 0 && len(hits) >= n {
		return Reservation{}, false
	}
	l.attempts[k] = append(hits, now)
	return Reservation{key: k, at: now}, true
}

// Release forgets a reservation, e.g. when another worker won the claim.
func (l *Limiter) Release(r Reservation) {
	if r.key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.attempts[r.key]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].Equal(r.at) {
			l.attempts[r.key] = append(hits[:i:i], hits[i+1:]...)
			break
		}
	}
	if len(l.attempts[r.key]) == 0 {
		delete(l.attempts, r.key)
	}
}

// Remaining reports how many attempts the account has left in the window.
// It returns -1 when the platform is unlimited.
func (l *Limiter) Remaining(p models.Platform, accountID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.limit(p)
	if n <= 0 {
		return -1
	}
	used := len(l.prune(key(p, accountID), l.now()))
	if used >= n {
		return 0
	}
	return n - used
}

// NextSlot returns when the account's oldest counted attempt leaves the
// window, or now if there is room already.
func (l *Limiter) NextSlot(p models.Platform, accountID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := l.prune(key(p, accountID), now)
	if n := l.limit(p); n <= 0 || len(hits) < n {
		return now
	}
	return hits[0].Add(Window)
}
