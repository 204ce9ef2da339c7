package services

import (
	"sync"
	"time"
)

// SendRateLimiter caps outbound sends across three rolling windows:
// per-minute, per-hour and per-day. A send consumes a token from all
// three windows or none. The limiter is injected into each dispatcher
// rather than held as package state, so tests can supply their own
// instance and clock.
type SendRateLimiter struct {
	mu sync.Mutex

	PerMinute int
	PerHour   int
	PerDay    int

	now func() time.Time

	minuteStart time.Time
	minuteCount int
	hourStart   time.Time
	hourCount   int
	dayStart    time.Time
	dayCount    int
}

// NewSendRateLimiter builds a limiter with the given ceilings. A ceiling
// of zero or below disables that window.
func NewSendRateLimiter(perMinute, perHour, perDay int) *SendRateLimiter {
	return &SendRateLimiter{
		PerMinute: perMinute,
		PerHour:   perHour,
		PerDay:    perDay,
		now:       time.Now,
	}
}

// WithClock overrides the limiter's clock, for tests
func (l *SendRateLimiter) WithClock(now func() time.Time) *SendRateLimiter {
	l.now = now
	return l
}

// Allow consumes one token from every window. It returns false without
// consuming anything when any window is exhausted; the dispatcher then
// pauses the campaign instead of busy-waiting.
func (l *SendRateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)

	if l.PerMinute > 0 && l.minuteCount >= l.PerMinute {
		return false
	}
	if l.PerHour > 0 && l.hourCount >= l.PerHour {
		return false
	}
	if l.PerDay > 0 && l.dayCount >= l.PerDay {
		return false
	}

	l.minuteCount++
	l.hourCount++
	l.dayCount++
	return true
}

func (l *SendRateLimiter) roll(now time.Time) {
	if now.Sub(l.minuteStart) >= time.Minute {
		l.minuteStart = now
		l.minuteCount = 0
	}
	if now.Sub(l.hourStart) >= time.Hour {
		l.hourStart = now
		l.hourCount = 0
	}
	if now.Sub(l.dayStart) >= 24*time.Hour {
		l.dayStart = now
		l.dayCount = 0
	}
}
