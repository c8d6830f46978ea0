// Package ratelimit enforces per-client-IP request caps over fixed minute
// and day windows, and feeds the periodic usage report with top-IP counts.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Limits holds the per-IP request caps. A value of 0 means uncapped.
type Limits struct {
	PerMinute int64
	PerDay    int64
}

// Result is the outcome of an admission check. Scope names the cap that
// denied the request, "minute" or "day".
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Scope      string
}

// entry tracks one client IP: fixed admission windows plus a running
// request count for reporting.
type entry struct {
	minuteStart time.Time
	minuteCount int64
	dayStart    time.Time
	dayCount    int64
	seen        int64
	lastUsed    time.Time
}

// Limiter admits requests per client IP. Minute windows are wall-clock
// minutes; day windows are calendar days in the quota timezone, so the
// per-day cap rolls over together with upstream daily quotas.
type Limiter struct {
	mu        sync.Mutex
	limits    Limits
	loc       *time.Location
	entries   map[string]*entry
	lastDrain time.Time

	now func() time.Time
}

// New returns a Limiter. loc decides when day windows roll over; nil means
// UTC.
func New(limits Limits, loc *time.Location) *Limiter {
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{
		limits:  limits,
		loc:     loc,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow records one request from ip and reports whether it is admitted.
// Denied requests still count toward the report totals.
func (l *Limiter) Allow(ip string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entries[ip]
	if e == nil {
		e = &entry{}
		l.entries[ip] = e
	}
	e.lastUsed = now
	e.seen++

	minute := now.Truncate(time.Minute)
	if !e.minuteStart.Equal(minute) {
		e.minuteStart = minute
		e.minuteCount = 0
	}
	day := dayStart(now, l.loc)
	if !e.dayStart.Equal(day) {
		e.dayStart = day
		e.dayCount = 0
	}

	e.minuteCount++
	e.dayCount++

	var retry time.Duration
	var scope string
	if l.limits.PerMinute > 0 && e.minuteCount > l.limits.PerMinute {
		retry = minute.Add(time.Minute).Sub(now)
		scope = "minute"
	}
	if l.limits.PerDay > 0 && e.dayCount > l.limits.PerDay {
		if until := day.AddDate(0, 0, 1).Sub(now); until > retry {
			retry = until
			scope = "day"
		}
	}
	if retry > 0 {
		return Result{RetryAfter: retry, Scope: scope}
	}
	return Result{Allowed: true}
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// IPCount pairs a client IP with its request count.
type IPCount struct {
	IP    string
	Count int64
}

// DrainTop returns the n busiest IPs since the previous drain, ordered by
// request count, and resets the report counters. Entries idle since the
// previous drain are evicted so the table stays bounded by per-interval
// traffic. n <= 0 returns all.
func (l *Limiter) DrainTop(n int) []IPCount {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]IPCount, 0, len(l.entries))
	for ip, e := range l.entries {
		if e.seen > 0 {
			out = append(out, IPCount{IP: ip, Count: e.seen})
		}
		e.seen = 0
		if !e.lastUsed.After(l.lastDrain) {
			delete(l.entries, ip)
		}
	}
	l.lastDrain = l.now()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
