package catalog

import (
	"sync"
	"time"
)

// breakerState is the position of a receiver's circuit.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker trips after consecutive delivery failures to one receiver host so
// that every journey aimed at a dead receiver backs off together instead of
// each spending its own reattempts against it. Safe for concurrent use.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
}

// allow reports whether a delivery may proceed. When it may not, wait is the
// time left until the next probe is permitted. In half-open a single probe
// is let through at a time.
func (b *breaker) allow(now time.Time) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if elapsed := now.Sub(b.openedAt); elapsed < b.cooldown {
			return false, b.cooldown - elapsed
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true, 0
	case breakerHalfOpen:
		if b.probing {
			return false, b.cooldown
		}
		b.probing = true
		return true, 0
	default:
		return true, 0
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.probing = false
}

func (b *breaker) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.state {
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = now
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = breakerOpen
			b.openedAt = now
		}
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakers holds one breaker per receiver host.
type breakers struct {
	mu        sync.Mutex
	byHost    map[string]*breaker
	threshold int
	cooldown  time.Duration
}

func newBreakers(threshold int, cooldown time.Duration) *breakers {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakers{byHost: make(map[string]*breaker), threshold: threshold, cooldown: cooldown}
}

func (bs *breakers) forHost(host string) *breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byHost[host]
	if !ok {
		b = &breaker{threshold: bs.threshold, cooldown: bs.cooldown}
		bs.byHost[host] = b
	}
	return b
}
