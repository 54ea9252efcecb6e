package gateway

import (
	"sync"
	"time"

	"github.com/dusk-network/dusk-bft-sync/wallet"
)

// maxStrikes is the number of rate-limit violations a peer may accrue before
// it is disconnected and excluded, mirroring the teacher's moderator idiom
// of a strike counter rather than an outright first-offense ban.
const maxStrikes = 3

// strikeWindow is how long a peer's strikes remain on its record; an old
// strike falling out of the window gives a recovered peer a clean slate.
const strikeWindow = 5 * time.Minute

type strikeRecord struct {
	count     int
	lastStrum time.Time
}

// RateLimiter tracks per-address strikes against request-volume limits.
// Grounded on the teacher's reputation/moderator.go strike-then-evict
// pattern, reworked from an actor with a listen() loop into a plain
// mutex-guarded map since the gateway already serializes calls per peer.
type RateLimiter struct {
	mu       sync.Mutex
	strikes  map[wallet.Address]*strikeRecord
	counters map[wallet.Address]*requestCounter
}

type requestCounter struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		strikes:  make(map[wallet.Address]*strikeRecord),
		counters: make(map[wallet.Address]*requestCounter),
	}
}

// Allow reports whether addr may make another request of the given kind
// within the current 1-second window given limit requests/sec, recording a
// strike and returning false once the limit is exceeded.
func (r *RateLimiter) Allow(addr wallet.Address, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	c, ok := r.counters[addr]
	if !ok || now.Sub(c.windowStart) > time.Second {
		c = &requestCounter{windowStart: now}
		r.counters[addr] = c
	}
	c.count++
	if c.count <= limit {
		return true
	}

	r.strikeLocked(addr, now)
	return false
}

func (r *RateLimiter) strikeLocked(addr wallet.Address, now time.Time) {
	rec, ok := r.strikes[addr]
	if !ok || now.Sub(rec.lastStrum) > strikeWindow {
		rec = &strikeRecord{}
		r.strikes[addr] = rec
	}
	rec.count++
	rec.lastStrum = now
}

// Banned reports whether addr has accrued maxStrikes within strikeWindow and
// should be disconnected.
func (r *RateLimiter) Banned(addr wallet.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.strikes[addr]
	if !ok {
		return false
	}
	if time.Since(rec.lastStrum) > strikeWindow {
		return false
	}
	return rec.count >= maxStrikes
}

// Forget drops all rate-limit state for addr, called on disconnect.
func (r *RateLimiter) Forget(addr wallet.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strikes, addr)
	delete(r.counters, addr)
}
