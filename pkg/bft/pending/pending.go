// Package pending implements the Pending request-tracking queue: a map from
// request id to the set of peers queried for it, with expiring callbacks
// resolved from unrelated code paths (the "coroutine control flow" design
// note), modeled here as buffered-channel resolvers rather than a global
// executor.
package pending

import (
	"errors"
	"sync"
	"time"
)

// ErrTimedOut is delivered to a callback that outlived MaxFetchTimeout
// without being resolved by a matching Remove.
var ErrTimedOut = errors.New("pending: request timed out")

// Result is delivered to a callback on resolution, carrying either the
// resolved value or an error (e.g. ErrTimedOut).
type Result struct {
	Value interface{}
	Err   error
}

type callback struct {
	ch      chan Result
	created time.Time
}

type requestState struct {
	peers     map[string]struct{}
	sent      map[string]struct{}
	callbacks []callback
}

// Queue is the Pending request tracker, keyed by a generic comparable
// request id (certificate id, height, transmission id, ...).
type Queue struct {
	mu              sync.Mutex
	requests        map[interface{}]*requestState
	maxFetchTimeout time.Duration
}

// New creates an empty Queue. maxFetchTimeout is the age at which
// ClearExpiredCallbacks resolves a callback with ErrTimedOut.
func New(maxFetchTimeout time.Duration) *Queue {
	return &Queue{
		requests:        make(map[interface{}]*requestState),
		maxFetchTimeout: maxFetchTimeout,
	}
}

// Insert records that peer has been asked for id, marks whether a wire
// request was actually sent, and optionally returns a channel the caller can
// await for the eventual resolution.
func (q *Queue) Insert(id interface{}, peer string, sentRequest bool, withCallback bool) <-chan Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.requests[id]
	if !ok {
		st = &requestState{peers: make(map[string]struct{}), sent: make(map[string]struct{})}
		q.requests[id] = st
	}
	st.peers[peer] = struct{}{}
	if sentRequest {
		st.sent[peer] = struct{}{}
	}

	if !withCallback {
		return nil
	}
	ch := make(chan Result, 1)
	st.callbacks = append(st.callbacks, callback{ch: ch, created: time.Now()})
	return ch
}

// NumSentRequests returns the number of peers we actually sent a wire
// request to for id.
func (q *Queue) NumSentRequests(id interface{}) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.requests[id]
	if !ok {
		return 0
	}
	return len(st.sent)
}

// ContainsPeerWithSentRequest reports whether an outstanding sent request to
// peer exists for id.
func (q *Queue) ContainsPeerWithSentRequest(id interface{}, peer string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.requests[id]
	if !ok {
		return false
	}
	_, ok = st.sent[peer]
	return ok
}

// Remove resolves every callback registered for id with value and erases
// the entry. It is a no-op if id has no outstanding request.
func (q *Queue) Remove(id interface{}, value interface{}) {
	q.mu.Lock()
	st, ok := q.requests[id]
	if ok {
		delete(q.requests, id)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	for _, cb := range st.callbacks {
		cb.ch <- Result{Value: value}
	}
}

// ClearExpiredCallbacks resolves, with ErrTimedOut, every callback older
// than maxFetchTimeout, and drops any request entry left with no peers and
// no live callbacks.
func (q *Queue) ClearExpiredCallbacks() {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, st := range q.requests {
		var kept []callback
		for _, cb := range st.callbacks {
			if now.Sub(cb.created) > q.maxFetchTimeout {
				cb.ch <- Result{Err: ErrTimedOut}
				continue
			}
			kept = append(kept, cb)
		}
		st.callbacks = kept
		if len(st.peers) == 0 && len(st.callbacks) == 0 {
			delete(q.requests, id)
		}
	}
}
