// Package session caches one controller session and a short-lived snapshot
// of the controller's object states.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a rule-state entry is served before it must be
// re-read from the controller.
const DefaultTTL = 60 * time.Second

// ErrNoAuthenticator is returned when a cache without an authenticator is
// asked for a session.
var ErrNoAuthenticator = errors.New("session: no authenticator")

// Status is the lifecycle of the cached session.
type Status int

const (
	StatusAbsent Status = iota
	StatusValid
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "absent"
	}
}

// Session is an authenticated controller session.
type Session struct {
	Handle    string
	CSRF      string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero means no expiry
}

// Authenticator performs a remote login and returns the new session.
type Authenticator func(ctx context.Context) (Session, error)

type stateEntry struct {
	enabled    bool
	capturedAt time.Time
}

// Cache holds the session and rule-state snapshot of one backend instance.
// A single mutex guards both.
type Cache struct {
	mu      sync.Mutex
	session Session
	status  Status
	states  map[string]stateEntry
	epoch   uint64
	ttl     time.Duration
	auth    Authenticator
	group   singleflight.Group
	now     func() time.Time
	logins  int
}

// New creates a Cache with the system clock.
func New(auth Authenticator, ttl time.Duration) *Cache {
	return NewWithClock(auth, ttl, time.Now)
}

// NewWithClock creates a Cache with a custom clock.
func NewWithClock(auth Authenticator, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		panic("session: nil clock")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		states: make(map[string]stateEntry),
		ttl:    ttl,
		auth:   auth,
		now:    now,
	}
}

// Session returns the cached session when it is valid and unexpired.
// Otherwise it authenticates; concurrent callers share one in-flight
// authentication.
func (c *Cache) Session(ctx context.Context) (Session, error) {
	if s, ok := c.current(); ok {
		return s, nil
	}
	if c.auth == nil {
		return Session{}, ErrNoAuthenticator
	}

	ch := c.group.DoChan("auth", func() (any, error) {
		// A caller that lost the race may arrive after the winner stored
		// its session.
		if s, ok := c.current(); ok {
			return s, nil
		}
		// Detached so one caller's cancellation does not fail the others.
		s, err := c.auth(context.WithoutCancel(ctx))
		if err != nil {
			return Session{}, err
		}
		if s.IssuedAt.IsZero() {
			s.IssuedAt = c.now()
		}
		c.mu.Lock()
		c.session = s
		c.status = StatusValid
		c.logins++
		c.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (c *Cache) current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusValid {
		return Session{}, false
	}
	if !c.session.ExpiresAt.IsZero() && !c.now().Before(c.session.ExpiresAt) {
		c.status = StatusInvalid
		return Session{}, false
	}
	return c.session, true
}

// Peek returns the cached session without authenticating.
func (c *Cache) Peek() (Session, bool) {
	return c.current()
}

// Invalidate marks the session unusable. The next Session call
// re-authenticates.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	if c.status == StatusValid {
		c.status = StatusInvalid
	}
	c.mu.Unlock()
}

// InvalidateIf invalidates the session only if it is still the one with the
// given handle, so a stale failure does not discard a newer session.
func (c *Cache) InvalidateIf(handle string) {
	c.mu.Lock()
	if c.status == StatusValid && c.session.Handle == handle {
		c.status = StatusInvalid
	}
	c.mu.Unlock()
}

// Status reports the session lifecycle state.
func (c *Cache) Status() Status {
	c.current()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Logins returns how many authentications have completed.
func (c *Cache) Logins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins
}

// RuleState returns the cached state of id if it was captured within maxAge.
// A non-positive maxAge uses the cache TTL.
func (c *Cache) RuleState(id string, maxAge time.Duration) (bool, bool) {
	if maxAge <= 0 {
		maxAge = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.states[id]
	if !ok {
		return false, false
	}
	if c.now().Sub(e.capturedAt) >= maxAge {
		delete(c.states, id)
		return false, false
	}
	return e.enabled, true
}

// Epoch returns the snapshot generation. Read it before fetching state from
// the controller and pass it to PutRuleState.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// PutRuleState records a state read under epoch. It reports false and drops
// the value when a ForceRefresh happened since the read began.
func (c *Cache) PutRuleState(epoch uint64, id string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.states[id] = stateEntry{enabled: enabled, capturedAt: c.now()}
	return true
}

// PutRuleStates records a batch of states read under epoch.
func (c *Cache) PutRuleStates(epoch uint64, states map[string]bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	now := c.now()
	for id, enabled := range states {
		c.states[id] = stateEntry{enabled: enabled, capturedAt: now}
	}
	return true
}

// ForgetRuleState drops one entry.
func (c *Cache) ForgetRuleState(id string) {
	c.mu.Lock()
	delete(c.states, id)
	c.mu.Unlock()
}

// ForceRefresh discards the snapshot and starts a new epoch, so reads that
// began earlier cannot repopulate it.
func (c *Cache) ForceRefresh() {
	c.mu.Lock()
	c.states = make(map[string]stateEntry)
	c.epoch++
	c.mu.Unlock()
}

// TTL returns the snapshot lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
