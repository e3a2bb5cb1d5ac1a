// Package relayhealth gates every outbound relay request. It tracks failure
// streaks, opens a circuit breaker on repeated failures, blacklists relays
// that report overload, spaces requests per relay and process-wide, and caps
// in-flight requests per relay.
package relayhealth

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"

	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

var (
	// ErrCircuitOpen rejects admission while a relay's failure streak has
	// tripped the breaker and the cool-down window has not elapsed.
	ErrCircuitOpen = errors.New("relay circuit breaker open")
	// ErrBlacklisted rejects admission while an overload ban is in force.
	ErrBlacklisted = errors.New("relay blacklisted")
)

// Opts tunes the tracker. Zero values fall back to the defaults.
type Opts struct {
	// MaxFailures is the consecutive failure count that opens the breaker.
	MaxFailures int
	// CircuitWindow is how long an open breaker rejects admissions before it
	// closes again with the failure count reset.
	CircuitWindow time.Duration
	// BlacklistWindow is how long an overload blacklist lasts. It is longer
	// than CircuitWindow and independent of it so repeated overload signals
	// don't churn the breaker.
	BlacklistWindow time.Duration
	// MinInterval is the base spacing between two requests to one relay. It
	// widens exponentially with the failure streak.
	MinInterval time.Duration
	// MaxInterval caps the widened spacing.
	MaxInterval time.Duration
	// GlobalInterval is the minimum spacing between any two outbound
	// requests process-wide, to keep bursts off the wire.
	GlobalInterval time.Duration
	// MaxConcurrent caps in-flight requests per relay. Admit blocks until a
	// slot frees.
	MaxConcurrent int
}

// Default returns the tracker profile used when nothing is configured.
func Default() Opts {
	return Opts{
		MaxFailures:     3,
		CircuitWindow:   30 * time.Second,
		BlacklistWindow: 5 * time.Minute,
		MinInterval:     100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		GlobalInterval:  20 * time.Millisecond,
		MaxConcurrent:   4,
	}
}

// Aggressive returns the profile for hostile network conditions: one failure
// opens the breaker and relays get one request at a time.
func Aggressive() Opts {
	return Opts{
		MaxFailures:     1,
		CircuitWindow:   10 * time.Second,
		BlacklistWindow: 2 * time.Minute,
		MinInterval:     250 * time.Millisecond,
		MaxInterval:     time.Minute,
		GlobalInterval:  50 * time.Millisecond,
		MaxConcurrent:   1,
	}
}

// state is the per-relay record, created lazily on first use.
type state struct {
	mx                  sync.Mutex
	lastRequestAt       time.Time
	consecutiveFailures int
	circuitOpenedAt     time.Time
	blacklistedAt       time.Time
	concurrent          int
	slots               chan struct{}
}

// T is the process-wide health tracker.
type T struct {
	opts     Opts
	relays   *xsync.MapOf[string, *state]
	globalMx sync.Mutex
	lastAny  time.Time
}

func New(opts Opts) (t *T) {
	def := Default()
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = def.MaxFailures
	}
	if opts.CircuitWindow <= 0 {
		opts.CircuitWindow = def.CircuitWindow
	}
	if opts.BlacklistWindow <= 0 {
		opts.BlacklistWindow = def.BlacklistWindow
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.GlobalInterval <= 0 {
		opts.GlobalInterval = def.GlobalInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	return &T{opts: opts, relays: xsync.NewMapOf[*state]()}
}

func (t *T) get(url string) (s *state) {
	s, _ = t.relays.LoadOrCompute(url, func() *state {
		return &state{slots: make(chan struct{}, t.opts.MaxConcurrent)}
	})
	return
}

// Admit gates one outbound request to url. It fails fast with
// ErrBlacklisted or ErrCircuitOpen, otherwise blocks until a concurrency
// slot is free and the relay's spacing has elapsed. Every successful Admit
// must be paired with exactly one Success or Failure call.
func (t *T) Admit(c context.T, url string) (err error) {
	url = normalize.URL(url)
	s := t.get(url)
	now := time.Now()
	s.mx.Lock()
	if !s.blacklistedAt.IsZero() {
		if now.Sub(s.blacklistedAt) < t.opts.BlacklistWindow {
			s.mx.Unlock()
			return ErrBlacklisted
		}
		s.blacklistedAt = time.Time{}
	}
	if !s.circuitOpenedAt.IsZero() {
		if now.Sub(s.circuitOpenedAt) < t.opts.CircuitWindow {
			s.mx.Unlock()
			return ErrCircuitOpen
		}
		// window elapsed: close the breaker and forget the streak
		s.circuitOpenedAt = time.Time{}
		s.consecutiveFailures = 0
	}
	// reserve this caller's request time before sleeping so queued callers
	// stay spaced out
	target := s.lastRequestAt.Add(t.interval(s.consecutiveFailures))
	if target.Before(now) {
		target = now
	}
	s.lastRequestAt = target
	s.mx.Unlock()

	t.globalMx.Lock()
	if g := t.lastAny.Add(t.opts.GlobalInterval); g.After(target) {
		target = g
	}
	t.lastAny = target
	t.globalMx.Unlock()

	select {
	case s.slots <- struct{}{}:
	case <-c.Done():
		return c.Err()
	}
	s.mx.Lock()
	s.concurrent++
	s.mx.Unlock()
	if err = sleepUntil(c, target); err != nil {
		t.release(s)
		return
	}
	log.T.Ln("admitted request to", url)
	return
}

// interval returns the per-relay spacing widened by the failure streak.
func (t *T) interval(failures int) (d time.Duration) {
	d = t.opts.MinInterval
	for i := 0; i < failures && d < t.opts.MaxInterval; i++ {
		d *= 2
	}
	if d > t.opts.MaxInterval {
		d = t.opts.MaxInterval
	}
	return
}

func (t *T) release(s *state) {
	select {
	case <-s.slots:
	default:
	}
	s.mx.Lock()
	if s.concurrent > 0 {
		s.concurrent--
	}
	s.mx.Unlock()
}

// Success records a completed request, resetting the relay's failure streak
// and releasing its concurrency slot.
func (t *T) Success(url string) {
	url = normalize.URL(url)
	s := t.get(url)
	t.release(s)
	s.mx.Lock()
	s.consecutiveFailures = 0
	s.mx.Unlock()
}

// Failure records a failed request, releasing the concurrency slot and
// opening the breaker once the streak reaches the configured maximum.
func (t *T) Failure(url string) {
	url = normalize.URL(url)
	s := t.get(url)
	t.release(s)
	s.mx.Lock()
	s.consecutiveFailures++
	if s.consecutiveFailures >= t.opts.MaxFailures &&
		s.circuitOpenedAt.IsZero() {

		s.circuitOpenedAt = time.Now()
		log.D.Ln("circuit opened for", url, "after",
			s.consecutiveFailures, "failures")
	}
	s.mx.Unlock()
}

// Blacklist bans url for the blacklist window. Used when a relay reports
// protocol-level overload.
func (t *T) Blacklist(url string) {
	url = normalize.URL(url)
	s := t.get(url)
	s.mx.Lock()
	s.blacklistedAt = time.Now()
	s.mx.Unlock()
	log.D.Ln("blacklisted", url)
}

// Blacklisted reports whether url is currently banned.
func (t *T) Blacklisted(url string) (banned bool) {
	url = normalize.URL(url)
	s := t.get(url)
	s.mx.Lock()
	banned = !s.blacklistedAt.IsZero() &&
		time.Since(s.blacklistedAt) < t.opts.BlacklistWindow
	s.mx.Unlock()
	return
}

// Clear wipes all health state, used after user-visible connectivity resets.
func (t *T) Clear() {
	t.relays.Range(func(url string, _ *state) bool {
		t.relays.Delete(url)
		return true
	})
	t.globalMx.Lock()
	t.lastAny = time.Time{}
	t.globalMx.Unlock()
}

// Status is a point-in-time snapshot of one relay's health record.
type Status struct {
	URL                 string    `json:"url"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
	Blacklisted         bool      `json:"blacklisted"`
	Concurrent          int       `json:"concurrent"`
	LastRequestAt       time.Time `json:"last_request_at"`
}

// StatusOf returns the snapshot for one relay.
func (t *T) StatusOf(url string) (st Status) {
	url = normalize.URL(url)
	s := t.get(url)
	now := time.Now()
	s.mx.Lock()
	st = Status{
		URL:                 url,
		ConsecutiveFailures: s.consecutiveFailures,
		CircuitOpen: !s.circuitOpenedAt.IsZero() &&
			now.Sub(s.circuitOpenedAt) < t.opts.CircuitWindow,
		Blacklisted: !s.blacklistedAt.IsZero() &&
			now.Sub(s.blacklistedAt) < t.opts.BlacklistWindow,
		Concurrent:    s.concurrent,
		LastRequestAt: s.lastRequestAt,
	}
	s.mx.Unlock()
	return
}

// All returns snapshots for every relay seen so far.
func (t *T) All() (sts []Status) {
	t.relays.Range(func(url string, _ *state) bool {
		sts = append(sts, t.StatusOf(url))
		return true
	})
	return
}

func sleepUntil(c context.T, target time.Time) (err error) {
	d := time.Until(target)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return
	case <-c.Done():
		return c.Err()
	}
}
