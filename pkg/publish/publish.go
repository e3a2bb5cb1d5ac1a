// Package publish fans one event out to a set of relays and accounts for
// every relay's outcome. A publish succeeds once enough relays ack (one, by
// default); the receipt list always has exactly one entry per relay tried,
// with relays still pending at the deadline recorded as timeouts.
package publish

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaypool"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

// DefaultTimeout bounds the total wall clock time of one Publish call,
// fallback attempt included.
const DefaultTimeout = 10 * time.Second

var ErrNoRelays = errors.New("no relays to publish to")

// State is where a relay's attempt ended up. Receipts carry the final
// state so a caller can show a truthful per-relay status list.
type State string

const (
	StatePending        State = "pending"
	StateThrottled      State = "throttled"
	StateSending        State = "sending"
	StateAuthenticating State = "authenticating"
	StateSuccess        State = "success"
	StateError          State = "error"
)

// Receipt is the outcome on one relay.
type Receipt struct {
	URL     string        `json:"url"`
	OK      bool          `json:"ok"`
	State   State         `json:"state"`
	Reason  string        `json:"reason,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Result is the outcome of a whole publish call.
type Result struct {
	OK           bool      `json:"ok"`
	SuccessCount int       `json:"success_count"`
	TotalCount   int       `json:"total_count"`
	Receipts     []Receipt `json:"receipts"`
}

// AggregateError reports a publish that did not reach its ack threshold on
// any combination of relays. It carries the full receipt list so partial
// detail is never lost.
type AggregateError struct {
	SuccessCount int
	TotalCount   int
	Receipts     []Receipt
}

func (a *AggregateError) Error() string {
	parts := make([]string, 0, len(a.Receipts))
	for _, r := range a.Receipts {
		parts = append(parts, r.URL+": "+r.Reason)
	}
	return fmt.Sprintf("publish acked by %d of %d relays: %s",
		a.SuccessCount, a.TotalCount, strings.Join(parts, "; "))
}

// Option is a per-call option.
type Option interface {
	IsPublishOption()
}

// NoFallback disables the hinted-relay fallback: the caller hand-picked
// the relay set and does not want silent rerouting.
type NoFallback struct{}

func (NoFallback) IsPublishOption() {}

// WithTimeout overrides the total deadline for this call.
type WithTimeout time.Duration

func (WithTimeout) IsPublishOption() {}

// WithThreshold overrides how many acks count as success for this call.
type WithThreshold int

func (WithThreshold) IsPublishOption() {}

// T publishes events through the shared pool, gated per relay by the
// health tracker. Sign, when set, answers auth challenges; FallbackRelays,
// when set, supplies the ordinary write set for the single-hinted-relay
// fallback.
type T struct {
	Pool           *relaypool.T
	Health         *relayhealth.T
	Sign           func(ev *nostr.Event) error
	FallbackRelays func() []string
	Timeout        time.Duration
	Threshold      int
}

func New(pool *relaypool.T, health *relayhealth.T) *T {
	return &T{
		Pool:      pool,
		Health:    health,
		Timeout:   DefaultTimeout,
		Threshold: 1,
	}
}

// Publish sends ev to every relay in urls and returns once enough relays
// ack, every relay fails, or the deadline passes. When a single relay was
// given (a hint, typically carried by a reply) and it fails entirely, the
// ordinary write set is tried next and both attempts' receipts are
// concatenated, unless NoFallback is passed. Total failure returns an
// AggregateError carrying every receipt.
func (p *T) Publish(c context.T, urls []string, ev *nostr.Event,
	opts ...Option) (res *Result, err error) {
	urls = normalize.URLs(urls)
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	timeout, threshold, fallback := p.Timeout, p.Threshold, true
	for _, o := range opts {
		switch v := o.(type) {
		case WithTimeout:
			if v > 0 {
				timeout = time.Duration(v)
			}
		case WithThreshold:
			if v > 0 {
				threshold = int(v)
			}
		case NoFallback:
			fallback = false
		}
	}
	if threshold < 1 {
		threshold = 1
	}
	ctx, cancel := context.Timeout(c, timeout)
	defer cancel()
	res = p.attempt(ctx, urls, ev, threshold)
	if !res.OK && len(urls) == 1 && fallback && p.FallbackRelays != nil {
		if alt := without(normalize.URLs(p.FallbackRelays()),
			urls[0]); len(alt) > 0 {
			log.D.F("hinted relay %s failed, trying %d write relays",
				urls[0], len(alt))
			more := p.attempt(ctx, alt, ev, threshold)
			res.Receipts = append(res.Receipts, more.Receipts...)
			res.SuccessCount += more.SuccessCount
			res.TotalCount += more.TotalCount
			res.OK = res.SuccessCount >= threshold
		}
	}
	if !res.OK {
		return nil, &AggregateError{
			SuccessCount: res.SuccessCount,
			TotalCount:   res.TotalCount,
			Receipts:     res.Receipts,
		}
	}
	return res, nil
}

// attempt tries one relay set in parallel and blocks until every relay has
// produced its receipt. Receipts come back in input order.
func (p *T) attempt(c context.T, urls []string, ev *nostr.Event,
	threshold int) (res *Result) {
	type slot struct {
		i int
		r Receipt
	}
	ch := make(chan slot, len(urls))
	for i, url := range urls {
		go func(i int, url string) {
			ch <- slot{i: i, r: p.one(c, url, ev)}
		}(i, url)
	}
	receipts := make([]Receipt, len(urls))
	for range urls {
		s := <-ch
		receipts[s.i] = s.r
	}
	res = &Result{TotalCount: len(urls), Receipts: receipts}
	for i := range receipts {
		if receipts[i].OK {
			res.SuccessCount++
		}
	}
	res.OK = res.SuccessCount >= threshold
	return
}

// one walks a single relay through the publish state machine and always
// comes back with a receipt.
func (p *T) one(c context.T, url string, ev *nostr.Event) (r Receipt) {
	r = Receipt{URL: url, State: StatePending}
	start := time.Now()
	defer func() { r.Elapsed = time.Since(start) }()
	r.State = StateThrottled
	if err := p.Health.Admit(c, url); err != nil {
		r.State = StateError
		r.Reason = failureReason(c, err)
		return
	}
	rl, err := p.Pool.EnsureRelay(url)
	if err != nil {
		p.Health.Failure(url)
		r.State = StateError
		r.Reason = failureReason(c, err)
		return
	}
	r.State = StateSending
	if err = rl.Publish(c, *ev); err == nil {
		p.Health.Success(url)
		r.State = StateSuccess
		r.OK = true
		return
	}
	if isOverloaded(err) {
		p.Health.Failure(url)
		p.Health.Blacklist(url)
		log.I.F("relay %s overloaded, blacklisted: %v", url, err)
		r.State = StateError
		r.Reason = err.Error()
		return
	}
	if isAuthRequired(err) && p.Sign != nil {
		r.State = StateAuthenticating
		if aerr := rl.Auth(c, p.Sign); chk.D(aerr) {
			p.Health.Failure(url)
			r.State = StateError
			r.Reason = failureReason(c, aerr)
			return
		}
		if err = rl.Publish(c, *ev); err == nil {
			p.Health.Success(url)
			r.State = StateSuccess
			r.OK = true
			return
		}
	}
	p.Health.Failure(url)
	r.State = StateError
	r.Reason = failureReason(c, err)
	return
}

// failureReason keeps receipt reasons short and stable: deadline expiry is
// always spelled "timeout" so pending relays total up consistently.
func failureReason(c context.T, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	if c.Err() != nil {
		return "timeout"
	}
	return err.Error()
}

func isOverloaded(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "overloaded")
}

func isAuthRequired(err error) bool {
	return strings.Contains(err.Error(), "auth-required:")
}

func without(urls []string, skip string) (out []string) {
	for _, u := range urls {
		if u != skip {
			out = append(out, u)
		}
	}
	return
}
