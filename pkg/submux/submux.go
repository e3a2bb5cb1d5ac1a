// Package submux fans one logical query out to many relays, merges their
// answers into a deduplicated newest-first view, and decides completion by
// quorum so one slow relay cannot hold up the result.
package submux

import (
	"encoding/hex"
	"errors"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/qu"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaypool"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"

	"github.com/nbd-wtf/go-nostr"
	"lukechampine.com/frand"
)

var log, chk = slog.New(os.Stderr)

var ErrNoRelays = errors.New("no relays to subscribe to")

// Callbacks is the surface consumers receive results on. Calls arrive from
// one goroutine, in order.
type Callbacks struct {
	// OnEvents receives the stored events accumulated so far, newest first,
	// re-delivered with a larger view as more relays finish. The view never
	// shrinks. complete is set once every relay has ended or the global
	// timeout elapsed.
	OnEvents func(evs []*nostr.Event, complete bool)
	// OnNew receives each live event exactly once, after completion.
	OnNew func(ev *nostr.Event)
	// OnClose reports a relay leaving the subscription and why.
	OnClose func(url, reason string)
}

// Opts are the per-subscription knobs.
type Opts struct {
	// Quorum is the fraction of started relays whose end-of-stored-events
	// is enough to deliver a first result. Never requires unanimity.
	Quorum float64
	// Timeout is the hard ceiling after which the subscription completes
	// with whatever has accumulated.
	Timeout time.Duration
}

func DefaultOpts() Opts {
	return Opts{Quorum: 0.5, Timeout: 10 * time.Second}
}

type Option interface {
	IsMuxOption()
	Apply(o *Opts)
}

// WithQuorum overrides the quorum fraction for one subscription.
type WithQuorum float64

func (WithQuorum) IsMuxOption()    {}
func (w WithQuorum) Apply(o *Opts) { o.Quorum = float64(w) }

// WithTimeout overrides the global timeout for one subscription.
type WithTimeout time.Duration

func (WithTimeout) IsMuxOption()    {}
func (w WithTimeout) Apply(o *Opts) { o.Timeout = time.Duration(w) }

var (
	_ Option = (WithQuorum)(0)
	_ Option = (WithTimeout)(0)
)

// T is the multiplexer. Sign, when set, answers relay auth challenges.
type T struct {
	Pool     *relaypool.T
	Health   *relayhealth.T
	Sign     func(ev *nostr.Event) error
	Defaults Opts
}

func New(pool *relaypool.T, health *relayhealth.T) *T {
	return &T{Pool: pool, Health: health, Defaults: DefaultOpts()}
}

// Sub is the live handle for one multiplexed subscription.
type Sub struct {
	cancel context.F
}

// Close stops callback delivery and tears the subscription down.
func (s *Sub) Close() { s.cancel() }

// Subscribe opens the query on every relay in urls and starts delivering on
// cb. The returned handle must be closed when the caller loses interest.
func (m *T) Subscribe(c context.T, urls []string, ff nostr.Filters,
	cb Callbacks, options ...Option) (s *Sub, err error) {

	urls = normalize.URLs(urls)
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	o := m.Defaults
	for _, opt := range options {
		opt.Apply(&o)
	}
	if o.Quorum <= 0 || o.Quorum > 1 {
		o.Quorum = DefaultOpts().Quorum
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultOpts().Timeout
	}
	c, cancel := context.Cancel(c)
	r := &run{
		m:     m,
		c:     c,
		cb:    cb,
		o:     o,
		ff:    ff,
		label: hex.EncodeToString(frand.Bytes(4)),
		limit: maxLimit(ff),
		total: len(urls),
		seen:  make(map[string]struct{}),
		kick:  qu.Ts(1),
	}
	go r.deliver()
	go r.watchdog()
	for _, u := range urls {
		go r.relay(u)
	}
	return &Sub{cancel: cancel}, nil
}

const (
	emitEvents = iota
	emitLive
	emitClose
)

type emission struct {
	kind     int
	evs      []*nostr.Event
	complete bool
	live     *nostr.Event
	url      string
	reason   string
}

// run is the shared state of one subscription.
type run struct {
	m  *T
	c  context.T
	cb Callbacks
	o  Opts
	ff nostr.Filters
	// label tags every per-relay REQ of this subscription so one
	// multiplexed query is recognizable in relay logs.
	label string
	limit int

	mx          sync.Mutex
	total       int
	failed      int // skipped or died before their end of stored events
	eose        int // real plus assumed ends of stored events
	accum       []*nostr.Event
	seen        map[string]struct{}
	complete    bool
	completedAt nostr.Timestamp
	pending     []emission
	kick        qu.C
}

// relay runs one leg of the subscription, from admission to teardown.
func (r *run) relay(url string) {
	m := r.m
	if err := m.Health.Admit(r.c, url); err != nil {
		r.fail(url, err.Error())
		return
	}
	rl, err := m.Pool.EnsureRelay(url)
	if err != nil {
		m.Health.Failure(url)
		r.fail(url, "connect: "+err.Error())
		return
	}
	var hasAuthed, eosed bool
	var sub *nostr.Subscription
subscribe:
	sub, err = rl.Subscribe(r.c, r.ff, nostr.WithLabel(r.label))
	if err != nil {
		m.Health.Failure(url)
		r.fail(url, "subscribe: "+err.Error())
		return
	}
	defer sub.Unsub()
	eoseCh := sub.EndOfStoredEvents
	for {
		select {
		case <-r.c.Done():
			return
		case <-eoseCh:
			eoseCh = nil
			if !eosed {
				eosed = true
				m.Health.Success(url)
				r.sawEOSE()
			}
		case reason := <-sub.ClosedReason:
			if strings.HasPrefix(reason, "auth-required:") && !hasAuthed &&
				m.Sign != nil {

				if authErr := rl.Auth(r.c, m.Sign); authErr == nil {
					hasAuthed = true
					log.D.Ln("authed to", url, "reopening subscription")
					goto subscribe
				}
			}
			// permanently closed for this subscription: assume its end of
			// stored events so quorum math still progresses
			if !eosed {
				eosed = true
				m.Health.Failure(url)
				r.sawEOSE()
			}
			r.closed(url, reason)
			return
		case ev, ok := <-sub.Events:
			if !ok {
				if !eosed {
					m.Health.Failure(url)
					r.fail(url, "connection closed")
				} else {
					r.closed(url, "connection closed")
				}
				return
			}
			r.ingest(url, ev)
		}
	}
}

// ingest merges one incoming event, routing it to the accumulator before
// completion and to OnNew after.
func (r *run) ingest(url string, ev *nostr.Event) {
	r.m.Pool.MarkSeen(ev.ID, url)
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, dup := r.seen[ev.ID]; dup {
		return
	}
	if r.complete {
		if ev.CreatedAt > r.completedAt {
			r.seen[ev.ID] = struct{}{}
			r.queue(emission{kind: emitLive, live: ev})
		}
		return
	}
	r.seen[ev.ID] = struct{}{}
	i := sort.Search(len(r.accum), func(i int) bool {
		return eventBefore(ev, r.accum[i])
	})
	r.accum = append(r.accum, nil)
	copy(r.accum[i+1:], r.accum[i:])
	r.accum[i] = ev
}

func (r *run) sawEOSE() {
	r.mx.Lock()
	r.eose++
	r.check()
	r.mx.Unlock()
}

func (r *run) fail(url, reason string) {
	r.mx.Lock()
	r.failed++
	r.queue(emission{kind: emitClose, url: url, reason: reason})
	r.check()
	r.mx.Unlock()
}

func (r *run) closed(url, reason string) {
	r.mx.Lock()
	r.queue(emission{kind: emitClose, url: url, reason: reason})
	r.mx.Unlock()
}

// check runs the quorum and completion math. Callers hold mx.
func (r *run) check() {
	if r.complete {
		return
	}
	done := r.eose + r.failed
	started := r.total - r.failed
	if done >= r.total {
		r.complete = true
		r.completedAt = nostr.Now()
		r.queue(emission{kind: emitEvents, evs: r.snapshot(), complete: true})
		return
	}
	if started <= 0 {
		return
	}
	target := int(math.Ceil(r.o.Quorum * float64(started)))
	if target < 1 {
		target = 1
	}
	if r.eose >= target {
		r.queue(emission{kind: emitEvents, evs: r.snapshot()})
	}
}

func (r *run) watchdog() {
	timer := time.NewTimer(r.o.Timeout)
	defer timer.Stop()
	select {
	case <-r.c.Done():
		return
	case <-timer.C:
	}
	r.mx.Lock()
	if !r.complete {
		r.complete = true
		r.completedAt = nostr.Now()
		r.queue(emission{kind: emitEvents, evs: r.snapshot(), complete: true})
	}
	r.mx.Unlock()
}

// snapshot copies the accumulator truncated to the requested limit. Callers
// hold mx.
func (r *run) snapshot() (evs []*nostr.Event) {
	n := len(r.accum)
	if r.limit > 0 && n > r.limit {
		n = r.limit
	}
	evs = make([]*nostr.Event, n)
	copy(evs, r.accum[:n])
	return
}

// queue appends an emission for ordered delivery. Callers hold mx.
func (r *run) queue(e emission) {
	r.pending = append(r.pending, e)
	r.kick.Signal()
}

// deliver drains queued emissions one goroutine at a time so callbacks see
// a monotonically growing view in order.
func (r *run) deliver() {
	for {
		select {
		case <-r.c.Done():
			return
		case <-r.kick.Wait():
			for {
				r.mx.Lock()
				if len(r.pending) == 0 {
					r.mx.Unlock()
					break
				}
				e := r.pending[0]
				r.pending = r.pending[1:]
				r.mx.Unlock()
				r.dispatch(e)
			}
		}
	}
}

func (r *run) dispatch(e emission) {
	switch e.kind {
	case emitEvents:
		if r.cb.OnEvents != nil {
			r.cb.OnEvents(e.evs, e.complete)
		}
	case emitLive:
		if r.cb.OnNew != nil {
			r.cb.OnNew(e.live)
		}
	case emitClose:
		if r.cb.OnClose != nil {
			r.cb.OnClose(e.url, e.reason)
		}
	}
}

// eventBefore orders newest first, ties broken by descending id so views
// are deterministic.
func eventBefore(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

func maxLimit(ff nostr.Filters) (limit int) {
	for _, f := range ff {
		if f.Limit > limit {
			limit = f.Limit
		}
	}
	return
}
