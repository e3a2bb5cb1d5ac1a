// Package engine assembles the aggregation pipeline behind one facade: a
// shared connection pool and health tracker underneath the subscription
// multiplexer, timeline cache, resolver, replaceable cache and publish
// coordinator, with optional durable storage. Commands and UI layers talk
// to this package only.
package engine

import (
	"encoding/hex"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/profile"
	"github.com/Hubmakerlabs/aggregatr/pkg/publish"
	"github.com/Hubmakerlabs/aggregatr/pkg/qu"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaylist"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaypool"
	"github.com/Hubmakerlabs/aggregatr/pkg/replaceable"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"
	"github.com/Hubmakerlabs/aggregatr/pkg/signer"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"
	"github.com/Hubmakerlabs/aggregatr/pkg/store/badgerstore"
	"github.com/Hubmakerlabs/aggregatr/pkg/submux"
	"github.com/Hubmakerlabs/aggregatr/pkg/timeline"
)

var log, chk = slog.New(os.Stderr)

var ErrNoRelays = errors.New("no relays configured")

// Config is everything an engine needs to start. The zero value gives an
// ephemeral identity, an in-memory store and default relay behavior.
type Config struct {
	// SecretKey is the user identity: hex, nsec, or empty for a freshly
	// generated throwaway key.
	SecretKey string `json:"secret_key,omitempty"`
	// Relays is the user's own relay set, used for reads, writes and as
	// the publish fallback until an advertised relay list is known.
	Relays []string `json:"relays,omitempty"`
	// DataDir, when set, puts replaceable events and published notes in a
	// badger database under this directory.
	DataDir string `json:"data_dir,omitempty"`
	// Aggressive, when set, applies the strict throttling profile meant
	// for scraping-style workloads.
	Aggressive bool `json:"aggressive,omitempty"`
	// Tiers overrides the resolver's fallback ladder. Nil gets the user's
	// relays ahead of the well known defaults.
	Tiers *resolver.Tiers `json:"-"`
}

// T is one running engine.
type T struct {
	Pool        *relaypool.T
	Health      *relayhealth.T
	Mux         *submux.T
	Timelines   *timeline.Cache
	Resolver    *resolver.T
	Replaceable *replaceable.Cache
	Publisher   *publish.T
	Profiles    *profile.T
	RelayLists  *relaylist.T
	Signer      *signer.T
	Store       store.I

	// Select picks relay sets for calls that do not name one. Swap it
	// after New for custom routing.
	Select Selector

	// Local exposes durable storage with relay-shaped query semantics.
	// It is nil when the engine runs without a data directory.
	Local *eventstore.RelayWrapper

	cfg    Config
	ctx    context.T
	cancel context.F
}

// New builds and starts an engine. The caller owns c; canceling it stops
// every subscription and background fetch.
func New(c context.T, cfg Config) (e *T, err error) {
	cfg.Relays = normalize.URLs(cfg.Relays)
	ctx, cancel := context.Cancel(c)
	e = &T{cfg: cfg, ctx: ctx, cancel: cancel}
	if e.Signer, err = signer.New(cfg.SecretKey); chk.E(err) {
		cancel()
		return nil, err
	}
	var badger *badgerstore.T
	if cfg.DataDir != "" {
		badger = badgerstore.New(cfg.DataDir)
		if err = badger.Init(); chk.E(err) {
			cancel()
			return nil, err
		}
		e.Store = badger
		e.Local = &eventstore.RelayWrapper{Store: badger}
	} else {
		e.Store = store.NewMem()
	}
	opts := relayhealth.Default()
	if cfg.Aggressive {
		opts = relayhealth.Aggressive()
	}
	e.Health = relayhealth.New(opts)
	e.Pool = relaypool.New(ctx)
	e.Mux = submux.New(e.Pool, e.Health)
	e.Mux.Sign = e.Signer.Sign
	e.Timelines = timeline.NewCache()
	e.Replaceable = replaceable.New(e.Store)
	e.Resolver = resolver.New(ctx, e.Mux, e.Replaceable, e.tiers())
	e.RelayLists = relaylist.New(e.Resolver)
	idx := profile.NewIndex()
	if n, herr := idx.Hydrate(ctx, e.Store); !chk.D(herr) && n > 0 {
		log.D.F("%d profiles from storage", n)
	}
	e.Profiles = profile.New(e.Resolver, idx)
	e.Publisher = publish.New(e.Pool, e.Health)
	e.Publisher.Sign = e.Signer.Sign
	e.Publisher.FallbackRelays = e.WriteRelays
	e.Select = &defaultSelector{e: e}
	log.I.F("engine up as %s with %d configured relays",
		e.Signer.Npub(), len(cfg.Relays))
	return
}

// tiers merges the user's own relays with the well-known defaults for the
// resolver's fallback ladder, unless the config names its own ladder.
func (e *T) tiers() resolver.Tiers {
	if e.cfg.Tiers != nil {
		return *e.cfg.Tiers
	}
	t := resolver.DefaultTiers()
	t.Read = append(append([]string(nil), e.cfg.Relays...), t.Read...)
	t.Write = append(append([]string(nil), e.cfg.Relays...), t.Write...)
	return t
}

// Close tears the engine down: background fetches, relay connections and
// storage, in that order.
func (e *T) Close() {
	e.cancel()
	e.Resolver.Close()
	e.Pool.Close()
	e.Store.Close()
}

// ReadRelays is the relay set used for subscriptions when the caller does
// not name one: the user's advertised read relays when known, otherwise
// the configured set.
func (e *T) ReadRelays() []string {
	c, cancel := context.Timeout(e.ctx, 4*time.Second)
	defer cancel()
	if l, err := e.RelayLists.ForPubkey(c, e.Signer.Pub()); err == nil {
		if urls := l.ReadURLs(); len(urls) > 0 {
			return urls
		}
	}
	return e.cfg.Relays
}

// WriteRelays is the relay set used for publishes when the caller does not
// name one, and as the fallback behind single hinted relays.
func (e *T) WriteRelays() []string {
	c, cancel := context.Timeout(e.ctx, 4*time.Second)
	defer cancel()
	if l, err := e.RelayLists.ForPubkey(c, e.Signer.Pub()); err == nil {
		if urls := l.WriteURLs(); len(urls) > 0 {
			return urls
		}
	}
	return e.cfg.Relays
}

// ClearHealth wipes all relay health state, for when the user signals a
// connectivity change and every relay deserves a fresh chance.
func (e *T) ClearHealth() { e.Health.Clear() }

// Selector picks relay sets for calls that pass none. Implementations can
// route reads and publishes however they like.
type Selector interface {
	ForRead(f nostr.Filter) (urls []string)
	ForPublish(ev *nostr.Event) (urls []string)
}

const (
	// mentionCap bounds how many mentioned users a publish looks up;
	// mentionRelayCap bounds how many of each one's read relays it adds.
	mentionCap      = 8
	mentionRelayCap = 2
)

// defaultSelector reads from the user's relay set and publishes to the
// user's write relays plus a few read relays of each mentioned user, so
// mentions land where those users look.
type defaultSelector struct {
	e *T
}

func (s *defaultSelector) ForRead(f nostr.Filter) []string {
	return s.e.ReadRelays()
}

func (s *defaultSelector) ForPublish(ev *nostr.Event) (urls []string) {
	urls = s.e.WriteRelays()
	pks := mentionedPubkeys(ev)
	if len(pks) == 0 {
		return
	}
	if len(pks) > mentionCap {
		pks = pks[:mentionCap]
	}
	c, cancel := context.Timeout(s.e.ctx, 4*time.Second)
	defer cancel()
	var mx sync.Mutex
	var wg sync.WaitGroup
	// launched together so the resolver coalesces the lookups into one
	// grouped query
	for _, pk := range pks {
		pk := pk
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := s.e.RelayLists.ForPubkey(c, pk)
			if err != nil || len(l) == 0 {
				return
			}
			reads := l.ReadURLs()
			if len(reads) > mentionRelayCap {
				reads = reads[:mentionRelayCap]
			}
			mx.Lock()
			urls = append(urls, reads...)
			mx.Unlock()
		}()
	}
	wg.Wait()
	return normalize.URLs(urls)
}

// mentionedPubkeys returns the distinct plausible pubkeys in p tags.
func mentionedPubkeys(ev *nostr.Event) (pks []string) {
	seen := make(map[string]bool)
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		pk := strings.ToLower(tag[1])
		if len(pk) != 64 || seen[pk] {
			continue
		}
		if _, err := hex.DecodeString(pk); err != nil {
			continue
		}
		seen[pk] = true
		pks = append(pks, pk)
	}
	return
}

// eventBefore orders newest first with the lexically greater id first on
// ties, the ordering every timeline view uses.
func eventBefore(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// timelineRun accumulates the union of cached bodies and network results
// for one Timeline call so delivered views only ever grow.
type timelineRun struct {
	mx    sync.Mutex
	byID  map[string]*nostr.Event
	tl    *timeline.T
	limit int
	done  bool
	cb    submux.Callbacks
}

func (run *timelineRun) add(evs []*nostr.Event) {
	for _, ev := range evs {
		run.byID[ev.ID] = ev
	}
}

func (run *timelineRun) view() (evs []*nostr.Event) {
	evs = make([]*nostr.Event, 0, len(run.byID))
	for _, ev := range run.byID {
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool {
		return eventBefore(evs[i], evs[j])
	})
	if run.limit > 0 && len(evs) > run.limit {
		evs = evs[:run.limit]
	}
	return
}

func (run *timelineRun) emit(complete bool) {
	if run.cb.OnEvents == nil {
		return
	}
	run.cb.OnEvents(run.view(), complete)
}

// Timeline opens a cached, multiplexed subscription. On a key this session
// has seen before, cached refs are resolved and delivered immediately, the
// network query is narrowed to events newer than the cache head, and fresh
// results are spliced in front. The returned handle stops delivery when
// closed; the timeline itself stays cached.
func (e *T) Timeline(c context.T, urls []string, f nostr.Filter,
	cb submux.Callbacks, opts ...submux.Option) (sub *submux.Sub,
	tl *timeline.T, err error) {
	if len(urls) == 0 {
		urls = e.Select.ForRead(f)
	}
	if len(urls) == 0 {
		return nil, nil, ErrNoRelays
	}
	tl, created := e.Timelines.GetOrCreate(urls, f)
	run := &timelineRun{
		byID:  make(map[string]*nostr.Event),
		tl:    tl,
		limit: f.Limit,
		cb:    cb,
	}
	warm := !created && tl.Len() > 0
	if warm {
		if newest, ok := tl.Newest(); ok {
			since := newest.CreatedAt + 1
			f.Since = &since
		}
		go e.replay(c, run)
	}
	inner := submux.Callbacks{
		OnEvents: func(evs []*nostr.Event, complete bool) {
			run.mx.Lock()
			run.add(evs)
			if complete {
				tl.Merge(evs)
				run.done = true
			}
			run.emit(complete)
			run.mx.Unlock()
		},
		OnNew: func(ev *nostr.Event) {
			run.mx.Lock()
			if tl.MergeNew(ev) {
				run.add([]*nostr.Event{ev})
				if cb.OnNew != nil {
					cb.OnNew(ev)
				}
			}
			run.mx.Unlock()
		},
		OnClose: cb.OnClose,
	}
	sub, err = e.Mux.Subscribe(c, urls, nostr.Filters{f}, inner, opts...)
	if err != nil {
		return nil, nil, err
	}
	return
}

// replay resolves cached refs to bodies and delivers them as an early
// incomplete view.
func (e *T) replay(c context.T, run *timelineRun) {
	refs := run.tl.Page(0, run.limit)
	if len(refs) == 0 {
		return
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	found, err := e.Resolver.FetchMany(c, ids)
	if chk.D(err) || len(found) == 0 {
		return
	}
	evs := make([]*nostr.Event, 0, len(found))
	for _, ev := range found {
		evs = append(evs, ev)
	}
	run.mx.Lock()
	run.add(evs)
	// A replayed view after the live one completed would walk the caller
	// backwards, so it is only delivered while the subscription is filling.
	if !run.done {
		run.emit(false)
	}
	run.mx.Unlock()
}

// LoadMore pages a timeline backwards: cached refs are served first, and
// when they run out one until query per relay set extends the tail. The
// returned events are the requested page, newest first.
func (e *T) LoadMore(c context.T, tl *timeline.T, until nostr.Timestamp,
	limit int) (evs []*nostr.Event, err error) {
	if limit <= 0 {
		limit = 20
	}
	refs := tl.Page(until, limit)
	if len(refs) < limit {
		f := tl.Filter
		if until > 0 {
			f.Until = &until
		}
		f.Limit = limit
		fetched := e.fetchOnce(c, tl.Relays, f)
		tl.Merge(fetched)
		refs = tl.Page(until, limit)
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	found, err := e.Resolver.FetchMany(c, ids)
	if err != nil {
		return
	}
	for _, ref := range refs {
		if ev, ok := found[ref.ID]; ok {
			evs = append(evs, ev)
		}
	}
	return
}

// Fetch runs one filter to completion against a relay set and returns the
// final view, newest first. With no relay set given, the user's read
// relays are used.
func (e *T) Fetch(c context.T, urls []string, f nostr.Filter) (
	evs []*nostr.Event, err error) {
	if len(urls) == 0 {
		urls = e.Select.ForRead(f)
	}
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}
	return e.fetchOnce(c, urls, f), nil
}

// fetchOnce runs one subscription to completion and returns the final
// view.
func (e *T) fetchOnce(c context.T, urls []string,
	f nostr.Filter) (evs []*nostr.Event) {
	ctx, cancel := context.Timeout(c, 8*time.Second)
	defer cancel()
	done := qu.T()
	var mx sync.Mutex
	sub, err := e.Mux.Subscribe(ctx, urls, nostr.Filters{f},
		submux.Callbacks{
			OnEvents: func(got []*nostr.Event, complete bool) {
				mx.Lock()
				evs = got
				mx.Unlock()
				if complete {
					done.Q()
				}
			},
		})
	if chk.D(err) {
		return
	}
	defer sub.Close()
	select {
	case <-done.Wait():
	case <-ctx.Done():
	}
	mx.Lock()
	defer mx.Unlock()
	return evs
}

// Publish signs ev if needed and fans it out. With no relay list given,
// the user's write relays are used. Acked events are kept locally:
// replaceable kinds through the replaceable cache, everything else in
// durable storage when available.
func (e *T) Publish(c context.T, urls []string, ev *nostr.Event,
	opts ...publish.Option) (res *publish.Result, err error) {
	if ev.Sig == "" {
		if ev.CreatedAt == 0 {
			ev.CreatedAt = nostr.Now()
		}
		if err = e.Signer.Sign(ev); chk.E(err) {
			return
		}
	}
	if len(urls) == 0 {
		urls = e.Select.ForPublish(ev)
	}
	if res, err = e.Publisher.Publish(c, urls, ev, opts...); err != nil {
		return
	}
	if _, ok := store.EventAddress(ev); ok {
		_, serr := e.Replaceable.Observe(c, ev)
		chk.D(serr)
	} else if e.Local != nil {
		chk.D(e.Local.Publish(c, *ev))
	}
	return
}

// FetchEvent resolves any event identifier: hex id, note, nevent, npub,
// nprofile or naddr.
func (e *T) FetchEvent(c context.T, identifier string,
	opts ...resolver.Option) (*nostr.Event, error) {
	return e.Resolver.Resolve(c, identifier, opts...)
}

// Profile returns the freshest known profile for a pubkey.
func (e *T) Profile(c context.T, pubkey string) (*profile.Metadata, error) {
	return e.Profiles.ForPubkey(c, pubkey)
}

// SearchProfiles queries the in-memory username index.
func (e *T) SearchProfiles(query string, limit int) []*profile.Metadata {
	return e.Profiles.Index().Search(query, limit)
}

// RelaysFor returns a pubkey's advertised relay list.
func (e *T) RelaysFor(c context.T, pubkey string) (relaylist.List, error) {
	return e.RelayLists.ForPubkey(c, pubkey)
}

// Follows returns the pubkeys on a user's contact list, in list order. An
// unknown contact list is an empty result, not an error.
func (e *T) Follows(c context.T, pubkey string) (pks []string, err error) {
	ev, err := e.Resolver.FetchByCoordinate(c, resolver.Coordinate{
		Kind: nostr.KindContactList, PubKey: pubkey})
	if err != nil || ev == nil {
		return
	}
	return mentionedPubkeys(ev), nil
}

// Status reports per-relay health for display.
func (e *T) Status() []relayhealth.Status {
	return e.Health.All()
}

// LocalQuery reads from durable storage with relay query semantics.
func (e *T) LocalQuery(c context.T, f nostr.Filter) ([]*nostr.Event,
	error) {
	if e.Local == nil {
		return nil, nil
	}
	return e.Local.QuerySync(c, f)
}
