// Package resolver answers "give me this one event" questions: by id, by
// replaceable coordinate, or by any nip-19 identifier. Concurrent lookups
// landing within a short window are coalesced into one grouped relay query,
// misses walk a tier ladder of relay classes, and anything found is kept for
// the life of the process.
package resolver

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/qu"
	"github.com/Hubmakerlabs/aggregatr/pkg/replaceable"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"
	"github.com/Hubmakerlabs/aggregatr/pkg/submux"
)

var log, chk = slog.New(os.Stderr)

// ErrMalformedIdentifier reports an identifier that cannot name an event:
// bad hex, bad bech32, or a coordinate kind that is not replaceable. It is
// always local to the one lookup that supplied the identifier.
var ErrMalformedIdentifier = errors.New("malformed identifier")

const (
	// DefaultWindow is how long the first lookup in a batch waits for
	// concurrent callers before the grouped query goes out.
	DefaultWindow = 50 * time.Millisecond
	// DefaultQueryTimeout bounds each tier's relay query.
	DefaultQueryTimeout = 3 * time.Second
)

// Well-known open relays used to fill out the tier ladder when the caller
// has not configured their own.
var (
	FastDefaults   = []string{"wss://relay.damus.io", "wss://nos.lol"}
	SearchDefaults = []string{"wss://relay.nostr.band", "wss://purplepag.es"}
)

// Tiers are the relay classes tried in order on a miss: the caller's read
// relays first, then their write relays, then search and large public
// relays. Relay hints form a fourth rung but only when a caller opts in.
type Tiers struct {
	Read   []string
	Write  []string
	Search []string
}

func DefaultTiers() Tiers {
	return Tiers{
		Read:   append([]string(nil), FastDefaults...),
		Write:  append([]string(nil), FastDefaults...),
		Search: append([]string(nil), SearchDefaults...),
	}
}

func (t Tiers) ladder() (rungs [][]string) {
	for _, rung := range [][]string{t.Read, t.Write, t.Search} {
		if len(rung) > 0 {
			rungs = append(rungs, normalize.URLs(rung))
		}
	}
	return
}

// Option is a per-lookup option.
type Option interface {
	IsResolverOption()
}

// WithHints supplies relay hints for this lookup only, for example hints
// decoded from an identifier or "seen on" provenance from the pool. Hinted
// relays are tried last, and never unless the caller passed them here.
type WithHints []string

func (WithHints) IsResolverOption() {}

// EmbeddedHints lets Resolve use the relay hints carried inside the
// identifier itself. Without it they are ignored, so a lookup never reaches
// relays the caller did not choose.
type EmbeddedHints struct{}

func (EmbeddedHints) IsResolverOption() {}

func hintsOf(opts []Option) (hints []string) {
	for _, o := range opts {
		if h, ok := o.(WithHints); ok {
			hints = append(hints, h...)
		}
	}
	return
}

func wantsEmbedded(opts []Option) bool {
	for _, o := range opts {
		if _, ok := o.(EmbeddedHints); ok {
			return true
		}
	}
	return false
}

// Coordinate names a replaceable event: kind and author, plus the d tag
// value for parameterized kinds.
type Coordinate struct {
	Kind   int
	PubKey string
	D      string
}

func (co Coordinate) Address() string {
	return store.Address(co.Kind, co.PubKey, co.D)
}

type idCall struct {
	id       string
	hints    []string
	inflight bool
	done     qu.C
	ev       *nostr.Event
}

type coordCall struct {
	co       Coordinate
	address  string
	hints    []string
	inflight bool
	done     qu.C
	ev       *nostr.Event
}

// T batches and caches single-event lookups. Create one per engine with New
// and share it freely.
type T struct {
	Window       time.Duration
	QueryTimeout time.Duration

	mux   *submux.T
	repl  *replaceable.Cache
	tiers Tiers

	ctx    context.T
	cancel context.F

	completed *xsync.MapOf[string, *nostr.Event]

	mx           sync.Mutex
	timer        *time.Timer
	idCalls      map[string]*idCall
	idPending    []*idCall
	coordCalls   map[string]*coordCall
	coordPending []*coordCall
}

func New(c context.T, mux *submux.T, repl *replaceable.Cache,
	tiers Tiers) (r *T) {
	ctx, cancel := context.Cancel(c)
	return &T{
		Window:       DefaultWindow,
		QueryTimeout: DefaultQueryTimeout,
		mux:          mux,
		repl:         repl,
		tiers:        tiers,
		ctx:          ctx,
		cancel:       cancel,
		completed:    xsync.NewMapOf[*nostr.Event](),
		idCalls:      make(map[string]*idCall),
		coordCalls:   make(map[string]*coordCall),
	}
}

// Close stops background queries. Lookups already waiting resolve when
// their own context does.
func (r *T) Close() { r.cancel() }

// ValidateID normalizes and checks a 64 character hex event id.
func ValidateID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) != 64 {
		return "", fmt.Errorf("%w: event id %q", ErrMalformedIdentifier, id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", fmt.Errorf("%w: event id %q", ErrMalformedIdentifier, id)
	}
	return id, nil
}

func validateCoordinate(co Coordinate) (Coordinate, error) {
	pk := strings.ToLower(strings.TrimSpace(co.PubKey))
	if len(pk) != 64 {
		return co, fmt.Errorf("%w: pubkey %q", ErrMalformedIdentifier,
			co.PubKey)
	}
	if _, err := hex.DecodeString(pk); err != nil {
		return co, fmt.Errorf("%w: pubkey %q", ErrMalformedIdentifier,
			co.PubKey)
	}
	if !store.IsReplaceable(co.Kind) && !store.IsParamReplaceable(co.Kind) {
		return co, fmt.Errorf("%w: kind %d has no coordinate",
			ErrMalformedIdentifier, co.Kind)
	}
	co.PubKey = pk
	return co, nil
}

// FetchByID returns the event with the given id, or nil when no relay in
// the tier ladder had it. Lookups for the same id issued within the
// batching window share one relay query.
func (r *T) FetchByID(c context.T, id string, opts ...Option) (
	ev *nostr.Event, err error) {
	if id, err = ValidateID(id); err != nil {
		return
	}
	if ev, ok := r.completed.Load(id); ok {
		return ev, nil
	}
	ev, call := r.enqueueID(id, hintsOf(opts))
	if call == nil {
		return
	}
	select {
	case <-call.done.Wait():
		return call.ev, nil
	case <-c.Done():
		return nil, c.Err()
	}
}

// FetchByCoordinate returns the newest known event at a replaceable
// coordinate, consulting the replaceable cache and storage before the
// network. Misses for the same kind issued within the batching window share
// one relay query.
func (r *T) FetchByCoordinate(c context.T, co Coordinate,
	opts ...Option) (ev *nostr.Event, err error) {
	if co, err = validateCoordinate(co); err != nil {
		return
	}
	address := co.Address()
	if ev, err = r.repl.Get(c, address); err == nil {
		return ev, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	call := r.enqueueCoordinate(co, address, hintsOf(opts))
	select {
	case <-call.done.Wait():
		return call.ev, nil
	case <-c.Done():
		return nil, c.Err()
	}
}

// FetchMany resolves a set of ids concurrently, returning whatever was
// found keyed by id. A malformed id is skipped without affecting the rest
// of the batch.
func (r *T) FetchMany(c context.T, ids []string, opts ...Option) (
	found map[string]*nostr.Event, err error) {
	found = make(map[string]*nostr.Event, len(ids))
	var mx sync.Mutex
	g, gc := errgroup.WithContext(c)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			ev, e := r.FetchByID(gc, id, opts...)
			if e != nil {
				if errors.Is(e, ErrMalformedIdentifier) {
					log.D.F("skipping malformed id in batch: %v", e)
					return nil
				}
				return e
			}
			if ev != nil {
				mx.Lock()
				found[id] = ev
				mx.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return
}

// FetchManyByCoordinate resolves a set of coordinates concurrently,
// returning results keyed by address (kind:pubkey:d). Malformed
// coordinates are skipped.
func (r *T) FetchManyByCoordinate(c context.T, coords []Coordinate,
	opts ...Option) (found map[string]*nostr.Event, err error) {
	found = make(map[string]*nostr.Event, len(coords))
	var mx sync.Mutex
	g, gc := errgroup.WithContext(c)
	for _, co := range coords {
		co := co
		g.Go(func() error {
			ev, e := r.FetchByCoordinate(gc, co, opts...)
			if e != nil {
				if errors.Is(e, ErrMalformedIdentifier) {
					log.D.F("skipping malformed coordinate in batch: %v", e)
					return nil
				}
				return e
			}
			if ev != nil {
				mx.Lock()
				found[co.Address()] = ev
				mx.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return
}

// Target is what an identifier points at: either a single event id or a
// replaceable coordinate, with any relay hints the identifier carried.
type Target struct {
	ID    string
	Co    Coordinate
	Addr  bool
	Hints []string
}

// Decode parses hex ids and the nip-19 forms note, nevent, npub, nprofile
// and naddr, with or without a nostr: prefix.
func Decode(identifier string) (t Target, err error) {
	s := strings.TrimPrefix(strings.TrimSpace(identifier), "nostr:")
	if len(s) == 64 {
		if t.ID, err = ValidateID(s); err == nil {
			return
		}
		err = nil
	}
	prefix, data, e := nip19.Decode(s)
	if e != nil {
		return t, fmt.Errorf("%w: %q: %v", ErrMalformedIdentifier,
			identifier, e)
	}
	switch prefix {
	case "note":
		t.ID = data.(string)
	case "nevent":
		p := data.(nostr.EventPointer)
		t.ID = p.ID
		t.Hints = p.Relays
	case "npub":
		t.Co = Coordinate{Kind: nostr.KindProfileMetadata,
			PubKey: data.(string)}
		t.Addr = true
	case "nprofile":
		p := data.(nostr.ProfilePointer)
		t.Co = Coordinate{Kind: nostr.KindProfileMetadata,
			PubKey: p.PublicKey}
		t.Addr = true
		t.Hints = p.Relays
	case "naddr":
		p := data.(nostr.EntityPointer)
		t.Co = Coordinate{Kind: p.Kind, PubKey: p.PublicKey,
			D: p.Identifier}
		t.Addr = true
		t.Hints = p.Relays
	default:
		err = fmt.Errorf("%w: unsupported prefix %q in %q",
			ErrMalformedIdentifier, prefix, identifier)
	}
	return
}

// Resolve fetches whatever an identifier names. Hints embedded in the
// identifier are only used when the EmbeddedHints option is passed.
func (r *T) Resolve(c context.T, identifier string, opts ...Option) (
	ev *nostr.Event, err error) {
	t, err := Decode(identifier)
	if err != nil {
		return
	}
	if wantsEmbedded(opts) && len(t.Hints) > 0 {
		opts = append(opts, WithHints(t.Hints))
	}
	if t.Addr {
		return r.FetchByCoordinate(c, t.Co, opts...)
	}
	return r.FetchByID(c, t.ID, opts...)
}

// enqueueID joins or creates the in-flight lookup for an id. It returns
// the event directly when a flush completed it in the meantime.
func (r *T) enqueueID(id string, hints []string) (*nostr.Event, *idCall) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if ev, ok := r.completed.Load(id); ok {
		return ev, nil
	}
	if call := r.idCalls[id]; call != nil {
		if !call.inflight {
			call.hints = append(call.hints, hints...)
		}
		return nil, call
	}
	call := &idCall{id: id, hints: append([]string(nil), hints...),
		done: qu.T()}
	r.idCalls[id] = call
	r.idPending = append(r.idPending, call)
	r.schedule()
	return nil, call
}

func (r *T) enqueueCoordinate(co Coordinate, address string,
	hints []string) *coordCall {
	r.mx.Lock()
	defer r.mx.Unlock()
	if call := r.coordCalls[address]; call != nil {
		if !call.inflight {
			call.hints = append(call.hints, hints...)
		}
		return call
	}
	call := &coordCall{co: co, address: address,
		hints: append([]string(nil), hints...), done: qu.T()}
	r.coordCalls[address] = call
	r.coordPending = append(r.coordPending, call)
	r.schedule()
	return call
}

// schedule arms the window timer if nothing is pending yet. The window is
// measured from the first lookup in the batch. Callers hold r.mx.
func (r *T) schedule() {
	if r.timer == nil {
		r.timer = time.AfterFunc(r.Window, r.flush)
	}
}

// flush drains everything the window collected and issues the grouped
// queries: one per id set, one per distinct coordinate kind.
func (r *T) flush() {
	r.mx.Lock()
	r.timer = nil
	ids := r.idPending
	r.idPending = nil
	coords := r.coordPending
	r.coordPending = nil
	for _, cl := range ids {
		cl.inflight = true
	}
	for _, cl := range coords {
		cl.inflight = true
	}
	r.mx.Unlock()
	if len(ids) > 0 {
		log.T.F("flushing %d id lookups", len(ids))
		go r.flushIDs(ids)
	}
	if len(coords) > 0 {
		byKind := make(map[int][]*coordCall)
		for _, cl := range coords {
			byKind[cl.co.Kind] = append(byKind[cl.co.Kind], cl)
		}
		for k, batch := range byKind {
			log.T.F("flushing %d coordinate lookups for kind %d",
				len(batch), k)
			go r.flushCoords(k, batch)
		}
	}
}

func (r *T) flushIDs(calls []*idCall) {
	want := make(map[string]*idCall, len(calls))
	for _, cl := range calls {
		want[cl.id] = cl
	}
	absorb := func(evs []*nostr.Event) {
		for _, ev := range evs {
			cl, ok := want[ev.ID]
			if !ok {
				continue
			}
			cl.ev = ev
			delete(want, ev.ID)
			r.completed.Store(ev.ID, ev)
			if _, ok = store.EventAddress(ev); ok {
				if _, err := r.repl.Observe(r.ctx, ev); chk.D(err) {
					continue
				}
			}
		}
	}
	asked := make(map[string]bool)
	for _, rung := range r.tiers.ladder() {
		if len(want) == 0 {
			break
		}
		urls := fresh(rung, asked)
		if len(urls) == 0 {
			continue
		}
		remaining := make([]string, 0, len(want))
		for id := range want {
			remaining = append(remaining, id)
		}
		f := nostr.Filter{IDs: remaining, Limit: len(remaining)}
		absorb(r.query(urls, f, func(evs []*nostr.Event) bool {
			return coversIDs(evs, remaining)
		}))
	}
	if len(want) > 0 {
		var hintIDs, hintURLs []string
		for id, cl := range want {
			if len(cl.hints) > 0 {
				hintIDs = append(hintIDs, id)
				hintURLs = append(hintURLs, cl.hints...)
			}
		}
		if len(hintIDs) > 0 {
			if urls := fresh(normalize.URLs(hintURLs), asked); len(urls) > 0 {
				f := nostr.Filter{IDs: hintIDs, Limit: len(hintIDs)}
				absorb(r.query(urls, f, func(evs []*nostr.Event) bool {
					return coversIDs(evs, hintIDs)
				}))
			}
		}
	}
	r.mx.Lock()
	for _, cl := range calls {
		delete(r.idCalls, cl.id)
	}
	r.mx.Unlock()
	for _, cl := range calls {
		cl.done.Q()
	}
}

func (r *T) flushCoords(kind int, calls []*coordCall) {
	want := make(map[string]*coordCall, len(calls))
	for _, cl := range calls {
		want[cl.address] = cl
	}
	covered := make(map[string]bool)
	absorb := func(evs []*nostr.Event) {
		for _, ev := range evs {
			address, ok := store.EventAddress(ev)
			if !ok {
				continue
			}
			if _, ok = want[address]; !ok {
				continue
			}
			if _, err := r.repl.Observe(r.ctx, ev); chk.D(err) {
				continue
			}
			covered[address] = true
		}
	}
	authors := make([]string, 0, len(calls))
	seenAuthor := make(map[string]bool)
	var ds []string
	seenD := make(map[string]bool)
	for _, cl := range calls {
		if !seenAuthor[cl.co.PubKey] {
			seenAuthor[cl.co.PubKey] = true
			authors = append(authors, cl.co.PubKey)
		}
		if store.IsParamReplaceable(kind) && !seenD[cl.co.D] {
			seenD[cl.co.D] = true
			ds = append(ds, cl.co.D)
		}
	}
	f := nostr.Filter{Kinds: []int{kind}, Authors: authors,
		Limit: 2 * len(calls)}
	if len(ds) > 0 {
		f.Tags = nostr.TagMap{"d": ds}
	}
	asked := make(map[string]bool)
	for _, rung := range r.tiers.ladder() {
		if len(covered) == len(want) {
			break
		}
		urls := fresh(rung, asked)
		if len(urls) == 0 {
			continue
		}
		absorb(r.query(urls, f, func(evs []*nostr.Event) bool {
			return coversCoords(evs, want)
		}))
	}
	if len(covered) < len(want) {
		var hintURLs []string
		for address, cl := range want {
			if !covered[address] {
				hintURLs = append(hintURLs, cl.hints...)
			}
		}
		if len(hintURLs) > 0 {
			if urls := fresh(normalize.URLs(hintURLs), asked); len(urls) > 0 {
				absorb(r.query(urls, f, func(evs []*nostr.Event) bool {
					return coversCoords(evs, want)
				}))
			}
		}
	}
	for _, cl := range calls {
		if ev, err := r.repl.Get(r.ctx, cl.address); err == nil {
			cl.ev = ev
		}
	}
	r.mx.Lock()
	for _, cl := range calls {
		delete(r.coordCalls, cl.address)
	}
	r.mx.Unlock()
	for _, cl := range calls {
		cl.done.Q()
	}
}

// query runs one grouped filter against a rung of relays and returns the
// final delivered view. enough lets a flush stop as soon as every wanted
// event has been seen.
func (r *T) query(urls []string, f nostr.Filter,
	enough func([]*nostr.Event) bool) (evs []*nostr.Event) {
	c, cancel := context.Timeout(r.ctx, r.QueryTimeout)
	defer cancel()
	done := qu.T()
	var mx sync.Mutex
	var view []*nostr.Event
	sub, err := r.mux.Subscribe(c, urls, nostr.Filters{f},
		submux.Callbacks{
			OnEvents: func(got []*nostr.Event, complete bool) {
				mx.Lock()
				view = got
				mx.Unlock()
				if complete || (enough != nil && enough(got)) {
					done.Q()
				}
			},
		}, submux.WithTimeout(r.QueryTimeout))
	if err != nil {
		log.D.F("tier query failed: %v", err)
		return
	}
	defer sub.Close()
	select {
	case <-done.Wait():
	case <-c.Done():
	}
	mx.Lock()
	evs = view
	mx.Unlock()
	return
}

// fresh filters a rung down to relays this flush has not asked yet.
func fresh(urls []string, asked map[string]bool) (out []string) {
	for _, u := range urls {
		if !asked[u] {
			asked[u] = true
			out = append(out, u)
		}
	}
	return
}

func coversIDs(evs []*nostr.Event, ids []string) bool {
	got := make(map[string]bool, len(evs))
	for _, ev := range evs {
		got[ev.ID] = true
	}
	for _, id := range ids {
		if !got[id] {
			return false
		}
	}
	return true
}

func coversCoords(evs []*nostr.Event, want map[string]*coordCall) bool {
	got := make(map[string]bool, len(evs))
	for _, ev := range evs {
		if address, ok := store.EventAddress(ev); ok {
			got[address] = true
		}
	}
	for address := range want {
		if !got[address] {
			return false
		}
	}
	return true
}
