// Package replaceable keeps the current record per kind:pubkey:d address,
// merging every observed event under newest-wins and writing winners through
// to durable storage.
package replaceable

import (
	"os"
	"sync"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

const MAX_LOCKS = 50

var namedMutexPool = make([]sync.Mutex, MAX_LOCKS)

func namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % MAX_LOCKS
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// Cache is the process-wide replaceable event cache. A nil store keeps it
// memory-only.
type Cache struct {
	mem *xsync.MapOf[string, *nostr.Event]
	st  store.I
}

func New(st store.I) *Cache {
	return &Cache{mem: xsync.NewMapOf[*nostr.Event](), st: st}
}

// Observe merges ev into the cache. The newer event wins, ties go to the
// smaller id, and a winner is persisted. Reports whether ev became the
// current record.
func (ca *Cache) Observe(c context.T, ev *nostr.Event) (won bool, err error) {
	address, ok := store.EventAddress(ev)
	if !ok {
		return
	}
	defer namedLock(address)()
	prev, have := ca.mem.Load(address)
	if !have && ca.st != nil {
		// cold memory must not let a stale event shadow a newer stored one
		if sev, serr := ca.st.GetReplaceable(c, address); serr == nil {
			prev, have = sev, true
		}
	}
	if have && !store.IsOlder(prev, ev) {
		ca.mem.Store(address, prev)
		return
	}
	ca.mem.Store(address, ev)
	won = true
	if ca.st != nil {
		_, err = ca.st.PutReplaceable(c, ev)
		chk.E(err)
	}
	return
}

// Get returns the current record at address, falling back to durable
// storage on a memory miss. A miss everywhere is store.ErrNotFound.
func (ca *Cache) Get(c context.T, address string) (ev *nostr.Event,
	err error) {

	if ev, ok := ca.mem.Load(address); ok {
		return ev, nil
	}
	if ca.st == nil {
		return nil, store.ErrNotFound
	}
	if ev, err = ca.st.GetReplaceable(c, address); err != nil {
		return
	}
	defer namedLock(address)()
	if cur, ok := ca.mem.Load(address); ok && !store.IsOlder(cur, ev) {
		return cur, nil
	}
	ca.mem.Store(address, ev)
	return
}

// GetMany looks up a batch of addresses, omitting misses.
func (ca *Cache) GetMany(c context.T, addresses []string) (
	evs map[string]*nostr.Event, err error) {

	evs = make(map[string]*nostr.Event, len(addresses))
	var misses []string
	for _, address := range addresses {
		if ev, ok := ca.mem.Load(address); ok {
			evs[address] = ev
		} else {
			misses = append(misses, address)
		}
	}
	if len(misses) == 0 || ca.st == nil {
		return
	}
	var stored map[string]*nostr.Event
	if stored, err = ca.st.GetManyReplaceable(c, misses); chk.E(err) {
		return
	}
	for address, ev := range stored {
		evs[address] = ev
		unlock := namedLock(address)
		if cur, ok := ca.mem.Load(address); !ok || store.IsOlder(cur, ev) {
			ca.mem.Store(address, ev)
		} else {
			evs[address] = cur
		}
		unlock()
	}
	return
}

// Hydrate loads every stored event of the given kinds into memory, used at
// startup before serving lookups.
func (ca *Cache) Hydrate(c context.T, kinds ...int) (n int, err error) {
	if ca.st == nil {
		return
	}
	for _, k := range kinds {
		if err = ca.st.IterateKind(c, k, func(ev *nostr.Event) bool {
			address, ok := store.EventAddress(ev)
			if !ok {
				return true
			}
			unlock := namedLock(address)
			if cur, ok := ca.mem.Load(address); !ok ||
				store.IsOlder(cur, ev) {

				ca.mem.Store(address, ev)
				n++
			}
			unlock()
			return true
		}); chk.E(err) {
			return
		}
	}
	log.D.Ln("hydrated", n, "replaceable events")
	return
}

// Range walks the in-memory records until fn returns false.
func (ca *Cache) Range(fn func(address string, ev *nostr.Event) bool) {
	ca.mem.Range(fn)
}
