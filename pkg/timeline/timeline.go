// Package timeline keeps compact, ordered views of event streams.
//
// A timeline is a list of refs (event ID plus created_at) sorted newest
// first, identified by a key derived from the relay set and the filter that
// produced it. Timelines accumulate across subscribes: merging the same
// event twice is a no-op, so a caller can replay cached refs instantly and
// splice fresh network results in without ever showing duplicates.
package timeline

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/exp/slices"

	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
)

// DefaultCapacity bounds how far back a timeline grows through live
// merging. Paging explicitly past the tail is not subject to it.
const DefaultCapacity = 1000

// Ref is a compact pointer to one event: enough to order it and to fetch
// the full body later.
type Ref struct {
	ID        string          `json:"id"`
	CreatedAt nostr.Timestamp `json:"created_at"`
}

// refCompare orders refs newest first, with the lexically greater ID first
// on equal timestamps. Zero means the same event.
func refCompare(a, b Ref) int {
	if a.CreatedAt != b.CreatedAt {
		if a.CreatedAt > b.CreatedAt {
			return -1
		}
		return 1
	}
	return strings.Compare(b.ID, a.ID)
}

// canonical renders a filter as a stable string: list fields sorted, tag
// keys sorted, so that filters equal in meaning are equal as text.
func canonical(f nostr.Filter) string {
	var b strings.Builder
	list := func(name string, vals []string) {
		if len(vals) == 0 {
			return
		}
		sorted := append([]string(nil), vals...)
		slices.Sort(sorted)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(sorted, ","))
		b.WriteByte(';')
	}
	list("ids", f.IDs)
	list("authors", f.Authors)
	if len(f.Kinds) > 0 {
		ks := append([]int(nil), f.Kinds...)
		slices.Sort(ks)
		b.WriteString("kinds=")
		for i, k := range ks {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(k))
		}
		b.WriteByte(';')
	}
	if len(f.Tags) > 0 {
		keys := make([]string, 0, len(f.Tags))
		for k := range f.Tags {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			list("#"+k, f.Tags[k])
		}
	}
	if f.Since != nil {
		b.WriteString("since=")
		b.WriteString(strconv.FormatInt(int64(*f.Since), 10))
		b.WriteByte(';')
	}
	if f.Until != nil {
		b.WriteString("until=")
		b.WriteString(strconv.FormatInt(int64(*f.Until), 10))
		b.WriteByte(';')
	}
	if f.Limit > 0 {
		b.WriteString("limit=")
		b.WriteString(strconv.Itoa(f.Limit))
		b.WriteByte(';')
	}
	if f.Search != "" {
		b.WriteString("search=")
		b.WriteString(f.Search)
		b.WriteByte(';')
	}
	return b.String()
}

// KeyOf derives the timeline key for a relay set and filter. The relay
// list is normalized and sorted first, so the same set spelled differently
// still lands on the same timeline.
func KeyOf(urls []string, f nostr.Filter) string {
	h := sha256.Sum256([]byte(strings.Join(normalize.URLs(urls), ",") +
		"|" + canonical(f)))
	return hex.EncodeToString(h[:])
}

// T is one timeline. All methods are safe for concurrent use.
type T struct {
	Key    string
	Filter nostr.Filter
	Relays []string

	mx       sync.Mutex
	refs     []Ref
	capacity int
}

// Len returns the current number of refs.
func (tl *T) Len() int {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	return len(tl.refs)
}

// Refs returns a copy of every ref, newest first.
func (tl *T) Refs() (refs []Ref) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	return append(refs, tl.refs...)
}

// Newest returns the most recent ref, if any.
func (tl *T) Newest() (r Ref, ok bool) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	if len(tl.refs) == 0 {
		return
	}
	return tl.refs[0], true
}

// Oldest returns the least recent ref, if any.
func (tl *T) Oldest() (r Ref, ok bool) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	if len(tl.refs) == 0 {
		return
	}
	return tl.refs[len(tl.refs)-1], true
}

// insert places ref in sorted position. It reports false without touching
// the list when the ref is already present, or when the ref would land past
// the tail of a timeline already at capacity and capped is set.
func (tl *T) insert(ref Ref, capped bool) bool {
	n := len(tl.refs)
	i, found := slices.BinarySearchFunc(tl.refs, ref, refCompare)
	if found {
		return false
	}
	if capped && i == n && tl.capacity > 0 && n >= tl.capacity {
		return false
	}
	tl.refs = append(tl.refs, Ref{})
	copy(tl.refs[i+1:], tl.refs[i:])
	tl.refs[i] = ref
	return true
}

// MergeNew inserts one event's ref in order. Re-merging an event already
// present changes nothing. Once the timeline holds its capacity of refs,
// events older than the current oldest are dropped; paging them in through
// Merge still works.
func (tl *T) MergeNew(ev *nostr.Event) (inserted bool) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	return tl.insert(Ref{ID: ev.ID, CreatedAt: ev.CreatedAt}, true)
}

// Merge inserts a batch of events, typically a completed subscription
// delivery or an older page, and returns how many were new. Capacity does
// not apply: pages requested past the tail always extend it.
func (tl *T) Merge(evs []*nostr.Event) (added int) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	for _, ev := range evs {
		if tl.insert(Ref{ID: ev.ID, CreatedAt: ev.CreatedAt}, false) {
			added++
		}
	}
	return
}

// Page returns up to limit refs with created_at at or before until, newest
// first. An until of zero starts from the head. The returned slice is a
// copy.
func (tl *T) Page(until nostr.Timestamp, limit int) (refs []Ref) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	start := 0
	if until > 0 {
		start = sort.Search(len(tl.refs), func(i int) bool {
			return tl.refs[i].CreatedAt <= until
		})
	}
	end := len(tl.refs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append(refs, tl.refs[start:end]...)
}

// Contains reports whether an event ID is already on the timeline.
func (tl *T) Contains(id string) bool {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	for i := range tl.refs {
		if tl.refs[i].ID == id {
			return true
		}
	}
	return false
}

// Cache holds every timeline built during this session, keyed by KeyOf.
// Timelines are never evicted; a session's scrollback stays warm.
type Cache struct {
	Capacity  int
	timelines *xsync.MapOf[string, *T]
}

func NewCache() *Cache {
	return &Cache{
		Capacity:  DefaultCapacity,
		timelines: xsync.NewMapOf[*T](),
	}
}

// Get looks up a timeline by its key.
func (c *Cache) Get(key string) (tl *T, ok bool) {
	return c.timelines.Load(key)
}

// GetOrCreate returns the timeline for a relay set and filter, creating an
// empty one on first use. created reports whether this call made it.
func (c *Cache) GetOrCreate(urls []string, f nostr.Filter) (tl *T,
	created bool) {
	key := KeyOf(urls, f)
	tl, loaded := c.timelines.LoadOrCompute(key, func() *T {
		return &T{
			Key:      key,
			Filter:   f,
			Relays:   normalize.URLs(urls),
			capacity: c.Capacity,
		}
	})
	return tl, !loaded
}

// Size returns the number of cached timelines.
func (c *Cache) Size() int { return c.timelines.Size() }
