// Package profile parses kind 0 metadata and keeps an in-memory username
// index over every profile this process has seen, rebuilt from storage at
// startup so search works before any relay answers.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"
)

var log, chk = slog.New(os.Stderr)

// Metadata is the content of a kind 0 event. Every display field may be
// empty; PubKey is always set.
type Metadata struct {
	PubKey string       `json:"-"`
	Event  *nostr.Event `json:"-"`

	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Website     string `json:"website,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
}

// Parse reads profile metadata out of a kind 0 event.
func Parse(ev *nostr.Event) (m *Metadata, err error) {
	if ev.Kind != nostr.KindProfileMetadata {
		return nil, fmt.Errorf("event %s is kind %d, not 0", ev.ID, ev.Kind)
	}
	if err = json.Unmarshal([]byte(ev.Content), &m); err != nil {
		cont := ev.Content
		if len(cont) > 100 {
			cont = cont[:99]
		}
		return nil, fmt.Errorf("failed to parse metadata (%s) from %s: %w",
			cont, ev.ID, err)
	}
	m.PubKey = ev.PubKey
	m.Event = ev
	return
}

func (m Metadata) Npub() string {
	v, err := nip19.EncodePublicKey(m.PubKey)
	chk.D(err)
	return v
}

// ShortName picks the best available handle: name, then display name,
// then an abbreviated npub.
func (m Metadata) ShortName() string {
	if m.Name != "" {
		return m.Name
	}
	if m.DisplayName != "" {
		return m.DisplayName
	}
	npub := m.Npub()
	if len(npub) < 12 {
		return npub
	}
	return npub[:7] + "…" + npub[len(npub)-4:]
}

// Index is the process-wide username search index, keyed by pubkey. All
// methods are safe for concurrent use.
type Index struct {
	mx    sync.RWMutex
	byKey map[string]*Metadata
}

func NewIndex() *Index {
	return &Index{byKey: make(map[string]*Metadata)}
}

// Put records a profile, keeping the newest version per pubkey.
func (x *Index) Put(m *Metadata) {
	if m == nil || m.PubKey == "" {
		return
	}
	x.mx.Lock()
	defer x.mx.Unlock()
	prev, ok := x.byKey[m.PubKey]
	if ok && prev.Event != nil && m.Event != nil &&
		store.IsOlder(m.Event, prev.Event) {
		return
	}
	x.byKey[m.PubKey] = m
}

func (x *Index) Get(pubkey string) (m *Metadata, ok bool) {
	x.mx.RLock()
	defer x.mx.RUnlock()
	m, ok = x.byKey[pubkey]
	return
}

func (x *Index) Len() int {
	x.mx.RLock()
	defer x.mx.RUnlock()
	return len(x.byKey)
}

// Search matches query case-insensitively against names, display names
// and nip-05 addresses. Prefix matches rank ahead of substring matches;
// ties order by handle.
func (x *Index) Search(query string, limit int) (ms []*Metadata) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return
	}
	type hit struct {
		m      *Metadata
		prefix bool
	}
	var hits []hit
	x.mx.RLock()
	for _, m := range x.byKey {
		fields := []string{
			strings.ToLower(m.Name),
			strings.ToLower(m.DisplayName),
			strings.ToLower(m.NIP05),
		}
		matched, prefix := false, false
		for _, f := range fields {
			if f == "" {
				continue
			}
			if strings.HasPrefix(f, q) {
				matched, prefix = true, true
				break
			}
			if strings.Contains(f, q) {
				matched = true
			}
		}
		if matched {
			hits = append(hits, hit{m: m, prefix: prefix})
		}
	}
	x.mx.RUnlock()
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].prefix != hits[j].prefix {
			return hits[i].prefix
		}
		return hits[i].m.ShortName() < hits[j].m.ShortName()
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	for _, h := range hits {
		ms = append(ms, h.m)
	}
	return
}

// Hydrate rebuilds the index from profiles already in storage. Call once
// at startup.
func (x *Index) Hydrate(c context.T, st store.I) (n int, err error) {
	err = st.IterateKind(c, nostr.KindProfileMetadata,
		func(ev *nostr.Event) bool {
			m, e := Parse(ev)
			if e != nil {
				log.D.F("skipping stored profile %s: %v", ev.ID, e)
				return true
			}
			x.Put(m)
			n++
			return true
		})
	if err == nil && n > 0 {
		log.I.F("profile index hydrated with %d profiles", n)
	}
	return
}

// T fetches profiles through the resolver and feeds the index.
type T struct {
	res *resolver.T
	idx *Index
}

func New(res *resolver.T, idx *Index) *T { return &T{res: res, idx: idx} }

func (t *T) Index() *Index { return t.idx }

// ForPubkey returns a pubkey's profile, fetching it if needed. A pubkey
// with no known profile comes back as empty metadata, never nil.
func (t *T) ForPubkey(c context.T, pubkey string) (m *Metadata, err error) {
	pubkey = strings.ToLower(strings.TrimSpace(pubkey))
	ev, err := t.res.FetchByCoordinate(c, resolver.Coordinate{
		Kind:   nostr.KindProfileMetadata,
		PubKey: pubkey,
	})
	if err != nil || ev == nil {
		return &Metadata{PubKey: pubkey}, err
	}
	if m, err = Parse(ev); err != nil {
		return &Metadata{PubKey: pubkey}, nil
	}
	t.idx.Put(m)
	return
}
