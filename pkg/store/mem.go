package store

import (
	"sort"
	"sync"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"

	"github.com/nbd-wtf/go-nostr"
)

// Mem is an in-memory I used in tests and as the fallback when no database
// path is configured. Events are kept as given, not copied.
type Mem struct {
	mx     sync.RWMutex
	events map[string]*nostr.Event
}

var _ I = (*Mem)(nil)

func NewMem() *Mem { return &Mem{events: make(map[string]*nostr.Event)} }

func (m *Mem) PutReplaceable(c context.T, ev *nostr.Event) (stored bool,
	err error) {

	address, ok := EventAddress(ev)
	if !ok {
		return
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if prev, have := m.events[address]; have && !IsOlder(prev, ev) {
		return
	}
	m.events[address] = ev
	return true, nil
}

func (m *Mem) GetReplaceable(c context.T, address string) (ev *nostr.Event,
	err error) {

	m.mx.RLock()
	defer m.mx.RUnlock()
	ev, ok := m.events[address]
	if !ok {
		return nil, ErrNotFound
	}
	return
}

func (m *Mem) GetManyReplaceable(c context.T, addresses []string) (
	evs map[string]*nostr.Event, err error) {

	evs = make(map[string]*nostr.Event, len(addresses))
	m.mx.RLock()
	defer m.mx.RUnlock()
	for _, address := range addresses {
		if ev, ok := m.events[address]; ok {
			evs[address] = ev
		}
	}
	return
}

func (m *Mem) IterateKind(c context.T, k int,
	iter func(ev *nostr.Event) bool) (err error) {

	m.mx.RLock()
	var matches []*nostr.Event
	for _, ev := range m.events {
		if ev.Kind == k {
			matches = append(matches, ev)
		}
	}
	m.mx.RUnlock()
	// stable order keeps rebuilds deterministic
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ID < matches[j].ID
	})
	for _, ev := range matches {
		if !iter(ev) {
			return
		}
	}
	return
}

func (m *Mem) Close() {}
