package badgerstore

import (
	"encoding/hex"
	"errors"
	"sort"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

// QueryEvents returns matching events on a channel, newest first, closed
// when the results are exhausted. Lookups by id and by kind use their
// indexes, anything else scans.
func (b *T) QueryEvents(c context.T, f nostr.Filter) (ch chan *nostr.Event,
	err error) {

	var results []*nostr.Event
	if err = b.View(func(txn *badger.Txn) (err error) {
		results, err = b.collect(txn, f)
		return
	}); chk.E(err) {
		return
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID < results[j].ID
	})
	limit := f.Limit
	if limit <= 0 || limit > b.MaxQueryLimit {
		limit = b.MaxQueryLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	ch = make(chan *nostr.Event)
	go func() {
		defer close(ch)
		for _, ev := range results {
			select {
			case ch <- ev:
			case <-c.Done():
				return
			}
		}
	}()
	return
}

// CountEvents reports how many stored events match the filter.
func (b *T) CountEvents(c context.T, f nostr.Filter) (count int64,
	err error) {

	err = b.View(func(txn *badger.Txn) (err error) {
		var results []*nostr.Event
		if results, err = b.collect(txn, f); err != nil {
			return
		}
		count = int64(len(results))
		return
	})
	return
}

func (b *T) collect(txn *badger.Txn, f nostr.Filter) (
	results []*nostr.Event, err error) {

	add := func(ev *nostr.Event) {
		if ev != nil && f.Matches(ev) {
			results = append(results, ev)
		}
	}
	switch {
	case len(f.IDs) > 0:
		for _, idh := range f.IDs {
			id, e := hex.DecodeString(idh)
			if e != nil || len(id) != 32 {
				continue
			}
			var ev *nostr.Event
			if ev, err = getRaw(txn, id); chk.E(err) {
				return
			}
			add(ev)
		}
	case len(f.Kinds) > 0:
		for _, k := range f.Kinds {
			if err = iterKind(txn, k, func(ev *nostr.Event) bool {
				add(ev)
				return true
			}); chk.E(err) {
				return
			}
		}
	default:
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixRaw}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			id := it.Item().KeyCopy(nil)[1:]
			var ev *nostr.Event
			if ev, err = getRaw(txn, id); chk.E(err) {
				return
			}
			add(ev)
		}
	}
	return
}

func iterKind(txn *badger.Txn, k int,
	iter func(ev *nostr.Event) bool) (err error) {

	pfx := kindPrefix(k)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = pfx
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
		id := it.Item().KeyCopy(nil)[len(pfx):]
		var ev *nostr.Event
		if ev, err = getRaw(txn, id); chk.E(err) {
			return
		}
		if ev == nil {
			continue
		}
		if !iter(ev) {
			return
		}
	}
	return
}

// GetReplaceable returns the current event at the address, or
// store.ErrNotFound.
func (b *T) GetReplaceable(c context.T, address string) (ev *nostr.Event,
	err error) {

	err = b.View(func(txn *badger.Txn) (err error) {
		ev, err = getAddressed(txn, address)
		return
	})
	if err == nil && ev == nil {
		err = store.ErrNotFound
	}
	return
}

// GetManyReplaceable looks up a batch of addresses in one transaction,
// omitting misses from the result.
func (b *T) GetManyReplaceable(c context.T, addresses []string) (
	evs map[string]*nostr.Event, err error) {

	evs = make(map[string]*nostr.Event, len(addresses))
	err = b.View(func(txn *badger.Txn) (err error) {
		for _, address := range addresses {
			var ev *nostr.Event
			if ev, err = getAddressed(txn, address); chk.E(err) {
				return
			}
			if ev != nil {
				evs[address] = ev
			}
		}
		return
	})
	return
}

// IterateKind walks every stored event of kind k until iter returns false.
func (b *T) IterateKind(c context.T, k int,
	iter func(ev *nostr.Event) bool) (err error) {

	return b.View(func(txn *badger.Txn) (err error) {
		return iterKind(txn, k, iter)
	})
}

func getAddressed(txn *badger.Txn, address string) (ev *nostr.Event,
	err error) {

	item, e := txn.Get(addressKey(address))
	if e != nil {
		if errors.Is(e, badger.ErrKeyNotFound) {
			return
		}
		return nil, e
	}
	var id []byte
	if id, err = item.ValueCopy(nil); chk.E(err) {
		return
	}
	return getRaw(txn, id)
}
