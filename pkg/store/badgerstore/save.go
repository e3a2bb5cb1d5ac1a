package badgerstore

import (
	"encoding/json"
	"errors"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/dgraph-io/badger/v4"
	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

// SaveEvent stores the event unless it is ephemeral. Addressable kinds go
// through the replacement path, everything else is deduplicated by id.
func (b *T) SaveEvent(c context.T, ev *nostr.Event) (err error) {
	if store.IsEphemeral(ev.Kind) {
		return
	}
	if store.IsAddressable(ev.Kind) {
		_, err = b.PutReplaceable(c, ev)
		return
	}
	var id []byte
	if id, err = eventID(ev); err != nil {
		return
	}
	var raw []byte
	if raw, err = json.Marshal(ev); chk.E(err) {
		return
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		if _, err = txn.Get(rawKey(id)); err == nil {
			return eventstore.ErrDupEvent
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return
		}
		if err = txn.Set(rawKey(id), raw); chk.E(err) {
			return
		}
		return txn.Set(kindKey(ev.Kind, id), nil)
	})
}

// PutReplaceable stores ev at its address if it beats the incumbent under
// newest-wins, reporting whether it was stored. The incumbent's raw record
// and kind index entry are removed when replaced.
func (b *T) PutReplaceable(c context.T, ev *nostr.Event) (stored bool,
	err error) {

	address, ok := store.EventAddress(ev)
	if !ok {
		return
	}
	var id []byte
	if id, err = eventID(ev); err != nil {
		return
	}
	var raw []byte
	if raw, err = json.Marshal(ev); chk.E(err) {
		return
	}
	err = b.Update(func(txn *badger.Txn) (err error) {
		var prevID []byte
		item, e := txn.Get(addressKey(address))
		switch {
		case e == nil:
			if prevID, err = item.ValueCopy(nil); chk.E(err) {
				return
			}
		case !errors.Is(e, badger.ErrKeyNotFound):
			return e
		}
		if prevID != nil {
			var prev *nostr.Event
			if prev, err = getRaw(txn, prevID); chk.E(err) {
				return
			}
			if prev != nil {
				if !store.IsOlder(prev, ev) {
					return
				}
				if err = txn.Delete(rawKey(prevID)); chk.E(err) {
					return
				}
				if err = txn.Delete(kindKey(prev.Kind, prevID)); chk.E(err) {
					return
				}
			}
		}
		if err = txn.Set(rawKey(id), raw); chk.E(err) {
			return
		}
		if err = txn.Set(kindKey(ev.Kind, id), nil); chk.E(err) {
			return
		}
		if err = txn.Set(addressKey(address), id); chk.E(err) {
			return
		}
		stored = true
		return
	})
	return
}
