package badgerstore

import (
	"bytes"
	"errors"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

// DeleteEvent removes the event's raw record and index entries. The address
// pointer is only removed while it still points at this event.
func (b *T) DeleteEvent(c context.T, ev *nostr.Event) (err error) {
	var id []byte
	if id, err = eventID(ev); err != nil {
		return
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		if err = txn.Delete(rawKey(id)); chk.E(err) {
			return
		}
		if err = txn.Delete(kindKey(ev.Kind, id)); chk.E(err) {
			return
		}
		address, ok := store.EventAddress(ev)
		if !ok {
			return
		}
		item, e := txn.Get(addressKey(address))
		if e != nil {
			if errors.Is(e, badger.ErrKeyNotFound) {
				return nil
			}
			return e
		}
		var current []byte
		if current, err = item.ValueCopy(nil); chk.E(err) {
			return
		}
		if bytes.Equal(current, id) {
			err = txn.Delete(addressKey(address))
		}
		return
	})
}
