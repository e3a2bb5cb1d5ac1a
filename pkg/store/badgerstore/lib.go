// Package badgerstore persists events in a badger database, keyed so that
// addressable events can be replaced in place and looked up by their
// kind:pubkey:d address.
package badgerstore

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"

	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

var (
	_ store.I          = (*T)(nil)
	_ eventstore.Store = (*T)(nil)
)

// Key prefixes. Raw events are stored under their id, addressable events get
// a pointer from their address to the current id, and a kind index allows
// walking all events of one kind.
const (
	prefixRaw     byte = 1
	prefixAddress byte = 2
	prefixKind    byte = 3
)

type T struct {
	Path string
	// MaxQueryLimit caps the number of events a single query returns when
	// the filter doesn't set its own limit.
	MaxQueryLimit int
	*badger.DB
}

const DefaultMaxQueryLimit = 500

func New(path string) *T { return &T{Path: path} }

func (b *T) Init() (err error) {
	log.I.Ln("opening badger event store at", b.Path)
	opts := badger.DefaultOptions(b.Path)
	opts.Compression = options.ZSTD
	opts.CompactL0OnClose = true
	if b.DB, err = badger.Open(opts); chk.E(err) {
		return
	}
	if b.MaxQueryLimit == 0 {
		b.MaxQueryLimit = DefaultMaxQueryLimit
	}
	return
}

func (b *T) Close() {
	if b.DB != nil {
		_ = b.DB.Close()
	}
}

func (b *T) Update(fn func(txn *badger.Txn) (err error)) (err error) {
	return b.DB.Update(fn)
}

func (b *T) View(fn func(txn *badger.Txn) (err error)) (err error) {
	return b.DB.View(fn)
}

func eventID(ev *nostr.Event) (id []byte, err error) {
	if id, err = hex.DecodeString(ev.ID); err != nil || len(id) != 32 {
		return nil, log.E.Err("invalid event id %q", ev.ID)
	}
	return
}

func rawKey(id []byte) (key []byte) {
	key = make([]byte, 1+len(id))
	key[0] = prefixRaw
	copy(key[1:], id)
	return
}

func addressKey(address string) (key []byte) {
	key = make([]byte, 1+len(address))
	key[0] = prefixAddress
	copy(key[1:], address)
	return
}

func kindPrefix(k int) (key []byte) {
	key = make([]byte, 3)
	key[0] = prefixKind
	binary.BigEndian.PutUint16(key[1:], uint16(k))
	return
}

func kindKey(k int, id []byte) (key []byte) {
	key = append(kindPrefix(k), id...)
	return
}

// getRaw loads the event stored under id, returning nil without error when
// it is absent.
func getRaw(txn *badger.Txn, id []byte) (ev *nostr.Event, err error) {
	var item *badger.Item
	if item, err = txn.Get(rawKey(id)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			err = nil
		}
		return
	}
	var raw []byte
	if raw, err = item.ValueCopy(nil); chk.E(err) {
		return
	}
	ev = &nostr.Event{}
	if err = json.Unmarshal(raw, ev); chk.E(err) {
		ev = nil
	}
	return
}
