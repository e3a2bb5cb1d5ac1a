// Package store defines the durable storage contract behind the addressable
// event cache, plus the kind-range and address helpers shared by everything
// that handles replaceable events.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"

	"github.com/nbd-wtf/go-nostr"
)

// ErrNotFound is returned by lookups for addresses with no stored event.
var ErrNotFound = errors.New("no event stored at address")

// I is the durable store behind the addressable event cache. Implementations
// apply newest-wins semantics on put so a stale write never clobbers a newer
// event.
type I interface {
	// PutReplaceable stores ev under its kind:pubkey:d address if it is
	// newer than what is already held there, reporting whether ev won.
	PutReplaceable(c context.T, ev *nostr.Event) (stored bool, err error)
	// GetReplaceable returns the event at the given address, or ErrNotFound.
	GetReplaceable(c context.T, address string) (ev *nostr.Event, err error)
	// GetManyReplaceable looks up a batch of addresses, omitting misses.
	GetManyReplaceable(c context.T, addresses []string) (
		evs map[string]*nostr.Event, err error)
	// IterateKind walks every stored event of kind k until iter returns
	// false.
	IterateKind(c context.T, k int, iter func(ev *nostr.Event) bool) (
		err error)
	// Close releases the store's resources.
	Close()
}

// IsReplaceable reports whether events of kind k replace the previous event
// of the same kind and author.
func IsReplaceable(k int) bool {
	return k == 0 || k == 3 || (10000 <= k && k < 20000)
}

// IsParamReplaceable reports whether events of kind k replace by kind,
// author and d tag rather than kind and author alone.
func IsParamReplaceable(k int) bool { return 30000 <= k && k < 40000 }

// IsEphemeral reports whether events of kind k are relayed but never stored.
func IsEphemeral(k int) bool { return 20000 <= k && k < 30000 }

// IsAddressable reports whether events of kind k live at a kind:pubkey:d
// address, i.e. either form of replaceable.
func IsAddressable(k int) bool {
	return IsReplaceable(k) || IsParamReplaceable(k)
}

// IsOlder reports whether previous loses to next under newest-wins: a larger
// created_at wins, and on equal timestamps the smaller id wins.
func IsOlder(previous, next *nostr.Event) bool {
	return previous.CreatedAt < next.CreatedAt ||
		(previous.CreatedAt == next.CreatedAt && previous.ID > next.ID)
}

// Address returns the kind:pubkey:d form used to key addressable events. The
// d element is empty for plainly replaceable kinds.
func Address(k int, pubkey, d string) string {
	return strconv.Itoa(k) + ":" + pubkey + ":" + d
}

// EventAddress returns the address ev lives at, with ok false for kinds that
// are not addressable.
func EventAddress(ev *nostr.Event) (address string, ok bool) {
	if !IsAddressable(ev.Kind) {
		return
	}
	var d string
	if IsParamReplaceable(ev.Kind) {
		if t := ev.Tags.GetFirst([]string{"d"}); t != nil {
			d = t.Value()
		}
	}
	return Address(ev.Kind, ev.PubKey, d), true
}

// ParseAddress splits a kind:pubkey:d address, validating the kind number
// and the pubkey hex.
func ParseAddress(address string) (k int, pubkey, d string, err error) {
	spl := strings.SplitN(address, ":", 3)
	if len(spl) != 3 {
		err = fmt.Errorf("malformed address %q", address)
		return
	}
	var ku uint64
	if ku, err = strconv.ParseUint(spl[0], 10, 16); err != nil {
		err = fmt.Errorf("malformed kind in address %q: %w", address, err)
		return
	}
	var pkb []byte
	if pkb, err = hex.DecodeString(spl[1]); err != nil || len(pkb) != 32 {
		err = fmt.Errorf("malformed pubkey in address %q", address)
		return
	}
	return int(ku), spl[1], spl[2], nil
}
