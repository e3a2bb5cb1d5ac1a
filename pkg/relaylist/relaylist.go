// Package relaylist reads and builds a user's advertised relay sets: the
// kind 10002 relay list with read/write markers, falling back to the relay
// object sometimes embedded in kind 3 contact list content.
package relaylist

import (
	"encoding/json"
	"net/url"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"
)

var log, chk = slog.New(os.Stderr)

// Relay is one advertised relay and what its owner uses it for.
type Relay struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// List is a user's relay set in advertisement order, one entry per URL.
type List []Relay

func (l List) ReadURLs() (urls []string) {
	for _, r := range l {
		if r.Read {
			urls = append(urls, r.URL)
		}
	}
	return
}

func (l List) WriteURLs() (urls []string) {
	for _, r := range l {
		if r.Write {
			urls = append(urls, r.URL)
		}
	}
	return
}

func (l List) URLs() (urls []string) {
	for _, r := range l {
		urls = append(urls, r.URL)
	}
	return
}

// add merges a relay into the list, unioning flags on a repeated URL.
func (l List) add(r Relay) List {
	for i := range l {
		if l[i].URL == r.URL {
			l[i].Read = l[i].Read || r.Read
			l[i].Write = l[i].Write || r.Write
			return l
		}
	}
	return append(l, r)
}

// IsValidRelayURL rejects anything that is not a plausible websocket relay
// address.
func IsValidRelayURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	if parsed.Scheme != "wss" && parsed.Scheme != "ws" {
		return false
	}
	if len(strings.Split(parsed.Host, ".")) < 2 {
		return false
	}
	return true
}

// ParseKind10002 reads the r tags of a relay list event. A tag with no
// marker advertises both directions; "read" and "write" markers narrow it.
func ParseKind10002(ev *nostr.Event) (l List) {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" || tag[1] == "" {
			continue
		}
		u := normalize.URL(tag[1])
		if !IsValidRelayURL(u) {
			continue
		}
		r := Relay{URL: u}
		if len(tag) == 2 {
			r.Read = true
			r.Write = true
		} else if tag[2] == "write" {
			r.Write = true
		} else if tag[2] == "read" {
			r.Read = true
		}
		l = l.add(r)
	}
	return
}

// ParseKind3 reads the legacy relay object some contact list events carry
// in their content.
func ParseKind3(ev *nostr.Event) (l List) {
	type item struct {
		Read  bool `json:"read"`
		Write bool `json:"write"`
	}
	items := make(map[string]item, 20)
	if err := json.Unmarshal([]byte(ev.Content), &items); chk.D(err) {
		return
	}
	for u, it := range items {
		u = normalize.URL(u)
		if !IsValidRelayURL(u) {
			continue
		}
		l = l.add(Relay{URL: u, Read: it.Read, Write: it.Write})
	}
	return
}

// Parse dispatches on the event kind.
func Parse(ev *nostr.Event) List {
	switch ev.Kind {
	case nostr.KindRelayListMetadata:
		return ParseKind10002(ev)
	case nostr.KindContactList:
		return ParseKind3(ev)
	}
	return nil
}

// BuildKind10002 renders a list back into an unsigned relay list event,
// ready for a signer.
func BuildKind10002(l List) (ev *nostr.Event) {
	tags := make(nostr.Tags, 0, len(l))
	for _, r := range l {
		switch {
		case r.Read && r.Write:
			tags = append(tags, nostr.Tag{"r", r.URL})
		case r.Write:
			tags = append(tags, nostr.Tag{"r", r.URL, "write"})
		case r.Read:
			tags = append(tags, nostr.Tag{"r", r.URL, "read"})
		}
	}
	return &nostr.Event{
		Kind:      nostr.KindRelayListMetadata,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
}

// T fetches relay lists through the resolver, which keeps them warm in the
// replaceable cache and durable in storage.
type T struct {
	res *resolver.T
}

func New(res *resolver.T) *T { return &T{res: res} }

// ForPubkey returns a pubkey's advertised relays. A kind 10002 list wins;
// the kind 3 relay object is only consulted when no relay list exists.
func (t *T) ForPubkey(c context.T, pubkey string) (l List, err error) {
	pubkey = strings.ToLower(strings.TrimSpace(pubkey))
	found, err := t.res.FetchManyByCoordinate(c, []resolver.Coordinate{
		{Kind: nostr.KindRelayListMetadata, PubKey: pubkey},
		{Kind: nostr.KindContactList, PubKey: pubkey},
	})
	if err != nil {
		return
	}
	if ev := found[store.Address(nostr.KindRelayListMetadata, pubkey,
		"")]; ev != nil {
		if l = ParseKind10002(ev); len(l) > 0 {
			return
		}
	}
	if ev := found[store.Address(nostr.KindContactList, pubkey,
		"")]; ev != nil {
		l = ParseKind3(ev)
	}
	if len(l) == 0 {
		log.D.F("no advertised relays for %s", pubkey)
	}
	return
}
