package relaylist

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/eventest"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaypool"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaytest"
	"github.com/Hubmakerlabs/aggregatr/pkg/replaceable"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"
	"github.com/Hubmakerlabs/aggregatr/pkg/submux"
)

func TestParseKind10002(t *testing.T) {
	ev := &nostr.Event{
		Kind: nostr.KindRelayListMetadata,
		Tags: nostr.Tags{
			{"r", "wss://both.example"},
			{"r", "wss://in.example", "read"},
			{"r", "wss://out.example", "write"},
			{"r", "relay.bare.example"},
			{"r", "wss://both.example", "read"},
			{"p", "wss://not-a-relay-tag.example"},
			{"r", "wss://nodots"},
			{"r", ""},
		},
	}
	l := ParseKind10002(ev)
	if len(l) != 4 {
		t.Fatalf("expected 4 relays, got %d: %v", len(l), l)
	}
	if l[0] != (Relay{URL: "wss://both.example", Read: true, Write: true}) {
		t.Errorf("unmarked tag should read and write: %+v", l[0])
	}
	if l[1] != (Relay{URL: "wss://in.example", Read: true}) {
		t.Errorf("read marker: %+v", l[1])
	}
	if l[2] != (Relay{URL: "wss://out.example", Write: true}) {
		t.Errorf("write marker: %+v", l[2])
	}
	if l[3].URL != "wss://relay.bare.example" {
		t.Errorf("bare hostnames should be normalized: %+v", l[3])
	}
}

func TestParseKind3(t *testing.T) {
	ev := &nostr.Event{
		Kind: nostr.KindContactList,
		Content: `{"wss://a.example":{"read":true,"write":true},` +
			`"wss://b.example":{"read":true,"write":false}}`,
	}
	l := ParseKind3(ev)
	if len(l) != 2 {
		t.Fatalf("expected 2 relays, got %v", l)
	}
	if got := l.ReadURLs(); len(got) != 2 {
		t.Errorf("both relays are readable, got %v", got)
	}
	if got := l.WriteURLs(); len(got) != 1 || got[0] != "wss://a.example" {
		t.Errorf("only a.example is writable, got %v", got)
	}
	if got := ParseKind3(&nostr.Event{Kind: nostr.KindContactList,
		Content: "not json"}); len(got) != 0 {
		t.Errorf("unparseable content yields no relays, got %v", got)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	in := List{
		{URL: "wss://both.example", Read: true, Write: true},
		{URL: "wss://in.example", Read: true},
		{URL: "wss://out.example", Write: true},
	}
	ev := BuildKind10002(in)
	if ev.Kind != nostr.KindRelayListMetadata {
		t.Fatalf("wrong kind %d", ev.Kind)
	}
	out := Parse(ev)
	if len(out) != len(in) {
		t.Fatalf("round trip lost relays: %v", out)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("entry %d: want %+v got %+v", i, in[i], out[i])
		}
	}
}

func newService(t *testing.T, relay *relaytest.T) *T {
	t.Helper()
	ctx, cancel := context.Cancel(context.Bg())
	pool := relaypool.New(ctx)
	health := relayhealth.New(relayhealth.Opts{
		MaxFailures:     3,
		CircuitWindow:   time.Second,
		BlacklistWindow: time.Second,
		MinInterval:     time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		GlobalInterval:  time.Microsecond,
		MaxConcurrent:   8,
	})
	res := resolver.New(ctx, submux.New(pool, health),
		replaceable.New(store.NewMem()),
		resolver.Tiers{Read: []string{relay.URL}})
	res.Window = 20 * time.Millisecond
	res.QueryTimeout = 900 * time.Millisecond
	t.Cleanup(func() {
		res.Close()
		pool.Close()
		cancel()
	})
	return New(res)
}

func TestForPubkeyPrefersRelayList(t *testing.T) {
	id := eventest.NewIdentity()
	listEv := id.Event(nostr.KindRelayListMetadata, nostr.Now(), "",
		nostr.Tags{
			{"r", "wss://ten.example"},
			{"r", "wss://eleven.example", "write"},
		})
	contactEv := id.Event(nostr.KindContactList, nostr.Now()-10,
		`{"wss://legacy.example":{"read":true,"write":true}}`, nil)
	relay, err := relaytest.New(relaytest.Behavior{
		Events: []*nostr.Event{listEv, contactEv},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(relay.Close)
	svc := newService(t, relay)
	c, cancel := context.Timeout(context.Bg(), 10*time.Second)
	defer cancel()

	l, err := svc.ForPubkey(c, id.Pub)
	if err != nil {
		t.Fatal(err)
	}
	if len(l) != 2 || l[0].URL != "wss://ten.example" {
		t.Fatalf("kind 10002 should win, got %v", l)
	}
}

func TestForPubkeyFallsBackToContacts(t *testing.T) {
	id := eventest.NewIdentity()
	contactEv := id.Event(nostr.KindContactList, nostr.Now(),
		`{"wss://legacy.example":{"read":true,"write":true}}`, nil)
	relay, err := relaytest.New(relaytest.Behavior{
		Events: []*nostr.Event{contactEv},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(relay.Close)
	svc := newService(t, relay)
	c, cancel := context.Timeout(context.Bg(), 10*time.Second)
	defer cancel()

	l, err := svc.ForPubkey(c, id.Pub)
	if err != nil {
		t.Fatal(err)
	}
	if len(l) != 1 || l[0].URL != "wss://legacy.example" || !l[0].Write {
		t.Fatalf("contact list fallback failed, got %v", l)
	}
}
