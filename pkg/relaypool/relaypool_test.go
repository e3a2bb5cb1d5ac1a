package relaypool

import (
	"testing"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaytest"
)

func TestEnsureRelayReuses(t *testing.T) {
	srv, err := relaytest.New(relaytest.Behavior{})
	if err != nil {
		t.Fatalf("relaytest: %v", err)
	}
	defer srv.Close()
	p := New(context.Bg())
	defer p.Close()
	a, err := p.EnsureRelay(srv.URL)
	if err != nil {
		t.Fatalf("EnsureRelay: %v", err)
	}
	b, err := p.EnsureRelay(srv.URL)
	if err != nil {
		t.Fatalf("EnsureRelay again: %v", err)
	}
	if a != b {
		t.Fatal("same URL should reuse the pooled connection")
	}
}

func TestEnsureRelayFailure(t *testing.T) {
	p := New(context.Bg())
	defer p.Close()
	p.LocalDialTimeout = 200 * time.Millisecond
	if _, err := p.EnsureRelay("ws://127.0.0.1:1"); err == nil {
		t.Fatal("dial to a dead port should fail")
	}
}

func TestSeenOn(t *testing.T) {
	p := New(context.Bg())
	defer p.Close()
	const id = "cafebabe"
	p.MarkSeen(id, "wss://one.example")
	p.MarkSeen(id, "one.example") // same relay, different spelling
	p.MarkSeen(id, "wss://two.example")
	urls := p.SeenOn(id)
	if len(urls) != 2 {
		t.Fatalf("want two distinct relays, got %v", urls)
	}
	if got := p.SeenOn("missing"); len(got) != 0 {
		t.Fatalf("unknown id should have no provenance, got %v", got)
	}
}

func TestIsLocal(t *testing.T) {
	for _, tc := range []struct {
		url  string
		want bool
	}{
		{"ws://localhost:4869", true},
		{"ws://127.0.0.1:4869", true},
		{"ws://[::1]:4869", true},
		{"ws://relay.local", true},
		{"wss://relay.damus.io", false},
	} {
		if got := isLocal(tc.url); got != tc.want {
			t.Errorf("isLocal(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
