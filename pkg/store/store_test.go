package store

import (
	"strings"
	"testing"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"

	"github.com/nbd-wtf/go-nostr"
)

var testPubkey = strings.Repeat("ab", 32)

func TestKindRanges(t *testing.T) {
	for _, k := range []int{0, 3, 10000, 10002, 19999} {
		if !IsReplaceable(k) {
			t.Errorf("kind %d should be replaceable", k)
		}
	}
	for _, k := range []int{1, 7, 9999, 20000, 30000} {
		if IsReplaceable(k) {
			t.Errorf("kind %d should not be replaceable", k)
		}
	}
	if !IsEphemeral(20001) || IsEphemeral(30000) {
		t.Error("ephemeral range is [20000,30000)")
	}
	if !IsParamReplaceable(30023) || IsParamReplaceable(40000) {
		t.Error("parameterized range is [30000,40000)")
	}
	if !IsAddressable(0) || !IsAddressable(30023) || IsAddressable(1) {
		t.Error("addressable covers both replaceable forms")
	}
}

func TestIsOlder(t *testing.T) {
	a := &nostr.Event{ID: "aa", CreatedAt: 100}
	b := &nostr.Event{ID: "bb", CreatedAt: 200}
	if !IsOlder(a, b) || IsOlder(b, a) {
		t.Error("larger created_at wins")
	}
	tieBig := &nostr.Event{ID: "ff", CreatedAt: 100}
	tieSmall := &nostr.Event{ID: "00", CreatedAt: 100}
	if !IsOlder(tieBig, tieSmall) {
		t.Error("on tie the smaller id wins")
	}
	if IsOlder(tieSmall, tieBig) {
		t.Error("smaller id must not lose a tie")
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr := Address(30023, testPubkey, "post-1")
	k, pk, d, err := ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if k != 30023 || pk != testPubkey || d != "post-1" {
		t.Fatalf("round trip mismatch: %d %s %s", k, pk, d)
	}
	for _, bad := range []string{"", "30023", "x:y:z", "30023:short:d"} {
		if _, _, _, err = ParseAddress(bad); err == nil {
			t.Errorf("ParseAddress(%q) should fail", bad)
		}
	}
}

func TestEventAddress(t *testing.T) {
	plain := &nostr.Event{Kind: 10002, PubKey: testPubkey}
	addr, ok := EventAddress(plain)
	if !ok || addr != "10002:"+testPubkey+":" {
		t.Fatalf("plain replaceable address: %q %v", addr, ok)
	}
	param := &nostr.Event{
		Kind: 30023, PubKey: testPubkey,
		Tags: nostr.Tags{{"d", "slug"}},
	}
	addr, ok = EventAddress(param)
	if !ok || addr != "30023:"+testPubkey+":slug" {
		t.Fatalf("parameterized address: %q %v", addr, ok)
	}
	if _, ok = EventAddress(&nostr.Event{Kind: 1}); ok {
		t.Fatal("kind 1 has no address")
	}
}

func TestMemNewestWins(t *testing.T) {
	m := NewMem()
	c := context.Bg()
	newer := &nostr.Event{
		ID: "01", Kind: 0, PubKey: testPubkey, CreatedAt: 200,
	}
	older := &nostr.Event{
		ID: "02", Kind: 0, PubKey: testPubkey, CreatedAt: 100,
	}
	if stored, _ := m.PutReplaceable(c, newer); !stored {
		t.Fatal("first put should store")
	}
	if stored, _ := m.PutReplaceable(c, older); stored {
		t.Fatal("older event must not replace")
	}
	addr, _ := EventAddress(newer)
	got, err := m.GetReplaceable(c, addr)
	if err != nil || got.ID != newer.ID {
		t.Fatalf("got %v %v", got, err)
	}
	if _, err = m.GetReplaceable(c, "0:none:"); err != ErrNotFound {
		t.Fatalf("miss should be ErrNotFound, got %v", err)
	}
}
