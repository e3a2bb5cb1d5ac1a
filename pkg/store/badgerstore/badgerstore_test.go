package badgerstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/nbd-wtf/go-nostr"
)

const testTimeout = 5 * time.Second

var testPubkey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func testStore(t *testing.T) *T {
	t.Helper()
	b := New(t.TempDir())
	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func testEvent(kind int, d string, ts int64, seq int) *nostr.Event {
	ev := &nostr.Event{
		ID:        fmt.Sprintf("%064x", seq),
		PubKey:    testPubkey,
		CreatedAt: nostr.Timestamp(ts),
		Kind:      kind,
		Content:   fmt.Sprintf("event %d", seq),
	}
	if d != "" {
		ev.Tags = nostr.Tags{{"d", d}}
	}
	return ev
}

func TestSaveAndQueryByID(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	ev := testEvent(1, "", 100, 1)
	if err := b.SaveEvent(c, ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	// second save of the same id reports a duplicate
	if err := b.SaveEvent(c, ev); err == nil {
		t.Fatal("duplicate save should error")
	}
	ch, err := b.QueryEvents(c, nostr.Filter{IDs: []string{ev.ID}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	var got []*nostr.Event
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != 1 || got[0].ID != ev.ID {
		t.Fatalf("got %d events, want the saved one", len(got))
	}
}

func TestReplaceableNewestWins(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	newer := testEvent(10002, "", 200, 1)
	older := testEvent(10002, "", 100, 2)
	if stored, err := b.PutReplaceable(c, newer); err != nil || !stored {
		t.Fatalf("first put: stored=%v err=%v", stored, err)
	}
	if stored, err := b.PutReplaceable(c, older); err != nil || stored {
		t.Fatalf("older event must not replace: stored=%v err=%v", stored, err)
	}
	address, _ := store.EventAddress(newer)
	got, err := b.GetReplaceable(c, address)
	if err != nil {
		t.Fatalf("GetReplaceable: %v", err)
	}
	if got.ID != newer.ID {
		t.Fatalf("got %s, want newest %s", got.ID, newer.ID)
	}
}

func TestReplaceableTimestampTie(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	big := testEvent(0, "", 100, 0xff)
	small := testEvent(0, "", 100, 0x01)
	if stored, _ := b.PutReplaceable(c, big); !stored {
		t.Fatal("first put should store")
	}
	// equal timestamps: the smaller id wins
	if stored, _ := b.PutReplaceable(c, small); !stored {
		t.Fatal("smaller id should replace on tie")
	}
	address, _ := store.EventAddress(small)
	got, err := b.GetReplaceable(c, address)
	if err != nil || got.ID != small.ID {
		t.Fatalf("got %v %v, want smaller id", got, err)
	}
}

func TestParamReplaceableDistinctAddresses(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	one := testEvent(30023, "alpha", 100, 1)
	two := testEvent(30023, "beta", 100, 2)
	for _, ev := range []*nostr.Event{one, two} {
		if stored, err := b.PutReplaceable(c, ev); err != nil || !stored {
			t.Fatalf("put %s: stored=%v err=%v", ev.ID, stored, err)
		}
	}
	a1, _ := store.EventAddress(one)
	a2, _ := store.EventAddress(two)
	evs, err := b.GetManyReplaceable(c, []string{a1, a2, "30023:" + testPubkey + ":gone"})
	if err != nil {
		t.Fatalf("GetManyReplaceable: %v", err)
	}
	if len(evs) != 2 || evs[a1].ID != one.ID || evs[a2].ID != two.ID {
		t.Fatalf("wrong batch result: %v", evs)
	}
}

func TestEphemeralNotStored(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	ev := testEvent(20001, "", 100, 1)
	if err := b.SaveEvent(c, ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	ch, err := b.QueryEvents(c, nostr.Filter{IDs: []string{ev.ID}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if ev, ok := <-ch; ok {
		t.Fatalf("ephemeral event was stored: %v", ev)
	}
}

func TestDeleteEvent(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	ev := testEvent(10002, "", 100, 1)
	if _, err := b.PutReplaceable(c, ev); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.DeleteEvent(c, ev); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	address, _ := store.EventAddress(ev)
	if _, err := b.GetReplaceable(c, address); err != store.ErrNotFound {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestIterateKind(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	for i := 1; i <= 3; i++ {
		ev := testEvent(30023, fmt.Sprintf("d%d", i), int64(100+i), i)
		if _, err := b.PutReplaceable(c, ev); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	var n int
	if err := b.IterateKind(c, 30023, func(ev *nostr.Event) bool {
		n++
		return true
	}); err != nil {
		t.Fatalf("IterateKind: %v", err)
	}
	if n != 3 {
		t.Fatalf("iterated %d events, want 3", n)
	}
	// early stop
	n = 0
	_ = b.IterateKind(c, 30023, func(ev *nostr.Event) bool {
		n++
		return false
	})
	if n != 1 {
		t.Fatalf("iteration should stop after first, got %d", n)
	}
}

func TestCountEvents(t *testing.T) {
	b := testStore(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	for i := 1; i <= 4; i++ {
		if err := b.SaveEvent(c, testEvent(1, "", int64(100+i), i)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	count, err := b.CountEvents(c, nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 4 {
		t.Fatalf("count = %d, want 4", count)
	}
}
