package timeline

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func ev(seq int, ts nostr.Timestamp) *nostr.Event {
	return &nostr.Event{ID: fmt.Sprintf("%064x", seq), CreatedAt: ts}
}

func assertSorted(t *testing.T, refs []Ref) {
	t.Helper()
	for i := 1; i < len(refs); i++ {
		if refCompare(refs[i-1], refs[i]) >= 0 {
			t.Fatalf("refs out of order at %d: %v then %v",
				i, refs[i-1], refs[i])
		}
	}
}

func TestMergeNewKeepsOrder(t *testing.T) {
	tl := &T{}
	evs := []*nostr.Event{
		ev(1, 100), ev(2, 300), ev(3, 200),
		ev(4, 200), ev(5, 500), ev(6, 400),
	}
	rand.Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })
	for _, e := range evs {
		if !tl.MergeNew(e) {
			t.Fatalf("fresh event %s not inserted", e.ID)
		}
	}
	refs := tl.Refs()
	if len(refs) != len(evs) {
		t.Fatalf("expected %d refs, got %d", len(evs), len(refs))
	}
	assertSorted(t, refs)
	if refs[0].CreatedAt != 500 {
		t.Errorf("newest should lead, got %v", refs[0])
	}
	// equal timestamps order by descending ID
	if refs[2].ID < refs[3].ID {
		t.Errorf("tie not broken by descending id: %v before %v",
			refs[2], refs[3])
	}
}

func TestMergeNewIdempotent(t *testing.T) {
	tl := &T{}
	e := ev(7, 250)
	if !tl.MergeNew(e) {
		t.Fatal("first merge should insert")
	}
	for i := 0; i < 3; i++ {
		if tl.MergeNew(e) {
			t.Fatal("re-merging the same event must be a no-op")
		}
	}
	if tl.Len() != 1 {
		t.Fatalf("expected 1 ref, got %d", tl.Len())
	}
}

func TestMergeNewDropsPastTailAtCapacity(t *testing.T) {
	tl := &T{capacity: 3}
	for i, ts := range []nostr.Timestamp{300, 200, 100} {
		tl.MergeNew(ev(i, ts))
	}
	if tl.MergeNew(ev(9, 50)) {
		t.Error("older than the oldest at capacity should be dropped")
	}
	if tl.Len() != 3 {
		t.Fatalf("drop should leave len at 3, got %d", tl.Len())
	}
	if !tl.MergeNew(ev(10, 400)) {
		t.Error("newer events are always accepted")
	}
	if !tl.MergeNew(ev(11, 150)) {
		t.Error("events within the window should still insert")
	}
	assertSorted(t, tl.Refs())
}

func TestMergeExtendsPastCapacity(t *testing.T) {
	tl := &T{capacity: 2}
	tl.MergeNew(ev(0, 300))
	tl.MergeNew(ev(1, 200))
	added := tl.Merge([]*nostr.Event{ev(2, 100), ev(3, 50), ev(1, 200)})
	if added != 2 {
		t.Fatalf("expected 2 new from page, got %d", added)
	}
	if tl.Len() != 4 {
		t.Fatalf("paged refs must extend the tail, got len %d", tl.Len())
	}
	assertSorted(t, tl.Refs())
}

func TestPage(t *testing.T) {
	tl := &T{}
	for i := 0; i < 10; i++ {
		tl.MergeNew(ev(i, nostr.Timestamp(1000-i*100)))
	}
	head := tl.Page(0, 3)
	if len(head) != 3 || head[0].CreatedAt != 1000 {
		t.Fatalf("head page wrong: %v", head)
	}
	mid := tl.Page(700, 4)
	if len(mid) != 4 || mid[0].CreatedAt != 700 {
		t.Fatalf("until page should start at or before until: %v", mid)
	}
	tail := tl.Page(150, 10)
	if len(tail) != 1 || tail[0].CreatedAt != 100 {
		t.Fatalf("tail page wrong: %v", tail)
	}
	if got := tl.Page(50, 10); len(got) != 0 {
		t.Fatalf("past the tail should be empty, got %v", got)
	}
}

func TestKeyStableAcrossSpelling(t *testing.T) {
	f := nostr.Filter{
		Kinds:   []int{1, 0},
		Authors: []string{"bob", "alice"},
		Tags:    nostr.TagMap{"e": {"y", "x"}},
	}
	g := nostr.Filter{
		Kinds:   []int{0, 1},
		Authors: []string{"alice", "bob"},
		Tags:    nostr.TagMap{"e": {"x", "y"}},
	}
	a := KeyOf([]string{"wss://relay.one/", "RELAY.TWO"}, f)
	b := KeyOf([]string{"wss://relay.two", "wss://relay.one"}, g)
	if a != b {
		t.Errorf("equivalent relay sets and filters must share a key")
	}
	c := KeyOf([]string{"wss://relay.one"}, f)
	if a == c {
		t.Errorf("different relay sets must not collide")
	}
	h := f
	h.Kinds = []int{1, 0, 3}
	if KeyOf([]string{"wss://relay.one", "wss://relay.two"}, h) == a {
		t.Errorf("different filters must not collide")
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := NewCache()
	urls := []string{"wss://relay.example"}
	f := nostr.Filter{Kinds: []int{1}}
	tl, created := c.GetOrCreate(urls, f)
	if !created {
		t.Fatal("first lookup should create")
	}
	again, created := c.GetOrCreate([]string{"relay.example"}, f)
	if created || again != tl {
		t.Fatal("same set and filter must return the same timeline")
	}
	byKey, ok := c.Get(tl.Key)
	if !ok || byKey != tl {
		t.Fatal("Get by key should find the timeline")
	}
	if c.Size() != 1 {
		t.Fatalf("expected one timeline, got %d", c.Size())
	}
	if tl.capacity != DefaultCapacity {
		t.Fatalf("created timeline should carry the cache capacity")
	}
}

func TestNewestOldest(t *testing.T) {
	tl := &T{}
	if _, ok := tl.Newest(); ok {
		t.Fatal("empty timeline has no newest")
	}
	tl.Merge([]*nostr.Event{ev(1, 100), ev(2, 300), ev(3, 200)})
	n, _ := tl.Newest()
	o, _ := tl.Oldest()
	if n.CreatedAt != 300 || o.CreatedAt != 100 {
		t.Fatalf("newest/oldest wrong: %v %v", n, o)
	}
	if !tl.Contains(fmt.Sprintf("%064x", 2)) {
		t.Error("Contains should find merged ids")
	}
	if tl.Contains("ffff") {
		t.Error("Contains should miss unknown ids")
	}
}
