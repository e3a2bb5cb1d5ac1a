package replaceable

import (
	"testing"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/eventest"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

// Whatever order two same-address events are observed in, the cache must
// end up holding the newer one, with timestamp ties going to the smaller id.
func TestNewestWinsEitherOrder(t *testing.T) {
	id := eventest.NewIdentity()
	older := id.Event(nostr.KindProfileMetadata, 100, `{"name":"old"}`, nil)
	newer := id.Event(nostr.KindProfileMetadata, 200, `{"name":"new"}`, nil)
	address, _ := store.EventAddress(newer)
	c := context.Bg()

	for name, pair := range map[string][2]*nostr.Event{
		"oldest first": {older, newer},
		"newest first": {newer, older},
	} {
		ca := New(store.NewMem())
		won1, err := ca.Observe(c, pair[0])
		require.NoError(t, err, name)
		require.True(t, won1, name)
		_, err = ca.Observe(c, pair[1])
		require.NoError(t, err, name)
		got, err := ca.Get(c, address)
		require.NoError(t, err, name)
		require.Equal(t, newer.ID, got.ID, name)
	}
}

func TestTieBreaksToSmallerID(t *testing.T) {
	id := eventest.NewIdentity()
	c := context.Bg()
	// same timestamp, different content, so the ids differ
	a := id.Event(nostr.KindProfileMetadata, 100, `{"name":"a"}`, nil)
	b := id.Event(nostr.KindProfileMetadata, 100, `{"name":"b"}`, nil)
	want := a
	if b.ID < a.ID {
		want = b
	}
	ca := New(store.NewMem())
	_, err := ca.Observe(c, a)
	require.NoError(t, err)
	_, err = ca.Observe(c, b)
	require.NoError(t, err)
	address, _ := store.EventAddress(a)
	got, err := ca.Get(c, address)
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
}

func TestObserveWritesThrough(t *testing.T) {
	id := eventest.NewIdentity()
	ev := id.Event(nostr.KindRelayListMetadata, 100, "", nostr.Tags{
		{"r", "wss://a.example"},
	})
	c := context.Bg()
	st := store.NewMem()
	ca := New(st)
	won, err := ca.Observe(c, ev)
	require.NoError(t, err)
	require.True(t, won)
	address, _ := store.EventAddress(ev)
	stored, err := st.GetReplaceable(c, address)
	require.NoError(t, err)
	require.Equal(t, ev.ID, stored.ID)
}

// A stale event observed into a cold memory cache must not shadow a newer
// event already persisted.
func TestColdMemoryConsultsStorage(t *testing.T) {
	id := eventest.NewIdentity()
	older := id.Event(nostr.KindProfileMetadata, 100, `{"name":"old"}`, nil)
	newer := id.Event(nostr.KindProfileMetadata, 200, `{"name":"new"}`, nil)
	c := context.Bg()
	st := store.NewMem()
	_, err := st.PutReplaceable(c, newer)
	require.NoError(t, err)

	ca := New(st) // fresh process, empty memory
	won, err := ca.Observe(c, older)
	require.NoError(t, err)
	require.False(t, won)
	address, _ := store.EventAddress(newer)
	got, err := ca.Get(c, address)
	require.NoError(t, err)
	require.Equal(t, newer.ID, got.ID)
}

func TestGetFallsBackToStorage(t *testing.T) {
	id := eventest.NewIdentity()
	ev := id.Event(nostr.KindProfileMetadata, 100, `{"name":"x"}`, nil)
	c := context.Bg()
	st := store.NewMem()
	_, err := st.PutReplaceable(c, ev)
	require.NoError(t, err)
	ca := New(st)
	address, _ := store.EventAddress(ev)
	got, err := ca.Get(c, address)
	require.NoError(t, err)
	require.Equal(t, ev.ID, got.ID)
	// miss everywhere
	_, err = ca.Get(c, "0:"+id.Pub+":missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetMany(t *testing.T) {
	alice := eventest.NewIdentity()
	bob := eventest.NewIdentity()
	pa := alice.Event(nostr.KindProfileMetadata, 100, `{"name":"alice"}`, nil)
	pb := bob.Event(nostr.KindProfileMetadata, 100, `{"name":"bob"}`, nil)
	c := context.Bg()
	st := store.NewMem()
	ca := New(st)
	_, err := ca.Observe(c, pa)
	require.NoError(t, err)
	// bob only exists durably
	_, err = st.PutReplaceable(c, pb)
	require.NoError(t, err)
	aAddr, _ := store.EventAddress(pa)
	bAddr, _ := store.EventAddress(pb)
	evs, err := ca.GetMany(c, []string{aAddr, bAddr, "0:missing:"})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, pa.ID, evs[aAddr].ID)
	require.Equal(t, pb.ID, evs[bAddr].ID)
}

func TestHydrate(t *testing.T) {
	id := eventest.NewIdentity()
	other := eventest.NewIdentity()
	c := context.Bg()
	st := store.NewMem()
	for _, ev := range []*nostr.Event{
		id.Event(nostr.KindProfileMetadata, 100, `{"name":"a"}`, nil),
		other.Event(nostr.KindProfileMetadata, 100, `{"name":"b"}`, nil),
		id.Event(nostr.KindRelayListMetadata, 100, "", nil),
	} {
		_, err := st.PutReplaceable(c, ev)
		require.NoError(t, err)
	}
	ca := New(st)
	n, err := ca.Hydrate(c, nostr.KindProfileMetadata)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	var inMem int
	ca.Range(func(string, *nostr.Event) bool {
		inMem++
		return true
	})
	require.Equal(t, 2, inMem)
}
