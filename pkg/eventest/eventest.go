// Package eventest fabricates signed events for exercising the engine. The
// client library drops events with bad signatures, so fixtures have to be
// signed for real.
package eventest

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"lukechampine.com/frand"
)

// Identity is a keypair for fixture events.
type Identity struct {
	Sec string
	Pub string
}

func NewIdentity() (id Identity) {
	id.Sec = nostr.GeneratePrivateKey()
	id.Pub, _ = nostr.GetPublicKey(id.Sec)
	return
}

// Event returns a signed event of the given kind, timestamp and tags.
func (id Identity) Event(kind int, ts nostr.Timestamp, content string,
	tags nostr.Tags) (ev *nostr.Event) {

	ev = &nostr.Event{
		Kind:      kind,
		CreatedAt: ts,
		Content:   content,
		Tags:      tags,
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := ev.Sign(id.Sec); err != nil {
		panic(err)
	}
	return
}

// Note returns a signed text note at the given timestamp.
func (id Identity) Note(ts nostr.Timestamp, content string) (ev *nostr.Event) {
	return id.Event(nostr.KindTextNote, ts, content, nil)
}

// Burst returns n signed notes with strictly descending timestamps starting
// at ts. Random content keeps the ids distinct.
func (id Identity) Burst(n int, ts nostr.Timestamp) (evs []*nostr.Event) {
	for i := 0; i < n; i++ {
		evs = append(evs, id.Note(ts-nostr.Timestamp(i),
			fmt.Sprintf("note %d %x", i, frand.Bytes(8))))
	}
	return
}
