package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/profile"
	"github.com/Hubmakerlabs/aggregatr/pkg/publish"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"
	"github.com/Hubmakerlabs/aggregatr/pkg/store"

	"github.com/gookit/color"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// resolveNames looks up the author profiles for a batch of events in one
// grouped query and returns a display name per pubkey. Authors with no
// profile anywhere get the short npub form without further lookups.
func resolveNames(c context.T, e *engine.T,
	evs []*nostr.Event) map[string]string {
	seen := make(map[string]bool, len(evs))
	var coords []resolver.Coordinate
	for _, ev := range evs {
		if !seen[ev.PubKey] {
			seen[ev.PubKey] = true
			coords = append(coords, resolver.Coordinate{
				Kind:   nostr.KindProfileMetadata,
				PubKey: ev.PubKey,
			})
		}
	}
	found, err := e.Resolver.FetchManyByCoordinate(c, coords)
	if err != nil {
		log.D.F("profile warmup: %v", err)
	}
	names := make(map[string]string, len(seen))
	for pk := range seen {
		if found[store.Address(nostr.KindProfileMetadata, pk, "")] != nil {
			if m, perr := e.Profile(c, pk); perr == nil {
				names[pk] = m.ShortName()
				continue
			}
		}
		names[pk] = (&profile.Metadata{PubKey: pk}).ShortName()
	}
	return names
}

func printEvents(c context.T, e *engine.T, evs []*nostr.Event, asJSON bool) {
	if asJSON {
		for _, ev := range evs {
			chk.D(json.NewEncoder(os.Stdout).Encode(ev))
		}
		return
	}
	names := resolveNames(c, e, evs)
	fgName := color.New(color.FgRed)
	fgMeta := color.New(color.FgBlue)
	for _, ev := range evs {
		note, err := nip19.EncodeNote(ev.ID)
		if err != nil {
			note = ev.ID
		}
		fmt.Println(fgName.Sprint(names[ev.PubKey]))
		fmt.Println(ev.Content)
		fmt.Println(fgMeta.Sprint(note), fgMeta.Sprint(ev.CreatedAt.Time()))
		fmt.Println()
	}
}

func printNote(ev *nostr.Event) {
	if note, err := nip19.EncodeNote(ev.ID); err == nil {
		fmt.Println(note)
	}
}

func printReceipts(res *publish.Result) {
	okc := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	for _, r := range res.Receipts {
		mark := okc.Sprint("ok    ")
		detail := string(r.State)
		if !r.OK {
			mark = bad.Sprint("failed")
			if r.Reason != "" {
				detail += ": " + r.Reason
			}
		}
		fmt.Printf("%s %s %s (%s)\n", mark, r.URL, detail,
			r.Elapsed.Round(time.Millisecond))
	}
	fmt.Printf("%d of %d relays accepted\n", res.SuccessCount, res.TotalCount)
}
