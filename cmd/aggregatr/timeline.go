package main

import (
	"errors"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/interrupt"
	"github.com/Hubmakerlabs/aggregatr/pkg/qu"
	"github.com/Hubmakerlabs/aggregatr/pkg/submux"

	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slices"
)

// Timeline subscribes across the read relays, prints the completed view and
// optionally keeps streaming new notes until interrupted. Repeat visits are
// served from the timeline cache first.
func Timeline(cCtx *cli.Context) (err error) {
	cfg := cCtx.App.Metadata["config"].(*C)
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	var e *engine.T
	if e, err = cfg.engine(c); chk.E(err) {
		return
	}
	defer e.Close()

	f := nostr.Filter{
		Kinds: []int{nostr.KindTextNote},
		Limit: cCtx.Int("n"),
	}
	if u := cCtx.String("u"); u != "" {
		var pk string
		if pk, err = pubkeyOf(u); chk.E(err) {
			return
		}
		f.Authors = []string{pk}
	} else if cCtx.Bool("follows") {
		var follows []string
		if follows, err = e.Follows(c, e.Signer.Pub()); chk.D(err) ||
			len(follows) == 0 {
			follows = cfg.Follows
		} else if !slices.Equal(follows, cfg.Follows) {
			cfg.Follows = follows
			chk.D(cfg.save())
		}
		if len(follows) == 0 {
			return errors.New("no contact list found and no cached follows")
		}
		f.Authors = follows
	}

	asJSON := cCtx.Bool("json")
	live := cCtx.Bool("live")
	done := qu.T()
	cb := submux.Callbacks{
		OnEvents: func(evs []*nostr.Event, complete bool) {
			if !complete {
				return
			}
			printEvents(c, e, evs, asJSON)
			if !live {
				done.Q()
			}
		},
		OnNew: func(ev *nostr.Event) {
			if live {
				printEvents(c, e, []*nostr.Event{ev}, asJSON)
			}
		},
	}
	sub, tl, err := e.Timeline(c, nil, f, cb)
	if err != nil {
		return
	}
	defer sub.Close()
	if live {
		interrupt.AddHandler(func() { done.Q() })
	}
	<-done.Wait()

	for page := 1; page < cCtx.Int("p"); page++ {
		oldest, ok := tl.Oldest()
		if !ok {
			break
		}
		var more []*nostr.Event
		if more, err = e.LoadMore(c, tl, oldest.CreatedAt-1,
			f.Limit); chk.E(err) {
			return
		}
		if len(more) == 0 {
			break
		}
		printEvents(c, e, more, asJSON)
	}
	return
}
