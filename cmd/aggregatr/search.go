package main

import (
	"errors"
	"strings"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"

	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
)

// Search runs a full text query against the search relays.
func Search(cCtx *cli.Context) (err error) {
	cfg := cCtx.App.Metadata["config"].(*C)
	query := strings.Join(cCtx.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("nothing to search for")
	}
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	var e *engine.T
	if e, err = cfg.engine(c); chk.E(err) {
		return
	}
	defer e.Close()

	f := nostr.Filter{
		Kinds:  []int{nostr.KindTextNote},
		Search: query,
		Limit:  cCtx.Int("n"),
	}
	evs, err := e.Fetch(c, cfg.searchRelays(), f)
	if err != nil {
		return
	}
	printEvents(c, e, evs, cCtx.Bool("json"))
	return
}
