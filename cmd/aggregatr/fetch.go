package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"

	"github.com/urfave/cli/v2"
)

// Fetch resolves one identifier and prints the event as JSON. Relay hints
// embedded in nevent and naddr forms are honored, the rest of the lookup
// walks the usual relay tiers.
func Fetch(cCtx *cli.Context) (err error) {
	cfg := cCtx.App.Metadata["config"].(*C)
	id := cCtx.Args().First()
	if id == "" {
		return errors.New("no identifier given")
	}
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	var e *engine.T
	if e, err = cfg.engine(c); chk.E(err) {
		return
	}
	defer e.Close()

	ev, err := e.FetchEvent(c, id, resolver.EmbeddedHints{})
	if err != nil {
		return
	}
	if ev == nil {
		return errors.New("event not found")
	}
	return json.NewEncoder(os.Stdout).Encode(ev)
}
