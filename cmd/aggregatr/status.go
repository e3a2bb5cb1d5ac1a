package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"

	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slices"
)

// Status sends one small query to every configured relay and reports the
// health tracker's view of each.
func Status(cCtx *cli.Context) (err error) {
	cfg := cCtx.App.Metadata["config"].(*C)
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	var e *engine.T
	if e, err = cfg.engine(c); chk.E(err) {
		return
	}
	defer e.Close()

	// a tiny probe so the tracker has something to report
	probe := nostr.Filter{Kinds: []int{nostr.KindTextNote}, Limit: 1}
	if _, err = e.Fetch(c, cfg.Relays.urls(), probe); chk.E(err) {
		return
	}
	sts := e.Status()
	slices.SortFunc(sts, func(a, b relayhealth.Status) int {
		return strings.Compare(a.URL, b.URL)
	})
	if cCtx.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(sts)
	}
	for _, st := range sts {
		state := "ok"
		switch {
		case st.Blacklisted:
			state = "blacklisted"
		case st.CircuitOpen:
			state = "circuit open"
		case st.ConsecutiveFailures > 0:
			state = fmt.Sprintf("%d consecutive failures",
				st.ConsecutiveFailures)
		}
		fmt.Printf("  %-40s %s\n", st.URL, state)
	}
	return
}
