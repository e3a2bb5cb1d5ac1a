package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaylist"

	"github.com/urfave/cli/v2"
)

// Relays shows a user's advertised relay list with read/write markers, or
// publishes one built from the configured permissions with --advertise.
func Relays(cCtx *cli.Context) (err error) {
	cfg := cCtx.App.Metadata["config"].(*C)
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	var e *engine.T
	if e, err = cfg.engine(c); chk.E(err) {
		return
	}
	defer e.Close()

	if cCtx.Bool("advertise") {
		return advertise(c, cfg, e)
	}

	pub := e.Signer.Pub()
	if u := cCtx.String("u"); u != "" {
		if pub, err = pubkeyOf(u); chk.E(err) {
			return
		}
	}
	list, err := e.RelaysFor(c, pub)
	if err != nil {
		return
	}
	if len(list) == 0 {
		fmt.Println("no advertised relay list, configured relays:")
		for _, u := range cfg.Relays.urls() {
			p := cfg.Relays[u]
			mode := ""
			if p.Read {
				mode += "r"
			}
			if p.Write {
				mode += "w"
			}
			if p.Search {
				mode += "s"
			}
			fmt.Printf("  %-3s %s\n", mode, u)
		}
		return
	}
	if cCtx.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(list)
	}
	for _, r := range list {
		mode := ""
		if r.Read {
			mode += "r"
		}
		if r.Write {
			mode += "w"
		}
		fmt.Printf("  %-2s %s\n", mode, r.URL)
	}
	return
}

// advertise signs and publishes a kind 10002 relay list assembled from the
// configured read and write permissions.
func advertise(c context.T, cfg *C, e *engine.T) (err error) {
	var l relaylist.List
	for _, u := range cfg.Relays.urls() {
		p := cfg.Relays[u]
		if !p.Read && !p.Write {
			continue
		}
		l = append(l, relaylist.Relay{URL: u, Read: p.Read, Write: p.Write})
	}
	if len(l) == 0 {
		return errors.New("no read or write relays configured")
	}
	res, err := e.Publish(c, nil, relaylist.BuildKind10002(l))
	if err != nil {
		return
	}
	printReceipts(res)
	return
}
