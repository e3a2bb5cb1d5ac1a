package main

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/publish"

	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
)

// Post signs and publishes a text note to the write relays, or to a single
// named relay with the ordinary write set as fallback.
func Post(cCtx *cli.Context) (err error) {
	cfg := cCtx.App.Metadata["config"].(*C)
	var text string
	if cCtx.Bool("stdin") {
		var b []byte
		if b, err = io.ReadAll(os.Stdin); chk.E(err) {
			return
		}
		text = string(b)
	} else {
		text = strings.Join(cCtx.Args().Slice(), " ")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("nothing to post")
	}

	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	var e *engine.T
	if e, err = cfg.engine(c); chk.E(err) {
		return
	}
	defer e.Close()

	var urls []string
	if rl := cCtx.String("relay"); rl != "" {
		urls = []string{rl}
	}
	var opts []publish.Option
	if cCtx.Bool("no-fallback") {
		opts = append(opts, publish.NoFallback{})
	}
	ev := &nostr.Event{Kind: nostr.KindTextNote, Content: text}
	res, err := e.Publish(c, urls, ev, opts...)
	if err != nil {
		var agg *publish.AggregateError
		if errors.As(err, &agg) {
			printReceipts(&publish.Result{
				SuccessCount: agg.SuccessCount,
				TotalCount:   agg.TotalCount,
				Receipts:     agg.Receipts,
			})
		}
		return
	}
	printReceipts(res)
	printNote(ev)
	return
}
