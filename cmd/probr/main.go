// probr checks on relays: it fetches their NIP-11 information documents,
// times the websocket dial, and runs one small query to see how long end of
// stored events takes.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Hubmakerlabs/aggregatr/cmd/probr/app"
	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/interrupt"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"

	"github.com/alexflint/go-arg"
	"github.com/nbd-wtf/go-nostr"
)

var args app.Config

func main() {
	var log, chk = slog.New(os.Stderr)
	arg.MustParse(&args)
	log.T.S(args)
	setLogLevel(args.LogLevel)
	relays := args.Relays
	if len(relays) == 0 {
		relays = append(relays, resolver.FastDefaults...)
		relays = append(relays, resolver.SearchDefaults...)
	}
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	interrupt.AddHandler(cancel)
	opts := relayhealth.Default()
	if args.Aggressive {
		opts = relayhealth.Aggressive()
	}
	p := app.NewProber(c, opts,
		time.Duration(args.Timeout)*time.Second, args.SkipInfo)
	defer p.Close()
	f := nostr.Filter{Kinds: []int{args.Kind}, Limit: args.Limit}
	enc := json.NewEncoder(os.Stdout)
	var reachable int
	for _, u := range relays {
		select {
		case <-c.Done():
			return
		default:
		}
		rep := p.Probe(c, u, f)
		if rep.Reachable {
			reachable++
		}
		if args.JSON {
			if err := enc.Encode(rep); chk.E(err) {
				os.Exit(1)
			}
			continue
		}
		printReport(rep)
	}
	if !args.JSON {
		fmt.Printf("\n%d of %d relays reachable\n", reachable, len(relays))
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "off":
		slog.SetLogLevel(slog.Off)
	case "fatal":
		slog.SetLogLevel(slog.Fatal)
	case "error":
		slog.SetLogLevel(slog.Error)
	case "warn":
		slog.SetLogLevel(slog.Warn)
	case "debug":
		slog.SetLogLevel(slog.Debug)
	case "trace":
		slog.SetLogLevel(slog.Trace)
	default:
		slog.SetLogLevel(slog.Info)
	}
}

func printReport(rep app.Report) {
	fmt.Printf("%s\n", rep.URL)
	if rep.Info != nil {
		if rep.Info.Name != "" {
			fmt.Printf("  name:     %s\n", rep.Info.Name)
		}
		if rep.Info.Software != "" {
			fmt.Printf("  software: %s %s\n",
				rep.Info.Software, rep.Info.Version)
		}
		if len(rep.Info.SupportedNIPs) > 0 {
			fmt.Printf("  nips:     %v\n", rep.Info.SupportedNIPs)
		}
	}
	if !rep.Reachable {
		fmt.Printf("  unreachable: %s\n", rep.Error)
		return
	}
	fmt.Printf("  dial:     %v\n", rep.Dial.Round(time.Millisecond))
	if rep.Error != "" {
		fmt.Printf("  query:    %s\n", rep.Error)
	} else {
		fmt.Printf("  eose:     %v (%d events)\n",
			rep.EOSE.Round(time.Millisecond), rep.Events)
	}
	st := rep.Health
	switch {
	case st.Blacklisted:
		fmt.Println("  health:   blacklisted")
	case st.CircuitOpen:
		fmt.Println("  health:   circuit open")
	case st.ConsecutiveFailures > 0:
		fmt.Printf("  health:   %d consecutive failures\n",
			st.ConsecutiveFailures)
	default:
		fmt.Println("  health:   ok")
	}
}
