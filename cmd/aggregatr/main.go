package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"

	"github.com/urfave/cli/v2"
)

var log, chk = slog.New(os.Stderr)

const appName = "aggregatr"

const version = "0.1.0"

func doVersion(_ *cli.Context) (err error) {
	fmt.Println(version)
	return
}

func main() {
	app := &cli.App{
		Usage:       "an aggregating nostr client",
		Description: "reads, publishes and caches nostr events across many relays",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "a", Usage: "config profile name"},
			&cli.StringFlag{Name: "relays",
				Usage: "comma separated relay list overriding the config"},
			&cli.BoolFlag{Name: "V", Usage: "verbose"},
		},
		Commands: []*cli.Command{
			{
				Name:    "timeline",
				Aliases: []string{"tl"},
				Usage:   "show a timeline",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 30,
						Usage: "number of items per page"},
					&cli.IntFlag{Name: "p", Value: 1,
						Usage: "number of pages"},
					&cli.StringFlag{Name: "u",
						Usage: "only notes by this user"},
					&cli.BoolFlag{Name: "follows",
						Usage: "only notes by users on your contact list"},
					&cli.BoolFlag{Name: "live",
						Usage: "keep streaming new notes until interrupted"},
					&cli.BoolFlag{Name: "json", Usage: "output JSON"},
				},
				Action: Timeline,
			},
			{
				Name:      "post",
				Aliases:   []string{"n"},
				Usage:     "post a new note",
				UsageText: appName + " post [note text]",
				ArgsUsage: "[note text]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "stdin",
						Usage: "read the note text from stdin"},
					&cli.StringFlag{Name: "relay",
						Usage: "publish to this relay, falling back to the " +
							"write set if it refuses"},
					&cli.BoolFlag{Name: "no-fallback",
						Usage: "never publish anywhere but the named relays"},
				},
				Action: Post,
			},
			{
				Name:  "profile",
				Usage: "show a user profile",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "u",
						Usage: "user to show, defaults to self"},
					&cli.BoolFlag{Name: "json", Usage: "output JSON"},
					&cli.BoolFlag{Name: "qr",
						Usage: "print the npub as a QR code"},
				},
				Action: Profile,
			},
			{
				Name:      "search",
				Aliases:   []string{"s"},
				Usage:     "full text search on the search relays",
				UsageText: appName + " search [words]",
				ArgsUsage: "[words]",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 30,
						Usage: "number of items"},
					&cli.BoolFlag{Name: "json", Usage: "output JSON"},
				},
				Action: Search,
			},
			{
				Name:      "fetch",
				Usage:     "fetch one event by id, note, nevent, naddr or nprofile",
				UsageText: appName + " fetch [identifier]",
				ArgsUsage: "[identifier]",
				Action:    Fetch,
			},
			{
				Name:  "relays",
				Usage: "show a user's advertised relay list",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "u",
						Usage: "user to show, defaults to self"},
					&cli.BoolFlag{Name: "advertise",
						Usage: "publish a relay list built from the " +
							"configured permissions"},
					&cli.BoolFlag{Name: "json", Usage: "output JSON"},
				},
				Action: Relays,
			},
			{
				Name:  "status",
				Usage: "probe the configured relays and show their health",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "output JSON"},
				},
				Action: Status,
			},
			{
				Name:      "version",
				Usage:     "show version",
				UsageText: appName + " version",
				Action:    doVersion,
			},
		},
		Before: func(cCtx *cli.Context) (err error) {
			if cCtx.Args().Get(0) == "version" {
				return
			}
			if cCtx.Bool("V") {
				slog.SetLogLevel(slog.Debug)
			}
			var cfg *C
			if cfg, err = loadConfig(cCtx.String("a")); chk.E(err) {
				return
			}
			if relays := strings.TrimSpace(cCtx.String("relays")); relays != "" {
				cfg.Relays = make(Relays)
				for _, u := range strings.Split(relays, ",") {
					if u = normalize.URL(u); u != "" {
						cfg.Relays[u] = &RelayPerms{Read: true, Write: true}
					}
				}
				cfg.tempRelay = true
			}
			cCtx.App.Metadata = map[string]any{"config": cfg}
			return
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.E.Ln(err)
		os.Exit(1)
	}
}
