package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"

	"github.com/mdp/qrterminal/v3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

// pubkeyOf accepts a hex public key, an npub or an nprofile.
func pubkeyOf(input string) (pk string, err error) {
	input = strings.TrimSpace(input)
	if len(input) == 64 {
		if _, e := hex.DecodeString(input); e == nil {
			return strings.ToLower(input), nil
		}
	}
	var t resolver.Target
	if t, err = resolver.Decode(input); err != nil {
		return
	}
	if !t.Addr || t.Co.Kind != nostr.KindProfileMetadata {
		return "", fmt.Errorf("%q does not name a user", input)
	}
	return t.Co.PubKey, nil
}

// Profile shows a user's metadata, the caller's own when no user is given.
func Profile(cCtx *cli.Context) (err error) {
	cfg := cCtx.App.Metadata["config"].(*C)
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	var e *engine.T
	if e, err = cfg.engine(c); chk.E(err) {
		return
	}
	defer e.Close()

	pub := e.Signer.Pub()
	if u := cCtx.String("u"); u != "" {
		if pub, err = pubkeyOf(u); chk.E(err) {
			return
		}
	}
	m, err := e.Profile(c, pub)
	if err != nil {
		return
	}
	if m.Event == nil {
		return errors.New("no profile found")
	}
	var npub string
	if npub, err = nip19.EncodePublicKey(pub); chk.E(err) {
		return
	}
	if cCtx.Bool("qr") {
		qrterminal.GenerateWithConfig("nostr:"+npub, qrterminal.Config{
			HalfBlocks: false,
			Level:      qrterminal.L,
			Writer:     os.Stdout,
			WhiteChar:  qrterminal.WHITE,
			BlackChar:  qrterminal.BLACK,
			QuietZone:  2,
		})
	}
	if cCtx.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(m)
	}
	fmt.Printf(
		"Name:\n\t%v\n"+
			"Pubkey:\n\t%v\n"+
			"DisplayName:\n\t%v\n"+
			"WebSite:\n\t%v\n"+
			"Picture:\n\t%v\n"+
			"Banner:\n\t%v\n"+
			"NIP-05:\n\t%v\n"+
			"LUD-16:\n\t%v\n"+
			"About:\n\t%v\n",
		m.Name,
		npub,
		m.DisplayName,
		m.Website,
		m.Picture,
		m.Banner,
		m.NIP05,
		m.LUD16,
		m.About)
	return
}
