package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/engine"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/resolver"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"golang.org/x/exp/slices"
)

// RelayPerms says what a configured relay is used for.
type RelayPerms struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Search bool `json:"search"`
}

// Relays maps relay URLs to their permissions.
type Relays map[string]*RelayPerms

// normalized rekeys the map on canonical URL spellings, unioning the
// permissions of entries that collapse to the same relay.
func (r Relays) normalized() Relays {
	out := make(Relays, len(r))
	for u, p := range r {
		n := normalize.URL(u)
		if n == "" || p == nil {
			continue
		}
		if have, ok := out[n]; ok {
			have.Read = have.Read || p.Read
			have.Write = have.Write || p.Write
			have.Search = have.Search || p.Search
			continue
		}
		out[n] = &RelayPerms{Read: p.Read, Write: p.Write, Search: p.Search}
	}
	return out
}

// urls returns every configured relay, sorted, regardless of permissions.
func (r Relays) urls() (urls []string) {
	for u := range r {
		urls = append(urls, u)
	}
	slices.Sort(urls)
	return
}

// readWriteURLs returns the relays used for ordinary reads and publishes.
func (r Relays) readWriteURLs() (urls []string) {
	for u, p := range r {
		if p.Read || p.Write {
			urls = append(urls, u)
		}
	}
	slices.Sort(urls)
	return
}

// searchURLs returns the relays flagged for full text search.
func (r Relays) searchURLs() (urls []string) {
	for u, p := range r {
		if p.Search {
			urls = append(urls, u)
		}
	}
	slices.Sort(urls)
	return
}

// C is the CLI configuration, one JSON file per profile under the user
// config directory. Follows is a cached copy of the user's contact list,
// refreshed whenever the live list is fetched.
type C struct {
	SecretKey  string   `json:"secret_key,omitempty"`
	Relays     Relays   `json:"relays"`
	Follows    []string `json:"follows,omitempty"`
	DataDir    string   `json:"data_dir,omitempty"`
	Aggressive bool     `json:"aggressive,omitempty"`

	tempRelay bool
	path      string
}

func configDir() (dir string, err error) {
	switch runtime.GOOS {
	case "darwin":
		if dir, err = os.UserHomeDir(); chk.E(err) {
			return
		}
		return filepath.Join(dir, ".config"), nil
	default:
		return os.UserConfigDir()
	}
}

// loadConfig reads the profile's config file. A missing file is taken as a
// first run: a fresh identity and the default relay set are generated and
// saved.
func loadConfig(profile string) (cfg *C, err error) {
	var dir string
	if dir, err = configDir(); chk.E(err) {
		return
	}
	dir = filepath.Join(dir, appName)
	var fp string
	switch profile {
	case "":
		fp = filepath.Join(dir, "config.json")
	case "?":
		var nn []string
		p := filepath.Join(dir, "config-*.json")
		if nn, err = filepath.Glob(p); chk.E(err) {
			return
		}
		for _, n := range nn {
			n = filepath.Base(n)
			n = strings.TrimLeft(n[6:len(n)-5], "-")
			fmt.Println(n)
		}
		os.Exit(0)
	default:
		fp = filepath.Join(dir, "config-"+profile+".json")
	}
	if err = os.MkdirAll(filepath.Dir(fp), 0700); chk.E(err) {
		return
	}
	var b []byte
	if b, err = os.ReadFile(fp); err != nil {
		if !os.IsNotExist(err) {
			return
		}
		return firstRun(fp)
	}
	cfg = &C{path: fp}
	if err = json.Unmarshal(b, cfg); chk.E(err) {
		return
	}
	cfg.Relays = cfg.Relays.normalized()
	if len(cfg.Relays) == 0 {
		cfg.Relays = defaultRelays()
	}
	return
}

// defaultRelays seeds a fresh config: the fast defaults for reading and
// writing, the search defaults for full text queries only.
func defaultRelays() Relays {
	r := make(Relays)
	for _, u := range resolver.FastDefaults {
		r[u] = &RelayPerms{Read: true, Write: true}
	}
	for _, u := range resolver.SearchDefaults {
		r[u] = &RelayPerms{Search: true}
	}
	return r
}

func firstRun(fp string) (cfg *C, err error) {
	cfg = &C{
		SecretKey: nostr.GeneratePrivateKey(),
		Relays:    defaultRelays(),
		DataDir:   filepath.Join(filepath.Dir(fp), "events"),
		path:      fp,
	}
	if err = cfg.save(); chk.E(err) {
		return
	}
	pub, _ := nostr.GetPublicKey(cfg.SecretKey)
	npub, _ := nip19.EncodePublicKey(pub)
	log.I.F("generated new identity %s, config saved to %s", npub, fp)
	return
}

func (cfg *C) save() (err error) {
	if cfg.tempRelay {
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(cfg, "", "    "); chk.E(err) {
		return
	}
	return os.WriteFile(cfg.path, b, 0600)
}

// engine builds a running engine from this configuration.
func (cfg *C) engine(c context.T) (*engine.T, error) {
	return engine.New(c, engine.Config{
		SecretKey:  cfg.SecretKey,
		Relays:     cfg.Relays.readWriteURLs(),
		DataDir:    cfg.DataDir,
		Aggressive: cfg.Aggressive,
	})
}

// searchRelays returns the relays used for full text search queries.
func (cfg *C) searchRelays() []string {
	if urls := cfg.Relays.searchURLs(); len(urls) > 0 {
		return urls
	}
	return resolver.SearchDefaults
}
