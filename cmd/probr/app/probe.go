// Package app measures relays: the NIP-11 information document, dial time,
// and how long a small query takes to reach end of stored events.
package app

import (
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/qu"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaypool"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"
	"github.com/Hubmakerlabs/aggregatr/pkg/submux"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

var log, chk = slog.New(os.Stderr)

// Report is the outcome of probing one relay.
type Report struct {
	URL       string                          `json:"url"`
	Reachable bool                            `json:"reachable"`
	Dial      time.Duration                   `json:"dial,omitempty"`
	EOSE      time.Duration                   `json:"eose,omitempty"`
	Events    int                             `json:"events"`
	Error     string                          `json:"error,omitempty"`
	Info      *nip11.RelayInformationDocument `json:"info,omitempty"`
	Health    relayhealth.Status              `json:"health"`
}

// Prober dials relays and measures them one at a time.
type Prober struct {
	Pool     *relaypool.T
	Health   *relayhealth.T
	Mux      *submux.T
	Timeout  time.Duration
	SkipInfo bool
}

func NewProber(c context.T, opts relayhealth.Opts, timeout time.Duration,
	skipInfo bool) (p *Prober) {

	pool := relaypool.New(c)
	health := relayhealth.New(opts)
	return &Prober{
		Pool:     pool,
		Health:   health,
		Mux:      submux.New(pool, health),
		Timeout:  timeout,
		SkipInfo: skipInfo,
	}
}

func (p *Prober) Close() { p.Pool.Close() }

// Probe measures one relay. It never returns an error; failures are part of
// the report.
func (p *Prober) Probe(c context.T, url string, f nostr.Filter) (rep Report) {
	url = normalize.URL(url)
	rep.URL = url
	c, cancel := context.Timeout(c, p.Timeout)
	defer cancel()
	if !p.SkipInfo {
		var err error
		if rep.Info, err = nip11.Fetch(c, url); err != nil {
			log.D.F("no information document from %s: %v", url, err)
		}
	}
	// Dial is timed here so the sample query below finds a warm connection
	// and measures only the request round trip.
	start := time.Now()
	if _, err := p.Pool.EnsureRelay(url); err != nil {
		p.Health.Failure(url)
		rep.Error = err.Error()
		rep.Health = p.Health.StatusOf(url)
		return
	}
	rep.Dial = time.Since(start)
	rep.Reachable = true
	rep.Events, rep.EOSE, rep.Error = p.sample(c, url, f)
	rep.Health = p.Health.StatusOf(url)
	return
}

// sample runs one small query and times how long the relay takes to declare
// end of stored events.
func (p *Prober) sample(c context.T, url string, f nostr.Filter) (n int,
	eose time.Duration, errStr string) {

	done := qu.T()
	var mx sync.Mutex
	var got int
	start := time.Now()
	sub, err := p.Mux.Subscribe(c, []string{url}, nostr.Filters{f},
		submux.Callbacks{
			OnEvents: func(evs []*nostr.Event, complete bool) {
				mx.Lock()
				got = len(evs)
				mx.Unlock()
				if complete {
					done.Q()
				}
			},
		},
		submux.WithTimeout(p.Timeout))
	if err != nil {
		return 0, 0, err.Error()
	}
	defer sub.Close()
	select {
	case <-done.Wait():
	case <-c.Done():
		errStr = "timed out waiting for end of stored events"
	}
	eose = time.Since(start)
	mx.Lock()
	n = got
	mx.Unlock()
	return
}
