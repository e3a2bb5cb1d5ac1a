// Package relaypool owns one persistent connection per relay URL and records
// which relays delivered which event ids. That seen-on provenance later
// serves as relay hints for targeted re-fetches.
package relaypool

import (
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/normalize"
	"github.com/Hubmakerlabs/aggregatr/pkg/slog"

	"github.com/fiatjaf/generic-ristretto/z"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

const MAX_LOCKS = 50

// maxSeenIDs bounds the provenance index. The hints are advisory, so when
// the index fills up it is dropped wholesale rather than evicted piecemeal.
const maxSeenIDs = 1 << 16

var namedMutexPool = make([]sync.Mutex, MAX_LOCKS)

func namedLock(name string) (unlock func()) {
	idx := z.MemHashString(name) % MAX_LOCKS
	namedMutexPool[idx].Lock()
	return namedMutexPool[idx].Unlock
}

// T is the connection pool. Connection attempts are made exactly once per
// EnsureRelay call and never retried here; retry policy belongs to callers
// gated by the health tracker.
type T struct {
	Relays *xsync.MapOf[string, *nostr.Relay]
	seen   *xsync.MapOf[string, []string]
	// DialTimeout bounds connection attempts, LocalDialTimeout the attempts
	// to same-machine relays which should answer near-instantly.
	DialTimeout      time.Duration
	LocalDialTimeout time.Duration
	Context          context.T
	cancel           context.F
}

func New(c context.T) (p *T) {
	c, cancel := context.Cancel(c)
	return &T{
		Relays:           xsync.NewMapOf[*nostr.Relay](),
		seen:             xsync.NewMapOf[[]string](),
		DialTimeout:      15 * time.Second,
		LocalDialTimeout: 2 * time.Second,
		Context:          c,
		cancel:           cancel,
	}
}

// EnsureRelay returns the pooled connection for url, dialing it first if
// there is no live one. Concurrent calls for the same url are serialized on
// a striped lock so only one dial happens.
func (p *T) EnsureRelay(url string) (rl *nostr.Relay, err error) {
	nm := normalize.URL(url)
	defer namedLock(nm)()
	var ok bool
	rl, ok = p.Relays.Load(nm)
	if ok && rl.IsConnected() {
		return rl, nil
	}
	timeout := p.DialTimeout
	if isLocal(nm) {
		timeout = p.LocalDialTimeout
	}
	// connections inherit the pool context so when the pool dies
	// everything dies
	c, cancel := context.Timeout(p.Context, timeout)
	defer cancel()
	if rl, err = nostr.RelayConnect(c, nm); err != nil {
		return nil, log.D.Err("failed to connect to %s: %s", nm, err)
	}
	p.Relays.Store(nm, rl)
	return
}

// MarkSeen records that url delivered the event with this id.
func (p *T) MarkSeen(id, url string) {
	nm := normalize.URL(url)
	if id == "" || nm == "" {
		return
	}
	defer namedLock(id)()
	if p.seen.Size() >= maxSeenIDs {
		log.D.Ln("seen-on index full, dropping provenance")
		p.seen.Range(func(k string, _ []string) bool {
			p.seen.Delete(k)
			return true
		})
	}
	urls, _ := p.seen.Load(id)
	for _, u := range urls {
		if u == nm {
			return
		}
	}
	p.seen.Store(id, append(urls, nm))
}

// SeenOn returns the relays known to have delivered the event id.
func (p *T) SeenOn(id string) (urls []string) {
	stored, _ := p.seen.Load(id)
	urls = make([]string, len(stored))
	copy(urls, stored)
	return
}

// Close tears down every pooled connection and cancels the pool context.
func (p *T) Close() {
	p.cancel()
	p.Relays.Range(func(nm string, rl *nostr.Relay) bool {
		if err := rl.Close(); err != nil {
			log.T.Ln("closing", nm, err)
		}
		p.Relays.Delete(nm)
		return true
	})
}

// isLocal reports whether the relay runs on this machine, where a dial
// should answer near-instantly.
func isLocal(u string) bool {
	p, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := p.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}
