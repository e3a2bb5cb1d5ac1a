// Package relaytest runs an in-process relay good enough to exercise the
// engine: it serves scripted events on REQ, acks or rejects EVENT, pushes
// live events to open subscriptions, and can demand auth first.
package relaytest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Hubmakerlabs/aggregatr/pkg/slog"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
)

var log, chk = slog.New(os.Stderr)

// Behavior scripts how the relay treats clients.
type Behavior struct {
	// Events are the stored events served to matching REQs.
	Events []*nostr.Event
	// RejectReason, when set, makes every EVENT get an OK false with this
	// reason. Use an "auth-required:" prefix to exercise the auth retry and
	// an "overloaded" reason to exercise overload blacklisting.
	RejectReason string
	// RequireAuth makes the relay close REQs and reject EVENTs with
	// auth-required until the client answers the AUTH challenge.
	RequireAuth bool
	// StallEOSE withholds the end-of-stored-events marker.
	StallEOSE bool
	// DropPublish withholds the OK response to EVENT entirely.
	DropPublish bool
	// Delay is applied before answering a REQ or EVENT.
	Delay time.Duration
}

type liveSub struct {
	conn    *conn
	id      string
	filters []nostr.Filter
}

type conn struct {
	mx     sync.Mutex
	raw    net.Conn
	authed bool
}

func (cn *conn) write(msg []byte) (err error) {
	cn.mx.Lock()
	defer cn.mx.Unlock()
	return wsutil.WriteServerMessage(cn.raw, ws.OpText, msg)
}

// T is one scripted relay instance listening on a loopback port.
type T struct {
	URL      string
	behavior Behavior

	ln   net.Listener
	reqs *xsync.Counter

	mx        sync.Mutex
	published []*nostr.Event
	subs      []*liveSub
}

// New starts a relay with the given behavior on a random loopback port.
func New(b Behavior) (r *T, err error) {
	var ln net.Listener
	if ln, err = net.Listen("tcp", "127.0.0.1:0"); chk.E(err) {
		return
	}
	r = &T{
		URL:      "ws://" + ln.Addr().String(),
		behavior: b,
		ln:       ln,
		reqs:     xsync.NewCounter(),
	}
	srv := &http.Server{Handler: http.HandlerFunc(r.upgrade)}
	go func() { _ = srv.Serve(ln) }()
	return
}

// ReqCount reports how many REQ messages the relay has received.
func (r *T) ReqCount() int64 { return r.reqs.Value() }

// Published returns the events received via EVENT, accepted or not.
func (r *T) Published() (evs []*nostr.Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	evs = make([]*nostr.Event, len(r.published))
	copy(evs, r.published)
	return
}

// Emit pushes ev to every open subscription whose filters match, as a live
// event after EOSE.
func (r *T) Emit(ev *nostr.Event) {
	r.mx.Lock()
	subs := make([]*liveSub, len(r.subs))
	copy(subs, r.subs)
	r.mx.Unlock()
	for _, sub := range subs {
		if !matchesAny(sub.filters, ev) {
			continue
		}
		msg, err := json.Marshal([]any{"EVENT", sub.id, ev})
		if chk.E(err) {
			continue
		}
		_ = sub.conn.write(msg)
	}
}

// Close stops the listener and drops every connection.
func (r *T) Close() {
	_ = r.ln.Close()
}

func (r *T) upgrade(w http.ResponseWriter, req *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(req, w)
	if err != nil {
		return
	}
	cn := &conn{raw: raw}
	if r.behavior.RequireAuth {
		// hand out the challenge up front so the client can answer it
		_ = cn.write([]byte(`["AUTH","` + challenge + `"]`))
	}
	go r.serve(cn)
}

const challenge = "relaytest-challenge"

func (r *T) serve(cn *conn) {
	defer func() {
		_ = cn.raw.Close()
		r.mx.Lock()
		subs := r.subs[:0]
		for _, s := range r.subs {
			if s.conn != cn {
				subs = append(subs, s)
			}
		}
		r.subs = subs
		r.mx.Unlock()
	}()
	for {
		msg, op, err := wsutil.ReadClientData(cn.raw)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		r.handle(cn, msg)
	}
}

func (r *T) handle(cn *conn, msg []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(msg, &arr); err != nil || len(arr) < 2 {
		return
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return
	}
	if r.behavior.Delay > 0 {
		time.Sleep(r.behavior.Delay)
	}
	switch label {
	case "REQ":
		r.handleReq(cn, arr)
	case "CLOSE":
		var id string
		_ = json.Unmarshal(arr[1], &id)
		r.mx.Lock()
		subs := r.subs[:0]
		for _, s := range r.subs {
			if s.conn != cn || s.id != id {
				subs = append(subs, s)
			}
		}
		r.subs = subs
		r.mx.Unlock()
	case "EVENT":
		r.handleEvent(cn, arr[1])
	case "AUTH":
		r.handleAuth(cn, arr[1])
	}
}

func (r *T) handleReq(cn *conn, arr []json.RawMessage) {
	r.reqs.Inc()
	var id string
	if err := json.Unmarshal(arr[1], &id); err != nil {
		return
	}
	if r.behavior.RequireAuth && !authed(cn) {
		_ = cn.write([]byte(fmt.Sprintf(
			`["CLOSED",%q,"auth-required: must auth first"]`, id)))
		return
	}
	var fs []nostr.Filter
	for _, raw := range arr[2:] {
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err == nil {
			fs = append(fs, f)
		}
	}
	var matched []*nostr.Event
	for _, ev := range r.behavior.Events {
		if matchesAny(fs, ev) {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if len(fs) > 0 && fs[0].Limit > 0 && len(matched) > fs[0].Limit {
		matched = matched[:fs[0].Limit]
	}
	for _, ev := range matched {
		out, err := json.Marshal([]any{"EVENT", id, ev})
		if chk.E(err) {
			continue
		}
		if err = cn.write(out); err != nil {
			return
		}
	}
	if !r.behavior.StallEOSE {
		_ = cn.write([]byte(fmt.Sprintf(`["EOSE",%q]`, id)))
	}
	r.mx.Lock()
	r.subs = append(r.subs, &liveSub{conn: cn, id: id, filters: fs})
	r.mx.Unlock()
}

func (r *T) handleEvent(cn *conn, raw json.RawMessage) {
	ev := &nostr.Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return
	}
	r.mx.Lock()
	r.published = append(r.published, ev)
	r.mx.Unlock()
	switch {
	case r.behavior.DropPublish:
	case r.behavior.RequireAuth && !authed(cn):
		_ = cn.write([]byte(fmt.Sprintf(
			`["OK",%q,false,"auth-required: must auth first"]`, ev.ID)))
	case r.behavior.RejectReason != "":
		_ = cn.write([]byte(fmt.Sprintf(
			`["OK",%q,false,%q]`, ev.ID, r.behavior.RejectReason)))
	default:
		_ = cn.write([]byte(fmt.Sprintf(`["OK",%q,true,""]`, ev.ID)))
	}
}

func (r *T) handleAuth(cn *conn, raw json.RawMessage) {
	ev := &nostr.Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return
	}
	cn.mx.Lock()
	cn.authed = true
	cn.mx.Unlock()
	_ = cn.write([]byte(fmt.Sprintf(`["OK",%q,true,""]`, ev.ID)))
}

func authed(cn *conn) (ok bool) {
	cn.mx.Lock()
	ok = cn.authed
	cn.mx.Unlock()
	return
}

func matchesAny(fs []nostr.Filter, ev *nostr.Event) bool {
	if len(fs) == 0 {
		return false
	}
	for _, f := range fs {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
