package publish

import (
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/Hubmakerlabs/aggregatr/pkg/context"
	"github.com/Hubmakerlabs/aggregatr/pkg/eventest"
	"github.com/Hubmakerlabs/aggregatr/pkg/relayhealth"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaypool"
	"github.com/Hubmakerlabs/aggregatr/pkg/relaytest"
	"github.com/Hubmakerlabs/aggregatr/pkg/signer"
)

const testTimeout = 10 * time.Second

func startRelay(t *testing.T, b relaytest.Behavior) *relaytest.T {
	t.Helper()
	r, err := relaytest.New(b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r
}

func newCoordinator(t *testing.T) (*T, *relayhealth.T) {
	t.Helper()
	ctx, cancel := context.Cancel(context.Bg())
	pool := relaypool.New(ctx)
	health := relayhealth.New(relayhealth.Opts{
		MaxFailures:     3,
		CircuitWindow:   time.Second,
		BlacklistWindow: time.Minute,
		MinInterval:     time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		GlobalInterval:  time.Microsecond,
		MaxConcurrent:   8,
	})
	p := New(pool, health)
	t.Cleanup(func() {
		pool.Close()
		cancel()
	})
	return p, health
}

func note(t *testing.T) *nostr.Event {
	t.Helper()
	return eventest.NewIdentity().Note(nostr.Now(), "publish me")
}

func TestAnyAckIsSuccess(t *testing.T) {
	ack1 := startRelay(t, relaytest.Behavior{})
	nack := startRelay(t, relaytest.Behavior{
		RejectReason: "blocked: not today",
	})
	ack2 := startRelay(t, relaytest.Behavior{})
	p, _ := newCoordinator(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	res, err := p.Publish(c, []string{ack1.URL, nack.URL, ack2.URL},
		note(t))
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.SuccessCount != 2 || res.TotalCount != 3 {
		t.Fatalf("expected 2/3 acks and success, got %+v", res)
	}
	if len(res.Receipts) != 3 {
		t.Fatalf("expected one receipt per relay, got %d",
			len(res.Receipts))
	}
	seen := map[string]Receipt{}
	for _, r := range res.Receipts {
		if _, dup := seen[r.URL]; dup {
			t.Fatalf("duplicate receipt for %s", r.URL)
		}
		seen[r.URL] = r
	}
	if !seen[ack1.URL].OK || !seen[ack2.URL].OK {
		t.Error("acking relays should have OK receipts")
	}
	bad := seen[nack.URL]
	if bad.OK || bad.State != StateError || bad.Reason == "" {
		t.Errorf("rejecting relay should carry its reason, got %+v", bad)
	}
}

func TestAllFailuresAggregate(t *testing.T) {
	a := startRelay(t, relaytest.Behavior{RejectReason: "blocked: one"})
	b := startRelay(t, relaytest.Behavior{RejectReason: "blocked: two"})
	p, _ := newCoordinator(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	res, err := p.Publish(c, []string{a.URL, b.URL}, note(t))
	if res != nil {
		t.Fatalf("total failure should not return a result, got %+v", res)
	}
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
	if len(agg.Receipts) != 2 || agg.SuccessCount != 0 ||
		agg.TotalCount != 2 {
		t.Fatalf("aggregate should carry both receipts, got %+v", agg)
	}
	for _, r := range agg.Receipts {
		if r.OK {
			t.Errorf("receipt %s should be a failure", r.URL)
		}
	}
}

func TestOverloadBlacklistsAndNeverRetries(t *testing.T) {
	overfull := startRelay(t, relaytest.Behavior{
		RejectReason: "error: relay overloaded, slow down",
	})
	p, health := newCoordinator(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	_, err := p.Publish(c, []string{overfull.URL}, note(t))
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
	if !health.Blacklisted(overfull.URL) {
		t.Fatal("overloaded relay should be blacklisted")
	}
	if n := len(overfull.Published()); n != 1 {
		t.Fatalf("overloaded relay must not be retried, saw %d sends", n)
	}
	_, err = p.Publish(c, []string{overfull.URL}, note(t))
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
	if n := len(overfull.Published()); n != 1 {
		t.Fatalf("blacklisted relay should be skipped, saw %d sends", n)
	}
}

func TestAuthRetryThenAck(t *testing.T) {
	guarded := startRelay(t, relaytest.Behavior{RequireAuth: true})
	p, _ := newCoordinator(t)
	s, err := signer.New("")
	if err != nil {
		t.Fatal(err)
	}
	p.Sign = s.Sign
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	res, err := p.Publish(c, []string{guarded.URL}, note(t))
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.SuccessCount != 1 {
		t.Fatalf("auth retry should end in an ack, got %+v", res)
	}
	if res.Receipts[0].State != StateSuccess {
		t.Errorf("receipt should end in success, got %+v", res.Receipts[0])
	}
}

func TestAuthWithoutSignerFails(t *testing.T) {
	guarded := startRelay(t, relaytest.Behavior{RequireAuth: true})
	p, _ := newCoordinator(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	_, err := p.Publish(c, []string{guarded.URL}, note(t))
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
}

func TestDeadlineSynthesizesTimeoutReceipts(t *testing.T) {
	silent := startRelay(t, relaytest.Behavior{DropPublish: true})
	p, _ := newCoordinator(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	_, err := p.Publish(c, []string{silent.URL}, note(t),
		WithTimeout(400*time.Millisecond))
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
	if len(agg.Receipts) != 1 || agg.TotalCount != 1 {
		t.Fatalf("totals must stay consistent, got %+v", agg)
	}
	r := agg.Receipts[0]
	if r.OK || r.Reason != "timeout" {
		t.Fatalf("pending relay should become a timeout receipt, got %+v",
			r)
	}
}

func TestHintedRelayFallsBackToWriteSet(t *testing.T) {
	hint := startRelay(t, relaytest.Behavior{RejectReason: "blocked: full"})
	write := startRelay(t, relaytest.Behavior{})
	p, _ := newCoordinator(t)
	p.FallbackRelays = func() []string { return []string{write.URL} }
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	res, err := p.Publish(c, []string{hint.URL}, note(t))
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.SuccessCount != 1 || res.TotalCount != 2 {
		t.Fatalf("fallback should rescue the publish, got %+v", res)
	}
	if len(res.Receipts) != 2 {
		t.Fatalf("both attempts' receipts should be kept, got %d",
			len(res.Receipts))
	}
	if res.Receipts[0].URL != hint.URL || res.Receipts[0].OK {
		t.Errorf("first receipt should be the failed hint, got %+v",
			res.Receipts[0])
	}
	if res.Receipts[1].URL != write.URL || !res.Receipts[1].OK {
		t.Errorf("second receipt should be the write relay ack, got %+v",
			res.Receipts[1])
	}
	if len(write.Published()) != 1 {
		t.Error("write relay should have received the event once")
	}
}

func TestNoFallbackStaysOnHintedRelay(t *testing.T) {
	hint := startRelay(t, relaytest.Behavior{RejectReason: "blocked: full"})
	write := startRelay(t, relaytest.Behavior{})
	p, _ := newCoordinator(t)
	p.FallbackRelays = func() []string { return []string{write.URL} }
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	_, err := p.Publish(c, []string{hint.URL}, note(t), NoFallback{})
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
	if len(agg.Receipts) != 1 {
		t.Fatalf("no fallback receipts expected, got %+v", agg.Receipts)
	}
	if len(write.Published()) != 0 {
		t.Error("write relay must not be touched when fallback is off")
	}
}

func TestThresholdRequiresEnoughAcks(t *testing.T) {
	a := startRelay(t, relaytest.Behavior{})
	b := startRelay(t, relaytest.Behavior{})
	bad := startRelay(t, relaytest.Behavior{RejectReason: "blocked: no"})
	p, _ := newCoordinator(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()

	res, err := p.Publish(c, []string{a.URL, b.URL}, note(t),
		WithThreshold(2))
	if err != nil || !res.OK || res.SuccessCount != 2 {
		t.Fatalf("two acks should satisfy threshold 2: %+v %v", res, err)
	}
	_, err = p.Publish(c, []string{a.URL, bad.URL}, note(t),
		WithThreshold(2))
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("one ack under threshold 2 should aggregate, got %v", err)
	}
	if agg.SuccessCount != 1 || agg.TotalCount != 2 {
		t.Fatalf("aggregate should count the partial ack, got %+v", agg)
	}
}

func TestPublishNoRelays(t *testing.T) {
	p, _ := newCoordinator(t)
	c, cancel := context.Timeout(context.Bg(), testTimeout)
	defer cancel()
	if _, err := p.Publish(c, nil, note(t)); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("expected ErrNoRelays, got %v", err)
	}
}
