package signer

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

func TestNewFromHexAndNsec(t *testing.T) {
	sec := nostr.GeneratePrivateKey()
	fromHex, err := New(sec)
	if err != nil {
		t.Fatalf("New(hex): %v", err)
	}
	nsec, err := nip19.EncodePrivateKey(sec)
	if err != nil {
		t.Fatalf("EncodePrivateKey: %v", err)
	}
	fromNsec, err := New(nsec)
	if err != nil {
		t.Fatalf("New(nsec): %v", err)
	}
	if fromHex.Pub() != fromNsec.Pub() {
		t.Fatal("hex and nsec forms should derive the same pubkey")
	}
	if !strings.HasPrefix(fromHex.Npub(), "npub1") {
		t.Fatalf("Npub: %q", fromHex.Npub())
	}
}

func TestNewEmptyGenerates(t *testing.T) {
	a, err := New("")
	if err != nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	b, _ := New("")
	if a.Pub() == b.Pub() {
		t.Fatal("generated identities should differ")
	}
}

func TestSign(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev := &nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   "hello",
	}
	if err = s.Sign(ev); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if ev.PubKey != s.Pub() {
		t.Fatal("signing should fill in the signer's pubkey")
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		t.Fatalf("CheckSignature: %v %v", ok, err)
	}
}
