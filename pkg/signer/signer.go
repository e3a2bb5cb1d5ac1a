// Package signer holds the client identity: one secret key, the public key
// derived from it, and the signing callback handed to relays during auth.
package signer

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

type T struct {
	sec string
	pub string
}

// New builds a signer from a secret key given as hex or nsec. An empty key
// generates a throwaway identity so read-only use works unconfigured.
func New(sec string) (s *T, err error) {
	if sec == "" {
		sec = nostr.GeneratePrivateKey()
	}
	if strings.HasPrefix(sec, "nsec") {
		var v any
		if _, v, err = nip19.Decode(sec); err != nil {
			return
		}
		sec = v.(string)
	}
	var pub string
	if pub, err = nostr.GetPublicKey(sec); err != nil {
		return
	}
	return &T{sec: sec, pub: pub}, nil
}

// Pub returns the hex public key.
func (s *T) Pub() string { return s.pub }

// Npub returns the bech32 form of the public key.
func (s *T) Npub() (npub string) {
	npub, _ = nip19.EncodePublicKey(s.pub)
	return
}

// Sign signs ev in place, filling in its pubkey, id and signature. Its shape
// matches what relay auth wants so a signer can be passed directly.
func (s *T) Sign(ev *nostr.Event) (err error) { return ev.Sign(s.sec) }
