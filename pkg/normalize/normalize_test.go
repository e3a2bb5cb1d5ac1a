package normalize

import (
	"reflect"
	"testing"
)

func TestURL(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"", ""},
		{"wss://x.com/y", "wss://x.com/y"},
		{"wss://x.com/y/", "wss://x.com/y"},
		{"http://x.com/y", "ws://x.com/y"},
		{"wss://x.com", "wss://x.com"},
		{"wss://x.com/", "wss://x.com"},
		{"x.com", "wss://x.com"},
		{"x.com////", "wss://x.com"},
		{"x.com/?x=23", "wss://x.com?x=23"},
		{"  WSS://X.COM/Path/ ", "wss://x.com/path"},
		{"https://x.com", "wss://x.com"},
	} {
		if got := URL(tc.in); got != tc.want {
			t.Errorf("URL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestURLIdempotent(t *testing.T) {
	for _, u := range []string{"x.com", "http://x.com/y", "wss://x.com/"} {
		once := URL(u)
		if twice := URL(once); twice != once {
			t.Errorf("URL not idempotent for %q: %q != %q", u, once, twice)
		}
	}
}

func TestURLs(t *testing.T) {
	got := URLs([]string{
		"wss://b.example/", "a.example", "", "WSS://A.EXAMPLE", "b.example",
	})
	want := []string{"wss://a.example", "wss://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("URLs = %v, want %v", got, want)
	}
}
