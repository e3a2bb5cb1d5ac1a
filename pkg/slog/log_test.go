package slog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCheckReportsError(t *testing.T) {
	var buf bytes.Buffer
	_, chk := New(&buf)
	if chk.E(nil) {
		t.Fatal("nil error should report false")
	}
	if !chk.E(errors.New("boom")) {
		t.Fatal("non-nil error should report true")
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("error text not printed: %q", buf.String())
	}
}

func TestLevelFilter(t *testing.T) {
	defer SetLogLevel(GetLogLevel())
	var buf bytes.Buffer
	log, _ := New(&buf)
	SetLogLevel(Error)
	log.D.Ln("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug printed at error level: %q", buf.String())
	}
	log.E.Ln("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("error not printed at error level: %q", buf.String())
	}
}

func TestErrReturnsFormatted(t *testing.T) {
	var buf bytes.Buffer
	log, _ := New(&buf)
	err := log.E.Err("code %d", 42)
	if err == nil || err.Error() != "code 42" {
		t.Fatalf("unexpected error: %v", err)
	}
}
