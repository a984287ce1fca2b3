package relay

import (
	"strings"
	"testing"
)

func feedLines(t *testing.T, a *Accumulator, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if err := a.Line(l); err != nil {
			t.Fatalf("feeding %q: %v", l, err)
		}
	}
}

func TestAccumulatorHeaderAndBody(t *testing.T) {
	a := NewAccumulator()
	feedLines(t, a,
		"Received: from client.example.com by relay.test.local with ESMTP ; Mon, 02 Jan 2006 15:04:05 -0700",
		"From: sender@example.com",
		"Subject: hello",
		"",
		"first line",
		"second line",
	)

	msg, err := a.Close()
	if err != nil {
		t.Fatal(err)
	}

	if got := msg.Header.Get("Subject"); got != "hello" {
		t.Errorf("Subject = %q, want %q", got, "hello")
	}
	if got := msg.Header.Get("From"); got != "sender@example.com" {
		t.Errorf("From = %q, want %q", got, "sender@example.com")
	}
	if !msg.Header.Has("Received") {
		t.Error("the Received header was lost")
	}

	wantBody := "first line\r\nsecond line\r\n"
	if string(msg.Body) != wantBody {
		t.Errorf("Body = %q, want %q", msg.Body, wantBody)
	}

	wire := string(msg.Bytes())
	if !strings.Contains(wire, "\r\n\r\nfirst line\r\n") {
		t.Errorf("serialized message lacks the blank separator line: %q", wire)
	}
}

func TestAccumulatorHeaderOnly(t *testing.T) {
	a := NewAccumulator()
	feedLines(t, a, "Subject: no body here")

	msg, err := a.Close()
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.Header.Get("Subject"); got != "no body here" {
		t.Errorf("Subject = %q, want %q", got, "no body here")
	}
	if len(msg.Body) != 0 {
		t.Errorf("expected an empty body, got %q", msg.Body)
	}
}

func TestAccumulatorDiscard(t *testing.T) {
	a := NewAccumulator()
	feedLines(t, a, "Subject: interrupted")
	a.Discard()

	if err := a.Line("more"); err == nil {
		t.Error("a discarded accumulator accepted a line")
	}
	if _, err := a.Close(); err == nil {
		t.Error("a discarded accumulator let itself be closed")
	}
}

func TestAccumulatorCloseTwice(t *testing.T) {
	a := NewAccumulator()
	feedLines(t, a, "Subject: once")
	if _, err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Close(); err == nil {
		t.Error("closing twice should fail")
	}
}
