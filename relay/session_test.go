package relay

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mailingset/mailingset/journal"
	"github.com/mailingset/mailingset/setexpr"
	"github.com/mailingset/mailingset/userconfig"
)

// fakeParse resolves a couple of fixed expressions so session tests don't
// need list fixtures on disk.
func fakeParse(local string) (string, setexpr.Set, error) {
	switch local {
	case "simple":
		return "Simple", setexpr.NewSet("a@other.test", "b@other.test"), nil
	case "eng_&_sf":
		return "E&S", setexpr.NewSet("b@other.test"), nil
	default:
		return "", nil, &setexpr.SyntaxError{
			Msg: "No such list or person: " + local,
		}
	}
}

type sentCall struct {
	host           string
	port           int
	envelopeSender string
	recipients     []string
	msg            []byte
}

// fakeSender records every submission and resolves each handle with the
// configured outcome.
type fakeSender struct {
	mu      sync.Mutex
	calls   []sentCall
	outcome error
}

func (f *fakeSender) send(host string, port int, envelopeSender string, recipients []string, msg []byte) *SendHandle {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{
		host:           host,
		port:           port,
		envelopeSender: envelopeSender,
		recipients:     recipients,
		msg:            msg,
	})
	f.mu.Unlock()

	h := NewSendHandle()
	h.Resolve(f.outcome)
	return h
}

func (f *fakeSender) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

// fakeJournal is an in-memory journal.KeyValue that session tests can poll.
type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (f *fakeJournal) Put(e journal.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeJournal) Read(key []byte) (journal.Entry, error) {
	return journal.Entry{}, errors.New("not implemented")
}

func (f *fakeJournal) Cleanup() error { return nil }
func (f *fakeJournal) Close() error   { return nil }

func (f *fakeJournal) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func testConfig(t *testing.T, acceptFrom, archiveAddr string) *userconfig.Meta {
	t.Helper()
	m := userconfig.Meta{
		Incoming: userconfig.Incoming{
			Domain:     "test.local",
			AcceptFrom: acceptFrom,
		},
		Outgoing: userconfig.Outgoing{
			Server:         "127.0.0.1",
			Port:           2526,
			EnvelopeSender: "bounce@test.local",
			ArchiveAddr:    archiveAddr,
		},
		Data: userconfig.Data{
			ListsDir:    "unused",
			SymbolsFile: "unused",
		},
	}
	checked, err := m.CheckAndSetDefaults()
	if err != nil {
		t.Fatal(err)
	}
	return &checked
}

func testSession(t *testing.T, cfg *userconfig.Meta, sender *fakeSender, kv journal.KeyValue) smtp.Session {
	t.Helper()
	if kv == nil {
		kv = &journal.NoOpDB{}
	}
	be := NewBackend(cfg, fakeParse, sender.send, kv)
	sess, err := be.AnonymousLogin(&smtp.ConnectionState{
		Hostname:   "client.example.com",
		LocalAddr:  &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 2525},
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 51000},
	})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestMailAllowList(t *testing.T) {
	testCases := []struct {
		description string
		acceptFrom  string
		client      net.IP
		wantErr     bool
	}{
		{
			description: "loopback allowed by loopback range",
			acceptFrom:  "127.0.0.0/8",
			client:      net.ParseIP("127.0.0.1"),
			wantErr:     false,
		},
		{
			description: "public client rejected by loopback range",
			acceptFrom:  "127.0.0.0/8",
			client:      net.ParseIP("203.0.113.9"),
			wantErr:     true,
		},
		{
			description: "second range matches",
			acceptFrom:  "10.0.0.0/8, 203.0.113.0/24",
			client:      net.ParseIP("203.0.113.9"),
			wantErr:     false,
		},
		{
			description: "default accepts anywhere",
			acceptFrom:  "",
			client:      net.ParseIP("203.0.113.9"),
			wantErr:     false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			cfg := testConfig(t, tc.acceptFrom, "")
			be := NewBackend(cfg, fakeParse, (&fakeSender{}).send, &journal.NoOpDB{})
			sess, err := be.AnonymousLogin(&smtp.ConnectionState{
				Hostname:   "client.example.com",
				RemoteAddr: &net.TCPAddr{IP: tc.client, Port: 51000},
			})
			if err != nil {
				t.Fatal(err)
			}

			err = sess.Mail("sender@example.com", smtp.MailOptions{})
			if (err != nil) != tc.wantErr {
				t.Fatalf("wantErr = %v but got %v with err %v", tc.wantErr, err != nil, err)
			}
			if tc.wantErr && !strings.Contains(err.Error(), "Cannot receive from specified address") {
				t.Errorf("unexpected rejection text: %v", err)
			}
		})
	}
}

func TestRcptRejectsWrongDomain(t *testing.T) {
	sess := testSession(t, testConfig(t, "127.0.0.0/8", ""), &fakeSender{}, nil)
	err := sess.Rcpt("simple@other.test")
	if err == nil {
		t.Fatal("expected a rejection")
	}
	if !strings.Contains(err.Error(), "Incorrect domain: other.test") {
		t.Errorf("unexpected rejection text: %v", err)
	}
}

func TestRcptRejectsBadExpression(t *testing.T) {
	sess := testSession(t, testConfig(t, "127.0.0.0/8", ""), &fakeSender{}, nil)
	err := sess.Rcpt("nobody@test.local")
	if err == nil {
		t.Fatal("expected a rejection")
	}
	if !strings.Contains(err.Error(), "No such list or person: nobody") {
		t.Errorf("the parse failure text should reach the client: %v", err)
	}
}

func TestDataDeliversPerRecipient(t *testing.T) {
	sender := &fakeSender{}
	sess := testSession(t, testConfig(t, "127.0.0.0/8", "archive@other.test"), sender, nil)

	if err := sess.Mail("sender@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Rcpt("simple@test.local"); err != nil {
		t.Fatal(err)
	}
	if err := sess.Rcpt("eng_&_sf@test.local"); err != nil {
		t.Fatal(err)
	}

	raw := "From: sender@example.com\r\nSubject: hi\r\n\r\nbody text\r\n"
	if err := sess.Data(strings.NewReader(raw)); err != nil {
		t.Fatal(err)
	}

	calls := sender.sent()
	if len(calls) != 2 {
		t.Fatalf("got %d submissions, want one per recipient (2)", len(calls))
	}

	first := calls[0]
	if first.host != "127.0.0.1" || first.port != 2526 {
		t.Errorf("submitted to %s:%d, want the configured outgoing server", first.host, first.port)
	}
	if first.envelopeSender != "bounce@test.local" {
		t.Errorf("envelope sender = %q", first.envelopeSender)
	}

	// Recipient lists come out sorted and include the archive address.
	want := []string{"a@other.test", "archive@other.test", "b@other.test"}
	if len(first.recipients) != len(want) {
		t.Fatalf("recipients = %v, want %v", first.recipients, want)
	}
	for i := range want {
		if first.recipients[i] != want[i] {
			t.Fatalf("recipients = %v, want %v", first.recipients, want)
		}
	}

	msg := string(first.msg)
	if !strings.Contains(msg, "Subject: [Simple] hi") {
		t.Errorf("first copy lacks the tagged subject: %q", msg)
	}
	if !strings.Contains(msg, "Received: from client.example.com by 192.0.2.10 with ESMTP ;") {
		t.Errorf("message lacks the trace header: %q", msg)
	}
	if !strings.Contains(msg, "List-Id: <simple.mailingset.test.local>") {
		t.Errorf("message lacks the List-Id header: %q", msg)
	}
	if !strings.Contains(msg, "body text") {
		t.Errorf("message lost its body: %q", msg)
	}

	if !strings.Contains(string(calls[1].msg), "Subject: [E&S] hi") {
		t.Errorf("second copy lacks its own tag: %q", calls[1].msg)
	}
}

// The resolver hands out one cached set per list for the lifetime of the
// server, so a dispatch that adds the archive address must work on a copy.
func TestDispatchDoesNotMutateResolvedSet(t *testing.T) {
	cached := setexpr.NewSet("a@other.test")
	cachingParse := func(local string) (string, setexpr.Set, error) {
		return "Simple", cached, nil
	}

	sender := &fakeSender{}
	be := NewBackend(testConfig(t, "127.0.0.0/8", "archive@other.test"), cachingParse, sender.send, &journal.NoOpDB{})
	sess, err := be.AnonymousLogin(&smtp.ConnectionState{
		Hostname:   "client.example.com",
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 51000},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sess.Rcpt("simple@test.local"); err != nil {
		t.Fatal(err)
	}
	if err := sess.Data(strings.NewReader("Subject: hi\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	if cached.Contains("archive@other.test") {
		t.Error("dispatch mutated the resolver's cached set")
	}
}

// manualSender hands out handles that stay unresolved until the test
// resolves them.
type manualSender struct {
	mu      sync.Mutex
	handles []*SendHandle
}

func (m *manualSender) send(string, int, string, []string, []byte) *SendHandle {
	h := NewSendHandle()
	m.mu.Lock()
	m.handles = append(m.handles, h)
	m.mu.Unlock()
	return h
}

func (m *manualSender) handle(t *testing.T, i int) *SendHandle {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.handles) > i {
			h := m.handles[i]
			m.mu.Unlock()
			return h
		}
		m.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("the sender never received submission %d", i)
	return nil
}

// The transaction's acknowledgment is sequenced on the outgoing sends: Data
// must not return until every send handle has resolved, and a failed send
// must still produce a successful SMTP response.
func TestDataAcknowledgesAfterSendsResolve(t *testing.T) {
	sender := &manualSender{}
	be := NewBackend(testConfig(t, "127.0.0.0/8", ""), fakeParse, sender.send, &journal.NoOpDB{})
	sess, err := be.AnonymousLogin(&smtp.ConnectionState{
		Hostname:   "client.example.com",
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 51000},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sess.Rcpt("simple@test.local"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.Data(strings.NewReader("Subject: hi\r\n\r\n"))
	}()

	h := sender.handle(t, 0)

	select {
	case err := <-done:
		t.Fatalf("Data returned before the send resolved: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	h.Resolve(errors.New("connection refused"))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("a failed send must not change the SMTP response: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Data never returned after the send resolved")
	}
}

// A header block the parser can't make sense of aborts the whole
// transaction: the client gets an error and nothing is submitted for any
// recipient.
func TestDataMalformedHeaderSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	sess := testSession(t, testConfig(t, "127.0.0.0/8", ""), sender, nil)

	if err := sess.Rcpt("simple@test.local"); err != nil {
		t.Fatal(err)
	}
	if err := sess.Rcpt("eng_&_sf@test.local"); err != nil {
		t.Fatal(err)
	}

	raw := "this line is not a header field\r\n\r\nbody\r\n"
	if err := sess.Data(strings.NewReader(raw)); err == nil {
		t.Fatal("a malformed header block should surface as an error")
	}
	if n := len(sender.sent()); n != 0 {
		t.Errorf("got %d submissions after a malformed header, want 0", n)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestDataReaderFailureSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	sess := testSession(t, testConfig(t, "127.0.0.0/8", ""), sender, nil)

	if err := sess.Rcpt("simple@test.local"); err != nil {
		t.Fatal(err)
	}
	if err := sess.Data(failingReader{}); err == nil {
		t.Fatal("a broken client connection should surface as an error")
	}
	if n := len(sender.sent()); n != 0 {
		t.Errorf("got %d submissions after a truncated message, want 0", n)
	}
}

func TestResetClearsRecipients(t *testing.T) {
	sender := &fakeSender{}
	sess := testSession(t, testConfig(t, "127.0.0.0/8", ""), sender, nil)

	if err := sess.Rcpt("simple@test.local"); err != nil {
		t.Fatal(err)
	}
	sess.Reset()
	if err := sess.Rcpt("eng_&_sf@test.local"); err != nil {
		t.Fatal(err)
	}
	if err := sess.Data(strings.NewReader("Subject: hi\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	if n := len(sender.sent()); n != 1 {
		t.Errorf("got %d submissions after a reset, want 1", n)
	}
}

func TestDispatchJournalsOutcome(t *testing.T) {
	testCases := []struct {
		description string
		outcome     error
		wantOutcome string
	}{
		{
			description: "delivered",
			outcome:     nil,
			wantOutcome: journal.OutcomeDelivered,
		},
		{
			description: "failed",
			outcome:     errors.New("connection refused"),
			wantOutcome: journal.OutcomeFailed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			sender := &fakeSender{outcome: tc.outcome}
			kv := &fakeJournal{}
			sess := testSession(t, testConfig(t, "127.0.0.0/8", ""), sender, kv)

			if err := sess.Rcpt("simple@test.local"); err != nil {
				t.Fatal(err)
			}
			if err := sess.Data(strings.NewReader("Subject: hi\r\n\r\n")); err != nil {
				t.Fatal(err)
			}

			// The outcome continuation runs asynchronously.
			deadline := time.Now().Add(5 * time.Second)
			for kv.count() == 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if kv.count() != 1 {
				t.Fatal("no journal record was written")
			}

			kv.mu.Lock()
			entry := kv.entries[0]
			kv.mu.Unlock()
			rec, err := journal.DecodeRecord(entry.Value)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Recipient != "simple" {
				t.Errorf("Recipient = %q, want %q", rec.Recipient, "simple")
			}
			if rec.Subject != "[Simple] hi" {
				t.Errorf("Subject = %q, want %q", rec.Subject, "[Simple] hi")
			}
			if rec.Outcome != tc.wantOutcome {
				t.Errorf("Outcome = %q, want %q", rec.Outcome, tc.wantOutcome)
			}
			if (tc.outcome != nil) != (rec.Error != "") {
				t.Errorf("Error = %q with send outcome %v", rec.Error, tc.outcome)
			}
		})
	}
}

func TestLoginRejectsAuthentication(t *testing.T) {
	be := NewBackend(testConfig(t, "", ""), fakeParse, (&fakeSender{}).send, &journal.NoOpDB{})
	if _, err := be.Login(&smtp.ConnectionState{}, "user", "pass"); err != smtp.ErrAuthUnsupported {
		t.Errorf("Login should report auth as unsupported, got %v", err)
	}
}
