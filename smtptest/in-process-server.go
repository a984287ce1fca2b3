package smtptest

import (
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// Envelope captures one message accepted by the in-process server: the
// envelope addresses, the message data and a created timestamp, allowing
// tests to inspect what the relay actually submitted downstream.
type Envelope struct {
	Created    time.Time
	From       string
	Recipients []string
	Body       string
}

// Backend implements smtp.Backend. It's a thin wrapper for an
// InMemoryOutbox: the relay submits without credentials, but we accept
// authenticated sessions too so the same sink works for any client.
type Backend struct {
	*InMemoryOutbox
}

// Login implements smtp.Backend. Any username/password is fine, since we
// don't want to couple this with specific test configurations.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	return be.newSession(), nil
}

// AnonymousLogin implements smtp.Backend.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return be.newSession(), nil
}

// InMemoryOutbox retains accepted envelopes in memory for comparison against
// a test's expected output.
// Designed to be goroutine safe since we don't know how many goroutines will
// be hitting the server at once.
type InMemoryOutbox struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (ob *InMemoryOutbox) newSession() *sinkSession {
	return &sinkSession{outbox: ob}
}

func (ob *InMemoryOutbox) save(e Envelope) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	e.Created = time.Now()
	ob.envelopes = append(ob.envelopes, e)
}

// Envelopes returns a copy of every envelope accepted so far.
func (ob *InMemoryOutbox) Envelopes() []Envelope {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return append([]Envelope(nil), ob.envelopes...)
}

// EnvelopesSince returns the envelopes accepted at or after epoch
// nanoseconds t.
func (ob *InMemoryOutbox) EnvelopesSince(t int64) []Envelope {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	r := make([]Envelope, 0, len(ob.envelopes))
	for _, e := range ob.envelopes {
		if e.Created.UnixNano() >= t {
			r = append(r, e)
		}
	}
	return r
}

// sinkSession implements smtp.Session for one connection. Envelope state is
// per session so concurrent connections don't mix their recipients.
type sinkSession struct {
	outbox     *InMemoryOutbox
	from       string
	recipients []string
}

// Reset implements smtp.Session.
func (s *sinkSession) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout implements smtp.Session. No-op here.
func (s *sinkSession) Logout() error { return nil }

// Mail implements smtp.Session.
func (s *sinkSession) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt implements smtp.Session.
func (s *sinkSession) Rcpt(to string) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data implements smtp.Session. Stores the envelope in memory for retrieval
// at the end of the test.
func (s *sinkSession) Data(r io.Reader) error {
	// doubtful we'll get an email this big, but we need a limit
	var maxEmailSize int64 = 100 * units.MiB
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	str := &strings.Builder{}
	if _, err := str.Write(buf); err != nil {
		return err
	}
	s.outbox.save(Envelope{
		From:       s.from,
		Recipients: append([]string(nil), s.recipients...),
		Body:       str.String(),
	})
	return nil
}

// InProcessServer is an SMTP server that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer.
type InProcessServer struct {
	*smtp.Server
	*InMemoryOutbox

	listener net.Listener
}

// NewInProcessServer creates an InProcessServer bound to an OS-assigned
// loopback port, including configuring its SMTP server to store incoming
// envelopes in memory. Call Start to begin serving.
func NewInProcessServer() (*InProcessServer, error) {
	ob := &InMemoryOutbox{}

	srv := smtp.NewServer(&Backend{ob})
	srv.Domain = "localhost"
	srv.AuthDisabled = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv.Addr = l.Addr().String()

	return &InProcessServer{
		Server:         srv,
		InMemoryOutbox: ob,
		listener:       l,
	}, nil
}

// Start starts the test server. Blocking.
func (is *InProcessServer) Start() error {
	return is.Server.Serve(is.listener)
}

// Close shuts down the test server daemon. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.Server.Close()
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.listener.Addr().String()
}
