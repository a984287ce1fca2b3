package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"

	"github.com/mailingset/mailingset/journal"
	"github.com/mailingset/mailingset/setexpr"
)

// builder holds one accepted recipient of the current transaction. The
// expression is resolved at RCPT time; the message copy is only allocated
// once DATA starts.
type builder struct {
	// local is the local part of the recipient address as the client gave
	// it, e.g. "eng_&_sf".
	local string
	// tag is the symbolic subject tag for the resolved expression.
	tag string
	// recipients is the resolver's cached member set. It must never be
	// mutated; clone before adding addresses.
	recipients setexpr.Set
}

func (b *builder) create() *Accumulator {
	return NewAccumulator()
}

// session handles one client connection. The transport engine parses the
// SMTP commands and calls Mail, Rcpt and Data in protocol order; Reset
// clears transaction state between messages on the same connection.
type session struct {
	backend    *Backend
	helloHost  string
	serverHost string
	remoteAddr net.Addr

	from       string
	recipients []builder
}

func newSession(b *Backend, state *smtp.ConnectionState) *session {
	return &session{
		backend:    b,
		helloHost:  state.Hostname,
		serverHost: hostOnly(state.LocalAddr),
		remoteAddr: state.RemoteAddr,
	}
}

// hostOnly extracts the host from a network address, dropping the port.
func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Mail validates the message origin against the accept_from allow-list.
// The check is on the client's IP address, not the declared sender: the
// relay blindly amplifies whatever it accepts, so only trusted networks may
// submit.
func (s *session) Mail(from string, opts smtp.MailOptions) error {
	ip, err := clientIP(s.remoteAddr)
	if err != nil {
		log.Warn().Err(err).Str("origin", from).Msg("rejecting a connection with no usable client IP")
		return badSender(s.remoteAddr.String())
	}

	for _, network := range s.backend.cfg.Incoming.AcceptNets {
		if network.Contains(ip) {
			log.Info().
				Str("hello", s.helloHost).
				Str("client", ip.String()).
				Str("origin", from).
				Msg("receiving")
			s.from = from
			return nil
		}
	}

	log.Info().
		Str("hello", s.helloHost).
		Str("client", ip.String()).
		Str("origin", from).
		Msg("rejecting")
	return badSender(ip.String())
}

func clientIP(addr net.Addr) (netip.Addr, error) {
	if addr == nil {
		return netip.Addr{}, fmt.Errorf("connection has no remote address")
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("can't parse the client address %q: %v", addr.String(), err)
	}
	// 4-in-6 addresses must match IPv4 ranges.
	return ip.Unmap(), nil
}

func badSender(addr string) error {
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message: fmt.Sprintf(
			"Cannot receive from specified address <%s>: Sender not acceptable", addr,
		),
	}
}

func badRcpt(reason string) error {
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      reason,
	}
}

// Rcpt validates one recipient: the domain must match the server's domain
// exactly, and the local part must resolve as a set expression. A rejected
// recipient bounces with the reason; accepted ones accumulate until DATA.
func (s *session) Rcpt(to string) error {
	local, domain, found := strings.Cut(to, "@")
	if !found {
		domain = ""
	}
	if domain != s.backend.cfg.Incoming.Domain {
		log.Info().Str("domain", domain).Msg("rejecting domain")
		return badRcpt(fmt.Sprintf("Incorrect domain: %s", domain))
	}

	tag, addrs, err := s.backend.parse(local)
	if err != nil {
		log.Info().Str("address", local).Err(err).Msg("rejecting address")
		return badRcpt(err.Error())
	}

	s.recipients = append(s.recipients, builder{
		local:      local,
		tag:        tag,
		recipients: addrs,
	})
	return nil
}

// receivedHeader generates the trace header recording this relay hop.
func (s *session) receivedHeader() string {
	return fmt.Sprintf("Received: from %s by %s with ESMTP ; %s",
		s.helloHost, s.serverHost, time.Now().Format(time.RFC1123Z))
}

// Data streams the message into one accumulator per accepted recipient,
// then rewrites and dispatches each copy. The acknowledgment is sequenced on
// the outgoing sends: Data returns once every send handle has resolved, but
// a send failure never changes the SMTP response — outcomes surface in the
// log and the journal only.
func (s *session) Data(r io.Reader) error {
	accs := make([]*Accumulator, len(s.recipients))
	for i := range s.recipients {
		accs[i] = s.recipients[i].create()
	}

	discardAll := func() {
		for _, acc := range accs {
			acc.Discard()
		}
	}

	feed := func(line string) error {
		for _, acc := range accs {
			if err := acc.Line(line); err != nil {
				return err
			}
		}
		return nil
	}

	if err := feed(s.receivedHeader()); err != nil {
		discardAll()
		return err
	}

	// A plain reader loop rather than bufio.Scanner: message lines may
	// exceed Scanner's default token limit.
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimSuffix(line, "\n")
			trimmed = strings.TrimSuffix(trimmed, "\r")
			if ferr := feed(trimmed); ferr != nil {
				discardAll()
				return ferr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// The client went away mid-message. Nothing gets sent.
			for i := range accs {
				log.Error().Str("address", s.recipients[i].local).Msg("connection lost")
			}
			discardAll()
			return err
		}
	}

	handles := make([]*SendHandle, 0, len(accs))
	for i, acc := range accs {
		msg, err := acc.Close()
		if err != nil {
			discardAll()
			return err
		}
		b := s.recipients[i]
		RewriteHeaders(msg, b.tag, b.local, s.backend.cfg.Incoming.Domain)
		handles = append(handles, s.dispatch(b, msg))
	}

	// Every handle resolves eventually, success or failure, so this
	// cannot wedge the session.
	for _, h := range handles {
		h.Wait(context.Background())
	}
	return nil
}

// dispatch submits one rewritten copy to the outgoing server, attaches the
// outcome continuation and returns the send handle so the protocol layer
// can sequence the transaction's acknowledgment on it.
func (s *session) dispatch(b builder, msg *Message) *SendHandle {
	// The resolver's set is shared across messages; adding the archive
	// address needs a copy.
	recp := b.recipients.Clone()
	if archive := s.backend.cfg.Outgoing.ArchiveAddr; archive != "" {
		recp.Add(archive)
	}
	list := recp.Slice()

	subject, err := msg.Header.Text("Subject")
	if err != nil {
		subject = msg.Header.Get("Subject")
	}
	log.Info().Str("subject", subject).Msg("sending")
	log.Info().Str("recipients", strings.Join(list, ", ")).Msg("sending to")

	out := s.backend.cfg.Outgoing
	handle := s.backend.sendmail(out.Server, out.Port, out.EnvelopeSender, list, msg.Bytes())

	backend := s.backend
	address := b.local
	handle.OnDone(func(err error) {
		rec := journal.Record{Recipient: address, Subject: subject}
		if err != nil {
			log.Error().Str("address", address).Err(err).Msg("failure")
			rec.Outcome = journal.OutcomeFailed
			rec.Error = err.Error()
		} else {
			log.Info().Str("address", address).Msg("success")
			rec.Outcome = journal.OutcomeDelivered
		}
		backend.recordOutcome(rec)
	})
	return handle
}

// Reset clears the state of the current transaction so the connection can
// carry another message.
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout ends the session.
func (s *session) Logout() error {
	return nil
}
