package relay

import (
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mailingset/mailingset/journal"
	"github.com/mailingset/mailingset/setexpr"
	"github.com/mailingset/mailingset/userconfig"
)

// ParseFunc resolves the local part of a recipient address as a set
// expression, returning the symbolic subject tag and the member addresses.
// Parse failures carry the text to show the SMTP client.
type ParseFunc func(local string) (string, setexpr.Set, error)

// Backend builds a session for every incoming SMTP connection. It holds
// everything the sessions share: the validated config, the expression
// resolver, the outgoing submission function and the delivery journal.
type Backend struct {
	cfg      *userconfig.Meta
	parse    ParseFunc
	sendmail SendmailFunc
	journal  journal.KeyValue
}

// NewBackend assembles a backend for the SMTP server. The journal may be a
// journal.NoOpDB when outcome records are not wanted.
func NewBackend(cfg *userconfig.Meta, parse ParseFunc, sendmail SendmailFunc, kv journal.KeyValue) *Backend {
	return &Backend{
		cfg:      cfg,
		parse:    parse,
		sendmail: sendmail,
		journal:  kv,
	}
}

// Login rejects authentication: the relay is gated by client network, not
// credentials.
func (b *Backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// AnonymousLogin starts a session for the new connection.
func (b *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	return newSession(b, state), nil
}

// recordOutcome writes one delivery outcome to the journal under a fresh
// key. Journaling is best-effort: a failed write must never interfere with
// mail flow, so problems are only logged.
func (b *Backend) recordOutcome(rec journal.Record) {
	rec.Time = time.Now().UTC()
	val, err := rec.Encode()
	if err != nil {
		log.Debug().Err(err).Msg("can't encode a journal record")
		return
	}
	if err := b.journal.Put(journal.Entry{
		Key:   []byte(uuid.NewString()),
		Value: val,
	}); err != nil {
		log.Debug().Err(err).Msg("can't write a journal record")
	}
}
