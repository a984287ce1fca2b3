package relay

import (
	"bytes"
	"net"
	"strconv"

	"github.com/emersion/go-smtp"
)

// SendmailFunc submits one message to the outgoing SMTP server on behalf of
// the envelope sender and returns a handle that resolves when the attempt
// finishes. Implementations must not block: the session submits the copies
// for all of a transaction's recipients concurrently and then waits on the
// returned handles, so a handle that never resolves wedges the session.
type SendmailFunc func(host string, port int, envelopeSender string, recipients []string, msg []byte) *SendHandle

// Sendmail is the production SendmailFunc: a plain unauthenticated SMTP
// submission to the configured smarthost.
func Sendmail(host string, port int, envelopeSender string, recipients []string, msg []byte) *SendHandle {
	h := NewSendHandle()
	go func() {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		h.Resolve(smtp.SendMail(addr, nil, envelopeSender, recipients, bytes.NewReader(msg)))
	}()
	return h
}
