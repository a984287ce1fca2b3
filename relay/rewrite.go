package relay

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// RewriteHeaders adjusts a message copy for delivery to one resolved set
// expression, the way a mailing list manager would: it prefixes the subject
// with the expression's symbolic tag and stamps the list identification
// headers. Rewriting is idempotent so a message relayed back through the
// server is not tagged twice.
func RewriteHeaders(msg *Message, tag, recipient, domain string) {
	prefix := fmt.Sprintf("[%s] ", tag)

	subject, err := msg.Header.Text("Subject")
	switch {
	case err != nil:
		// A subject we can't decode is left exactly as it arrived.
		log.Debug().Err(err).Msg("leaving an undecodable subject header unchanged")
	case !strings.HasPrefix(subject, prefix):
		msg.Header.SetText("Subject", prefix+subject)
	}

	if !msg.Header.Has("Precedence") {
		msg.Header.Set("Precedence", "list")
	}

	msg.Header.Set("List-Id", fmt.Sprintf("<%s.mailingset.%s>", recipient, domain))
	msg.Header.Set("List-Post", fmt.Sprintf("<mailto:%s@%s>", recipient, domain))
}
