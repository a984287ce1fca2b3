package relay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// Message is a parsed mail message: a structured header plus the raw body
// below the blank separator line.
type Message struct {
	Header message.Header
	Body   []byte
}

// Bytes serializes the message in wire format with CRLF line endings.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	textproto.WriteHeader(&buf, m.Header.Header)
	buf.Write(m.Body)
	return buf.Bytes()
}

const (
	stateOpen = iota
	stateClosed
	stateDiscarded
)

// An Accumulator collects a message line by line and parses the header block
// once it ends. Each accepted recipient of a transaction gets its own
// accumulator so that header rewrites for one recipient never leak into
// another's copy.
//
// An accumulator starts open; feeding lines is only legal while it is open.
// Close parses and returns the collected message; Discard abandons it. Both
// are terminal.
type Accumulator struct {
	state  int
	hdrBuf bytes.Buffer
	header message.Header
	inBody bool
	body   bytes.Buffer
}

// NewAccumulator returns an empty, open accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{state: stateOpen}
}

// Line adds one message line, without its line ending, to the accumulator.
// The first empty line ends the header block and switches to collecting the
// body.
func (a *Accumulator) Line(line string) error {
	if a.state != stateOpen {
		return errors.New("can't add a line to a finished message")
	}

	if a.inBody {
		a.body.WriteString(line)
		a.body.WriteString("\r\n")
		return nil
	}

	if line == "" {
		hdr, err := a.parseHeader()
		if err != nil {
			return err
		}
		a.header = hdr
		a.inBody = true
		return nil
	}

	a.hdrBuf.WriteString(line)
	a.hdrBuf.WriteString("\r\n")
	return nil
}

func (a *Accumulator) parseHeader() (message.Header, error) {
	// textproto expects the blank line that terminates the header block.
	a.hdrBuf.WriteString("\r\n")
	th, err := textproto.ReadHeader(bufio.NewReader(&a.hdrBuf))
	if err != nil {
		return message.Header{}, fmt.Errorf("can't parse the message header: %v", err)
	}
	return message.Header{Header: th}, nil
}

// Close ends the message and returns it. A message with no blank line has no
// body; its collected lines still form the header block.
func (a *Accumulator) Close() (*Message, error) {
	if a.state != stateOpen {
		return nil, errors.New("can't close a finished message")
	}
	a.state = stateClosed

	if !a.inBody {
		hdr, err := a.parseHeader()
		if err != nil {
			return nil, err
		}
		a.header = hdr
	}

	return &Message{Header: a.header, Body: a.body.Bytes()}, nil
}

// Discard abandons the accumulated message, e.g. when the client connection
// breaks mid-DATA. A discarded accumulator accepts no further lines and
// cannot be closed.
func (a *Accumulator) Discard() {
	if a.state != stateOpen {
		return
	}
	a.state = stateDiscarded
}
