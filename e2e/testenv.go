package e2e

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mailingset/mailingset/journal"
	"github.com/mailingset/mailingset/liststate"
	"github.com/mailingset/mailingset/relay"
	"github.com/mailingset/mailingset/setexpr"
	"github.com/mailingset/mailingset/smtptest"
	"github.com/mailingset/mailingset/userconfig"
)

// testEnvironmentConfig exposes the relay options that vary between tests.
// While they may not vary between most tests, they shouldn't be buried
// inside functions.
type testEnvironmentConfig struct {
	acceptFrom  string // CIDR allow-list for the incoming side
	archiveAddr string // added to every outgoing message when set
}

// testEnvironment manages all dependencies required to simulate a "real"
// environment and run the e2e tests: the list fixtures on disk, the relay
// itself and the downstream SMTP server it submits to. Callers should create
// this via startTestEnvironment.
type testEnvironment struct {
	outbox *smtptest.InProcessServer
	server *smtp.Server

	// relayAddr is the host:port the relay listens on.
	relayAddr string
}

// writeListFixtures populates a temporary lists directory and symbols file:
//
//	simple:  a@other.test, b@other.test
//	complex: b@other.test, c@other.test
//	office:  d@other.test
//
// b@other.test belongs to two lists so tests can exercise intersection, and
// simple/office are disjoint so tests can produce an empty result.
func writeListFixtures(t *testing.T) (listsDir string, symbolsFile string, err error) {
	d := t.TempDir()

	listsDir = filepath.Join(d, "lists")
	if err = os.Mkdir(listsDir, 0o755); err != nil {
		return
	}

	lists := map[string]string{
		"simple":  "a@other.test\nYy Zz <b@other.test>\n",
		"complex": "Yy Zz <b@other.test>\nc@other.test\n",
		"office":  "d@other.test\n",
	}
	for name, members := range lists {
		if err = os.WriteFile(filepath.Join(listsDir, name), []byte(members), 0o644); err != nil {
			return
		}
	}

	symbolsFile = filepath.Join(d, "symbols")
	err = os.WriteFile(symbolsFile, []byte("simple:S\ncomplex:C\noffice:O\n"), 0o644)
	return
}

// startTestEnvironment spins up the downstream SMTP server and the relay on
// OS-assigned loopback ports. Callers should defer a call to tearDown.
func startTestEnvironment(t *testing.T, c testEnvironmentConfig) (*testEnvironment, error) {
	te := &testEnvironment{}

	listsDir, symbolsFile, err := writeListFixtures(t)
	if err != nil {
		return te, fmt.Errorf("could not write the list fixtures: %v", err)
	}

	outbox, err := smtptest.NewInProcessServer()
	if err != nil {
		return te, fmt.Errorf("could not start the downstream SMTP server: %v", err)
	}
	te.outbox = outbox
	go outbox.Start()

	outHost, outPortStr, err := net.SplitHostPort(outbox.Address())
	if err != nil {
		return te, err
	}
	outPort, err := strconv.Atoi(outPortStr)
	if err != nil {
		return te, err
	}

	meta := userconfig.Meta{
		Incoming: userconfig.Incoming{
			Domain:     "test.local",
			AcceptFrom: c.acceptFrom,
		},
		Outgoing: userconfig.Outgoing{
			Server:         outHost,
			Port:           outPort,
			EnvelopeSender: "bounce@test.local",
			ArchiveAddr:    c.archiveAddr,
		},
		Data: userconfig.Data{
			ListsDir:    listsDir,
			SymbolsFile: symbolsFile,
		},
	}
	config, err := meta.CheckAndSetDefaults()
	if err != nil {
		return te, err
	}

	state, err := liststate.New(
		config.Data.ListsDir,
		config.Data.SymbolsFile,
		config.Incoming.Domain,
	)
	if err != nil {
		return te, err
	}

	jour, err := journal.Open(&config.Data.Journal)
	if err != nil {
		return te, err
	}

	parse := func(local string) (string, setexpr.Set, error) {
		return setexpr.Parse(state.Lookup, local)
	}

	backend := relay.NewBackend(&config, parse, relay.Sendmail, jour)
	te.server = smtp.NewServer(backend)
	te.server.Domain = config.Incoming.Domain
	te.server.AuthDisabled = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return te, err
	}
	te.relayAddr = l.Addr().String()
	go te.server.Serve(l)

	return te, nil
}

// tearDown returns the testEnvironment to its state prior to start. Designed
// to call with defer.
func (te *testEnvironment) tearDown() {
	if te.server != nil {
		te.server.Close()
	}
	if te.outbox != nil {
		te.outbox.Close()
	}
}

// waitForEnvelopes polls the downstream server until it has accepted n
// envelopes or the deadline passes. The relay acknowledges the incoming
// transaction before its outgoing sends complete, so tests have to wait.
func (te *testEnvironment) waitForEnvelopes(t *testing.T, n int) []smtptest.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ems := te.outbox.Envelopes(); len(ems) >= n {
			return ems
		}
		time.Sleep(20 * time.Millisecond)
	}
	ems := te.outbox.Envelopes()
	t.Fatalf("expecting %v envelopes downstream but got %v", n, len(ems))
	return nil
}
