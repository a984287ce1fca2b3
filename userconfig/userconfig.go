package userconfig

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/mailingset/mailingset/journal"

	yaml "gopkg.in/yaml.v2"
)

// Meta represents all current config options that the server can use, i.e.,
// after validation and parsing. It is read-only while the server is serving:
// changing any of it means rebuilding the SMTP backend.
type Meta struct {
	Incoming Incoming `yaml:"incoming"`
	Outgoing Outgoing `yaml:"outgoing"`
	Data     Data     `yaml:"data"`
}

// Incoming contains config options for the listening side of the relay.
type Incoming struct {
	// Listen is the host:port the SMTP server binds to.
	Listen string `yaml:"listen"`
	// Domain is the domain recipient addresses must carry, compared by
	// exact string equality.
	Domain string `yaml:"domain"`
	// AcceptFrom is a comma-separated list of CIDR ranges that client
	// IPs are checked against on MAIL FROM.
	AcceptFrom string `yaml:"accept_from"`
	// Optional PEM files enabling STARTTLS on the listener. Either both
	// or neither must be set.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// AcceptNets is the parsed form of AcceptFrom, populated by
	// CheckAndSetDefaults in declaration order.
	AcceptNets []netip.Prefix `yaml:"-"`
}

// Outgoing contains config options for the sending side of the relay.
type Outgoing struct {
	Server         string `yaml:"server"`
	Port           int    `yaml:"port"`
	EnvelopeSender string `yaml:"envelope_sender"`
	// ArchiveAddr, when set, is added to the recipients of every
	// outgoing message.
	ArchiveAddr string `yaml:"archive_addr"`
}

// Data locates the on-disk inputs of the server: list definitions, subject
// symbols and the optional delivery journal.
type Data struct {
	ListsDir    string         `yaml:"lists_dir"`
	SymbolsFile string         `yaml:"symbols_file"`
	Journal     journal.Config `yaml:"journal"`
}

// CheckAndSetDefaults validates i and either returns a copy of i with
// default settings applied or returns an error due to an invalid
// configuration.
func (i *Incoming) CheckAndSetDefaults() (Incoming, error) {
	out := *i

	if out.Domain == "" {
		return Incoming{}, errors.New(
			"user-provided config does not include an incoming domain",
		)
	}

	if out.Listen == "" {
		out.Listen = ":2525"
	}

	if out.AcceptFrom == "" {
		// Accept mail from anywhere unless told otherwise.
		out.AcceptFrom = "0.0.0.0/0"
	}
	out.AcceptNets = nil
	for _, cidr := range strings.Split(out.AcceptFrom, ",") {
		network, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return Incoming{}, fmt.Errorf(
				"can't parse accept_from entry %q as a CIDR range: %v", cidr, err,
			)
		}
		out.AcceptNets = append(out.AcceptNets, network)
	}

	if (out.TLSCertFile == "") != (out.TLSKeyFile == "") {
		return Incoming{}, errors.New(
			"tls_cert_file and tls_key_file must be provided together",
		)
	}

	return out, nil
}

// TLSConfig loads the listener's TLS keypair. It returns nil when TLS is
// not configured.
func (i *Incoming) TLSConfig() (*tls.Config, error) {
	if i.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(i.TLSCertFile, i.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("can't load the TLS keypair: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}

// CheckAndSetDefaults validates o and either returns a copy of o with
// default settings applied or returns an error due to an invalid
// configuration.
func (o *Outgoing) CheckAndSetDefaults() (Outgoing, error) {
	out := *o

	if out.Server == "" {
		return Outgoing{}, errors.New(
			"user-provided config does not include an outgoing server",
		)
	}
	if out.Port < 1 || out.Port > 65535 {
		return Outgoing{}, fmt.Errorf("outgoing port %d is not a valid port number", out.Port)
	}
	if out.EnvelopeSender == "" {
		return Outgoing{}, errors.New(
			"user-provided config does not include an envelope sender",
		)
	}

	return out, nil
}

// CheckAndSetDefaults validates d and either returns a copy of d with
// default settings applied or returns an error due to an invalid
// configuration.
func (d *Data) CheckAndSetDefaults() (Data, error) {
	out := *d

	if out.ListsDir == "" {
		return Data{}, errors.New(
			"user-provided config does not include a lists directory",
		)
	}
	if out.SymbolsFile == "" {
		return Data{}, errors.New(
			"user-provided config does not include a symbols file",
		)
	}

	j, err := out.Journal.CheckAndSetDefaults()
	if err != nil {
		return Data{}, err
	}
	out.Journal = j

	return out, nil
}

// CheckAndSetDefaults validates m and either returns a copy of m with
// default settings applied or returns an error due to an invalid
// configuration.
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{}

	i, err := m.Incoming.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Incoming = i

	o, err := m.Outgoing.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Outgoing = o

	d, err := m.Data.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Data = d

	return c, nil
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing or validation.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	if m.Incoming.Domain == "" {
		return &Meta{}, errors.New("must include an \"incoming\" section")
	}

	var oc Outgoing = Outgoing{}
	if m.Outgoing == oc {
		return &Meta{}, errors.New("must include an \"outgoing\" section")
	}

	if m.Data.ListsDir == "" && m.Data.SymbolsFile == "" {
		return &Meta{}, errors.New("must include a \"data\" section")
	}

	return &m, nil
}
