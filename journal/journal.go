package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome values stored in a Record.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Config contains settings for the delivery journal. An empty Dir disables
// the journal entirely.
type Config struct {
	Dir             string        `yaml:"dir" json:"dir"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval" json:"cleanupInterval"`
}

// UnmarshalYAML parses the user-provided journal configuration, converting
// the duration strings into time.Durations.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the journal config: %v", err)
	}

	c.Dir = v["dir"]

	if ttl, ok := v["ttl"]; ok {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("can't parse the journal TTL as a duration: %v", err)
		}
		c.TTL = d
	}

	if ci, ok := v["cleanupInterval"]; ok {
		d, err := time.ParseDuration(ci)
		if err != nil {
			return fmt.Errorf("can't parse the journal cleanup interval as a duration: %v", err)
		}
		c.CleanupInterval = d
	}

	return nil
}

// CheckAndSetDefaults validates c and returns a copy of c with default
// settings applied.
func (c *Config) CheckAndSetDefaults() (Config, error) {
	out := *c
	if out.TTL == 0 {
		out.TTL = 30 * 24 * time.Hour
	}
	if out.CleanupInterval == 0 {
		out.CleanupInterval = 10 * time.Minute
	}
	return out, nil
}

// KeyValue exposes a common interface for recording delivery outcomes in an
// underlying storage layer.
//
// Implementations need to include connection logic in code to initialize a
// store.
type KeyValue interface {
	// Write a new record or replace an existing one
	Put(Entry) error
	// Return a record given its key
	Read(key []byte) (Entry, error)
	// Cleanup performs routine deletion of old records. Records carry
	// TTLs and are deleted periodically.
	Cleanup() error
	// Drain/tear down the connection, or something analogous for an
	// embedded database
	Close() error
}

// Entry is what we write to and read from the journal.
type Entry struct {
	Key   []byte
	Value []byte
}

// Record is the journaled outcome of one dispatched message.
type Record struct {
	// Recipient is the local part of the original recipient address,
	// i.e. the set expression the message was sent to.
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Encode serializes the record for storage.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord deserializes a stored record.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("can't decode the journal record: %v", err)
	}
	return r, nil
}

// Open returns the journal described by the config: a BadgerDB journal when
// a directory is configured, and a no-op journal otherwise.
func Open(c *Config) (KeyValue, error) {
	if c.Dir == "" {
		return &NoOpDB{}, nil
	}
	return NewBadgerDB(c)
}
