package journal

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"gopkg.in/yaml.v2"
)

func TestConfig_UnmarshalYAML(t *testing.T) {
	testCases := []struct {
		description string
		config      string
		wantErr     bool
	}{
		{
			description: "valid/canonical case",
			config: `dir: ./tempTestDir3012705204
ttl: "168h"
cleanupInterval: "10m"`,
			wantErr: false,
		},
		{
			description: "cleanup interval not a duration",
			config: `dir: ./tempTestDir3012705204
ttl: "168h"
cleanupInterval: "10"`,
			wantErr: true,
		},
		{
			description: "TTL not a duration",
			config: `dir: ./tempTestDir3012705204
ttl: "168"
cleanupInterval: "10m"`,
			wantErr: true,
		},
		{
			description: "durations omitted",
			config:      `dir: ./tempTestDir3012705204`,
			wantErr:     false,
		},
		{
			description: "not a mapping",
			config:      `[]`,
			wantErr:     true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			dec := yaml.NewDecoder(bytes.NewBufferString(tc.config))
			var c Config
			if err := dec.Decode(&c); (err != nil) != tc.wantErr {
				t.Errorf("wantErr = %v but got %v with err %v", tc.wantErr, err != nil, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Dir: "/tmp/journal"}
	checked, err := c.CheckAndSetDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if checked.TTL == 0 || checked.CleanupInterval == 0 {
		t.Errorf("defaults not applied: %+v", checked)
	}
}

// We test the BadgerDB read/write helpers for a simple case. All DB
// operations are wrapped in a helper for use by the relay, so we use those
// helpers rather than ones defined just for tests.
func TestSimpleBadgerDBReadWrite(t *testing.T) {
	conf := Config{
		Dir: t.TempDir(),
		// Long TTL: records must not be cleaned up during the test.
		TTL: time.Duration(10) * time.Second,
	}
	db, err := NewBadgerDB(&conf)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rec := Record{
		Recipient: "eng_&_sf",
		Subject:   "[E&S] hello",
		Outcome:   OutcomeDelivered,
		Time:      time.Now().UTC(),
	}
	val, err := rec.Encode()
	if err != nil {
		t.Fatal(err)
	}

	entry := Entry{
		Key:   []byte("some-delivery-id"),
		Value: val,
	}
	if err := db.Put(entry); err != nil {
		t.Fatal(err)
	}

	entry2, err := db.Read(entry.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(entry, entry2) {
		t.Fatal("newly created and newly read journal entries do not match")
	}

	rec2, err := DecodeRecord(entry2.Value)
	if err != nil {
		t.Fatal(err)
	}
	if !rec2.Time.Equal(rec.Time) || rec2.Recipient != rec.Recipient ||
		rec2.Subject != rec.Subject || rec2.Outcome != rec.Outcome {
		t.Errorf("decoded record does not match: want %+v, got %+v", rec, rec2)
	}
}

func TestOpenWithoutDirIsNoOp(t *testing.T) {
	kv, err := Open(&Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := kv.(*NoOpDB); !ok {
		t.Fatalf("expected a *NoOpDB, got %T", kv)
	}
	if err := kv.Put(Entry{Key: []byte("k")}); err == nil {
		t.Error("no-op Put should report that nothing was written")
	}
	if err := kv.Cleanup(); err != nil {
		t.Errorf("no-op Cleanup should succeed: %v", err)
	}
}
