package journal

import "errors"

// NoOpDB is used when no journal directory is configured: the relay keeps
// interacting with an abstract journal while nothing touches the disk. Put
// and Read always return an error so the caller knows no data has been
// written or read; database-wide operations always succeed because there is
// nothing to clean up or close.
type NoOpDB struct{}

// Put always returns an error so callers don't assume a record has been
// written.
func (n *NoOpDB) Put(Entry) error {
	return errors.New("unable to write to the no-op journal")
}

// Read always returns an error so callers don't assume a record has been
// read.
func (n *NoOpDB) Read(key []byte) (Entry, error) {
	return Entry{}, errors.New("entry not found in the no-op journal")
}

// Cleanup always returns nil in order to prevent retries or panics, since
// we want to keep the server humming along without touching the storage
// layer.
func (n *NoOpDB) Cleanup() error {
	return nil
}

// Close is a no-op.
func (n *NoOpDB) Close() error {
	return nil
}
