package journal

// journal records the outcome of every dispatched message in a persistent
// key/value store so that post-acknowledgment delivery failures, which the
// original SMTP client never sees, stay observable. It deals only in opaque
// keys and encoded records; deciding what to journal is up to the caller.
