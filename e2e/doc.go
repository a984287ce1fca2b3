package e2e

// e2e contains integration tests and utility code required to set up
// dependencies. The tests run the whole relay in-process against an
// in-memory downstream SMTP server, so they exercise everything except the
// process entrypoint itself.
