package relay

// relay is the per-connection delivery pipeline of the mailing set server:
// it gates the declared sender by client IP, resolves recipient addresses as
// set expressions, buffers the streamed message once per accepted recipient,
// rewrites the mailing list headers, and dispatches the copies to the
// outgoing SMTP server concurrently, acknowledging the transaction once
// every send has resolved. The SMTP command parsing itself is the transport
// engine's job; this package plugs into it as a backend.
