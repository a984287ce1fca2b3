package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// SendHandle is a write-once container for the outcome of an asynchronous
// send. The protocol layer can wait on it to sequence the SMTP transaction,
// and the dispatcher attaches its logging continuation to it. A handle must
// always resolve, success or failure: a handle that hangs would wedge the
// SMTP session behind it.
//
// It should not be copied after first use.
type SendHandle struct {
	mu  sync.Mutex
	set bool
	err error

	notify chan struct{}
}

// NewSendHandle returns an unresolved handle.
func NewSendHandle() *SendHandle {
	return &SendHandle{notify: make(chan struct{})}
}

// Resolve records the outcome of the send. All currently blocked and future
// Wait calls will return it, and registered continuations run. Resolving a
// handle twice is a bug in the sender; the second outcome is dropped.
func (h *SendHandle) Resolve(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.set {
		log.Warn().Err(err).Msg("send handle resolved more than once; dropping the extra outcome")
		return
	}

	h.set = true
	h.err = err
	close(h.notify)
}

// Wait blocks until the handle resolves or the context is canceled.
func (h *SendHandle) Wait(ctx context.Context) error {
	select {
	case <-h.notify:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// OnDone registers a continuation to run once the handle resolves. The
// continuation receives nil on success and the send error on failure.
func (h *SendHandle) OnDone(fn func(error)) {
	go func() {
		<-h.notify
		h.mu.Lock()
		err := h.err
		h.mu.Unlock()
		fn(err)
	}()
}
