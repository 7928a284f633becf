package orchestrator

import (
	"context"
	"sync"
	"time"
)

type (
	// confirmation is a user's answer to a confirmation_required prompt.
	confirmation struct {
		approved bool
		message  string
	}

	// confirmationBroker correlates confirmation answers to suspended
	// requests by request id. Late answers, after the waiter timed out or
	// resolved, are ignored.
	confirmationBroker struct {
		mu      sync.Mutex
		waiting map[string]chan confirmation
	}
)

func newConfirmationBroker() *confirmationBroker {
	return &confirmationBroker{waiting: make(map[string]chan confirmation)}
}

// register installs the waiter channel. Callers register before announcing
// the prompt so an immediate answer cannot race the waiter.
func (b *confirmationBroker) register(requestID string) chan confirmation {
	ch := make(chan confirmation, 1)
	b.mu.Lock()
	b.waiting[requestID] = ch
	b.mu.Unlock()
	return ch
}

// await suspends until the request is confirmed, the timeout elapses, or ctx
// is done. The second return is false on timeout or cancellation.
func (b *confirmationBroker) await(ctx context.Context, requestID string, ch chan confirmation, timeout time.Duration) (confirmation, bool) {
	defer func() {
		b.mu.Lock()
		delete(b.waiting, requestID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-ch:
		return c, true
	case <-timer.C:
		return confirmation{}, false
	case <-ctx.Done():
		return confirmation{}, false
	}
}

// resolve delivers an answer to the waiting request. Returns false when no
// request is waiting (unknown id or late answer).
func (b *confirmationBroker) resolve(requestID string, c confirmation) bool {
	b.mu.Lock()
	ch, ok := b.waiting[requestID]
	if ok {
		delete(b.waiting, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- c
	return true
}
