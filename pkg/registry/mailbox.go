package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/syntor/agentcore/pkg/models"
)

var (
	// ErrMailboxClosed is returned once the owning agent was unregistered
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrReceiveTimeout is returned when nothing arrived within the wait
	ErrReceiveTimeout = errors.New("receive timed out")
)

// Mailbox is an agent's bounded inbox. Delivery never blocks: a full
// mailbox rejects the envelope.
type Mailbox struct {
	ch     chan models.Envelope
	closed chan struct{}
	once   sync.Once
	now    func() time.Time
}

func newMailbox(size int, now func() time.Time) *Mailbox {
	return &Mailbox{
		ch:     make(chan models.Envelope, size),
		closed: make(chan struct{}),
		now:    now,
	}
}

// offer delivers without blocking
func (m *Mailbox) offer(env models.Envelope) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

func (m *Mailbox) close() {
	m.once.Do(func() { close(m.closed) })
}

// Receive waits up to timeout for the next unexpired envelope.
// Envelopes that expired while queued are discarded.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration) (models.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case env := <-m.ch:
			if env.IsExpiredAt(m.now()) {
				continue
			}
			return env, nil
		case <-m.closed:
			return models.Envelope{}, ErrMailboxClosed
		case <-timer.C:
			return models.Envelope{}, ErrReceiveTimeout
		case <-ctx.Done():
			return models.Envelope{}, ctx.Err()
		}
	}
}

// Len returns the number of queued envelopes
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Cap returns the mailbox capacity
func (m *Mailbox) Cap() int {
	return cap(m.ch)
}
