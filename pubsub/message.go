package pubsub

import (
	"context"
	"sync"
	"time"
)

// Message is one application payload. A message handed to Publish must not
// be mutated afterwards; the engine holds on to it until the batch it joined
// has resolved.
type Message struct {
	// ID is assigned by the server. It is empty on outbound messages and
	// populated on received ones.
	ID          string
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
	PublishTime time.Time
}

func (m *Message) size() int {
	total := len(m.Data) + len(m.OrderingKey)
	for k, v := range m.Attributes {
		total += len(k) + len(v)
	}
	return total
}

// PublishResult is the reply slot for one published message. It resolves
// exactly once with either the server-assigned message ID or an error.
type PublishResult struct {
	ready chan struct{}
	once  sync.Once
	id    string
	err   error
}

func newPublishResult() *PublishResult {
	return &PublishResult{ready: make(chan struct{})}
}

// Ready returns a channel closed when the result is available.
func (r *PublishResult) Ready() <-chan struct{} { return r.ready }

// Get blocks until the result resolves or ctx is done.
func (r *PublishResult) Get(ctx context.Context) (string, error) {
	select {
	case <-r.ready:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// set resolves the slot. Later calls are ignored.
func (r *PublishResult) set(id string, err error) {
	r.once.Do(func() {
		r.id = id
		r.err = err
		close(r.ready)
	})
}

// pendingPublish pairs a message with its reply slot. It is owned by exactly
// one actor at a time. release, when set, runs once on resolution and returns
// the message's flow-control slot.
type pendingPublish struct {
	msg     *Message
	res     *PublishResult
	size    int
	release func()
	once    sync.Once
}

func (pp *pendingPublish) resolve(id string, err error) {
	pp.once.Do(func() {
		// The flow-control slot must free up before the result reads as
		// ready, or a caller reacting to Ready could still see the old
		// outstanding count.
		if pp.release != nil {
			pp.release()
		}
		pp.res.set(id, err)
	})
}

// ReceivedMessage is one delivery served by a Session, carrying the message
// and the capability to settle it.
type ReceivedMessage struct {
	*Message
	Handler *AckHandler
}

// Ack acknowledges the message, permanently removing it from redelivery.
func (m *ReceivedMessage) Ack() { m.Handler.Ack() }

// Nack makes the message immediately eligible for redelivery.
func (m *ReceivedMessage) Nack() { m.Handler.Nack() }
