package pubsub

import "sync"

// ackResult is what a handler enqueues onto the lease loop.
type ackResult struct {
	ackID string
	ack   bool
}

// AckHandler is the per-message capability to settle one delivery. Ack and
// Nack enqueue the outcome onto the session's lease loop and return
// immediately; the follow-up RPC belongs to the loop, never the caller. At
// most one of them is meaningful per handler, later calls are ignored.
type AckHandler struct {
	ackID   string
	results chan<- ackResult
	done    <-chan struct{}
	once    sync.Once
}

func newAckHandler(ackID string, results chan<- ackResult, done <-chan struct{}) *AckHandler {
	return &AckHandler{ackID: ackID, results: results, done: done}
}

// Ack acknowledges the delivery.
func (h *AckHandler) Ack() { h.settle(true) }

// Nack requests immediate redelivery.
func (h *AckHandler) Nack() { h.settle(false) }

func (h *AckHandler) settle(ack bool) {
	h.once.Do(func() {
		select {
		case h.results <- ackResult{ackID: h.ackID, ack: ack}:
		case <-h.done:
			// Session gone; its shutdown nack covers this lease.
		}
	})
}
