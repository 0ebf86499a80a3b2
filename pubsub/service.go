package pubsub

import (
	"context"
	"time"
)

// Service is the wire-level collaborator behind the engine. Implementations
// talk to a concrete broker (see driver/google, driver/inmem) and must be
// safe for concurrent use. The engine owns batching, ordering and lease
// bookkeeping; a Service only moves requests and responses.
type Service interface {
	// Publish sends one batch and returns server-assigned message IDs in
	// the same order as msgs.
	Publish(ctx context.Context, topic string, msgs []*Message) ([]string, error)

	// StreamingPull opens a bidirectional pull stream. req carries the
	// subscription, lease settings and the caller's stable client ID.
	StreamingPull(ctx context.Context, req *PullRequest) (Stream, error)

	Acknowledge(ctx context.Context, subscription string, ackIDs []string) error

	// ModifyAckDeadline resets the delivery deadline for the given ack IDs.
	// A zero deadline makes the messages immediately eligible for redelivery.
	ModifyAckDeadline(ctx context.Context, subscription string, ackIDs []string, deadline time.Duration) error

	Close(ctx context.Context) error
}

// Stream is one open pull stream. Recv returns io.EOF when the server ends
// the stream cleanly.
type Stream interface {
	// Send writes a request on the open stream. The engine uses it for
	// keepalive heartbeats, passing an empty request.
	Send(req *PullRequest) error
	Recv() (*PullResponse, error)
	Close() error
}

// PullRequest configures a pull stream. The zero value is a heartbeat.
type PullRequest struct {
	Subscription           string
	AckDeadline            time.Duration
	MaxOutstandingMessages int
	MaxOutstandingBytes    int64
	ClientID               string
}

// PullResponse is one server response on a pull stream. Heartbeat responses
// carry no items.
type PullResponse struct {
	Items []PullItem
}

// PullItem is a single delivery. Message may be nil when the server sent an
// ack ID without a payload; the engine drops such items without leasing them.
type PullItem struct {
	AckID   string
	Message *Message
}
