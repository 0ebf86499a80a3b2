// Package pubsub implements the client-side concurrency engine of a
// publish/subscribe messaging client: a batching publisher with strict
// per-ordering-key delivery order, and a streaming-pull session with
// background lease management. The wire protocol lives behind the Service
// interface; see driver/google and driver/inmem.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// Client is the root handle. It owns the Service, the shared options and the
// publishers and sessions created through it.
type Client struct {
	svc    Service
	opts   options
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	publishers []*Publisher
	sessions   []*Session
	closed     bool
}

func New(ctx context.Context, svc Service, opts ...Option) (*Client, error) {
	if svc == nil {
		return nil, errors.New("pubsub: service required")
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	if base.logger == nil {
		base.logger = noopLogger{}
	}
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		svc:    svc,
		opts:   base,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// Publisher returns a batching publisher for topic. Stop it explicitly, or
// let Close drain it.
func (c *Client) Publisher(topic string, opts ...PublisherOption) (*Publisher, error) {
	if topic == "" {
		return nil, errors.New("pubsub: topic required")
	}
	settings := c.opts.publish
	for _, opt := range opts {
		opt(&settings)
	}
	settings = settings.normalized(c.opts.publish)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("pubsub: client closed")
	}
	p := newPublisher(c.ctx, c.svc, topic, c.opts, settings)
	c.publishers = append(c.publishers, p)
	return p, nil
}

// StreamingPull configures a pull session factory for subscription. The
// session starts its lease loop on Start and opens the stream on first Next.
func (c *Client) StreamingPull(subscription string, opts ...PullOption) (*StreamingPull, error) {
	if subscription == "" {
		return nil, errors.New("pubsub: subscription required")
	}
	settings := c.opts.receive
	for _, opt := range opts {
		opt(&settings)
	}
	settings = settings.normalized(c.opts.receive)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("pubsub: client closed")
	}
	return &StreamingPull{
		client: c,
		svc:    c.svc,
		req: PullRequest{
			Subscription:           subscription,
			AckDeadline:            settings.AckDeadline,
			MaxOutstandingMessages: settings.MaxOutstandingMessages,
			MaxOutstandingBytes:    settings.MaxOutstandingBytes,
			ClientID:               c.opts.clientID,
		},
		policy:   c.opts.retry,
		settings: settings,
		hooks:    c.opts.hooks,
		logger:   c.opts.logger,
	}, nil
}

// Close drains every publisher, closes every session started through the
// client, and closes the Service.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	publishers := c.publishers
	sessions := c.sessions
	c.publishers = nil
	c.sessions = nil
	c.mu.Unlock()

	for _, p := range publishers {
		p.Stop()
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	c.cancel()
	return c.svc.Close(ctx)
}

// track registers a started session for Close. Start cannot do it itself
// without the client, so StreamingPull factories created by a client route
// through here.
func (c *Client) track(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.sessions = append(c.sessions, s)
	}
}
