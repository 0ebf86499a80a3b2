package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// StreamingPull is the configured factory for one pull session.
type StreamingPull struct {
	client   *Client
	svc      Service
	req      PullRequest
	policy   RetryPolicy
	settings receiveSettings
	hooks    Hooks
	logger   Logger
}

// Start spawns the session's lease loop and returns the session. The stream
// itself opens lazily on the first Next call, because the transport does not
// yield a usable handle before the first response anyway.
func (sp *StreamingPull) Start(ctx context.Context) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		svc:      sp.svc,
		req:      sp.req,
		policy:   sp.policy,
		settings: sp.settings,
		hooks:    sp.hooks,
		logger:   sp.logger,
		ctx:      sessCtx,
		cancel:   cancel,
		leases:   newLeaseManager(sp.svc, sp.req.Subscription, sp.policy, sp.settings, sp.hooks, sp.logger),
	}
	go s.leases.run(sessCtx)
	if sp.client != nil {
		sp.client.track(s)
	}
	return s
}

// Session serves messages from one pull stream, one at a time. It is driven
// by the application: Next must not be called concurrently. A permanent
// stream error is terminal; the session never reconnects.
type Session struct {
	svc      Service
	req      PullRequest
	policy   RetryPolicy
	settings receiveSettings
	hooks    Hooks
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc
	leases *leaseManager

	stream Stream
	events chan streamEvent
	pool   []*ReceivedMessage
	err    error
}

// streamEvent is one stream read, pumped by the receive task so Next can
// wait on its caller's context instead of inside Recv.
type streamEvent struct {
	resp *PullResponse
	err  error
}

// Next returns the next delivered message with its settlement handler. It
// returns io.EOF when the server ends the stream cleanly, and a terminal
// error thereafter once the stream breaks permanently. A ctx expiring only
// abandons this wait: the stream stays healthy and a later Next picks up
// where it left off.
func (s *Session) Next(ctx context.Context) (*ReceivedMessage, error) {
	for {
		if len(s.pool) > 0 {
			m := s.pool[0]
			s.pool = s.pool[1:]
			return m, nil
		}
		if s.err != nil {
			return nil, s.err
		}
		if s.stream == nil {
			stream, err := s.open(ctx)
			if err != nil {
				s.err = err
				return nil, err
			}
			s.stream = stream
			s.events = make(chan streamEvent, 1)
			go s.keepalive()
			go s.receive()
		}
		var ev streamEvent
		select {
		case ev = <-s.events:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if ev.err != nil {
			if errors.Is(ev.err, io.EOF) {
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("pubsub: streaming pull: %w", ev.err)
			}
			return nil, s.err
		}
		s.admit(ctx, ev.resp)
	}
}

// receive pumps the stream into the events channel. It exits after the
// first stream error, or when the session shuts down with no Next waiting.
func (s *Session) receive() {
	for {
		resp, err := s.stream.Recv()
		select {
		case s.events <- streamEvent{resp: resp, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// admit pools received items and registers their leases. An item without a
// payload is ambiguous server noise: it is dropped without ever being leased
// or surfaced.
func (s *Session) admit(ctx context.Context, resp *PullResponse) {
	for _, item := range resp.Items {
		if item.Message == nil {
			s.logger.Debug(ctx, "dropping payload-less pull item", "subscription", s.req.Subscription)
			continue
		}
		s.leases.track(item.AckID)
		if s.hooks.OnReceive != nil {
			s.hooks.OnReceive(ctx, s.req.Subscription, item.Message.ID)
		}
		s.pool = append(s.pool, &ReceivedMessage{
			Message: item.Message,
			Handler: newAckHandler(item.AckID, s.leases.results, s.ctx.Done()),
		})
	}
}

// open establishes the stream, retrying transient failures with backoff. A
// permanent error surfaces immediately. The stream lives under the session
// context so Close tears it down.
func (s *Session) open(ctx context.Context) (Stream, error) {
	var stream Stream
	notify := func(err error, delay time.Duration) {
		s.logger.Warn(ctx, "stream open retry", "subscription", s.req.Subscription, "delay", delay.String(), "err", err)
		if s.hooks.OnStreamRetry != nil {
			s.hooks.OnStreamRetry(ctx, s.req.Subscription, err, delay)
		}
	}
	req := s.req
	err := callNotify(ctx, s.policy, notify, func(ctx context.Context) error {
		var openErr error
		stream, openErr = s.svc.StreamingPull(s.ctx, &req)
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: open stream: %w", err)
	}
	return stream, nil
}

// keepalive periodically writes an empty request so idle streams are not
// torn down by the server. It stops with the session.
func (s *Session) keepalive() {
	ticker := time.NewTicker(s.settings.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.stream.Send(&PullRequest{}); err != nil {
				s.logger.Debug(s.ctx, "keepalive send failed", "subscription", s.req.Subscription, "err", err)
				return
			}
		}
	}
}

// Close tears the session down. The stream was opened under the session
// context, so cancelling it unblocks any pending Recv and kills the
// keepalive; the lease loop nacks every outstanding lease and exits. Close
// is idempotent and safe to call concurrently with Next.
func (s *Session) Close() error {
	s.cancel()
	<-s.leases.stopped
	return nil
}
