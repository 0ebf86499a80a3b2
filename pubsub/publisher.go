package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher aggregates messages for one topic into batches, one actor per
// ordering key. Messages sharing a non-empty ordering key reach the wire in
// submission order; the empty key publishes with unconstrained parallelism.
type Publisher struct {
	topic    string
	settings publishSettings

	in      chan dispatchCommand
	stopped chan struct{}

	outstanding atomic.Int64

	mu     sync.RWMutex
	closed bool
}

type dispatchCommand struct {
	publish *pendingPublish
	// flushed, when non-nil, is closed once every actor acknowledged the
	// flush.
	flushed  chan struct{}
	resume   string
	isResume bool
}

// newPublisher wires the dispatcher goroutine. ctx is the client context;
// cancelling it abandons in-flight RPC attempts but Stop remains the orderly
// way to drain.
func newPublisher(ctx context.Context, svc Service, topic string, opts options, settings publishSettings) *Publisher {
	p := &Publisher{
		topic:    topic,
		settings: settings,
		in:       make(chan dispatchCommand, 64),
		stopped:  make(chan struct{}),
	}
	go p.dispatch(ctx, svc, opts)
	return p
}

// Publish submits one message. The returned result resolves exactly once
// with the server-assigned ID or an error. ctx only gates admission into the
// engine; the RPC itself runs under the client context.
func (p *Publisher) Publish(ctx context.Context, msg *Message) *PublishResult {
	res := newPublishResult()
	if p.outstanding.Add(1) > int64(p.settings.MaxOutstanding) {
		p.outstanding.Add(-1)
		res.set("", ErrOverflow)
		return res
	}
	pp := &pendingPublish{
		msg:     msg,
		res:     res,
		size:    msg.size(),
		release: func() { p.outstanding.Add(-1) },
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		pp.resolve("", ErrPublisherStopped)
		return res
	}
	select {
	case p.in <- dispatchCommand{publish: pp}:
	case <-ctx.Done():
		pp.resolve("", ctx.Err())
	}
	return res
}

// Flush resolves once every message submitted before the call has resolved.
func (p *Publisher) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherStopped
	}
	select {
	case p.in <- dispatchCommand{flushed: flushed}:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumePublish lifts the pause on an ordering key after a publish failure.
// Messages rejected while paused are not replayed. Calling it for a key that
// is not paused is a no-op.
func (p *Publisher) ResumePublish(orderingKey string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.in <- dispatchCommand{resume: orderingKey, isResume: true}
}

// Stop closes the publisher, flushes and drains every actor, and waits for
// the dispatcher to exit. Messages published afterwards resolve with
// ErrPublisherStopped.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.in)
	}
	p.mu.Unlock()
	<-p.stopped
}

// dispatch is the single task owning the ordering key -> actor map. Nothing
// else touches the map, so it needs no locking.
func (p *Publisher) dispatch(ctx context.Context, svc Service, opts options) {
	defer close(p.stopped)
	actors := make(map[string]batcher)
	spawn := func(key string) batcher {
		var a batcher
		if key == "" {
			a = newConcurrentBatcher(ctx, svc, p.topic, p.settings, opts.retry, opts.hooks, p.logger(opts))
		} else {
			a = newSequentialBatcher(ctx, svc, p.topic, key, p.settings, opts.retry, opts.hooks, p.logger(opts))
		}
		actors[key] = a
		go a.run()
		return a
	}

	ticker := time.NewTicker(p.settings.DelayThreshold)
	defer ticker.Stop()

	for {
		select {
		case cmd, ok := <-p.in:
			if !ok {
				// Handle dropped: final flush-and-drain, then wait
				// for every actor to shut itself down.
				for _, a := range actors {
					close(a.input())
				}
				for _, a := range actors {
					<-a.exited()
				}
				return
			}
			switch {
			case cmd.publish != nil:
				key := cmd.publish.msg.OrderingKey
				a, ok := actors[key]
				if !ok {
					a = spawn(key)
				}
				a.input() <- actorCommand{publish: cmd.publish}
			case cmd.flushed != nil:
				drained := make(chan struct{}, len(actors))
				for _, a := range actors {
					a.input() <- actorCommand{flush: true, drained: drained}
				}
				for range actors {
					<-drained
				}
				if opts.hooks.OnFlush != nil {
					opts.hooks.OnFlush(ctx, p.topic)
				}
				close(cmd.flushed)
			case cmd.isResume:
				if a, ok := actors[cmd.resume]; ok {
					a.input() <- actorCommand{resume: true}
				}
			}
		case <-ticker.C:
			// Latency bound under light traffic: flush everyone,
			// fire and forget.
			for _, a := range actors {
				a.input() <- actorCommand{flush: true}
			}
		}
	}
}

func (p *Publisher) logger(opts options) Logger {
	if opts.logger != nil {
		return opts.logger
	}
	return noopLogger{}
}
