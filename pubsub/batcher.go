package pubsub

import (
	"context"
	"fmt"
	"sync"
)

// actorCommand is the message type between the dispatcher and batch actors.
// Exactly one of publish / flush / resume is meaningful per command.
type actorCommand struct {
	publish *pendingPublish
	flush   bool
	// drained, when non-nil, receives one send after the flush fully
	// drained the actor. The periodic timer flush leaves it nil.
	drained chan<- struct{}
	resume  bool
}

// batcher is the per-ordering-key actor interface the dispatcher drives.
type batcher interface {
	run()
	input() chan<- actorCommand
	exited() <-chan struct{}
}

// concurrentBatcher serves the empty ordering key: batches may overlap in
// flight and complete in any order.
type concurrentBatcher struct {
	ctx      context.Context
	svc      Service
	topic    string
	settings publishSettings
	policy   RetryPolicy
	hooks    Hooks
	logger   Logger

	in       chan actorCommand
	done     chan struct{}
	pending  *batch
	inflight sync.WaitGroup
}

func newConcurrentBatcher(ctx context.Context, svc Service, topic string, settings publishSettings, policy RetryPolicy, hooks Hooks, logger Logger) *concurrentBatcher {
	return &concurrentBatcher{
		ctx:      ctx,
		svc:      svc,
		topic:    topic,
		settings: settings,
		policy:   policy,
		hooks:    hooks,
		logger:   logger,
		in:       make(chan actorCommand, 16),
		done:     make(chan struct{}),
		pending:  &batch{},
	}
}

func (b *concurrentBatcher) input() chan<- actorCommand { return b.in }

func (b *concurrentBatcher) exited() <-chan struct{} { return b.done }

func (b *concurrentBatcher) run() {
	defer close(b.done)
	for cmd := range b.in {
		switch {
		case cmd.publish != nil:
			b.pending.add(cmd.publish)
			if b.pending.count() >= b.settings.CountThreshold || b.pending.size() >= b.settings.ByteThreshold {
				b.send()
			}
		case cmd.flush:
			b.send()
			b.inflight.Wait()
			if cmd.drained != nil {
				cmd.drained <- struct{}{}
			}
		}
		// resume is a no-op: the unordered actor never pauses.
	}
	b.send()
	b.inflight.Wait()
}

// send hands the pending batch to a flush task without waiting for earlier
// ones to finish.
func (b *concurrentBatcher) send() {
	if b.pending.empty() {
		return
	}
	out := b.pending
	b.pending = &batch{}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		if err := out.flush(b.ctx, b.svc, b.topic, b.policy, b.hooks); err != nil {
			b.logger.Warn(b.ctx, "publish batch failed", "topic", b.topic, "count", out.count(), "err", err)
		}
	}()
}

// sequentialBatcher serves one non-empty ordering key: at most one batch in
// flight, strict FIFO completion, pause on failure.
type sequentialBatcher struct {
	ctx      context.Context
	svc      Service
	topic    string
	key      string
	settings publishSettings
	policy   RetryPolicy
	hooks    Hooks
	logger   Logger

	in         chan actorCommand
	exitCh     chan struct{}
	completion chan error

	queue      []*pendingPublish
	queueBytes int
	inflight   bool
	paused     bool
}

func newSequentialBatcher(ctx context.Context, svc Service, topic, key string, settings publishSettings, policy RetryPolicy, hooks Hooks, logger Logger) *sequentialBatcher {
	return &sequentialBatcher{
		ctx:        ctx,
		svc:        svc,
		topic:      topic,
		key:        key,
		settings:   settings,
		policy:     policy,
		hooks:      hooks,
		logger:     logger,
		in:         make(chan actorCommand, 16),
		exitCh:     make(chan struct{}),
		completion: make(chan error, 1),
	}
}

func (b *sequentialBatcher) input() chan<- actorCommand { return b.in }

func (b *sequentialBatcher) exited() <-chan struct{} { return b.exitCh }

func (b *sequentialBatcher) run() {
	defer close(b.exitCh)
	for {
		select {
		case cmd, ok := <-b.in:
			if !ok {
				b.drain()
				return
			}
			b.handle(cmd)
		case err := <-b.completion:
			b.complete(err)
		}
	}
}

func (b *sequentialBatcher) handle(cmd actorCommand) {
	switch {
	case cmd.publish != nil:
		if b.paused {
			cmd.publish.resolve("", ErrOrderingKeyPaused)
			return
		}
		b.enqueue(cmd.publish)
		if !b.inflight {
			b.sendNext()
		}
	case cmd.flush:
		b.drain()
		if cmd.drained != nil {
			cmd.drained <- struct{}{}
		}
	case cmd.resume:
		b.paused = false
	}
}

func (b *sequentialBatcher) enqueue(pp *pendingPublish) {
	b.queue = append(b.queue, pp)
	b.queueBytes += pp.size
}

// complete processes the outcome of the in-flight batch. A failure pauses
// the key and rejects everything queued behind the failed batch.
func (b *sequentialBatcher) complete(err error) {
	b.inflight = false
	if err != nil {
		b.pause()
		return
	}
	if len(b.queue) >= b.settings.CountThreshold || b.queueBytes >= b.settings.ByteThreshold {
		b.sendNext()
	}
}

func (b *sequentialBatcher) pause() {
	b.paused = true
	b.logger.Warn(b.ctx, "ordering key paused", "topic", b.topic, "key", b.key, "rejected", len(b.queue))
	for _, pp := range b.queue {
		pp.resolve("", ErrOrderingKeyPaused)
	}
	b.queue = nil
	b.queueBytes = 0
}

// sendNext admits queued messages into a batch up to the thresholds and
// flushes it in the background. The first message is always admitted even
// when it alone exceeds the byte threshold.
func (b *sequentialBatcher) sendNext() {
	if b.inflight || b.paused || len(b.queue) == 0 {
		return
	}
	out := &batch{}
	for len(b.queue) > 0 && out.count() < b.settings.CountThreshold {
		next := b.queue[0]
		if !out.empty() && out.size()+next.size > b.settings.ByteThreshold {
			break
		}
		out.add(next)
		b.queue = b.queue[1:]
		b.queueBytes -= next.size
	}
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.inflight = true
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pubsub: publish task panic: %v", r)
				for _, pp := range out.entries {
					pp.resolve("", err)
				}
			}
			b.completion <- err
		}()
		err = out.flush(b.ctx, b.svc, b.topic, b.policy, b.hooks)
	}()
}

// drain sends queued messages one batch at a time, waiting for each to
// complete, until nothing is pending. A failure mid-drain pauses the key and
// rejects the remainder, which also empties the queue.
func (b *sequentialBatcher) drain() {
	for {
		if b.inflight {
			b.complete(<-b.completion)
			continue
		}
		if b.paused || len(b.queue) == 0 {
			return
		}
		b.sendNext()
	}
}
