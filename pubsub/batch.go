package pubsub

import (
	"context"
	"fmt"
)

// batch is an ordered accumulation of pending publishes. Once handed to
// flush it must not be touched again.
type batch struct {
	entries []*pendingPublish
	bytes   int
}

func (b *batch) add(pp *pendingPublish) {
	b.entries = append(b.entries, pp)
	b.bytes += pp.size
}

func (b *batch) count() int { return len(b.entries) }

func (b *batch) size() int { return b.bytes }

func (b *batch) empty() bool { return len(b.entries) == 0 }

// flush makes exactly one publish attempt chain through the retry policy and
// resolves every entry: IDs positionally on success, the same error for all
// on failure. The returned error mirrors what the entries were resolved with.
func (b *batch) flush(ctx context.Context, svc Service, topic string, policy RetryPolicy, hooks Hooks) error {
	msgs := make([]*Message, len(b.entries))
	for i, pp := range b.entries {
		msgs[i] = pp.msg
	}
	var ids []string
	err := call(ctx, policy, func(ctx context.Context) error {
		var attemptErr error
		ids, attemptErr = svc.Publish(ctx, topic, msgs)
		return attemptErr
	})
	if err == nil && len(ids) != len(b.entries) {
		err = fmt.Errorf("pubsub: publish returned %d ids for %d messages", len(ids), len(b.entries))
	}
	if err != nil {
		for _, pp := range b.entries {
			pp.resolve("", err)
		}
		if hooks.OnPublishFail != nil {
			hooks.OnPublishFail(ctx, topic, len(b.entries), err)
		}
		return err
	}
	for i, pp := range b.entries {
		pp.resolve(ids[i], nil)
	}
	if hooks.OnPublish != nil {
		hooks.OnPublish(ctx, topic, len(b.entries))
	}
	return nil
}
