package pubsub

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meridianlabs/go-messaging/pubsub/internal/backoff"
)

// RetryPolicy bounds the attempts made for a single logical RPC. It is
// consulted once per attempt: retry after a backoff delay, or give up.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.Multiplier <= 0 {
		r.Multiplier = 2
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	return r
}

// transient reports whether err is worth another attempt. Anything that is
// not a recognized transient gRPC status is treated as permanent.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	}
	return false
}

// call runs fn once per attempt under policy, sleeping between transient
// failures. Permanent errors and exhausted attempts surface as-is.
func call(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	return callNotify(ctx, policy, nil, fn)
}

func callNotify(ctx context.Context, policy RetryPolicy, notify func(err error, delay time.Duration), fn func(context.Context) error) error {
	bo := backoff.New(backoff.Config{
		Initial:    policy.InitialBackoff,
		Max:        policy.MaxBackoff,
		Multiplier: policy.Multiplier,
		Jitter:     policy.Jitter,
	})
	var attempt int
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !transient(err) || attempt >= policy.MaxAttempts {
			return err
		}
		delay := bo.Next()
		if notify != nil {
			notify(err, delay)
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
}
