package pubsub

import (
	"time"

	"github.com/google/uuid"
)

type Option func(*options)

type PublisherOption func(*publishSettings)

type PullOption func(*receiveSettings)

type options struct {
	logger   Logger
	hooks    Hooks
	retry    RetryPolicy
	publish  publishSettings
	receive  receiveSettings
	clientID string
}

// publishSettings bound the batching behavior of one publisher.
type publishSettings struct {
	// DelayThreshold bounds end-to-end latency: every known batch actor is
	// flushed on this period even under light traffic.
	DelayThreshold time.Duration
	// CountThreshold and ByteThreshold cap a single batch.
	CountThreshold int
	ByteThreshold  int
	// MaxOutstanding caps messages accepted but not yet resolved.
	MaxOutstanding int
}

// receiveSettings bound the leasing behavior of one pull session.
type receiveSettings struct {
	AckDeadline            time.Duration
	MaxOutstandingMessages int
	MaxOutstandingBytes    int64
	// GracePeriod is how long a lease may age before the next tick extends
	// it. It must stay below AckDeadline.
	GracePeriod time.Duration
	// LeaseTick is the period of the extension check.
	LeaseTick         time.Duration
	KeepaliveInterval time.Duration
}

func defaultOptions() options {
	return options{
		retry: RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
		publish: publishSettings{
			DelayThreshold: 50 * time.Millisecond,
			CountThreshold: 100,
			ByteThreshold:  1 << 20,
			MaxOutstanding: 10000,
		},
		receive: receiveSettings{
			AckDeadline:            20 * time.Second,
			MaxOutstandingMessages: 1000,
			MaxOutstandingBytes:    1 << 30,
			GracePeriod:            10 * time.Second,
			LeaseTick:              5 * time.Second,
			KeepaliveInterval:      30 * time.Second,
		},
		clientID: uuid.NewString(),
	}
}

func (s publishSettings) normalized(parent publishSettings) publishSettings {
	if s.DelayThreshold <= 0 {
		s.DelayThreshold = parent.DelayThreshold
	}
	if s.CountThreshold <= 0 {
		s.CountThreshold = parent.CountThreshold
	}
	if s.ByteThreshold <= 0 {
		s.ByteThreshold = parent.ByteThreshold
	}
	if s.MaxOutstanding <= 0 {
		s.MaxOutstanding = parent.MaxOutstanding
	}
	return s
}

func (s receiveSettings) normalized(parent receiveSettings) receiveSettings {
	if s.AckDeadline <= 0 {
		s.AckDeadline = parent.AckDeadline
	}
	if s.MaxOutstandingMessages <= 0 {
		s.MaxOutstandingMessages = parent.MaxOutstandingMessages
	}
	if s.MaxOutstandingBytes <= 0 {
		s.MaxOutstandingBytes = parent.MaxOutstandingBytes
	}
	if s.GracePeriod <= 0 || s.GracePeriod >= s.AckDeadline {
		s.GracePeriod = s.AckDeadline / 2
	}
	if s.LeaseTick <= 0 {
		s.LeaseTick = s.GracePeriod / 2
	}
	if s.KeepaliveInterval <= 0 {
		s.KeepaliveInterval = parent.KeepaliveInterval
	}
	return s
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retry = policy.normalized()
	}
}

// WithClientID overrides the generated process-stable identifier attached to
// every stream-open request.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

func WithDelayThreshold(d time.Duration) PublisherOption {
	return func(s *publishSettings) {
		if d > 0 {
			s.DelayThreshold = d
		}
	}
}

func WithCountThreshold(n int) PublisherOption {
	return func(s *publishSettings) {
		if n > 0 {
			s.CountThreshold = n
		}
	}
}

func WithByteThreshold(n int) PublisherOption {
	return func(s *publishSettings) {
		if n > 0 {
			s.ByteThreshold = n
		}
	}
}

func WithMaxOutstanding(n int) PublisherOption {
	return func(s *publishSettings) {
		if n > 0 {
			s.MaxOutstanding = n
		}
	}
}

func WithAckDeadline(d time.Duration) PullOption {
	return func(s *receiveSettings) {
		if d > 0 {
			s.AckDeadline = d
		}
	}
}

func WithMaxOutstandingMessages(n int) PullOption {
	return func(s *receiveSettings) {
		if n > 0 {
			s.MaxOutstandingMessages = n
		}
	}
}

func WithMaxOutstandingBytes(n int64) PullOption {
	return func(s *receiveSettings) {
		if n > 0 {
			s.MaxOutstandingBytes = n
		}
	}
}

func WithGracePeriod(d time.Duration) PullOption {
	return func(s *receiveSettings) {
		if d > 0 {
			s.GracePeriod = d
		}
	}
}

func WithLeaseTick(d time.Duration) PullOption {
	return func(s *receiveSettings) {
		if d > 0 {
			s.LeaseTick = d
		}
	}
}

func WithKeepaliveInterval(d time.Duration) PullOption {
	return func(s *receiveSettings) {
		if d > 0 {
			s.KeepaliveInterval = d
		}
	}
}
