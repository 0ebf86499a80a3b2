package pubsub

import (
	"context"
	"time"
)

// Logger is the minimal logging surface the engine needs. util.NewZapLogger
// provides a zap-backed implementation.
type Logger interface {
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, msg string, kv ...any)
}

// Hooks are optional callbacks fired at engine milestones. Nil fields are
// skipped. Callbacks run on engine goroutines and must return quickly.
type Hooks struct {
	OnPublish     func(ctx context.Context, topic string, count int)
	OnPublishFail func(ctx context.Context, topic string, count int, err error)
	OnFlush       func(ctx context.Context, topic string)
	OnReceive     func(ctx context.Context, subscription, messageID string)
	OnAck         func(ctx context.Context, subscription, ackID string)
	OnNack        func(ctx context.Context, subscription, ackID string)
	OnLeaseExtend func(ctx context.Context, subscription string, count int)
	OnStreamRetry func(ctx context.Context, subscription string, err error, delay time.Duration)
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
