package pubsub

import (
	"context"
	"time"
)

// leaseManager is the background loop tracking every delivered-but-unsettled
// message. It extends aging leases on a timer, acknowledges on ack, releases
// on nack, and releases everything outstanding when the session goes away.
type leaseManager struct {
	svc          Service
	subscription string
	policy       RetryPolicy
	settings     receiveSettings
	hooks        Hooks
	logger       Logger

	adds    chan string
	results chan ackResult
	stopped chan struct{}
}

func newLeaseManager(svc Service, subscription string, policy RetryPolicy, settings receiveSettings, hooks Hooks, logger Logger) *leaseManager {
	return &leaseManager{
		svc:          svc,
		subscription: subscription,
		policy:       policy,
		settings:     settings,
		hooks:        hooks,
		logger:       logger,
		adds:         make(chan string, settings.MaxOutstandingMessages),
		results:      make(chan ackResult, settings.MaxOutstandingMessages),
		stopped:      make(chan struct{}),
	}
}

// track registers a newly delivered ack ID. Called by the session task only.
func (lm *leaseManager) track(ackID string) {
	lm.adds <- ackID
}

func (lm *leaseManager) run(ctx context.Context) {
	defer close(lm.stopped)
	leases := make(map[string]time.Time)
	ticker := time.NewTicker(lm.settings.LeaseTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lm.shutdown(leases)
			return
		case id := <-lm.adds:
			leases[id] = time.Now()
		case r := <-lm.results:
			if _, held := leases[r.ackID]; !held {
				continue
			}
			delete(leases, r.ackID)
			if r.ack {
				lm.acknowledge(ctx, r.ackID)
			} else {
				lm.release(ctx, r.ackID)
			}
		case <-ticker.C:
			lm.extendDue(ctx, leases)
		}
	}
}

func (lm *leaseManager) acknowledge(ctx context.Context, ackID string) {
	err := call(ctx, lm.policy, func(ctx context.Context) error {
		return lm.svc.Acknowledge(ctx, lm.subscription, []string{ackID})
	})
	if err != nil {
		lm.logger.Warn(ctx, "acknowledge failed", "subscription", lm.subscription, "err", err)
		return
	}
	if lm.hooks.OnAck != nil {
		lm.hooks.OnAck(ctx, lm.subscription, ackID)
	}
}

func (lm *leaseManager) release(ctx context.Context, ackID string) {
	err := call(ctx, lm.policy, func(ctx context.Context) error {
		return lm.svc.ModifyAckDeadline(ctx, lm.subscription, []string{ackID}, 0)
	})
	if err != nil {
		lm.logger.Warn(ctx, "nack failed", "subscription", lm.subscription, "err", err)
		return
	}
	if lm.hooks.OnNack != nil {
		lm.hooks.OnNack(ctx, lm.subscription, ackID)
	}
}

// extendDue renews every lease older than the grace period in one RPC.
func (lm *leaseManager) extendDue(ctx context.Context, leases map[string]time.Time) {
	now := time.Now()
	var due []string
	for id, taken := range leases {
		if now.Sub(taken) >= lm.settings.GracePeriod {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return
	}
	err := call(ctx, lm.policy, func(ctx context.Context) error {
		return lm.svc.ModifyAckDeadline(ctx, lm.subscription, due, lm.settings.AckDeadline)
	})
	if err != nil {
		lm.logger.Warn(ctx, "lease extension failed", "subscription", lm.subscription, "count", len(due), "err", err)
		return
	}
	for _, id := range due {
		leases[id] = now
	}
	if lm.hooks.OnLeaseExtend != nil {
		lm.hooks.OnLeaseExtend(ctx, lm.subscription, len(due))
	}
}

// shutdown settles what the loop never got to see and nacks the rest. The
// input channels are buffered: a delivery tracked while the loop sat in a
// settle or extend RPC is still a held lease and must not be dropped. Adds
// drain before results, since a settle only ever follows its own add. The
// session context is already gone, so the RPCs run under a fresh deadline.
func (lm *leaseManager) shutdown(leases map[string]time.Time) {
	for {
		select {
		case id := <-lm.adds:
			leases[id] = time.Now()
			continue
		default:
		}
		break
	}
	var acked []string
	for {
		select {
		case r := <-lm.results:
			if _, held := leases[r.ackID]; held && r.ack {
				delete(leases, r.ackID)
				acked = append(acked, r.ackID)
			}
			// Buffered nacks stay in the map; the release below covers
			// them.
			continue
		default:
		}
		break
	}
	if len(acked) == 0 && len(leases) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if len(acked) > 0 {
		err := call(ctx, lm.policy, func(ctx context.Context) error {
			return lm.svc.Acknowledge(ctx, lm.subscription, acked)
		})
		if err != nil {
			lm.logger.Warn(ctx, "acknowledge on shutdown failed", "subscription", lm.subscription, "count", len(acked), "err", err)
		}
	}
	lm.releaseAll(ctx, leases)
}

// releaseAll nacks every outstanding lease so abandoned messages redeliver
// promptly instead of waiting out their last granted deadline.
func (lm *leaseManager) releaseAll(ctx context.Context, leases map[string]time.Time) {
	if len(leases) == 0 {
		return
	}
	ids := make([]string, 0, len(leases))
	for id := range leases {
		ids = append(ids, id)
	}
	err := call(ctx, lm.policy, func(ctx context.Context) error {
		return lm.svc.ModifyAckDeadline(ctx, lm.subscription, ids, 0)
	})
	if err != nil {
		lm.logger.Warn(ctx, "releasing outstanding leases failed", "subscription", lm.subscription, "count", len(ids), "err", err)
	}
}
