package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	c := newTestClient(t, svc)
	sess := startSession(t, c,
		WithAckDeadline(time.Second),
		WithGracePeriod(60*time.Millisecond),
		WithLeaseTick(15*time.Millisecond),
	)

	var fed []PullItem
	for i := 1; i <= 30; i++ {
		fed = append(fed, item(fmt.Sprintf("a%d", i), fmt.Sprintf("payload-%d", i)))
	}
	feedWhenOpen(t, svc, 0, items(fed...))

	var received []*ReceivedMessage
	for i := 0; i < 30; i++ {
		m, err := sess.Next(ctx)
		require.NoError(t, err)
		received = append(received, m)
	}

	// Settle the first two thirds, hold the rest.
	var acked, nacked, held []string
	for i, m := range received {
		switch {
		case i < 10:
			m.Ack()
			acked = append(acked, m.Handler.ackID)
		case i < 20:
			m.Nack()
			nacked = append(nacked, m.Handler.ackID)
		default:
			held = append(held, m.Handler.ackID)
		}
	}

	assert.Eventually(t, func() bool {
		return len(svc.ackedIDs()) == len(acked)
	}, time.Second, time.Millisecond)
	assert.ElementsMatch(t, acked, svc.ackedIDs())

	assert.Eventually(t, func() bool {
		var ids []string
		for _, m := range svc.modacksWith(func(m modackCall) bool { return m.deadline == 0 }) {
			ids = append(ids, m.ids...)
		}
		return len(ids) == len(nacked)
	}, time.Second, time.Millisecond)

	// Only the held leases age past the grace period; every extension renews
	// exactly those, at the full deadline.
	assert.Eventually(t, func() bool {
		return len(svc.modacksWith(func(m modackCall) bool { return m.deadline > 0 })) >= 1
	}, time.Second, time.Millisecond)
	for _, ext := range svc.modacksWith(func(m modackCall) bool { return m.deadline > 0 }) {
		assert.ElementsMatch(t, held, ext.ids)
		assert.Equal(t, time.Second, ext.deadline)
	}

	require.NoError(t, sess.Close())

	// Closing released the held leases in one final batch.
	released := svc.modacksWith(func(m modackCall) bool { return m.deadline == 0 })
	require.NotEmpty(t, released)
	assert.ElementsMatch(t, held, released[len(released)-1].ids)
}

func TestLeaseExtensionRepeats(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	c := newTestClient(t, svc)
	sess := startSession(t, c,
		WithAckDeadline(time.Second),
		WithGracePeriod(20*time.Millisecond),
		WithLeaseTick(5*time.Millisecond),
	)
	defer sess.Close()

	feedWhenOpen(t, svc, 0, items(item("a1", "one")))
	m, err := sess.Next(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(svc.modacksWith(func(m modackCall) bool { return m.deadline > 0 })) >= 2
	}, time.Second, time.Millisecond, "an unsettled lease must be renewed again and again")

	// Once settled, renewal stops.
	m.Ack()
	assert.Eventually(t, func() bool {
		return len(svc.ackedIDs()) == 1
	}, time.Second, time.Millisecond)
	quiet := len(svc.modacksWith(func(m modackCall) bool { return m.deadline > 0 }))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, quiet, len(svc.modacksWith(func(m modackCall) bool { return m.deadline > 0 })))
}

func TestCloseNacksLeasesBufferedBehindSettle(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.ackGate = make(chan struct{})
	c := newTestClient(t, svc)
	sess := startSession(t, c)

	feedWhenOpen(t, svc, 0, items(item("a1", "one")))
	first, err := sess.Next(ctx)
	require.NoError(t, err)
	first.Ack()
	// The lease loop is now stuck inside the Acknowledge RPC; anything
	// tracked from here on only reaches its input buffer.
	require.Eventually(t, func() bool {
		return svc.ackStartCount() == 1
	}, time.Second, time.Millisecond)

	svc.stream(0).feed(items(item("a2", "two")))
	_, err = sess.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.Close())

	released := svc.modacksWith(func(m modackCall) bool { return m.deadline == 0 })
	require.Len(t, released, 1)
	assert.Equal(t, []string{"a2"}, released[0].ids,
		"a lease the loop never saw must still be released on close")
}

func TestCloseHonorsAcksBufferedBehindExtend(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	svc.ackGate = make(chan struct{})
	c := newTestClient(t, svc)
	sess := startSession(t, c)

	feedWhenOpen(t, svc, 0, items(item("a1", "one"), item("a2", "two")))
	first, err := sess.Next(ctx)
	require.NoError(t, err)
	second, err := sess.Next(ctx)
	require.NoError(t, err)

	first.Ack()
	require.Eventually(t, func() bool {
		return svc.ackStartCount() == 1
	}, time.Second, time.Millisecond)
	// This settle only reaches the results buffer before close.
	second.Ack()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Close()
	}()
	// Shutdown retries the buffered ack as its own RPC; let that one through.
	require.Eventually(t, func() bool {
		return svc.ackStartCount() == 2
	}, time.Second, time.Millisecond)
	close(svc.ackGate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not finish")
	}

	assert.Contains(t, svc.ackedIDs(), "a2", "an ack racing the teardown must not turn into a nack")
	assert.Empty(t, svc.modacksWith(func(m modackCall) bool { return m.deadline == 0 }))
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	c := newTestClient(t, svc)
	sess := startSession(t, c)
	defer sess.Close()

	feedWhenOpen(t, svc, 0, items(item("a1", "one")))
	m, err := sess.Next(ctx)
	require.NoError(t, err)

	m.Ack()
	m.Ack()
	m.Nack()

	assert.Eventually(t, func() bool {
		return len(svc.ackedIDs()) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, svc.modacksWith(func(m modackCall) bool { return m.deadline == 0 }),
		"a message settled once must never settle again")
}
