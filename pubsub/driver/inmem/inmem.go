// Package inmem implements pubsub.Service against an in-process broker. It
// exists for tests and examples: messages live in memory, ack IDs are
// sequential, and a zero-deadline ModifyAckDeadline requeues immediately.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meridianlabs/go-messaging/pubsub"
)

type Service struct {
	mu     sync.Mutex
	topics map[string][]*subscriptionState
	subs   map[string]*subscriptionState
	seq    int

	closed bool
}

type subscriptionState struct {
	name  string
	queue []*delivery
	// outstanding maps ack ID -> delivery for everything leased out.
	outstanding map[string]*delivery
	wake        chan struct{}
}

type delivery struct {
	msg   *pubsub.Message
	ackID string
}

func New() *Service {
	return &Service{
		topics: map[string][]*subscriptionState{},
		subs:   map[string]*subscriptionState{},
	}
}

// CreateSubscription binds a subscription name to a topic. Messages
// published to the topic afterwards are fanned out to it.
func (s *Service) CreateSubscription(subscription, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[subscription]; exists {
		return fmt.Errorf("inmem: subscription %q exists", subscription)
	}
	state := &subscriptionState{
		name:        subscription,
		outstanding: map[string]*delivery{},
		wake:        make(chan struct{}, 1),
	}
	s.subs[subscription] = state
	s.topics[topic] = append(s.topics[topic], state)
	return nil
}

func (s *Service) Publish(_ context.Context, topic string, msgs []*pubsub.Message) ([]string, error) {
	if topic == "" {
		return nil, errors.New("inmem: topic required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("inmem: service closed")
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		s.seq++
		id := fmt.Sprintf("m%d", s.seq)
		ids[i] = id
		stored := &pubsub.Message{
			ID:          id,
			Data:        append([]byte(nil), m.Data...),
			Attributes:  m.Attributes,
			OrderingKey: m.OrderingKey,
			PublishTime: time.Now(),
		}
		for _, sub := range s.topics[topic] {
			s.seq++
			sub.queue = append(sub.queue, &delivery{
				msg:   stored,
				ackID: fmt.Sprintf("a%d", s.seq),
			})
			sub.signal()
		}
	}
	return ids, nil
}

func (s *Service) StreamingPull(ctx context.Context, req *pubsub.PullRequest) (pubsub.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("inmem: service closed")
	}
	state, ok := s.subs[req.Subscription]
	if !ok {
		return nil, fmt.Errorf("inmem: unknown subscription %q", req.Subscription)
	}
	return &stream{svc: s, state: state, ctx: ctx}, nil
}

func (s *Service) Acknowledge(_ context.Context, subscription string, ackIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subs[subscription]
	if !ok {
		return fmt.Errorf("inmem: unknown subscription %q", subscription)
	}
	for _, id := range ackIDs {
		delete(state.outstanding, id)
	}
	return nil
}

func (s *Service) ModifyAckDeadline(_ context.Context, subscription string, ackIDs []string, deadline time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subs[subscription]
	if !ok {
		return fmt.Errorf("inmem: unknown subscription %q", subscription)
	}
	if deadline > 0 {
		// Extension: everything stays leased. Real deadlines are not
		// simulated.
		return nil
	}
	for _, id := range ackIDs {
		if d, held := state.outstanding[id]; held {
			delete(state.outstanding, id)
			state.queue = append(state.queue, d)
		}
	}
	state.signal()
	return nil
}

func (s *Service) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, state := range s.subs {
		state.signal()
	}
	return nil
}

func (st *subscriptionState) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

type stream struct {
	svc   *Service
	state *subscriptionState
	ctx   context.Context
}

// Recv hands out everything queued, or blocks until a publish, a requeue or
// stream teardown.
func (st *stream) Recv() (*pubsub.PullResponse, error) {
	for {
		st.svc.mu.Lock()
		if st.svc.closed {
			st.svc.mu.Unlock()
			return nil, errors.New("inmem: service closed")
		}
		if n := len(st.state.queue); n > 0 {
			items := make([]pubsub.PullItem, n)
			for i, d := range st.state.queue {
				st.state.outstanding[d.ackID] = d
				items[i] = pubsub.PullItem{AckID: d.ackID, Message: d.msg}
			}
			st.state.queue = nil
			st.svc.mu.Unlock()
			return &pubsub.PullResponse{Items: items}, nil
		}
		st.svc.mu.Unlock()
		select {
		case <-st.ctx.Done():
			return nil, st.ctx.Err()
		case <-st.state.wake:
		}
	}
}

// Send accepts keepalive heartbeats and settings updates without effect.
func (st *stream) Send(*pubsub.PullRequest) error {
	select {
	case <-st.ctx.Done():
		return st.ctx.Err()
	default:
		return nil
	}
}

func (st *stream) Close() error { return nil }
