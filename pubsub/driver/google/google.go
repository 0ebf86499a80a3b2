// Package google implements pubsub.Service over the Google Cloud Pub/Sub
// v1 API using the raw apiv1 clients. Batching, ordering and lease
// bookkeeping stay in the engine; this driver only maps requests.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	apiv1 "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/samber/lo"
	"google.golang.org/api/option"

	"github.com/meridianlabs/go-messaging/pubsub"
)

type Config struct {
	// CredentialsJSON, Endpoint and UserAgent configure freshly-built
	// clients. Leave them empty to use ambient credentials.
	CredentialsJSON []byte
	Endpoint        string
	UserAgent       string

	// Publisher and Subscriber, when set, are used as-is and not closed by
	// the service.
	Publisher  *apiv1.PublisherClient
	Subscriber *apiv1.SubscriberClient
}

type service struct {
	pub  *apiv1.PublisherClient
	sub  *apiv1.SubscriberClient
	owns bool
}

// New builds a pubsub.Service. Topic and subscription names are the fully
// qualified resource names (projects/<p>/topics/<t>).
func New(ctx context.Context, cfg Config) (pubsub.Service, error) {
	if (cfg.Publisher == nil) != (cfg.Subscriber == nil) {
		return nil, errors.New("googlepubsub: provide both clients or neither")
	}
	if cfg.Publisher != nil {
		return &service{pub: cfg.Publisher, sub: cfg.Subscriber}, nil
	}
	opts := make([]option.ClientOption, 0, 3)
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(cfg.UserAgent))
	}
	pub, err := apiv1.NewPublisherClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("googlepubsub: create publisher client: %w", err)
	}
	sub, err := apiv1.NewSubscriberClient(ctx, opts...)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("googlepubsub: create subscriber client: %w", err)
	}
	return &service{pub: pub, sub: sub, owns: true}, nil
}

func (s *service) Publish(ctx context.Context, topic string, msgs []*pubsub.Message) ([]string, error) {
	req := &pubsubpb.PublishRequest{
		Topic: topic,
		Messages: lo.Map(msgs, func(m *pubsub.Message, _ int) *pubsubpb.PubsubMessage {
			return &pubsubpb.PubsubMessage{
				Data:        m.Data,
				Attributes:  m.Attributes,
				OrderingKey: m.OrderingKey,
			}
		}),
	}
	resp, err := s.pub.Publish(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.GetMessageIds(), nil
}

func (s *service) StreamingPull(ctx context.Context, req *pubsub.PullRequest) (pubsub.Stream, error) {
	raw, err := s.sub.StreamingPull(ctx)
	if err != nil {
		return nil, err
	}
	if err := raw.Send(toPullRequest(req)); err != nil {
		return nil, err
	}
	return &stream{raw: raw}, nil
}

func (s *service) Acknowledge(ctx context.Context, subscription string, ackIDs []string) error {
	return s.sub.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: subscription,
		AckIds:       ackIDs,
	})
}

func (s *service) ModifyAckDeadline(ctx context.Context, subscription string, ackIDs []string, deadline time.Duration) error {
	return s.sub.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       subscription,
		AckIds:             ackIDs,
		AckDeadlineSeconds: int32(deadline / time.Second),
	})
}

func (s *service) Close(context.Context) error {
	if !s.owns {
		return nil
	}
	pubErr := s.pub.Close()
	subErr := s.sub.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

type stream struct {
	raw pubsubpb.Subscriber_StreamingPullClient
}

func (st *stream) Send(req *pubsub.PullRequest) error {
	return st.raw.Send(toPullRequest(req))
}

func (st *stream) Recv() (*pubsub.PullResponse, error) {
	resp, err := st.raw.Recv()
	if err != nil {
		return nil, err
	}
	return &pubsub.PullResponse{
		Items: lo.Map(resp.GetReceivedMessages(), func(rm *pubsubpb.ReceivedMessage, _ int) pubsub.PullItem {
			return pubsub.PullItem{AckID: rm.GetAckId(), Message: toMessage(rm.GetMessage())}
		}),
	}, nil
}

func (st *stream) Close() error {
	return st.raw.CloseSend()
}

func toPullRequest(req *pubsub.PullRequest) *pubsubpb.StreamingPullRequest {
	return &pubsubpb.StreamingPullRequest{
		Subscription:             req.Subscription,
		StreamAckDeadlineSeconds: int32(req.AckDeadline / time.Second),
		MaxOutstandingMessages:   int64(req.MaxOutstandingMessages),
		MaxOutstandingBytes:      req.MaxOutstandingBytes,
		ClientId:                 req.ClientID,
	}
}

func toMessage(m *pubsubpb.PubsubMessage) *pubsub.Message {
	if m == nil {
		return nil
	}
	msg := &pubsub.Message{
		ID:          m.GetMessageId(),
		Data:        m.GetData(),
		Attributes:  m.GetAttributes(),
		OrderingKey: m.GetOrderingKey(),
	}
	if ts := m.GetPublishTime(); ts != nil {
		msg.PublishTime = ts.AsTime()
	}
	return msg
}
