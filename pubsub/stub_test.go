package pubsub

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// fakeService records every call and serves scripted results. Zero value
// behavior: publishes succeed with sequential IDs, stream opens succeed with
// a fakeStream the test feeds.
type fakeService struct {
	mu sync.Mutex

	// gate, when non-nil, is received from at the start of every Publish
	// call, letting tests hold batches in flight.
	gate chan struct{}
	// ackGate, when non-nil, is received from at the start of every
	// Acknowledge call, letting tests hold the lease loop inside a settle.
	ackGate chan struct{}
	// publishFn, when non-nil, overrides the result of a Publish call.
	// call is zero-based.
	publishFn func(call int, msgs []*Message) ([]string, error)

	publishes [][]*Message
	acks      [][]string
	ackStarts int
	modacks   []modackCall

	openErrs []error
	pullReqs []*PullRequest
	streams  []*fakeStream

	idSeq  int
	closed bool
}

type modackCall struct {
	ids      []string
	deadline time.Duration
}

func newFakeService() *fakeService {
	return &fakeService{}
}

func (f *fakeService) Publish(ctx context.Context, topic string, msgs []*Message) ([]string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.publishes)
	f.publishes = append(f.publishes, msgs)
	if f.publishFn != nil {
		return f.publishFn(call, msgs)
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		f.idSeq++
		ids[i] = fmt.Sprintf("id-%d", f.idSeq)
	}
	return ids, nil
}

func (f *fakeService) StreamingPull(ctx context.Context, req *PullRequest) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullReqs = append(f.pullReqs, req)
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return nil, err
	}
	st := &fakeStream{ctx: ctx, ch: make(chan recvResult, 16)}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeService) Acknowledge(ctx context.Context, _ string, ackIDs []string) error {
	f.mu.Lock()
	f.ackStarts++
	f.mu.Unlock()
	if f.ackGate != nil {
		select {
		case <-f.ackGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackIDs)
	return nil
}

func (f *fakeService) ModifyAckDeadline(_ context.Context, _ string, ackIDs []string, deadline time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modacks = append(f.modacks, modackCall{ids: append([]string(nil), ackIDs...), deadline: deadline})
	return nil
}

func (f *fakeService) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeService) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.publishes)
}

// publishedData flattens every published message's payload in call order.
func (f *fakeService) publishedData() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.publishes {
		for _, m := range batch {
			out = append(out, string(m.Data))
		}
	}
	return out
}

func (f *fakeService) ackStartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ackStarts
}

func (f *fakeService) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ids := range f.acks {
		out = append(out, ids...)
	}
	return out
}

// modacksWith returns recorded ModifyAckDeadline calls matching the filter.
func (f *fakeService) modacksWith(filter func(modackCall) bool) []modackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []modackCall
	for _, m := range f.modacks {
		if filter(m) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeService) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

type recvResult struct {
	resp *PullResponse
	err  error
}

type fakeStream struct {
	ctx context.Context
	ch  chan recvResult

	mu     sync.Mutex
	sent   []*PullRequest
	closed bool
}

// feed queues one response for Recv. end makes the next Recv return io.EOF.
func (st *fakeStream) feed(resp *PullResponse) { st.ch <- recvResult{resp: resp} }

func (st *fakeStream) fail(err error) { st.ch <- recvResult{err: err} }

func (st *fakeStream) end() { close(st.ch) }

func (st *fakeStream) Recv() (*PullResponse, error) {
	select {
	case <-st.ctx.Done():
		return nil, st.ctx.Err()
	case r, ok := <-st.ch:
		if !ok {
			return nil, io.EOF
		}
		return r.resp, r.err
	}
}

func (st *fakeStream) Send(req *PullRequest) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sent = append(st.sent, req)
	return nil
}

func (st *fakeStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

func (st *fakeStream) sentCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sent)
}

func items(pairs ...PullItem) *PullResponse { return &PullResponse{Items: pairs} }

func item(ackID, data string) PullItem {
	return PullItem{AckID: ackID, Message: &Message{ID: "msg-" + ackID, Data: []byte(data)}}
}
