// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqpush/assignment"
	"github.com/absmach/mqpush/instance"
	"github.com/absmach/mqpush/message"
	"github.com/absmach/mqpush/protocol"
	"github.com/absmach/mqpush/route"
	"github.com/stretchr/testify/require"
)

var errTransport = errors.New("transport failure")

// fakeInstance is an in-process ClientInstance with scripted responses.
type fakeInstance struct {
	mu sync.Mutex

	routes      map[string]*route.TopicRouteData
	assignments map[string]assignment.TopicAssignmentInfo
	queryErr    map[string]error
	queryPanic  map[string]bool
	queries     []string // targets of assignment queries
	rr          assignment.RoundRobin

	registered     map[string]instance.Observer
	rejectRegister bool
	startErr       error
	starts         int
	shutdowns      int

	messages map[message.Queue][]*message.Message
	popErr   error
	popDelay time.Duration
	pops     map[message.Queue]int
	popReqs  []*protocol.PopRequest
	popping  map[message.Queue]int
	peak     map[message.Queue]int

	acks  []*protocol.AckRequest
	nacks []*protocol.ChangeInvisibleRequest
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{
		routes:      make(map[string]*route.TopicRouteData),
		assignments: make(map[string]assignment.TopicAssignmentInfo),
		queryErr:    make(map[string]error),
		queryPanic:  make(map[string]bool),
		registered:  make(map[string]instance.Observer),
		messages:    make(map[message.Queue][]*message.Message),
		pops:        make(map[message.Queue]int),
		popping:     make(map[message.Queue]int),
		peak:        make(map[message.Queue]int),
		popDelay:    5 * time.Millisecond,
	}
}

// withRoute registers a route of topic over brokers named b0..bn-1.
func (f *fakeInstance) withRoute(topic string, brokers int) *fakeInstance {
	r := &route.TopicRouteData{Topic: topic}
	for i := 0; i < brokers; i++ {
		name := brokerName(i)
		r.Brokers = append(r.Brokers, route.BrokerData{
			Cluster:    "c",
			BrokerName: name,
			Addrs:      map[int64]string{route.MasterBrokerID: "10.0.0." + string(rune('1'+i)) + ":10911"},
		})
	}
	f.mu.Lock()
	f.routes[topic] = r
	f.mu.Unlock()
	return f
}

func brokerName(i int) string {
	return "b" + string(rune('0'+i))
}

func (f *fakeInstance) setAssignment(topic string, queues ...message.Queue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments[topic] = assignment.FromQueues(queues...)
}

func (f *fakeInstance) push(q message.Queue, msgs ...*message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.Queue = q
		m.Topic = q.Topic
	}
	f.messages[q] = append(f.messages[q], msgs...)
}

func (f *fakeInstance) popCount(q message.Queue) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pops[q]
}

// peakPops returns the highest number of simultaneous pops seen per queue.
func (f *fakeInstance) peakPops() map[message.Queue]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[message.Queue]int, len(f.peak))
	for q, n := range f.peak {
		out[q] = n
	}
	return out
}

func (f *fakeInstance) ackIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.acks))
	for i, a := range f.acks {
		ids[i] = a.MessageID
	}
	return ids
}

func (f *fakeInstance) nackReqs() []*protocol.ChangeInvisibleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.ChangeInvisibleRequest(nil), f.nacks...)
}

func (f *fakeInstance) isRegistered(group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[group]
	return ok
}

func (f *fakeInstance) ClientID() string { return "test-client" }

func (f *fakeInstance) RegisterConsumer(group string, o instance.Observer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectRegister {
		return false
	}
	if _, ok := f.registered[group]; ok {
		return false
	}
	f.registered[group] = o
	return true
}

func (f *fakeInstance) UnregisterConsumer(group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, group)
}

func (f *fakeInstance) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeInstance) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeInstance) TopicRoute(_ context.Context, topic string) (*route.TopicRouteData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routes[topic]
	if !ok {
		return nil, errTransport
	}
	return r, nil
}

func (f *fakeInstance) NextQueryBrokerIndex() uint64 {
	return f.rr.Next()
}

func (f *fakeInstance) QueryAssignment(_ context.Context, target string, req *protocol.QueryAssignmentRequest) (assignment.TopicAssignmentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, target)
	if f.queryPanic[req.Topic] {
		panic("broken assignment decoder")
	}
	if err := f.queryErr[req.Topic]; err != nil {
		return assignment.TopicAssignmentInfo{}, err
	}
	return f.assignments[req.Topic], nil
}

func (f *fakeInstance) Pop(ctx context.Context, req *protocol.PopRequest) (*protocol.PopResult, error) {
	f.mu.Lock()
	f.pops[req.Queue]++
	f.popReqs = append(f.popReqs, req)
	f.popping[req.Queue]++
	if f.popping[req.Queue] > f.peak[req.Queue] {
		f.peak[req.Queue] = f.popping[req.Queue]
	}
	defer func() {
		f.mu.Lock()
		f.popping[req.Queue]--
		f.mu.Unlock()
	}()
	err := f.popErr
	pending := f.messages[req.Queue]
	n := len(pending)
	if n > req.MaxMessages {
		n = req.MaxMessages
	}
	batch := append([]*message.Message(nil), pending[:n]...)
	f.messages[req.Queue] = pending[n:]
	delay := f.popDelay
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		return &protocol.PopResult{Status: protocol.PopNoNewMessage, PopTime: time.Now()}, nil
	}
	return &protocol.PopResult{Status: protocol.PopFound, Messages: batch, PopTime: time.Now()}, nil
}

func (f *fakeInstance) Ack(_ context.Context, req *protocol.AckRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, req)
	return nil
}

func (f *fakeInstance) ChangeInvisibleDuration(_ context.Context, req *protocol.ChangeInvisibleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, req)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(fi ClientInstance) *Options {
	opts := NewOptions().
		SetGroup("G").
		SetInstance(fi).
		SetLogger(testLogger()).
		SetPollTime(0)
	opts.RequestTimeout = time.Second
	opts.PopRetryDelay = 10 * time.Millisecond
	opts.FlowControlDelay = 5 * time.Millisecond
	opts.SuspendInterval = 5 * time.Millisecond
	opts.ShutdownTimeout = 2 * time.Second
	return opts
}

func newTestConsumer(t *testing.T, fi ClientInstance, mutate func(*Options)) *PushConsumer {
	t.Helper()
	opts := testOptions(fi)
	if mutate != nil {
		mutate(opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

// startConcurrent starts c with l, or with an always-successful listener when l is nil.
func startConcurrent(t *testing.T, c *PushConsumer, l ConcurrentListener) {
	t.Helper()
	if l == nil {
		l = func(context.Context, []*message.Message) ConsumeStatus { return ConsumeSuccess }
	}
	require.NoError(t, c.RegisterConcurrentListener(l))
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		if c.State() == StateStarted {
			_ = c.Shutdown()
		}
	})
}

func newMessage(id, tag string) *message.Message {
	m := &message.Message{
		ID:            id,
		Body:          []byte("body-" + id),
		Properties:    map[string]string{},
		ReceiptHandle: "rh-" + id,
		DeliveryCount: 1,
	}
	if tag != "" {
		m.Properties[message.PropertyTags] = tag
	}
	return m
}
