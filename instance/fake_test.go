// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqpush/assignment"
	"github.com/absmach/mqpush/protocol"
	"github.com/absmach/mqpush/route"
)

var errDown = errors.New("broker down")

type call struct {
	target string
	topic  string
}

type fakeRPC struct {
	mu sync.Mutex

	routes   map[string]*route.TopicRouteData
	routeErr error
	popErr   error

	routeCalls []call
	popCalls   []call
	acks       []string
	nacks      []string
	heartbeats map[string][]*protocol.HeartbeatData
	creds      []protocol.Credentials // credentials of every call, zero when absent
}

// record keeps the credentials carried by ctx. Callers hold f.mu.
func (f *fakeRPC) record(ctx context.Context) {
	c, _ := protocol.CredentialsFromContext(ctx)
	f.creds = append(f.creds, c)
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		routes:     make(map[string]*route.TopicRouteData),
		heartbeats: make(map[string][]*protocol.HeartbeatData),
	}
}

func (f *fakeRPC) addRoute(topic string, masters ...string) {
	r := &route.TopicRouteData{Topic: topic}
	for i, addr := range masters {
		r.Brokers = append(r.Brokers, route.BrokerData{
			BrokerName: "b" + string(rune('0'+i)),
			Addrs:      map[int64]string{route.MasterBrokerID: addr, 1: "slave-" + addr},
		})
	}
	f.mu.Lock()
	f.routes[topic] = r
	f.mu.Unlock()
}

func (f *fakeRPC) setRouteErr(err error) {
	f.mu.Lock()
	f.routeErr = err
	f.mu.Unlock()
}

func (f *fakeRPC) routeCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routeCalls)
}

func (f *fakeRPC) heartbeatTargets() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for target, hbs := range f.heartbeats {
		out[target] = len(hbs)
	}
	return out
}

func (f *fakeRPC) QueryRoute(ctx context.Context, endpoint, topic string) (*route.TopicRouteData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.routeCalls = append(f.routeCalls, call{target: endpoint, topic: topic})
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	r, ok := f.routes[topic]
	if !ok {
		return &route.TopicRouteData{Topic: topic}, nil
	}
	return r.Clone(), nil
}

func (f *fakeRPC) QueryAssignment(ctx context.Context, _ string, _ *protocol.QueryAssignmentRequest) (assignment.TopicAssignmentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	return assignment.TopicAssignmentInfo{}, nil
}

func (f *fakeRPC) Pop(ctx context.Context, target string, req *protocol.PopRequest) (*protocol.PopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.popCalls = append(f.popCalls, call{target: target, topic: req.Queue.Topic})
	if f.popErr != nil {
		return nil, f.popErr
	}
	return &protocol.PopResult{Status: protocol.PopNoNewMessage, PopTime: time.Now()}, nil
}

func (f *fakeRPC) Ack(ctx context.Context, target string, _ *protocol.AckRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.acks = append(f.acks, target)
	return nil
}

func (f *fakeRPC) ChangeInvisibleDuration(ctx context.Context, target string, _ *protocol.ChangeInvisibleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.nacks = append(f.nacks, target)
	return nil
}

func (f *fakeRPC) Heartbeat(ctx context.Context, target string, data *protocol.HeartbeatData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.heartbeats[target] = append(f.heartbeats[target], data)
	return nil
}

type fakeObserver struct {
	group string
	scans atomic.Int32
	stats atomic.Int32
}

func (o *fakeObserver) ScanAssignments() { o.scans.Add(1) }

func (o *fakeObserver) LogStats() { o.stats.Add(1) }

func (o *fakeObserver) PrepareHeartbeatData() protocol.ConsumeData {
	return protocol.ConsumeData{GroupName: o.group}
}

func testOptions() *Options {
	return NewOptions().
		SetEndpoints("ns1:9876", "ns2:9876").
		SetInstanceName("test").
		SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		SetIntervals(time.Hour, time.Hour, time.Hour, time.Hour)
}
