// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package instance provides the client instance shared by every consumer
// talking to the same set of endpoints. It owns the broker transport, the
// route cache and the background scheduler that drives assignment scans,
// heartbeats, statistics and route refreshes of registered consumers.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mqpush/assignment"
	mqotel "github.com/absmach/mqpush/otel"
	"github.com/absmach/mqpush/protocol"
	"github.com/absmach/mqpush/route"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"
)

// Instance errors.
var (
	ErrNoRoute      = errors.New("no route for topic")
	ErrUnknownQueue = errors.New("queue broker not found in route")
)

// Instance is a client instance. It is safe for concurrent use.
type Instance struct {
	id      string
	opts    Options
	rpc     RPC
	logger  *slog.Logger
	metrics *mqotel.Metrics

	consumers *xsync.Map[string, Observer]
	routes    *xsync.Map[string, *route.TopicRouteData]
	breakers  *xsync.Map[string, *gobreaker.CircuitBreaker]

	queryIndex    assignment.RoundRobin
	endpointIndex assignment.RoundRobin

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a client instance on top of the given transport.
func New(rpc RPC, opts *Options) (*Instance, error) {
	if rpc == nil {
		return nil, ErrNoRPC
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := newClientID(opts.InstanceName)
	return &Instance{
		id:        id,
		opts:      *opts,
		rpc:       rpc,
		logger:    logger.With(slog.String("client_id", id)),
		metrics:   opts.Metrics,
		consumers: xsync.NewMap[string, Observer](),
		routes:    xsync.NewMap[string, *route.TopicRouteData](),
		breakers:  xsync.NewMap[string, *gobreaker.CircuitBreaker](),
	}, nil
}

func newClientID(instanceName string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s@%s", host, instanceName, uuid.NewString())
}

// ClientID returns the identifier reported to brokers.
func (i *Instance) ClientID() string {
	return i.id
}

// RegisterConsumer adds a consumer under its group name. It returns false
// if the group is already registered.
func (i *Instance) RegisterConsumer(group string, o Observer) bool {
	if group == "" || o == nil {
		return false
	}
	_, loaded := i.consumers.LoadOrStore(group, o)
	if loaded {
		i.logger.Warn("consumer group already registered", slog.String("group", group))
		return false
	}
	i.logger.Info("consumer registered", slog.String("group", group))
	return true
}

// UnregisterConsumer removes the consumer registered under group.
func (i *Instance) UnregisterConsumer(group string) {
	if _, ok := i.consumers.LoadAndDelete(group); ok {
		i.logger.Info("consumer unregistered", slog.String("group", group))
	}
}

// Consumers returns the registered group names, sorted.
func (i *Instance) Consumers() []string {
	groups := make([]string, 0, i.consumers.Size())
	i.consumers.Range(func(group string, _ Observer) bool {
		groups = append(groups, group)
		return true
	})
	sort.Strings(groups)
	return groups
}

// Start starts the background scheduler. Starting a running instance is a no-op.
func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return nil
	}
	i.started = true
	i.stopCh = make(chan struct{})

	i.schedule("scan", i.opts.ScanInterval, true, i.scanAll)
	i.schedule("heartbeat", i.opts.HeartbeatInterval, false, i.sendHeartbeats)
	i.schedule("stats", i.opts.StatsInterval, false, i.logStats)
	i.schedule("route-refresh", i.opts.RouteRefreshInterval, false, i.refreshRoutes)

	i.logger.Info("client instance started",
		slog.Any("endpoints", i.opts.Endpoints),
		slog.Duration("scan_interval", i.opts.ScanInterval))
	return nil
}

// Shutdown stops the scheduler once no consumer is registered anymore.
// While consumers remain registered it returns nil and keeps running.
func (i *Instance) Shutdown() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.started {
		return nil
	}
	if n := i.consumers.Size(); n > 0 {
		i.logger.Debug("client instance still in use", slog.Int("consumers", n))
		return nil
	}

	close(i.stopCh)
	i.wg.Wait()
	i.started = false
	i.logger.Info("client instance stopped")
	return nil
}

// Running reports whether the scheduler is running.
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

func (i *Instance) schedule(name string, interval time.Duration, immediate bool, fn func()) {
	stopCh := i.stopCh
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()

		if immediate {
			i.safeRun(name, fn)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				i.safeRun(name, fn)
			}
		}
	}()
}

func (i *Instance) safeRun(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("scheduled task panicked",
				slog.String("task", name),
				slog.Any("panic", r))
		}
	}()
	fn()
}

func (i *Instance) scanAll() {
	i.consumers.Range(func(_ string, o Observer) bool {
		o.ScanAssignments()
		return true
	})
}

func (i *Instance) logStats() {
	i.consumers.Range(func(_ string, o Observer) bool {
		o.LogStats()
		return true
	})
}

// NextQueryBrokerIndex advances the counter shared by every assignment query.
func (i *Instance) NextQueryBrokerIndex() uint64 {
	return i.queryIndex.Next()
}

// TopicRoute returns the cached route of topic, querying an endpoint on a miss.
func (i *Instance) TopicRoute(ctx context.Context, topic string) (*route.TopicRouteData, error) {
	if r, ok := i.routes.Load(topic); ok {
		return r, nil
	}
	return i.updateRoute(ctx, topic)
}

func (i *Instance) updateRoute(ctx context.Context, topic string) (*route.TopicRouteData, error) {
	ctx = i.authorize(ctx)
	endpoint := i.opts.Endpoints[i.endpointIndex.Next()%uint64(len(i.opts.Endpoints))]

	r, err := execute(i, endpoint, func() (*route.TopicRouteData, error) {
		return i.rpc.QueryRoute(ctx, endpoint, topic)
	})
	if err != nil {
		return nil, fmt.Errorf("query route of %s from %s: %w", topic, endpoint, err)
	}
	if r == nil || len(r.Brokers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, topic)
	}

	i.routes.Store(topic, r.Clone())
	return r, nil
}

func (i *Instance) refreshRoutes() {
	var topics []string
	i.routes.Range(func(topic string, _ *route.TopicRouteData) bool {
		topics = append(topics, topic)
		return true
	})

	for _, topic := range topics {
		ctx, cancel := context.WithTimeout(context.Background(), i.opts.RequestTimeout)
		if _, err := i.updateRoute(ctx, topic); err != nil {
			// Keep serving the previous route.
			i.logger.Warn("failed to refresh topic route",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// QueryAssignment asks target for the assignment described by req.
func (i *Instance) QueryAssignment(ctx context.Context, target string, req *protocol.QueryAssignmentRequest) (assignment.TopicAssignmentInfo, error) {
	ctx = i.authorize(ctx)
	info, err := execute(i, target, func() (assignment.TopicAssignmentInfo, error) {
		return i.rpc.QueryAssignment(ctx, target, req)
	})
	if err != nil {
		return assignment.TopicAssignmentInfo{}, fmt.Errorf("query assignment of %s from %s: %w", req.Topic, target, err)
	}
	return info, nil
}

// Pop retrieves messages from the master broker hosting req.Queue.
func (i *Instance) Pop(ctx context.Context, req *protocol.PopRequest) (*protocol.PopResult, error) {
	target, err := i.brokerTarget(ctx, req.Queue.Topic, req.Queue.BrokerName)
	if err != nil {
		return nil, err
	}
	ctx = i.authorize(ctx)
	return execute(i, target, func() (*protocol.PopResult, error) {
		return i.rpc.Pop(ctx, target, req)
	})
}

// Ack acknowledges a delivery to the broker hosting req.Queue.
func (i *Instance) Ack(ctx context.Context, req *protocol.AckRequest) error {
	target, err := i.brokerTarget(ctx, req.Queue.Topic, req.Queue.BrokerName)
	if err != nil {
		return err
	}
	ctx = i.authorize(ctx)
	_, err = execute(i, target, func() (struct{}, error) {
		return struct{}{}, i.rpc.Ack(ctx, target, req)
	})
	return err
}

// ChangeInvisibleDuration postpones redelivery of a message.
func (i *Instance) ChangeInvisibleDuration(ctx context.Context, req *protocol.ChangeInvisibleRequest) error {
	target, err := i.brokerTarget(ctx, req.Queue.Topic, req.Queue.BrokerName)
	if err != nil {
		return err
	}
	ctx = i.authorize(ctx)
	_, err = execute(i, target, func() (struct{}, error) {
		return struct{}{}, i.rpc.ChangeInvisibleDuration(ctx, target, req)
	})
	return err
}

// authorize attaches the configured access credentials to ctx.
func (i *Instance) authorize(ctx context.Context) context.Context {
	if i.opts.Credentials.Empty() {
		return ctx
	}
	return protocol.WithCredentials(ctx, i.opts.Credentials)
}

func (i *Instance) brokerTarget(ctx context.Context, topic, brokerName string) (string, error) {
	r, err := i.TopicRoute(ctx, topic)
	if err != nil {
		return "", err
	}
	b, ok := r.Broker(brokerName)
	if !ok {
		return "", fmt.Errorf("%w: %s in route of %s", ErrUnknownQueue, brokerName, topic)
	}
	return b.MasterAddr()
}

// PrepareHeartbeat collects heartbeat data from every registered consumer.
func (i *Instance) PrepareHeartbeat() *protocol.HeartbeatData {
	data := &protocol.HeartbeatData{ClientID: i.id}
	i.consumers.Range(func(_ string, o Observer) bool {
		data.ConsumeDatas = append(data.ConsumeDatas, o.PrepareHeartbeatData())
		return true
	})
	sort.Slice(data.ConsumeDatas, func(a, b int) bool {
		return data.ConsumeDatas[a].GroupName < data.ConsumeDatas[b].GroupName
	})
	return data
}

// heartbeatTargets returns every known master broker address.
func (i *Instance) heartbeatTargets() []string {
	seen := make(map[string]struct{})
	i.routes.Range(func(_ string, r *route.TopicRouteData) bool {
		for _, addr := range r.MasterAddrs() {
			seen[addr] = struct{}{}
		}
		return true
	})

	targets := make([]string, 0, len(seen))
	for addr := range seen {
		targets = append(targets, addr)
	}
	sort.Strings(targets)
	return targets
}

func (i *Instance) sendHeartbeats() {
	if i.consumers.Size() == 0 {
		return
	}

	data := i.PrepareHeartbeat()
	for _, target := range i.heartbeatTargets() {
		ctx, cancel := context.WithTimeout(i.authorize(context.Background()), i.opts.RequestTimeout)
		_, err := execute(i, target, func() (struct{}, error) {
			return struct{}{}, i.rpc.Heartbeat(ctx, target, data)
		})
		cancel()

		i.metrics.RecordHeartbeat(target, err)
		if err != nil {
			i.logger.Warn("heartbeat failed",
				slog.String("target", target),
				slog.String("error", err.Error()))
			continue
		}
		i.logger.Debug("heartbeat sent", slog.String("target", target))
	}
}

func (i *Instance) breaker(target string) *gobreaker.CircuitBreaker {
	if cb, ok := i.breakers.Load(target); ok {
		return cb
	}

	threshold := i.opts.Breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     i.opts.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			i.logger.Warn("broker circuit breaker state changed",
				slog.String("target", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	actual, _ := i.breakers.LoadOrStore(target, cb)
	return actual
}

// execute runs fn through the circuit breaker of target.
func execute[T any](i *Instance, target string, fn func() (T, error)) (T, error) {
	if !i.opts.Breaker.Enabled {
		return fn()
	}

	res, err := i.breaker(target).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// IsBreakerOpen reports whether err was returned by an open or saturated breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (i *Instance) String() string {
	return fmt.Sprintf("Instance{id=%s, endpoints=%s}", i.id, strings.Join(i.opts.Endpoints, ";"))
}
