// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements the push consumer runtime: lifecycle, assignment
// reconciliation, per-queue retrieval loops and dispatch of retrieved messages
// to a concurrent or orderly listener.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/absmach/mqpush/assignment"
	"github.com/absmach/mqpush/filter"
	"github.com/absmach/mqpush/instance"
	"github.com/absmach/mqpush/message"
	mqotel "github.com/absmach/mqpush/otel"
	"github.com/absmach/mqpush/protocol"
	"github.com/absmach/mqpush/route"
	"github.com/puzpuzpuz/xsync/v4"
)

// NamespaceSeparator joins a namespace and a resource name.
const NamespaceSeparator = "%"

// ClientInstance is the shared transport and scheduler a consumer registers with.
// *instance.Instance implements it.
type ClientInstance interface {
	ClientID() string
	RegisterConsumer(group string, o instance.Observer) bool
	UnregisterConsumer(group string)
	Start() error
	Shutdown() error

	TopicRoute(ctx context.Context, topic string) (*route.TopicRouteData, error)
	NextQueryBrokerIndex() uint64
	QueryAssignment(ctx context.Context, target string, req *protocol.QueryAssignmentRequest) (assignment.TopicAssignmentInfo, error)
	Pop(ctx context.Context, req *protocol.PopRequest) (*protocol.PopResult, error)
	Ack(ctx context.Context, req *protocol.AckRequest) error
	ChangeInvisibleDuration(ctx context.Context, req *protocol.ChangeInvisibleRequest) error
}

var _ ClientInstance = (*instance.Instance)(nil)

// PushConsumer delivers messages of subscribed topics to a registered listener.
// It is safe for concurrent use.
type PushConsumer struct {
	opts     Options
	instance ClientInstance
	logger   *slog.Logger
	metrics  *mqotel.Metrics
	state    *stateManager
	stats    *stats

	filters       *xsync.Map[string, *filter.Expression]
	assignments   *xsync.Map[string, assignment.TopicAssignmentInfo]
	processQueues *xsync.Map[message.Queue, *ProcessQueue]

	mu                 sync.RWMutex
	group              string
	concurrentListener ConcurrentListener
	orderlyListener    OrderlyListener
	service            ConsumeService
}

// New creates a push consumer in the CREATED state.
func New(opts *Options) (*PushConsumer, error) {
	if opts == nil {
		return nil, ErrNoInstance
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := opts.Metrics
	if metrics == nil {
		m, err := mqotel.NewMetrics()
		if err != nil {
			logger.Warn("consumer metrics disabled", slog.String("error", err.Error()))
		}
		metrics = m
	}

	return &PushConsumer{
		opts:          *opts,
		instance:      opts.Instance,
		logger:        logger,
		metrics:       metrics,
		state:         newStateManager(),
		stats:         &stats{},
		filters:       xsync.NewMap[string, *filter.Expression](),
		assignments:   xsync.NewMap[string, assignment.TopicAssignmentInfo](),
		processQueues: xsync.NewMap[message.Queue, *ProcessQueue](),
		group:         withNamespace(opts.Namespace, opts.Group),
	}, nil
}

func withNamespace(ns, name string) string {
	if ns == "" || strings.HasPrefix(name, ns+NamespaceSeparator) {
		return name
	}
	return ns + NamespaceSeparator + name
}

// Group returns the consumer group, including its namespace prefix.
func (c *PushConsumer) Group() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.group
}

// SetGroup changes the consumer group. It fails once the consumer has been started.
func (c *PushConsumer) SetGroup(group string) error {
	if group == "" {
		return ErrEmptyGroup
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.hasBeenStarted() {
		return fmt.Errorf("%w: group=%s, state=%s", ErrGroupChangeAfterStart, c.group, c.state.get())
	}
	c.group = withNamespace(c.opts.Namespace, group)
	return nil
}

// State returns the current lifecycle state.
func (c *PushConsumer) State() State {
	return c.state.get()
}

// HasBeenStarted reports whether the consumer has left CREATED.
func (c *PushConsumer) HasBeenStarted() bool {
	return c.state.hasBeenStarted()
}

// RegisterConcurrentListener sets the listener for unordered consumption.
func (c *PushConsumer) RegisterConcurrentListener(l ConcurrentListener) error {
	if l == nil {
		return ErrNilListener
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.hasBeenStarted() {
		return fmt.Errorf("%w: state=%s", ErrAlreadyStarted, c.state.get())
	}
	c.concurrentListener = l
	return nil
}

// RegisterOrderlyListener sets the listener for per-queue ordered consumption.
func (c *PushConsumer) RegisterOrderlyListener(l OrderlyListener) error {
	if l == nil {
		return ErrNilListener
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.hasBeenStarted() {
		return fmt.Errorf("%w: state=%s", ErrAlreadyStarted, c.state.get())
	}
	c.orderlyListener = l
	return nil
}

// Subscribe subscribes to topic with a tag expression. An existing subscription
// of the topic is replaced and takes effect at the next scan.
func (c *PushConsumer) Subscribe(topic, expr string) error {
	return c.subscribe(topic, expr, filter.KindTag)
}

// SubscribeSQL subscribes to topic with an SQL92 expression over message properties.
func (c *PushConsumer) SubscribeSQL(topic, expr string) error {
	return c.subscribe(topic, expr, filter.KindSQL92)
}

func (c *PushConsumer) subscribe(topic, expr string, kind filter.Kind) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	f, err := filter.NewWithKind(expr, kind)
	if err != nil {
		return err
	}

	f, _ = c.filters.Compute(topic, func(prev *filter.Expression, loaded bool) (*filter.Expression, xsync.ComputeOp) {
		if loaded {
			return f.Supersede(prev), xsync.UpdateOp
		}
		return f, xsync.UpdateOp
	})
	c.logger.Info("subscribed",
		slog.String("group", c.Group()),
		slog.String("topic", topic),
		slog.String("expression", f.Expression()),
		slog.String("kind", kind.String()))
	return nil
}

// Unsubscribe removes the subscription of topic. Its process queues are
// dropped at the next scan.
func (c *PushConsumer) Unsubscribe(topic string) {
	if _, ok := c.filters.LoadAndDelete(topic); ok {
		c.logger.Info("unsubscribed",
			slog.String("group", c.Group()),
			slog.String("topic", topic))
	}
}

// Subscriptions returns the current filter expression of every subscribed topic.
func (c *PushConsumer) Subscriptions() map[string]*filter.Expression {
	subs := make(map[string]*filter.Expression, c.filters.Size())
	c.filters.Range(func(topic string, f *filter.Expression) bool {
		subs[topic] = f
		return true
	})
	return subs
}

// Start moves the consumer from CREATED to STARTED. Configuration errors
// leave the state untouched.
func (c *PushConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	group := c.group
	svc, err := c.newConsumeService()
	if err != nil {
		return err
	}

	if !c.state.transition(StateCreated, StateStarting) {
		return fmt.Errorf("%w: group=%s, state=%s", ErrAlreadyStarted, group, c.state.get())
	}
	c.logger.Info("consumer starting", slog.String("group", group))

	svc.Start()
	c.service = svc

	if !c.instance.RegisterConsumer(group, c) {
		c.abortStart()
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, group)
	}

	if err := c.instance.Start(); err != nil {
		c.instance.UnregisterConsumer(group)
		c.abortStart()
		return fmt.Errorf("start client instance: %w", err)
	}

	if !c.state.transition(StateStarting, StateStarted) {
		return fmt.Errorf("%w: shut down while starting, state=%s", ErrInvalidState, c.state.get())
	}
	c.logger.Info("consumer started",
		slog.String("group", group),
		slog.String("client_id", c.instance.ClientID()),
		slog.Bool("orderly", svc.Orderly()))
	return nil
}

// abortStart winds a consumer that failed to start down to STOPPED.
func (c *PushConsumer) abortStart() {
	if !c.state.transition(StateStarting, StateStopping) {
		return
	}
	c.service.Shutdown()
	c.state.transition(StateStopping, StateStopped)
}

func (c *PushConsumer) newConsumeService() (ConsumeService, error) {
	switch {
	case c.concurrentListener != nil && c.orderlyListener != nil:
		return nil, ErrMultipleListeners
	case c.concurrentListener != nil:
		return newConcurrentService(c, c.concurrentListener), nil
	case c.orderlyListener != nil:
		return newOrderlyService(c, c.orderlyListener), nil
	default:
		return nil, ErrNoListener
	}
}

// Shutdown stops a STARTING or STARTED consumer. Every process queue is
// dropped and in-flight listener calls are awaited up to ShutdownTimeout.
func (c *PushConsumer) Shutdown() error {
	if !c.state.transitionFrom(StateStopping, StateStarting, StateStarted) {
		return fmt.Errorf("%w: cannot shut down in state %s", ErrInvalidState, c.state.get())
	}

	c.mu.RLock()
	group, svc := c.group, c.service
	c.mu.RUnlock()

	c.logger.Info("consumer shutting down", slog.String("group", group))

	c.instance.UnregisterConsumer(group)
	if err := c.instance.Shutdown(); err != nil {
		c.logger.Warn("client instance shutdown failed",
			slog.String("group", group),
			slog.String("error", err.Error()))
	}

	c.dropAllProcessQueues()
	if svc != nil {
		svc.Shutdown()
	}

	if !c.state.transition(StateStopping, StateStopped) {
		return fmt.Errorf("%w: state=%s", ErrShutdownFailed, c.state.get())
	}
	c.logger.Info("consumer stopped", slog.String("group", group))
	return nil
}

// ProcessQueue returns the active process queue of q, if any.
func (c *PushConsumer) ProcessQueue(q message.Queue) (*ProcessQueue, bool) {
	return c.processQueues.Load(q)
}

// ProcessQueues returns every active process queue.
func (c *PushConsumer) ProcessQueues() []*ProcessQueue {
	pqs := make([]*ProcessQueue, 0, c.processQueues.Size())
	c.processQueues.Range(func(_ message.Queue, pq *ProcessQueue) bool {
		pqs = append(pqs, pq)
		return true
	})
	return pqs
}

// CachedAssignment returns the last assignment applied for topic.
func (c *PushConsumer) CachedAssignment(topic string) (assignment.TopicAssignmentInfo, bool) {
	return c.assignments.Load(topic)
}

func (c *PushConsumer) consumeService() ConsumeService {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.service
}

func (c *PushConsumer) isOrderly() bool {
	svc := c.consumeService()
	return svc != nil && svc.Orderly()
}
