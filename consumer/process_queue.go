// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqpush/filter"
	"github.com/absmach/mqpush/message"
	"github.com/absmach/mqpush/protocol"
	"golang.org/x/time/rate"
)

// retryDelays are the redelivery delays applied to a failed concurrent
// delivery, indexed by how many times the message was delivered before.
var retryDelays = []time.Duration{
	time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
	time.Minute, 2 * time.Minute, 3 * time.Minute, 4 * time.Minute,
	5 * time.Minute, 6 * time.Minute, 7 * time.Minute, 8 * time.Minute,
	9 * time.Minute, 10 * time.Minute, 20 * time.Minute, 30 * time.Minute,
	time.Hour, 2 * time.Hour,
}

// RetryDelay returns the redelivery delay for a message delivered deliveryCount times.
func RetryDelay(deliveryCount int) time.Duration {
	i := deliveryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(retryDelays) {
		i = len(retryDelays) - 1
	}
	return retryDelays[i]
}

// ProcessQueue is the live retrieval state of one assigned queue. It runs a
// pop loop until dropped. Dropping never interrupts an in-flight pop; the
// loop observes the flag before issuing the next one.
type ProcessQueue struct {
	consumer *PushConsumer
	queue    message.Queue
	filter   *filter.Expression
	limiter  *rate.Limiter
	logger   *slog.Logger

	dropped   atomic.Bool
	lastPop   atomic.Int64 // unix nanos of the last successful pop
	cacheFull atomic.Int64 // unix nanos of the last pop skipped by flow control
	cached    atomic.Int64 // messages handed to the consume service and not finished
	inflight  atomic.Int32 // pops in progress
	pops      atomic.Int64

	lane orderlyLane // used by the orderly consume service only

	started  atomic.Bool
	ctx      context.Context // cancelled on drop, only interrupts waits
	cancel   context.CancelFunc
	dropOnce sync.Once
	done     chan struct{}
}

func newProcessQueue(c *PushConsumer, q message.Queue, f *filter.Expression) *ProcessQueue {
	limit := rate.Inf
	if c.opts.PopRate > 0 {
		limit = rate.Limit(c.opts.PopRate)
	}
	ctx, cancel := context.WithCancel(context.Background())

	pq := &ProcessQueue{
		consumer: c,
		queue:    q,
		filter:   f,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   c.logger.With(slog.String("queue", q.String())),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	pq.lastPop.Store(time.Now().UnixNano())
	return pq
}

// Queue returns the queue identity.
func (pq *ProcessQueue) Queue() message.Queue {
	return pq.queue
}

// Filter returns the subscription expression the queue pops with.
func (pq *ProcessQueue) Filter() *filter.Expression {
	return pq.filter
}

// IsDropped reports whether the queue stopped popping.
func (pq *ProcessQueue) IsDropped() bool {
	return pq.dropped.Load()
}

// SetDropped stops the pop loop. It is idempotent and a dropped queue is
// never revived.
func (pq *ProcessQueue) SetDropped() {
	pq.dropOnce.Do(func() {
		pq.dropped.Store(true)
		pq.cancel()
	})
}

// LastPopTime returns the time of the last successful pop, or the creation time.
func (pq *ProcessQueue) LastPopTime() time.Time {
	return time.Unix(0, pq.lastPop.Load())
}

// IsPopExpired reports whether the queue made no progress within the pop
// expiry window. A queue held back by flow control is waiting on its
// listener, not stuck, and does not expire.
func (pq *ProcessQueue) IsPopExpired() bool {
	last := pq.lastPop.Load()
	if full := pq.cacheFull.Load(); full > last {
		last = full
	}
	return time.Since(time.Unix(0, last)) > pq.consumer.opts.PopExpiry
}

// CachedMessages returns the number of retrieved messages not yet finished.
func (pq *ProcessQueue) CachedMessages() int64 {
	return pq.cached.Load()
}

// Pops returns the number of pops issued.
func (pq *ProcessQueue) Pops() int64 {
	return pq.pops.Load()
}

// Popping reports whether a pop is in progress.
func (pq *ProcessQueue) Popping() bool {
	return pq.inflight.Load() > 0
}

// Done is closed once the pop loop exited.
func (pq *ProcessQueue) Done() <-chan struct{} {
	return pq.done
}

func (pq *ProcessQueue) start() {
	if !pq.started.CompareAndSwap(false, true) {
		return
	}
	go pq.popLoop()
}

func (pq *ProcessQueue) popLoop() {
	defer close(pq.done)

	opts := pq.consumer.opts
	for !pq.IsDropped() {
		if n := pq.cached.Load(); n >= int64(opts.MaxCachedMessages) {
			pq.cacheFull.Store(time.Now().UnixNano())
			pq.logger.Debug("pop throttled by flow control",
				slog.Int64("cached", n),
				slog.Int("max_cached", opts.MaxCachedMessages))
			pq.sleep(opts.FlowControlDelay)
			continue
		}

		if err := pq.limiter.Wait(pq.ctx); err != nil {
			continue
		}
		if pq.IsDropped() {
			return
		}

		if err := pq.popMessages(); err != nil {
			pq.sleep(opts.PopRetryDelay)
		}
	}
	pq.logger.Debug("pop loop exited")
}

// sleep waits for d or until the queue is dropped.
func (pq *ProcessQueue) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-pq.ctx.Done():
	}
}

func (pq *ProcessQueue) popMessages() error {
	pq.inflight.Add(1)
	defer pq.inflight.Add(-1)

	c := pq.consumer
	opts := c.opts
	group := c.Group()

	pq.pops.Add(1)
	c.stats.popTimes.Add(1)

	req := &protocol.PopRequest{
		ConsumerGroup:     group,
		ClientID:          c.instance.ClientID(),
		Queue:             pq.queue,
		Expression:        pq.filter.Expression(),
		ExpressionType:    expressionType(pq.filter.Kind()),
		MaxMessages:       opts.PopBatchSize,
		InvisibleDuration: opts.InvisibleDuration,
		PollTime:          opts.PollTime,
		Orderly:           c.isOrderly(),
	}

	// The pop is not bound to pq.ctx so a revoked queue lets it finish.
	ctx, cancel := context.WithTimeout(context.Background(), opts.RequestTimeout+opts.PollTime)
	defer cancel()

	res, err := c.instance.Pop(ctx, req)
	if err != nil {
		c.metrics.RecordPop(group, pq.queue.Topic, 0, err)
		pq.logger.Warn("failed to pop messages",
			slog.String("group", group),
			slog.String("error", err.Error()))
		return err
	}
	pq.lastPop.Store(time.Now().UnixNano())

	if res == nil || res.Status != protocol.PopFound || len(res.Messages) == 0 {
		c.metrics.RecordPop(group, pq.queue.Topic, 0, nil)
		return nil
	}
	c.metrics.RecordPop(group, pq.queue.Topic, len(res.Messages), nil)
	c.stats.popMsgCount.Add(int64(len(res.Messages)))

	msgs := pq.prepare(res.Messages)
	if len(msgs) == 0 {
		return nil
	}

	svc := c.consumeService()
	if svc == nil {
		return ErrServiceStopped
	}

	pq.cached.Add(int64(len(msgs)))
	if err := svc.Dispatch(pq, msgs); err != nil {
		pq.cached.Add(-int64(len(msgs)))
		pq.logger.Warn("failed to dispatch messages",
			slog.Int("count", len(msgs)),
			slog.String("error", err.Error()))
	}
	return nil
}

// prepare decompresses bodies and re-applies the subscription filter. Messages
// not matching the filter are acknowledged right away.
func (pq *ProcessQueue) prepare(msgs []*message.Message) []*message.Message {
	out := msgs[:0:0]
	var unmatched []*message.Message
	for _, m := range msgs {
		if err := m.Decompress(); err != nil {
			// Left unacknowledged, the broker redelivers it after the invisible duration.
			pq.logger.Error("failed to decompress message body",
				slog.String("msg_id", m.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !pq.filter.Matches(m.TagList(), m.Properties) {
			unmatched = append(unmatched, m)
			continue
		}
		out = append(out, m)
	}
	if len(unmatched) > 0 {
		pq.logger.Debug("acknowledging messages not matching subscription",
			slog.Int("count", len(unmatched)),
			slog.String("expression", pq.filter.Expression()))
		pq.ack(unmatched)
	}
	return out
}

// finish releases n messages from flow control accounting.
func (pq *ProcessQueue) finish(n int) {
	pq.cached.Add(-int64(n))
}

func (pq *ProcessQueue) ack(msgs []*message.Message) {
	c := pq.consumer
	group := c.Group()
	for _, m := range msgs {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		err := c.instance.Ack(ctx, &protocol.AckRequest{
			ConsumerGroup: group,
			Queue:         pq.queue,
			MessageID:     m.ID,
			ReceiptHandle: m.ReceiptHandle,
		})
		cancel()
		if err != nil {
			pq.logger.Warn("failed to ack message",
				slog.String("msg_id", m.ID),
				slog.String("error", err.Error()))
		}
	}
}

// retryLater makes msgs visible again after their redelivery delay.
func (pq *ProcessQueue) retryLater(msgs []*message.Message) {
	c := pq.consumer
	group := c.Group()
	for _, m := range msgs {
		delay := RetryDelay(m.DeliveryCount)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		err := c.instance.ChangeInvisibleDuration(ctx, &protocol.ChangeInvisibleRequest{
			ConsumerGroup:     group,
			Queue:             pq.queue,
			MessageID:         m.ID,
			ReceiptHandle:     m.ReceiptHandle,
			InvisibleDuration: delay,
		})
		cancel()
		if err != nil {
			pq.logger.Warn("failed to change invisible duration",
				slog.String("msg_id", m.ID),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}
	}
}

func expressionType(k filter.Kind) protocol.ExpressionType {
	if k == filter.KindTag {
		return protocol.ExpressionTag
	}
	return protocol.ExpressionSQL
}
