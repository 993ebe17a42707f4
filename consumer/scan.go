// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/mqpush/assignment"
	"github.com/absmach/mqpush/filter"
	"github.com/absmach/mqpush/message"
	"github.com/absmach/mqpush/protocol"
	"github.com/absmach/mqpush/route"
)

// ScanAssignments reconciles the process queues of every subscribed topic
// with the assignments currently reported by brokers. A failure on one topic
// is logged and does not affect the others.
func (c *PushConsumer) ScanAssignments() {
	if !c.state.isRunning() {
		c.logger.Warn("skip assignment scan, consumer not running",
			slog.String("group", c.Group()),
			slog.String("state", c.state.get().String()))
		return
	}

	c.logger.Debug("start to scan load assignments", slog.String("group", c.Group()))
	c.dropUnsubscribed()

	c.filters.Range(func(topic string, f *filter.Expression) bool {
		if err := c.scanTopic(topic, f); err != nil {
			c.logger.Error("failed to scan load assignments",
				slog.String("group", c.Group()),
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}
		return true
	})
}

func (c *PushConsumer) scanTopic(topic string, f *filter.Expression) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrScanPanic, r)
		}
	}()

	local, hasLocal := c.assignments.Load(topic)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	remote, err := c.queryAssignment(ctx, topic)
	if err != nil {
		return err
	}

	if remote.Empty() {
		if !hasLocal || local.Empty() {
			c.logger.Warn("acquired empty assignments from remote",
				slog.String("group", c.Group()),
				slog.String("topic", topic))
			return nil
		}
		c.logger.Warn("acquired empty assignments from remote, reuse the existing one",
			slog.String("group", c.Group()),
			slog.String("topic", topic),
			slog.String("existing", local.String()))
		return nil
	}

	if hasLocal && remote.Equal(local) && !c.needsResync(topic, f) {
		return nil
	}

	c.logger.Info("assignments of topic changed",
		slog.String("group", c.Group()),
		slog.String("topic", topic),
		slog.String("previous", local.String()),
		slog.String("current", remote.String()))

	c.syncProcessQueues(topic, remote, f)
	c.assignments.Store(topic, remote)
	c.metrics.RecordAssignmentChange(c.Group(), topic)
	return nil
}

// needsResync reports whether a process queue of topic has expired or still
// pops with a replaced subscription expression, which forces a reconcile even
// when the assignment itself is unchanged.
func (c *PushConsumer) needsResync(topic string, f *filter.Expression) bool {
	resync := false
	c.processQueues.Range(func(q message.Queue, pq *ProcessQueue) bool {
		if q.Topic != topic || pq == nil {
			return true
		}
		if pq.IsPopExpired() || pq.Filter().Version() != f.Version() {
			resync = true
			return false
		}
		return true
	})
	return resync
}

// syncProcessQueues makes the set of active process queues of topic equal to
// the queues of info. Revoked and expired queues are dropped; expired queues
// that are still assigned are replaced by fresh ones.
func (c *PushConsumer) syncProcessQueues(topic string, info assignment.TopicAssignmentInfo, f *filter.Expression) {
	desired := info.QueueSet()
	active := make(map[message.Queue]struct{}, len(desired))

	c.processQueues.Range(func(q message.Queue, pq *ProcessQueue) bool {
		if q.Topic != topic {
			return true
		}
		if pq == nil {
			c.logger.Error("process queue is nil", slog.String("queue", q.String()))
			c.processQueues.Delete(q)
			return true
		}

		if _, ok := desired[q]; !ok {
			c.logger.Info("stop to pop queue as it is no longer assigned",
				slog.String("group", c.Group()),
				slog.String("queue", q.String()))
			c.removeProcessQueue(q, pq)
			return true
		}

		if pq.IsPopExpired() {
			c.logger.Warn("process queue is expired, recreating it",
				slog.String("group", c.Group()),
				slog.String("queue", q.String()),
				slog.Time("last_pop", pq.LastPopTime()))
			c.removeProcessQueue(q, pq)
			return true
		}

		if pq.Filter().Version() != f.Version() {
			c.logger.Info("subscription expression changed, recreating process queue",
				slog.String("group", c.Group()),
				slog.String("queue", q.String()),
				slog.String("expression", f.Expression()))
			c.removeProcessQueue(q, pq)
			return true
		}

		active[q] = struct{}{}
		return true
	})

	for q := range desired {
		if _, ok := active[q]; ok {
			continue
		}
		c.logger.Info("start to pop queue as it is newly assigned",
			slog.String("group", c.Group()),
			slog.String("queue", q.String()))
		c.popPromptly(q, f)
	}
}

// popPromptly registers a process queue for q and starts its retrieval loop
// unless one is already registered.
func (c *PushConsumer) popPromptly(q message.Queue, f *filter.Expression) {
	pq, loaded := c.processQueues.LoadOrStore(q, newProcessQueue(c, q, f))
	if loaded {
		return
	}

	if !c.state.isRunning() {
		// Shutdown raced with this scan.
		c.removeProcessQueue(q, pq)
		return
	}

	c.metrics.RecordProcessQueueAdded(c.Group())
	pq.start()
}

func (c *PushConsumer) removeProcessQueue(q message.Queue, pq *ProcessQueue) {
	pq.SetDropped()
	if _, ok := c.processQueues.LoadAndDelete(q); ok {
		c.metrics.RecordProcessQueueRemoved(c.Group())
	}
}

// dropUnsubscribed drops the process queues and cached assignments of topics
// that are no longer subscribed.
func (c *PushConsumer) dropUnsubscribed() {
	c.processQueues.Range(func(q message.Queue, pq *ProcessQueue) bool {
		if _, ok := c.filters.Load(q.Topic); !ok {
			c.logger.Info("stop to pop queue of unsubscribed topic",
				slog.String("group", c.Group()),
				slog.String("queue", q.String()))
			c.removeProcessQueue(q, pq)
		}
		return true
	})

	c.assignments.Range(func(topic string, _ assignment.TopicAssignmentInfo) bool {
		if _, ok := c.filters.Load(topic); !ok {
			c.assignments.Delete(topic)
		}
		return true
	})
}

func (c *PushConsumer) dropAllProcessQueues() {
	c.processQueues.Range(func(q message.Queue, pq *ProcessQueue) bool {
		c.removeProcessQueue(q, pq)
		return true
	})
	c.assignments.Range(func(topic string, _ assignment.TopicAssignmentInfo) bool {
		c.assignments.Delete(topic)
		return true
	})
}

func (c *PushConsumer) queryAssignment(ctx context.Context, topic string) (assignment.TopicAssignmentInfo, error) {
	target, err := c.selectTargetForQuery(ctx, topic)
	if err != nil {
		return assignment.TopicAssignmentInfo{}, err
	}

	req := &protocol.QueryAssignmentRequest{
		Topic:         topic,
		ConsumerGroup: c.Group(),
		ClientID:      c.instance.ClientID(),
		StrategyName:  protocol.DefaultStrategyName,
		MessageModel:  protocol.Clustering,
	}
	return c.instance.QueryAssignment(ctx, target, req)
}

// selectTargetForQuery picks the master broker of the next broker group in
// round-robin order and returns its assignment query address.
func (c *PushConsumer) selectTargetForQuery(ctx context.Context, topic string) (string, error) {
	r, err := c.instance.TopicRoute(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("failed to fetch route of %s: %w", topic, err)
	}

	broker, err := r.SelectBroker(c.instance.NextQueryBrokerIndex())
	if err != nil {
		return "", fmt.Errorf("%w: topic=%s", err, topic)
	}

	addr, err := broker.MasterAddr()
	if err != nil {
		return "", err
	}
	return route.ShiftPort(addr, route.QueryPortShift)
}
