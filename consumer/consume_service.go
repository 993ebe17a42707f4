// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mqpush/message"
	mqotel "github.com/absmach/mqpush/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConsumeService executes the registered listener over retrieved messages.
type ConsumeService interface {
	// Start launches the service workers.
	Start()
	// Shutdown stops accepting batches and waits for in-flight listener
	// calls up to the configured timeout.
	Shutdown()
	// Dispatch hands a batch popped from pq to the service. The service calls
	// pq.finish for every message once its outcome is reported.
	Dispatch(pq *ProcessQueue, msgs []*message.Message) error
	// Orderly reports whether messages of a queue are consumed in order.
	Orderly() bool
}

// base holds what both consume services share.
type base struct {
	consumer *PushConsumer
	logger   *slog.Logger
	tracer   trace.Tracer
	batch    int
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func newBase(c *PushConsumer, mode string) base {
	ctx, cancel := context.WithCancel(context.Background())
	return base{
		consumer: c,
		logger:   c.logger.With(slog.String("consume_mode", mode)),
		tracer:   mqotel.Tracer(),
		batch:    c.opts.ConsumeBatchSize,
		timeout:  c.opts.ShutdownTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// invoke runs fn inside a span and records the outcome. A panicking listener
// counts as a failure.
func (b *base) invoke(pq *ProcessQueue, msgs []*message.Message, fn func(ctx context.Context) bool) (ok bool) {
	c := b.consumer
	group := c.Group()
	topic := pq.Queue().Topic

	ctx, span := b.tracer.Start(b.ctx, "consume "+topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.consumer.group", group),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.queue", pq.Queue().String()),
			attribute.Int("messaging.batch.size", len(msgs)),
		))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked",
				slog.String("queue", pq.Queue().String()),
				slog.Any("panic", r))
			span.RecordError(fmt.Errorf("listener panic: %v", r))
			ok = false
		}
		if !ok {
			span.SetStatus(codes.Error, "consume failed")
			c.stats.consumeFailure.Add(int64(len(msgs)))
		} else {
			c.stats.consumeSuccess.Add(int64(len(msgs)))
		}
		c.metrics.RecordConsume(group, topic, len(msgs), ok, float64(time.Since(start).Microseconds())/1000)
		span.End()
	}()

	return fn(ctx)
}

// split cuts msgs into batches of at most size messages.
func split(msgs []*message.Message, size int) [][]*message.Message {
	if size < 1 {
		size = 1
	}
	batches := make([][]*message.Message, 0, (len(msgs)+size-1)/size)
	for len(msgs) > size {
		batches = append(batches, msgs[:size:size])
		msgs = msgs[size:]
	}
	if len(msgs) > 0 {
		batches = append(batches, msgs)
	}
	return batches
}

// waitTimeout waits on done for at most d and reports whether it closed.
func waitTimeout(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
