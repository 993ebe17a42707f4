// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/absmach/mqpush"

// Metrics holds OpenTelemetry metric instruments for push consumers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	popsTotal         metric.Int64Counter
	messagesPopped    metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	assignmentChanges metric.Int64Counter
	heartbeatsTotal   metric.Int64Counter

	// UpDownCounters (Gauges)
	processQueues metric.Int64UpDownCounter

	// Histograms
	consumeDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(instrumentationName))
}

// NewMetricsFromMeter creates a Metrics instance with all instruments initialized.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	m.popsTotal, err = m.meter.Int64Counter(
		"mqpush.pop.total",
		metric.WithDescription("Total number of pop requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create popsTotal counter: %w", err)
	}

	m.messagesPopped, err = m.meter.Int64Counter(
		"mqpush.pop.messages",
		metric.WithDescription("Total number of messages retrieved by pops"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPopped counter: %w", err)
	}

	m.messagesConsumed, err = m.meter.Int64Counter(
		"mqpush.consume.messages",
		metric.WithDescription("Total number of messages handed to listeners, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesConsumed counter: %w", err)
	}

	m.assignmentChanges, err = m.meter.Int64Counter(
		"mqpush.assignment.changes",
		metric.WithDescription("Number of assignment changes applied by the scanner"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assignmentChanges counter: %w", err)
	}

	m.heartbeatsTotal, err = m.meter.Int64Counter(
		"mqpush.heartbeat.total",
		metric.WithDescription("Total number of heartbeats sent to brokers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeatsTotal counter: %w", err)
	}

	m.processQueues, err = m.meter.Int64UpDownCounter(
		"mqpush.process_queues.active",
		metric.WithDescription("Number of active process queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processQueues gauge: %w", err)
	}

	m.consumeDuration, err = m.meter.Float64Histogram(
		"mqpush.consume.duration.ms",
		metric.WithDescription("Listener invocation duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumeDuration histogram: %w", err)
	}

	return m, nil
}

// Tracer returns the tracer used for consume spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// RecordPop records one pop request and the number of messages it returned.
func (m *Metrics) RecordPop(group, topic string, count int, err error) {
	if m == nil {
		return
	}
	ctx := context.Background()
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.popsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("topic", topic),
		attribute.String("result", result),
	))
	if count > 0 {
		m.messagesPopped.Add(ctx, int64(count), metric.WithAttributes(
			attribute.String("group", group),
			attribute.String("topic", topic),
		))
	}
}

// RecordConsume records a listener invocation over count messages.
func (m *Metrics) RecordConsume(group, topic string, count int, success bool, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	status := "success"
	if !success {
		status = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("topic", topic),
		attribute.String("status", status),
	)
	m.messagesConsumed.Add(ctx, int64(count), attrs)
	m.consumeDuration.Record(ctx, durationMs, attrs)
}

// RecordAssignmentChange records an applied assignment change for a topic.
func (m *Metrics) RecordAssignmentChange(group, topic string) {
	if m == nil {
		return
	}
	m.assignmentChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("topic", topic),
	))
}

// RecordHeartbeat records a heartbeat sent to a broker.
func (m *Metrics) RecordHeartbeat(target string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.heartbeatsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("result", result),
	))
}

// RecordProcessQueueAdded records a new active process queue.
func (m *Metrics) RecordProcessQueueAdded(group string) {
	if m == nil {
		return
	}
	m.processQueues.Add(context.Background(), 1, metric.WithAttributes(attribute.String("group", group)))
}

// RecordProcessQueueRemoved records a dropped process queue.
func (m *Metrics) RecordProcessQueueRemoved(group string) {
	if m == nil {
		return
	}
	m.processQueues.Add(context.Background(), -1, metric.WithAttributes(attribute.String("group", group)))
}
