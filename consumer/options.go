// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/mqpush/config"
	mqotel "github.com/absmach/mqpush/otel"
)

// Default values.
const (
	DefaultConsumeWorkers    = 20
	DefaultConsumeBatchSize  = 1
	DefaultPopBatchSize      = 32
	DefaultInvisibleDuration = 60 * time.Second
	DefaultPollTime          = 5 * time.Second
	DefaultRequestTimeout    = 3 * time.Second
	DefaultPopExpiry         = 120 * time.Second
	DefaultPopRetryDelay     = time.Second
	DefaultFlowControlDelay  = 50 * time.Millisecond
	DefaultMaxCachedMessages = 1024
	DefaultMaxReconsumeTimes = 16
	DefaultSuspendInterval   = time.Second
	DefaultShutdownTimeout   = 10 * time.Second

	// MaxPopBatchSize is the largest batch a broker returns for one pop.
	MaxPopBatchSize = 32
)

// Options configures a PushConsumer.
type Options struct {
	Group     string         // Consumer group name
	Namespace string         // Optional namespace prefixed to the group
	Instance  ClientInstance // Shared client instance (required)

	// Consumption
	ConsumeWorkers    int           // Concurrent listener invocations
	ConsumeBatchSize  int           // Max messages per listener invocation
	MaxReconsumeTimes int           // Local retries before an orderly batch is handed back
	SuspendInterval   time.Duration // Pause between orderly retries
	ShutdownTimeout   time.Duration // Max wait for in-flight listeners on shutdown

	// Retrieval
	PopBatchSize      int           // Max messages per pop
	InvisibleDuration time.Duration // Visibility timeout requested for popped messages
	PollTime          time.Duration // Long polling time of a pop
	RequestTimeout    time.Duration // Timeout of assignment queries, acks and nacks
	PopExpiry         time.Duration // Idle time after which a queue is considered stuck
	PopRetryDelay     time.Duration // Delay before retrying a failed pop
	FlowControlDelay  time.Duration // Delay while a queue holds too many messages
	MaxCachedMessages int           // In-consume messages per queue before popping pauses
	PopRate           float64       // Pops per second per queue (0 = unlimited)

	Logger  *slog.Logger
	Metrics *mqotel.Metrics
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		ConsumeWorkers:    DefaultConsumeWorkers,
		ConsumeBatchSize:  DefaultConsumeBatchSize,
		MaxReconsumeTimes: DefaultMaxReconsumeTimes,
		SuspendInterval:   DefaultSuspendInterval,
		ShutdownTimeout:   DefaultShutdownTimeout,
		PopBatchSize:      DefaultPopBatchSize,
		InvisibleDuration: DefaultInvisibleDuration,
		PollTime:          DefaultPollTime,
		RequestTimeout:    DefaultRequestTimeout,
		PopExpiry:         DefaultPopExpiry,
		PopRetryDelay:     DefaultPopRetryDelay,
		FlowControlDelay:  DefaultFlowControlDelay,
		MaxCachedMessages: DefaultMaxCachedMessages,
	}
}

// FromConfig builds Options from the client and consumer sections.
func FromConfig(cfg *config.Config) *Options {
	c := cfg.Consumer
	o := NewOptions()
	o.Group = c.Group
	o.Namespace = cfg.Client.Namespace
	o.RequestTimeout = cfg.Client.RequestTimeout
	o.ConsumeWorkers = c.ConsumeWorkers
	o.ConsumeBatchSize = c.ConsumeBatchSize
	o.MaxReconsumeTimes = c.MaxReconsumeTimes
	o.SuspendInterval = c.SuspendInterval
	o.ShutdownTimeout = c.ShutdownTimeout
	o.PopBatchSize = c.PopBatchSize
	o.InvisibleDuration = c.InvisibleDuration
	o.PollTime = c.PollTime
	o.PopExpiry = c.PopExpiry
	o.PopRetryDelay = c.PopRetryDelay
	o.MaxCachedMessages = c.MaxCachedMessages
	o.PopRate = c.PopRate
	return o
}

// SetGroup sets the consumer group.
func (o *Options) SetGroup(group string) *Options {
	o.Group = group
	return o
}

// SetNamespace sets the namespace prefixed to the group.
func (o *Options) SetNamespace(ns string) *Options {
	o.Namespace = ns
	return o
}

// SetInstance sets the client instance.
func (o *Options) SetInstance(ci ClientInstance) *Options {
	o.Instance = ci
	return o
}

// SetConsumeWorkers bounds how many listener calls run at once.
func (o *Options) SetConsumeWorkers(n int) *Options {
	o.ConsumeWorkers = n
	return o
}

// SetConsumeBatchSize sets the max number of messages per listener invocation.
func (o *Options) SetConsumeBatchSize(n int) *Options {
	o.ConsumeBatchSize = n
	return o
}

// SetPopBatchSize sets the max number of messages per pop.
func (o *Options) SetPopBatchSize(n int) *Options {
	o.PopBatchSize = n
	return o
}

// SetInvisibleDuration sets the visibility timeout of popped messages.
func (o *Options) SetInvisibleDuration(d time.Duration) *Options {
	o.InvisibleDuration = d
	return o
}

// SetPollTime sets the long polling time of a pop.
func (o *Options) SetPollTime(d time.Duration) *Options {
	o.PollTime = d
	return o
}

// SetPopExpiry sets the idle time after which a queue is recreated.
func (o *Options) SetPopExpiry(d time.Duration) *Options {
	o.PopExpiry = d
	return o
}

// SetMaxCachedMessages sets the per-queue flow control threshold.
func (o *Options) SetMaxCachedMessages(n int) *Options {
	o.MaxCachedMessages = n
	return o
}

// SetPopRate limits pops per second per queue.
func (o *Options) SetPopRate(r float64) *Options {
	o.PopRate = r
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the metric instruments.
func (o *Options) SetMetrics(m *mqotel.Metrics) *Options {
	o.Metrics = m
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.Group == "" {
		return ErrEmptyGroup
	}
	if o.Instance == nil {
		return ErrNoInstance
	}
	if o.PopBatchSize < 1 || o.PopBatchSize > MaxPopBatchSize {
		return fmt.Errorf("%w: pop batch size must be between 1 and %d", ErrInvalidOption, MaxPopBatchSize)
	}
	if o.PopRate < 0 {
		return fmt.Errorf("%w: pop rate cannot be negative", ErrInvalidOption)
	}
	if o.ConsumeWorkers <= 0 {
		o.ConsumeWorkers = DefaultConsumeWorkers
	}
	if o.ConsumeBatchSize <= 0 {
		o.ConsumeBatchSize = DefaultConsumeBatchSize
	}
	if o.MaxReconsumeTimes <= 0 {
		o.MaxReconsumeTimes = DefaultMaxReconsumeTimes
	}
	if o.SuspendInterval <= 0 {
		o.SuspendInterval = DefaultSuspendInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.InvisibleDuration <= 0 {
		o.InvisibleDuration = DefaultInvisibleDuration
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.PopExpiry <= 0 {
		o.PopExpiry = DefaultPopExpiry
	}
	if o.PopRetryDelay <= 0 {
		o.PopRetryDelay = DefaultPopRetryDelay
	}
	if o.FlowControlDelay <= 0 {
		o.FlowControlDelay = DefaultFlowControlDelay
	}
	if o.MaxCachedMessages <= 0 {
		o.MaxCachedMessages = DefaultMaxCachedMessages
	}
	return nil
}
