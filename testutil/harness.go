// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil wires client instances and push consumers to an in-memory
// cluster for end-to-end tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqpush/cluster"
	"github.com/absmach/mqpush/consumer"
	"github.com/absmach/mqpush/instance"
	"github.com/absmach/mqpush/message"
	"github.com/stretchr/testify/require"
)

// Harness owns an in-memory cluster and the clients attached to it.
type Harness struct {
	t       *testing.T
	Cluster *cluster.Cluster
	logger  *slog.Logger

	mu        sync.Mutex
	consumers []*consumer.PushConsumer
	instances int
}

// NewHarness creates a cluster with the given options. Consumers created
// through the harness are shut down when the test ends.
func NewHarness(t *testing.T, opts cluster.Options) *Harness {
	t.Helper()

	logger := Logger()
	if opts.Logger == nil {
		opts.Logger = logger
	}
	h := &Harness{
		t:       t,
		Cluster: cluster.New(opts),
		logger:  logger,
	}
	t.Cleanup(h.shutdown)
	return h
}

// Logger returns a logger that discards output unless MQPUSH_TEST_LOG is set.
func Logger() *slog.Logger {
	if os.Getenv("MQPUSH_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewInstance creates a client instance with short schedule intervals.
func (h *Harness) NewInstance() *instance.Instance {
	h.t.Helper()

	h.mu.Lock()
	h.instances++
	name := fmt.Sprintf("client-%d", h.instances)
	h.mu.Unlock()

	opts := instance.NewOptions().
		SetEndpoints("127.0.0.1:9876").
		SetInstanceName(name).
		SetLogger(h.logger).
		SetIntervals(20*time.Millisecond, 20*time.Millisecond, time.Hour, time.Hour)
	opts.RequestTimeout = time.Second

	inst, err := instance.New(h.Cluster, opts)
	require.NoError(h.t, err)
	return inst
}

// NewConsumer creates a push consumer of group on inst. mutate may adjust
// the options before the consumer is built.
func (h *Harness) NewConsumer(inst *instance.Instance, group string, mutate func(*consumer.Options)) *consumer.PushConsumer {
	h.t.Helper()

	opts := consumer.NewOptions().
		SetGroup(group).
		SetInstance(inst).
		SetLogger(h.logger).
		SetPollTime(50 * time.Millisecond)
	opts.RequestTimeout = time.Second
	opts.PopRetryDelay = 10 * time.Millisecond
	opts.SuspendInterval = 10 * time.Millisecond
	opts.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(opts)
	}

	c, err := consumer.New(opts)
	require.NoError(h.t, err)

	h.mu.Lock()
	h.consumers = append(h.consumers, c)
	h.mu.Unlock()
	return c
}

// Produce sends n messages with the given tags to topic and returns them.
func (h *Harness) Produce(topic, tags string, n int) []*message.Message {
	h.t.Helper()

	msgs := make([]*message.Message, 0, n)
	for i := 0; i < n; i++ {
		m, err := h.Cluster.Produce(topic, tags, []byte(fmt.Sprintf("%s-%d", topic, i)), nil)
		require.NoError(h.t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

func (h *Harness) shutdown() {
	h.mu.Lock()
	consumers := h.consumers
	h.consumers = nil
	h.mu.Unlock()

	for _, c := range consumers {
		if c.State() == consumer.StateStarted {
			_ = c.Shutdown()
		}
	}
}

// Recorder collects consumed messages across listener goroutines.
type Recorder struct {
	mu   sync.Mutex
	seen map[string]int
	logs map[message.Queue][]int64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		seen: make(map[string]int),
		logs: make(map[message.Queue][]int64),
	}
}

// Record notes the successful consumption of msgs.
func (r *Recorder) Record(msgs []*message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.seen[m.ID]++
		r.logs[m.Queue] = append(r.logs[m.Queue], m.QueueOffset)
	}
}

// Distinct returns the number of distinct message ids recorded.
func (r *Recorder) Distinct() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// Count returns how many times id was recorded.
func (r *Recorder) Count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

// Offsets returns the recorded offsets of q in consumption order.
func (r *Recorder) Offsets(q message.Queue) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.logs[q]...)
}
