// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqpush/filter"
	"github.com/absmach/mqpush/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered message ids per queue.
type recorder struct {
	mu      sync.Mutex
	byQueue map[message.Queue][]string
	total   int
}

func newRecorder() *recorder {
	return &recorder{byQueue: make(map[message.Queue][]string)}
}

func (r *recorder) add(msgs []*message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.byQueue[m.Queue] = append(r.byQueue[m.Queue], m.ID)
		r.total++
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *recorder) ids(q message.Queue) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byQueue[q]...)
}

func messages(prefix string, n int) []*message.Message {
	msgs := make([]*message.Message, n)
	for i := range msgs {
		msgs[i] = newMessage(fmt.Sprintf("%s-%03d", prefix, i), "")
	}
	return msgs
}

func TestConcurrentConsumeAcksSuccess(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 2)
	c := newTestConsumer(t, fi, func(o *Options) { o.ConsumeBatchSize = 4 })
	require.NoError(t, c.Subscribe("T", "*"))

	rec := newRecorder()
	startConcurrent(t, c, func(_ context.Context, msgs []*message.Message) ConsumeStatus {
		assert.LessOrEqual(t, len(msgs), 4)
		rec.add(msgs)
		return ConsumeSuccess
	})

	fi.push(qa, messages("a", 10)...)
	fi.push(qc, messages("c", 10)...)
	fi.setAssignment("T", qa, qc)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return len(fi.ackIDs()) == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 20, rec.count())
	assert.Empty(t, fi.nackReqs())

	require.Eventually(t, func() bool {
		for _, pq := range c.ProcessQueues() {
			if pq.CachedMessages() != 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	s := c.CollectStats()
	assert.Equal(t, int64(20), s.PopMessages)
	assert.Equal(t, int64(20), s.ConsumeSuccess)
	assert.Zero(t, s.ConsumeFailure)
	assert.Positive(t, s.PopTimes)
}

func TestConcurrentConsumeFailureNacks(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, nil)
	require.NoError(t, c.Subscribe("T", "*"))

	var calls atomic.Int32
	startConcurrent(t, c, func(_ context.Context, msgs []*message.Message) ConsumeStatus {
		if calls.Add(1) == 1 {
			panic("listener bug")
		}
		return ReconsumeLater
	})

	m1 := newMessage("m1", "")
	m2 := newMessage("m2", "")
	m2.DeliveryCount = 3
	fi.push(qa, m1, m2)
	fi.setAssignment("T", qa)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return len(fi.nackReqs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, fi.ackIDs())

	delays := make(map[string]time.Duration)
	for _, n := range fi.nackReqs() {
		delays[n.MessageID] = n.InvisibleDuration
		assert.Equal(t, "rh-"+n.MessageID, n.ReceiptHandle)
		assert.Equal(t, "G", n.ConsumerGroup)
	}
	assert.Equal(t, RetryDelay(1), delays["m1"])
	assert.Equal(t, RetryDelay(3), delays["m2"])

	s := c.CollectStats()
	assert.Equal(t, int64(2), s.ConsumeFailure)
	assert.Zero(t, c.CollectStats().ConsumeFailure)
}

func TestConcurrentConsumeBoundedWorkers(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, func(o *Options) { o.ConsumeWorkers = 2 })
	require.NoError(t, c.Subscribe("T", "*"))

	var active, peak atomic.Int32
	startConcurrent(t, c, func(_ context.Context, msgs []*message.Message) ConsumeStatus {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return ConsumeSuccess
	})

	fi.push(qa, messages("a", 12)...)
	fi.setAssignment("T", qa)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return len(fi.ackIDs()) == 12 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestOrderlyConsumePreservesQueueOrder(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 2)
	c := newTestConsumer(t, fi, func(o *Options) {
		o.ConsumeWorkers = 4
		o.PopBatchSize = 3
	})
	require.NoError(t, c.Subscribe("T", "*"))

	rec := newRecorder()
	var mu sync.Mutex
	inside := make(map[message.Queue]int)
	overlap := atomic.Bool{}

	require.NoError(t, c.RegisterOrderlyListener(func(_ context.Context, msgs []*message.Message) OrderlyStatus {
		q := msgs[0].Queue
		mu.Lock()
		inside[q]++
		if inside[q] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)
		rec.add(msgs)

		mu.Lock()
		inside[q]--
		mu.Unlock()
		return OrderlySuccess
	}))
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Shutdown() })

	fi.push(qa, messages("a", 20)...)
	fi.push(qb, messages("b", 20)...)
	fi.push(qc, messages("c", 20)...)
	fi.setAssignment("T", qa, qb, qc)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return rec.count() == 60 }, 3*time.Second, 5*time.Millisecond)
	assert.False(t, overlap.Load(), "a queue was consumed by two listener calls at once")

	for _, q := range []message.Queue{qa, qb, qc} {
		ids := rec.ids(q)
		require.Len(t, ids, 20)
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1], ids[i], "queue %s out of order", q)
		}
	}

	fi.mu.Lock()
	for _, req := range fi.popReqs {
		assert.True(t, req.Orderly)
	}
	fi.mu.Unlock()
}

func TestOrderlySuspendThenSucceed(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, nil)
	require.NoError(t, c.Subscribe("T", "*"))

	var attempts atomic.Int32
	require.NoError(t, c.RegisterOrderlyListener(func(context.Context, []*message.Message) OrderlyStatus {
		if attempts.Add(1) < 3 {
			return SuspendCurrentQueue
		}
		return OrderlySuccess
	}))
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Shutdown() })

	fi.push(qa, newMessage("m1", ""))
	fi.setAssignment("T", qa)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return len(fi.ackIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Empty(t, fi.nackReqs())

	s := c.CollectStats()
	assert.Equal(t, int64(2), s.ConsumeFailure)
	assert.Equal(t, int64(1), s.ConsumeSuccess)
}

func TestOrderlySuspendedQueueDoesNotStallOthers(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, func(o *Options) {
		o.ConsumeWorkers = 1
		o.MaxReconsumeTimes = 1000
	})
	require.NoError(t, c.Subscribe("T", "*"))

	rec := newRecorder()
	require.NoError(t, c.RegisterOrderlyListener(func(_ context.Context, msgs []*message.Message) OrderlyStatus {
		if msgs[0].Queue == qa {
			return SuspendCurrentQueue
		}
		rec.add(msgs)
		return OrderlySuccess
	}))
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Shutdown() })

	fi.push(qa, messages("a", 1)...)
	fi.push(qb, messages("b", 5)...)
	fi.setAssignment("T", qa, qb)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return len(rec.ids(qb)) == 5 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.ids(qa))
	assert.Empty(t, fi.nackReqs())
}

func TestOrderlyGivesUpAfterMaxRetries(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, func(o *Options) { o.MaxReconsumeTimes = 3 })
	require.NoError(t, c.Subscribe("T", "*"))

	var attempts atomic.Int32
	require.NoError(t, c.RegisterOrderlyListener(func(context.Context, []*message.Message) OrderlyStatus {
		attempts.Add(1)
		return SuspendCurrentQueue
	}))
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Shutdown() })

	fi.push(qa, newMessage("m1", ""))
	fi.setAssignment("T", qa)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return len(fi.nackReqs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Empty(t, fi.ackIDs())
}

func TestFlowControlPausesPopping(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, func(o *Options) {
		o.MaxCachedMessages = 2
		o.PopBatchSize = 2
	})
	require.NoError(t, c.Subscribe("T", "*"))

	release := make(chan struct{})
	startConcurrent(t, c, func(ctx context.Context, _ []*message.Message) ConsumeStatus {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ConsumeSuccess
	})

	fi.push(qa, messages("a", 6)...)
	fi.setAssignment("T", qa)
	c.ScanAssignments()

	pq, ok := c.ProcessQueue(qa)
	require.True(t, ok)
	require.Eventually(t, func() bool { return pq.CachedMessages() == 2 }, time.Second, 5*time.Millisecond)

	pops := fi.popCount(qa)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, pops, fi.popCount(qa), "queue kept popping while over the cached limit")

	close(release)
	require.Eventually(t, func() bool { return len(fi.ackIDs()) == 6 }, 2*time.Second, 5*time.Millisecond)
}

func TestFilterMismatchIsAckedNotDelivered(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, nil)
	require.NoError(t, c.Subscribe("T", "TagA || TagB"))

	rec := newRecorder()
	startConcurrent(t, c, func(_ context.Context, msgs []*message.Message) ConsumeStatus {
		rec.add(msgs)
		return ConsumeSuccess
	})

	multi := newMessage("multi", "TagX||TagB")
	multi.SysFlag |= message.FlagMultiTags
	fi.push(qa, newMessage("a", "TagA"), newMessage("x", "TagX"), multi, newMessage("none", ""))
	fi.setAssignment("T", qa)
	c.ScanAssignments()

	require.Eventually(t, func() bool { return len(fi.ackIDs()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "multi"}, rec.ids(qa))
}

func TestCompressedBodyIsInflated(t *testing.T) {
	fi := newFakeInstance().withRoute("T", 1)
	c := newTestConsumer(t, fi, nil)
	require.NoError(t, c.Subscribe("T", "*"))

	bodies := make(chan []byte, 2)
	startConcurrent(t, c, func(_ context.Context, msgs []*message.Message) ConsumeStatus {
		for _, m := range msgs {
			assert.False(t, message.IsBodyCompressed(m.SysFlag))
			bodies <- m.Body
		}
		return ConsumeSuccess
	})

	payload := []byte("a payload large enough to be worth compressing, repeated repeated repeated")
	compressed, err := message.Compress(payload, 5)
	require.NoError(t, err)

	good := newMessage("good", "")
	good.Body = compressed
	good.SysFlag = message.FlagBodyCompressed
	corrupt := newMessage("corrupt", "")
	corrupt.Body = []byte("not zlib")
	corrupt.SysFlag = message.FlagBodyCompressed

	fi.push(qa, corrupt, good)
	fi.setAssignment("T", qa)
	c.ScanAssignments()

	select {
	case b := <-bodies:
		assert.Equal(t, payload, b)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	require.Eventually(t, func() bool { return len(fi.ackIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"good"}, fi.ackIDs())
}

func TestDroppedQueueBatchIsSkipped(t *testing.T) {
	fi := newFakeInstance()
	c := newTestConsumer(t, fi, nil)
	f, err := filter.New("*")
	require.NoError(t, err)

	var calls atomic.Int32
	svc := newConcurrentService(c, func(context.Context, []*message.Message) ConsumeStatus {
		calls.Add(1)
		return ConsumeSuccess
	})
	svc.Start()
	defer svc.Shutdown()

	pq := newProcessQueue(c, qa, f)
	pq.SetDropped()
	pq.cached.Add(2)
	require.NoError(t, svc.Dispatch(pq, messages("a", 2)))

	require.Eventually(t, func() bool { return pq.CachedMessages() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Empty(t, fi.ackIDs())
	assert.Empty(t, fi.nackReqs())
}

func TestDispatchAfterShutdown(t *testing.T) {
	c := newTestConsumer(t, newFakeInstance(), nil)
	f, err := filter.New("*")
	require.NoError(t, err)
	pq := newProcessQueue(c, qa, f)

	concurrent := newConcurrentService(c, func(context.Context, []*message.Message) ConsumeStatus { return ConsumeSuccess })
	concurrent.Start()
	concurrent.Shutdown()
	assert.ErrorIs(t, concurrent.Dispatch(pq, messages("a", 1)), ErrServiceStopped)

	orderly := newOrderlyService(c, func(context.Context, []*message.Message) OrderlyStatus { return OrderlySuccess })
	orderly.Start()
	orderly.Shutdown()
	assert.ErrorIs(t, orderly.Dispatch(pq, messages("a", 1)), ErrServiceStopped)
}

func TestSplit(t *testing.T) {
	msgs := messages("m", 7)
	batches := split(msgs, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)

	assert.Len(t, split(msgs, 0), 7)
	assert.Empty(t, split(nil, 3))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, RetryDelay(0))
	assert.Equal(t, time.Second, RetryDelay(1))
	assert.Equal(t, 5*time.Second, RetryDelay(2))
	assert.Equal(t, 2*time.Hour, RetryDelay(100))
}
