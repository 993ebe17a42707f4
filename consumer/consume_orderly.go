// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqpush/message"
	"golang.org/x/sync/semaphore"
)

// orderlyLane serializes the batches of one ProcessQueue. At most one drain
// goroutine runs per lane and it consumes batches in dispatch order.
type orderlyLane struct {
	mu      sync.Mutex
	pending [][]*message.Message
	busy    bool
}

// push queues msgs and reports whether the caller must start draining.
func (l *orderlyLane) push(msgs []*message.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, msgs)
	if l.busy {
		return false
	}
	l.busy = true
	return true
}

// next pops the oldest batch. It clears busy when the lane is empty.
func (l *orderlyLane) next() ([]*message.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		l.busy = false
		return nil, false
	}
	msgs := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return msgs, true
}

// orderlyService consumes every queue on its own lane so batches of a queue
// run one at a time in retrieval order. Listener calls of all queues share a
// pool of ConsumeWorkers slots; a suspended queue holds no slot while it
// waits, so it never stalls another queue.
type orderlyService struct {
	base
	listener   OrderlyListener
	sem        *semaphore.Weighted
	maxRetries int
	suspend    time.Duration

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

func newOrderlyService(c *PushConsumer, l OrderlyListener) *orderlyService {
	return &orderlyService{
		base:       newBase(c, "orderly"),
		listener:   l,
		sem:        semaphore.NewWeighted(int64(c.opts.ConsumeWorkers)),
		maxRetries: c.opts.MaxReconsumeTimes,
		suspend:    c.opts.SuspendInterval,
	}
}

func (s *orderlyService) Orderly() bool { return true }

func (s *orderlyService) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

func (s *orderlyService) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// Pending batches are released unconsumed and redelivered by the broker.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if !waitTimeout(done, s.timeout) {
		s.logger.Warn("timed out waiting for orderly lanes", slog.Duration("timeout", s.timeout))
	}
}

func (s *orderlyService) Dispatch(pq *ProcessQueue, msgs []*message.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrServiceStopped
	}

	if pq.lane.push(msgs) {
		s.wg.Add(1)
		go s.drain(pq)
	}
	return nil
}

func (s *orderlyService) drain(pq *ProcessQueue) {
	defer s.wg.Done()
	for {
		msgs, ok := pq.lane.next()
		if !ok {
			return
		}
		s.consume(pq, msgs)
	}
}

func (s *orderlyService) consume(pq *ProcessQueue, msgs []*message.Message) {
	defer pq.finish(len(msgs))

	for _, batch := range split(msgs, s.batch) {
		if !s.consumeBatch(pq, batch) {
			return
		}
	}
}

// consumeBatch runs the listener until it succeeds or the local retries are
// used up. It returns false when the rest of the task must be abandoned.
func (s *orderlyService) consumeBatch(pq *ProcessQueue, msgs []*message.Message) bool {
	for attempt := 1; ; attempt++ {
		if pq.IsDropped() || s.ctx.Err() != nil {
			return false
		}

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return false
		}
		ok := s.invoke(pq, msgs, func(ctx context.Context) bool {
			return s.listener(ctx, msgs) == OrderlySuccess
		})
		s.sem.Release(1)

		if ok {
			pq.ack(msgs)
			return true
		}

		if attempt >= s.maxRetries {
			s.logger.Error("orderly consumption kept failing, handing batch back to broker",
				slog.String("queue", pq.Queue().String()),
				slog.Int("attempts", attempt),
				slog.Int("count", len(msgs)))
			pq.retryLater(msgs)
			return true
		}

		s.logger.Debug("suspending queue before retry",
			slog.String("queue", pq.Queue().String()),
			slog.Int("attempt", attempt),
			slog.Duration("suspend", s.suspend))
		t := time.NewTimer(s.suspend)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return false
		case <-pq.ctx.Done():
			t.Stop()
			return false
		}
	}
}
