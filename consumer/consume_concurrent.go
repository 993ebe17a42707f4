// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/mqpush/message"
	"golang.org/x/sync/semaphore"
)

// concurrentService consumes batches on up to ConsumeWorkers goroutines with
// no ordering between batches.
type concurrentService struct {
	base
	listener ConcurrentListener
	sem      *semaphore.Weighted

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

func newConcurrentService(c *PushConsumer, l ConcurrentListener) *concurrentService {
	return &concurrentService{
		base:     newBase(c, "concurrent"),
		listener: l,
		sem:      semaphore.NewWeighted(int64(c.opts.ConsumeWorkers)),
	}
}

func (s *concurrentService) Orderly() bool { return false }

func (s *concurrentService) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

func (s *concurrentService) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// Batches still waiting for a worker are abandoned; the broker redelivers
	// them once their invisible duration elapses.
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if !waitTimeout(done, s.timeout) {
		s.logger.Warn("timed out waiting for in-flight listeners", slog.Duration("timeout", s.timeout))
	}
}

func (s *concurrentService) Dispatch(pq *ProcessQueue, msgs []*message.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrServiceStopped
	}

	for _, batch := range split(msgs, s.batch) {
		s.wg.Add(1)
		go s.consume(pq, batch)
	}
	return nil
}

func (s *concurrentService) consume(pq *ProcessQueue, msgs []*message.Message) {
	defer s.wg.Done()
	defer pq.finish(len(msgs))

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	if pq.IsDropped() {
		s.logger.Debug("skip batch of dropped queue",
			slog.String("queue", pq.Queue().String()),
			slog.Int("count", len(msgs)))
		return
	}

	ok := s.invoke(pq, msgs, func(ctx context.Context) bool {
		return s.listener(ctx, msgs) == ConsumeSuccess
	})
	if ok {
		pq.ack(msgs)
		return
	}
	pq.retryLater(msgs)
}
