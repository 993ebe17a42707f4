// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"log/slog"
	"sync/atomic"
)

// Stats is a snapshot of the counters accumulated since the previous report.
type Stats struct {
	PopTimes       int64
	PopMessages    int64
	ConsumeSuccess int64
	ConsumeFailure int64
}

type stats struct {
	popTimes       atomic.Int64
	popMsgCount    atomic.Int64
	consumeSuccess atomic.Int64
	consumeFailure atomic.Int64
}

// reset reads every counter and zeroes it atomically, so increments racing
// with a report land in exactly one window.
func (s *stats) reset() Stats {
	return Stats{
		PopTimes:       s.popTimes.Swap(0),
		PopMessages:    s.popMsgCount.Swap(0),
		ConsumeSuccess: s.consumeSuccess.Swap(0),
		ConsumeFailure: s.consumeFailure.Swap(0),
	}
}

// CollectStats returns the counters accumulated since the last collection
// and resets them.
func (c *PushConsumer) CollectStats() Stats {
	return c.stats.reset()
}

// LogStats logs and resets the pop and consume counters.
func (c *PushConsumer) LogStats() {
	s := c.stats.reset()
	c.logger.Info("consumer stats",
		slog.String("group", c.Group()),
		slog.String("client_id", c.instance.ClientID()),
		slog.Int64("pop_times", s.PopTimes),
		slog.Int64("pop_messages", s.PopMessages),
		slog.Int64("consume_success", s.ConsumeSuccess),
		slog.Int64("consume_failure", s.ConsumeFailure),
		slog.Int("process_queues", c.processQueues.Size()))
}
