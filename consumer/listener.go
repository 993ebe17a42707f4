// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"

	"github.com/absmach/mqpush/message"
)

// ConsumeStatus is the result a ConcurrentListener returns for a batch.
type ConsumeStatus int

// Concurrent consume results.
const (
	ConsumeSuccess ConsumeStatus = iota
	ReconsumeLater
)

func (s ConsumeStatus) String() string {
	if s == ConsumeSuccess {
		return "CONSUME_SUCCESS"
	}
	return "RECONSUME_LATER"
}

// OrderlyStatus is the result an OrderlyListener returns for a batch.
type OrderlyStatus int

// Orderly consume results.
const (
	OrderlySuccess OrderlyStatus = iota
	SuspendCurrentQueue
)

func (s OrderlyStatus) String() string {
	if s == OrderlySuccess {
		return "SUCCESS"
	}
	return "SUSPEND_CURRENT_QUEUE_A_MOMENT"
}

// ConcurrentListener processes messages with no ordering guarantee.
// All messages of a batch belong to the same queue.
type ConcurrentListener func(ctx context.Context, msgs []*message.Message) ConsumeStatus

// OrderlyListener processes messages of a queue one batch at a time, in
// queue order.
type OrderlyListener func(ctx context.Context, msgs []*message.Message) OrderlyStatus
