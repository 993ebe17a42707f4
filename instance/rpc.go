// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"

	"github.com/absmach/mqpush/assignment"
	"github.com/absmach/mqpush/protocol"
	"github.com/absmach/mqpush/route"
)

// RPC is the broker transport used by an Instance. Every call addresses a
// single endpoint or broker target in host:port form.
type RPC interface {
	QueryRoute(ctx context.Context, endpoint, topic string) (*route.TopicRouteData, error)
	QueryAssignment(ctx context.Context, target string, req *protocol.QueryAssignmentRequest) (assignment.TopicAssignmentInfo, error)
	Pop(ctx context.Context, target string, req *protocol.PopRequest) (*protocol.PopResult, error)
	Ack(ctx context.Context, target string, req *protocol.AckRequest) error
	ChangeInvisibleDuration(ctx context.Context, target string, req *protocol.ChangeInvisibleRequest) error
	Heartbeat(ctx context.Context, target string, data *protocol.HeartbeatData) error
}

// Observer is a consumer registered with an Instance. The Instance drives
// its periodic tasks.
type Observer interface {
	ScanAssignments()
	LogStats()
	PrepareHeartbeatData() protocol.ConsumeData
}
