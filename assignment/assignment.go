// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package assignment holds the broker-reported association of queues to a consumer.
package assignment

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/absmach/mqpush/message"
)

// Assignment is one queue a consumer is allowed to read.
type Assignment struct {
	Queue message.Queue
}

// New creates an assignment for q.
func New(q message.Queue) Assignment {
	return Assignment{Queue: q}
}

// TopicAssignmentInfo is the full assignment set for a topic at a point in time.
// Instances are treated as immutable once returned by a query.
type TopicAssignmentInfo struct {
	assignments []Assignment
}

// NewTopicAssignmentInfo copies the given assignments.
func NewTopicAssignmentInfo(assignments ...Assignment) TopicAssignmentInfo {
	return TopicAssignmentInfo{assignments: append([]Assignment(nil), assignments...)}
}

// FromQueues builds an assignment info from queue identities.
func FromQueues(queues ...message.Queue) TopicAssignmentInfo {
	as := make([]Assignment, len(queues))
	for i, q := range queues {
		as[i] = New(q)
	}
	return TopicAssignmentInfo{assignments: as}
}

// Assignments returns a copy of the assignment list in its original order.
func (t TopicAssignmentInfo) Assignments() []Assignment {
	return append([]Assignment(nil), t.assignments...)
}

// Len returns the number of assignments.
func (t TopicAssignmentInfo) Len() int {
	return len(t.assignments)
}

// Empty reports whether there is no assignment.
func (t TopicAssignmentInfo) Empty() bool {
	return len(t.assignments) == 0
}

// QueueSet returns the set of assigned queue identities.
func (t TopicAssignmentInfo) QueueSet() map[message.Queue]struct{} {
	set := make(map[message.Queue]struct{}, len(t.assignments))
	for _, a := range t.assignments {
		set[a.Queue] = struct{}{}
	}
	return set
}

// Equal reports whether both infos assign the same set of queues, in any order.
func (t TopicAssignmentInfo) Equal(o TopicAssignmentInfo) bool {
	a, b := t.QueueSet(), o.QueueSet()
	if len(a) != len(b) {
		return false
	}
	for q := range a {
		if _, ok := b[q]; !ok {
			return false
		}
	}
	return true
}

func (t TopicAssignmentInfo) String() string {
	names := make([]string, len(t.assignments))
	for i, a := range t.assignments {
		names[i] = a.Queue.String()
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ", ") + "]"
}

// RoundRobin is a monotonically increasing counter shared by every selection
// that should be spread across broker groups.
type RoundRobin struct {
	n atomic.Uint64
}

// Next returns the current value and advances the counter.
func (r *RoundRobin) Next() uint64 {
	return r.n.Add(1) - 1
}
