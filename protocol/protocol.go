// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the requests, responses and heartbeat payloads
// exchanged between the consumer runtime and the broker transport.
package protocol

import (
	"time"

	"github.com/absmach/mqpush/message"
)

// DefaultStrategyName is the load balancing strategy requested from brokers.
const DefaultStrategyName = "AVG"

// MessageModel is the delivery model of a consumer group.
type MessageModel int

// Message models.
const (
	Clustering MessageModel = iota
	Broadcasting
)

func (m MessageModel) String() string {
	switch m {
	case Clustering:
		return "CLUSTERING"
	case Broadcasting:
		return "BROADCASTING"
	default:
		return "UNKNOWN"
	}
}

// ConsumeType tells the broker who drives retrieval.
type ConsumeType int

// Consume types.
const (
	// ConsumePassive is push-style delivery driven by the client runtime.
	ConsumePassive ConsumeType = iota
	ConsumeActive
)

func (c ConsumeType) String() string {
	switch c {
	case ConsumePassive:
		return "PASSIVE"
	case ConsumeActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// ConsumeFrom is where a new consumer group starts reading.
type ConsumeFrom int

// Start positions.
const (
	ConsumeFromLastOffset ConsumeFrom = iota
	ConsumeFromFirstOffset
	ConsumeFromTimestamp
)

func (c ConsumeFrom) String() string {
	switch c {
	case ConsumeFromLastOffset:
		return "LAST_OFFSET"
	case ConsumeFromFirstOffset:
		return "FIRST_OFFSET"
	case ConsumeFromTimestamp:
		return "TIMESTAMP"
	default:
		return "UNKNOWN"
	}
}

// ExpressionType is the subscription expression kind reported in heartbeats.
type ExpressionType int

// Expression types. ExpressionSQL is the generic pattern kind every
// non-tag expression is reported as.
const (
	ExpressionTag ExpressionType = iota
	ExpressionSQL
)

func (e ExpressionType) String() string {
	if e == ExpressionTag {
		return "TAG"
	}
	return "SQL"
}

// QueryAssignmentRequest asks a broker for a topic's assignment to a client.
type QueryAssignmentRequest struct {
	Topic         string
	ConsumerGroup string
	ClientID      string
	StrategyName  string
	MessageModel  MessageModel
}

// PopRequest retrieves a batch of messages from one queue.
type PopRequest struct {
	ConsumerGroup     string
	ClientID          string
	Queue             message.Queue
	Expression        string
	ExpressionType    ExpressionType
	MaxMessages       int
	InvisibleDuration time.Duration
	PollTime          time.Duration
	Orderly           bool
}

// PopStatus is the outcome of a pop.
type PopStatus int

// Pop statuses.
const (
	PopFound PopStatus = iota
	PopNoNewMessage
	PopPollingFull
	PopPollingNotFound
)

func (s PopStatus) String() string {
	switch s {
	case PopFound:
		return "FOUND"
	case PopNoNewMessage:
		return "NO_NEW_MSG"
	case PopPollingFull:
		return "POLLING_FULL"
	case PopPollingNotFound:
		return "POLLING_NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// PopResult is the response to a PopRequest.
type PopResult struct {
	Status   PopStatus
	Messages []*message.Message
	PopTime  time.Time
}

// AckRequest acknowledges one delivery.
type AckRequest struct {
	ConsumerGroup string
	Queue         message.Queue
	MessageID     string
	ReceiptHandle string
}

// ChangeInvisibleRequest postpones redelivery of one message.
type ChangeInvisibleRequest struct {
	ConsumerGroup     string
	Queue             message.Queue
	MessageID         string
	ReceiptHandle     string
	InvisibleDuration time.Duration
}

// SubscriptionData is one subscribed topic as reported in a heartbeat.
type SubscriptionData struct {
	Topic          string
	SubString      string
	SubVersion     int64
	ExpressionType ExpressionType
}

// ConsumeData describes one consumer group of a client.
type ConsumeData struct {
	GroupName     string
	ConsumeType   ConsumeType
	ConsumeFrom   ConsumeFrom
	MessageModel  MessageModel
	UnitMode      bool
	Subscriptions []SubscriptionData
}

// HeartbeatData is the payload sent periodically to every broker.
type HeartbeatData struct {
	ClientID     string
	ConsumeDatas []ConsumeData
}
