// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines queue identities and the messages retrieved from them.
package message

import (
	"fmt"
	"strings"
	"time"
)

// Well-known message properties.
const (
	PropertyTags          = "TAGS"
	PropertyKeys          = "KEYS"
	PropertyReconsumeTime = "RECONSUME_TIME"
	PropertyMaxOffset     = "MAX_OFFSET"
	PropertyShardingKey   = "__SHARDINGKEY"

	// MultiTagSeparator joins tags when FlagMultiTags is set.
	MultiTagSeparator = "||"
)

// Queue identifies one logical queue of a topic hosted by a broker.
// The zero value is not a valid queue.
type Queue struct {
	Topic      string
	BrokerName string
	QueueID    int
}

// NewQueue creates a queue identity.
func NewQueue(topic, brokerName string, queueID int) Queue {
	return Queue{Topic: topic, BrokerName: brokerName, QueueID: queueID}
}

// String returns a stable textual form of the queue identity.
func (q Queue) String() string {
	return fmt.Sprintf("%s@%s#%d", q.Topic, q.BrokerName, q.QueueID)
}

// Message is a message retrieved from a queue.
type Message struct {
	ID            string
	Topic         string
	Body          []byte
	Properties    map[string]string
	SysFlag       int
	Queue         Queue
	QueueOffset   int64
	BornTime      time.Time
	StoreTime     time.Time
	DeliveryCount int

	// ReceiptHandle identifies this delivery for acknowledgment.
	ReceiptHandle string
	// InvisibleUntil is the moment the broker makes the message visible again
	// if it is not acknowledged.
	InvisibleUntil time.Time
}

// Tags returns the message tag, or an empty string.
func (m *Message) Tags() string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[PropertyTags]
}

// TagList splits a multi-tag value into its individual tags.
func (m *Message) TagList() []string {
	raw := m.Tags()
	if raw == "" {
		return nil
	}
	if !IsMultiTags(m.SysFlag) {
		return []string{raw}
	}
	parts := strings.Split(raw, MultiTagSeparator)
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// Keys returns the message keys, or an empty string.
func (m *Message) Keys() string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[PropertyKeys]
}

// Property returns a user or system property.
func (m *Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// SetProperty sets a property, allocating the map when needed.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{id=%s, topic=%s, queue=%s, offset=%d, tags=%s, deliveries=%d}",
		m.ID, m.Topic, m.Queue, m.QueueOffset, m.Tags(), m.DeliveryCount)
}
