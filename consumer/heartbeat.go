// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sort"

	"github.com/absmach/mqpush/filter"
	"github.com/absmach/mqpush/protocol"
)

// PrepareHeartbeatData describes this consumer group and its subscriptions
// for the periodic heartbeat.
func (c *PushConsumer) PrepareHeartbeatData() protocol.ConsumeData {
	data := protocol.ConsumeData{
		GroupName:    c.Group(),
		ConsumeType:  protocol.ConsumePassive,
		ConsumeFrom:  protocol.ConsumeFromLastOffset,
		MessageModel: protocol.Clustering,
		UnitMode:     false,
	}

	c.filters.Range(func(topic string, f *filter.Expression) bool {
		data.Subscriptions = append(data.Subscriptions, protocol.SubscriptionData{
			Topic:          topic,
			SubString:      f.Expression(),
			SubVersion:     f.Version(),
			ExpressionType: expressionType(f.Kind()),
		})
		return true
	})
	sort.Slice(data.Subscriptions, func(i, j int) bool {
		return data.Subscriptions[i].Topic < data.Subscriptions[j].Topic
	})
	return data
}
