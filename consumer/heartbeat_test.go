// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"testing"

	"github.com/absmach/mqpush/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareHeartbeatData(t *testing.T) {
	c := newTestConsumer(t, newFakeInstance(), func(o *Options) { o.Namespace = "ns" })
	require.NoError(t, c.Subscribe("orders", "created || paid"))
	require.NoError(t, c.SubscribeSQL("audit", "amount > 10"))
	require.NoError(t, c.Subscribe("all", "*"))

	data := c.PrepareHeartbeatData()

	assert.Equal(t, "ns%G", data.GroupName)
	assert.Equal(t, protocol.ConsumePassive, data.ConsumeType)
	assert.Equal(t, protocol.ConsumeFromLastOffset, data.ConsumeFrom)
	assert.Equal(t, protocol.Clustering, data.MessageModel)
	assert.False(t, data.UnitMode)

	require.Len(t, data.Subscriptions, 3)
	byTopic := make(map[string]protocol.SubscriptionData)
	for _, s := range data.Subscriptions {
		byTopic[s.Topic] = s
	}

	assert.Equal(t, protocol.ExpressionTag, byTopic["orders"].ExpressionType)
	assert.Equal(t, "created || paid", byTopic["orders"].SubString)
	assert.Equal(t, protocol.ExpressionSQL, byTopic["audit"].ExpressionType)
	assert.Equal(t, "amount > 10", byTopic["audit"].SubString)
	assert.Equal(t, protocol.ExpressionTag, byTopic["all"].ExpressionType)
	assert.Equal(t, "*", byTopic["all"].SubString)
	assert.Equal(t, c.Subscriptions()["audit"].Version(), byTopic["audit"].SubVersion)

	// Sorted by topic.
	assert.Equal(t, "all", data.Subscriptions[0].Topic)
	assert.Equal(t, "orders", data.Subscriptions[2].Topic)
}

func TestPrepareHeartbeatDataWithoutSubscriptions(t *testing.T) {
	c := newTestConsumer(t, newFakeInstance(), nil)
	data := c.PrepareHeartbeatData()
	assert.Equal(t, "G", data.GroupName)
	assert.Empty(t, data.Subscriptions)
}
