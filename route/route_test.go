// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoute() *TopicRouteData {
	return &TopicRouteData{
		Topic: "T",
		Brokers: []BrokerData{
			{BrokerName: "b0", Addrs: map[int64]string{0: "10.0.0.1:10911", 1: "10.0.0.2:10911"}},
			{BrokerName: "b1", Addrs: map[int64]string{1: "10.0.0.3:10911"}},
		},
		Queues: []QueueData{{BrokerName: "b0", ReadQueueNums: 4, WriteQueueNums: 4}},
	}
}

func TestShiftPort(t *testing.T) {
	tests := []struct {
		addr    string
		shift   int
		want    string
		wantErr bool
	}{
		{"127.0.0.1:10911", 1, "127.0.0.1:10912", false},
		{"broker.local:8080", QueryPortShift, "broker.local:8081", false},
		{"[::1]:9000", 2, "[::1]:9002", false},
		{"no-port", 1, "", true},
		{"host:abc", 1, "", true},
	}

	for _, tt := range tests {
		got, err := ShiftPort(tt.addr, tt.shift)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidAddress, tt.addr)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestMasterAddr(t *testing.T) {
	r := testRoute()

	addr, err := r.Brokers[0].MasterAddr()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:10911", addr)

	_, err = r.Brokers[1].MasterAddr()
	assert.ErrorIs(t, err, ErrNoMasterBroker)

	assert.Equal(t, []string{"10.0.0.1:10911"}, r.MasterAddrs())
}

func TestSelectBroker(t *testing.T) {
	r := testRoute()

	b, err := r.SelectBroker(0)
	require.NoError(t, err)
	assert.Equal(t, "b0", b.BrokerName)

	b, err = r.SelectBroker(3)
	require.NoError(t, err)
	assert.Equal(t, "b1", b.BrokerName)

	_, err = (&TopicRouteData{Topic: "T"}).SelectBroker(1)
	assert.ErrorIs(t, err, ErrNoBrokerAvailable)

	var nilRoute *TopicRouteData
	_, err = nilRoute.SelectBroker(1)
	assert.ErrorIs(t, err, ErrNoBrokerAvailable)
}

func TestClone(t *testing.T) {
	r := testRoute()
	c := r.Clone()
	require.Equal(t, r, c)

	c.Brokers[0].Addrs[0] = "changed:1"
	assert.Equal(t, "10.0.0.1:10911", r.Brokers[0].Addrs[0])

	b, ok := r.Broker("b1")
	assert.True(t, ok)
	assert.Equal(t, "b1", b.BrokerName)
	_, ok = r.Broker("missing")
	assert.False(t, ok)
}
