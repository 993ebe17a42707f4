// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package route describes how a topic is laid out over broker replica groups.
package route

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
)

// MasterBrokerID is the broker id of the primary replica in a group.
const MasterBrokerID int64 = 0

// QueryPortShift is added to a broker's advertised port to reach the
// endpoint serving assignment queries and pops.
const QueryPortShift = 1

// Route errors.
var (
	ErrNoBrokerAvailable = errors.New("no broker could be selected")
	ErrNoMasterBroker    = errors.New("broker group has no master replica")
	ErrInvalidAddress    = errors.New("invalid broker address")
)

// BrokerData is one replica group: a broker name and its replicas by id.
type BrokerData struct {
	Cluster    string
	BrokerName string
	Addrs      map[int64]string
}

// MasterAddr returns the address of the primary replica.
func (b BrokerData) MasterAddr() (string, error) {
	addr, ok := b.Addrs[MasterBrokerID]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrNoMasterBroker, b.BrokerName)
	}
	return addr, nil
}

// QueueData describes the queues a broker group hosts for a topic.
type QueueData struct {
	BrokerName     string
	ReadQueueNums  int
	WriteQueueNums int
	Perm           int
}

// TopicRouteData is the route of one topic.
type TopicRouteData struct {
	Topic   string
	Brokers []BrokerData
	Queues  []QueueData
}

// Broker returns the broker group with the given name.
func (r *TopicRouteData) Broker(name string) (BrokerData, bool) {
	for _, b := range r.Brokers {
		if b.BrokerName == name {
			return b, true
		}
	}
	return BrokerData{}, false
}

// MasterAddrs returns the primary address of every group, sorted.
func (r *TopicRouteData) MasterAddrs() []string {
	addrs := make([]string, 0, len(r.Brokers))
	for _, b := range r.Brokers {
		if addr, err := b.MasterAddr(); err == nil {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)
	return addrs
}

// Clone returns a deep copy.
func (r *TopicRouteData) Clone() *TopicRouteData {
	if r == nil {
		return nil
	}
	c := &TopicRouteData{
		Topic:   r.Topic,
		Brokers: make([]BrokerData, len(r.Brokers)),
		Queues:  append([]QueueData(nil), r.Queues...),
	}
	for i, b := range r.Brokers {
		addrs := make(map[int64]string, len(b.Addrs))
		for id, addr := range b.Addrs {
			addrs[id] = addr
		}
		c.Brokers[i] = BrokerData{Cluster: b.Cluster, BrokerName: b.BrokerName, Addrs: addrs}
	}
	return c
}

// SelectBroker picks the broker group at index mod len(groups).
func (r *TopicRouteData) SelectBroker(index uint64) (BrokerData, error) {
	if r == nil || len(r.Brokers) == 0 {
		return BrokerData{}, ErrNoBrokerAvailable
	}
	return r.Brokers[index%uint64(len(r.Brokers))], nil
}

// ShiftPort returns addr with its port increased by shift.
func ShiftPort(addr string, shift int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+shift)), nil
}
