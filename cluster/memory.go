// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster provides an in-memory broker cluster that speaks the client
// transport. It keeps pop semantics faithful enough to run consumers end to
// end without a network: invisible durations, receipt handles, broker side
// filtering, queue locking for orderly pops and average queue allocation
// among the clients that sent a heartbeat.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/mqpush/assignment"
	"github.com/absmach/mqpush/filter"
	"github.com/absmach/mqpush/message"
	"github.com/absmach/mqpush/protocol"
	"github.com/absmach/mqpush/route"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"github.com/zeebo/xxh3"
)

// Defaults.
const (
	DefaultBrokers           = 2
	DefaultQueuesPerBroker   = 4
	DefaultBasePort          = 10911
	DefaultCompressThreshold = 4 * 1024
	DefaultHeartbeatTimeout  = 30 * time.Second
)

// Cluster errors.
var (
	ErrUnknownTopic   = errors.New("topic does not exist")
	ErrWrongTarget    = errors.New("request sent to wrong broker")
	ErrUnknownHandle  = errors.New("receipt handle not found")
	ErrUnknownBroker  = errors.New("broker does not exist")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("invalid access credentials")
)

// Options configures a Cluster.
type Options struct {
	Brokers           int
	QueuesPerBroker   int
	BasePort          int
	CompressThreshold int
	HeartbeatTimeout  time.Duration
	// Credentials, when set, are required on every request.
	Credentials protocol.Credentials
	Logger      *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Brokers <= 0 {
		o.Brokers = DefaultBrokers
	}
	if o.QueuesPerBroker <= 0 {
		o.QueuesPerBroker = DefaultQueuesPerBroker
	}
	if o.BasePort <= 0 {
		o.BasePort = DefaultBasePort
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// entry is one delivery state of a message for a consumer group.
type entry struct {
	msg           *message.Message
	handle        string
	visibleAt     time.Time
	deliveryCount int
}

// groupQueue is the consumption state of one group on one queue.
type groupQueue struct {
	offset   int64
	inflight map[string]*entry // receipt handle -> entry
	retry    []*entry          // entries whose invisible duration may elapse
}

type queueLog struct {
	queue    message.Queue
	messages []*message.Message
	groups   map[string]*groupQueue
}

func (l *queueLog) group(name string) *groupQueue {
	g, ok := l.groups[name]
	if !ok {
		g = &groupQueue{inflight: make(map[string]*entry)}
		l.groups[name] = g
	}
	return g
}

type clientState struct {
	lastHeartbeat time.Time
	subscriptions map[string]protocol.SubscriptionData
}

// Cluster is an in-memory broker cluster. It is safe for concurrent use.
type Cluster struct {
	opts    Options
	logger  *slog.Logger
	brokers []route.BrokerData

	mu       sync.Mutex
	topics   map[string][]*queueLog
	produced map[string]uint64
	clients  map[string]map[string]*clientState // group -> client id -> state
	arrival  chan struct{}
}

// New creates a cluster of opts.Brokers master brokers.
func New(opts Options) *Cluster {
	opts.applyDefaults()
	c := &Cluster{
		opts:     opts,
		logger:   opts.Logger,
		topics:   make(map[string][]*queueLog),
		produced: make(map[string]uint64),
		clients:  make(map[string]map[string]*clientState),
		arrival:  make(chan struct{}),
	}
	for i := 0; i < opts.Brokers; i++ {
		c.brokers = append(c.brokers, route.BrokerData{
			Cluster:    "mem",
			BrokerName: fmt.Sprintf("broker-%d", i),
			Addrs: map[int64]string{
				route.MasterBrokerID: fmt.Sprintf("127.0.0.1:%d", opts.BasePort+i*10),
			},
		})
	}
	return c
}

// CreateTopic creates topic with QueuesPerBroker queues on every broker.
// Creating an existing topic is a no-op.
func (c *Cluster) CreateTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return
	}
	var logs []*queueLog
	for _, b := range c.brokers {
		for q := 0; q < c.opts.QueuesPerBroker; q++ {
			logs = append(logs, &queueLog{
				queue:  message.NewQueue(topic, b.BrokerName, q),
				groups: make(map[string]*groupQueue),
			})
		}
	}
	c.topics[topic] = logs
	c.logger.Info("topic created", slog.String("topic", topic), slog.Int("queues", len(logs)))
}

// Queues returns the queues of topic.
func (c *Cluster) Queues(topic string) []message.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()

	logs := c.topics[topic]
	queues := make([]message.Queue, len(logs))
	for i, l := range logs {
		queues[i] = l.queue
	}
	return queues
}

// Produce appends a message to topic, spreading messages round robin over
// its queues. Messages with a sharding key always land on the queue the key
// hashes to, so an orderly consumer sees them in production order. Bodies
// above the compression threshold are stored compressed.
func (c *Cluster) Produce(topic, tags string, body []byte, props map[string]string) (*message.Message, error) {
	msg := &message.Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Body:       body,
		Properties: make(map[string]string, len(props)+1),
		BornTime:   time.Now(),
	}
	for k, v := range props {
		msg.Properties[k] = v
	}
	if tags != "" {
		msg.Properties[message.PropertyTags] = tags
	}
	if len(body) > c.opts.CompressThreshold {
		compressed, err := message.Compress(body, zlib.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("compress message body: %w", err)
		}
		msg.Body = compressed
		msg.SysFlag |= message.FlagBodyCompressed
	}

	c.mu.Lock()
	logs, ok := c.topics[topic]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	idx := c.produced[topic] % uint64(len(logs))
	if key := msg.Properties[message.PropertyShardingKey]; key != "" {
		idx = xxh3.HashString(key) % uint64(len(logs))
	}
	l := logs[idx]
	c.produced[topic]++

	msg.Queue = l.queue
	msg.QueueOffset = int64(len(l.messages))
	msg.StoreTime = time.Now()
	l.messages = append(l.messages, msg)

	close(c.arrival)
	c.arrival = make(chan struct{})
	c.mu.Unlock()

	return msg, nil
}

// authenticate checks the credentials carried by ctx against the configured ones.
func (c *Cluster) authenticate(ctx context.Context) error {
	want := c.opts.Credentials
	if want.Empty() {
		return nil
	}
	got, ok := protocol.CredentialsFromContext(ctx)
	if !ok || got.AccessKey != want.AccessKey || got.AccessSecret != want.AccessSecret {
		return ErrUnauthorized
	}
	return nil
}

// QueryRoute returns the route of topic. Every endpoint serves the same view.
func (c *Cluster) QueryRoute(ctx context.Context, _ string, topic string) (*route.TopicRouteData, error) {
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	r := &route.TopicRouteData{Topic: topic}
	for _, b := range c.brokers {
		r.Brokers = append(r.Brokers, b)
		r.Queues = append(r.Queues, route.QueueData{
			BrokerName:     b.BrokerName,
			ReadQueueNums:  c.opts.QueuesPerBroker,
			WriteQueueNums: c.opts.QueuesPerBroker,
		})
	}
	return r.Clone(), nil
}

// QueryAssignment allocates the queues of req.Topic averagely among the live
// clients of req.ConsumerGroup. Queries are served on the shifted port of a
// master broker only.
func (c *Cluster) QueryAssignment(ctx context.Context, target string, req *protocol.QueryAssignmentRequest) (assignment.TopicAssignmentInfo, error) {
	if err := c.authenticate(ctx); err != nil {
		return assignment.TopicAssignmentInfo{}, err
	}
	if err := c.checkQueryTarget(target); err != nil {
		return assignment.TopicAssignmentInfo{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	logs, ok := c.topics[req.Topic]
	if !ok {
		return assignment.TopicAssignmentInfo{}, fmt.Errorf("%w: %s", ErrUnknownTopic, req.Topic)
	}
	queues := make([]message.Queue, len(logs))
	for i, l := range logs {
		queues[i] = l.queue
	}

	clients := c.liveClients(req.ConsumerGroup)
	return assignment.FromQueues(allocateAveragely(queues, clients, req.ClientID)...), nil
}

func (c *Cluster) checkQueryTarget(target string) error {
	for _, b := range c.brokers {
		addr, err := b.MasterAddr()
		if err != nil {
			continue
		}
		shifted, err := route.ShiftPort(addr, route.QueryPortShift)
		if err == nil && shifted == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %s does not serve assignments", ErrWrongTarget, target)
}

func (c *Cluster) liveClients(group string) []string {
	cutoff := time.Now().Add(-c.opts.HeartbeatTimeout)
	var clients []string
	for id, st := range c.clients[group] {
		if st.lastHeartbeat.After(cutoff) {
			clients = append(clients, id)
		}
	}
	sort.Strings(clients)
	return clients
}

// allocateAveragely gives each client a contiguous block of queues, the first
// len(queues)%len(clients) clients getting one extra queue.
func allocateAveragely(queues []message.Queue, clients []string, clientID string) []message.Queue {
	index := sort.SearchStrings(clients, clientID)
	if index == len(clients) || clients[index] != clientID || len(queues) == 0 {
		return nil
	}

	n, m := len(queues), len(clients)
	mod := n % m
	size := n / m
	if n <= m {
		size = 1
	} else if mod > 0 && index < mod {
		size++
	}

	start := index*size + mod
	if mod > 0 && index < mod {
		start = index * size
	}
	count := min(size, n-start)

	out := make([]message.Queue, 0, max(count, 0))
	for i := 0; i < count; i++ {
		out = append(out, queues[(start+i)%n])
	}
	return out
}

// Pop retrieves up to req.MaxMessages visible messages matching the request
// expression. With req.PollTime set it waits for new messages that long.
func (c *Cluster) Pop(ctx context.Context, target string, req *protocol.PopRequest) (*protocol.PopResult, error) {
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}
	if req.MaxMessages <= 0 {
		return nil, fmt.Errorf("%w: max messages must be positive", ErrInvalidRequest)
	}
	expr, err := popFilter(req)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if req.PollTime > 0 {
		t := time.NewTimer(req.PollTime)
		defer t.Stop()
		deadline = t.C
	}

	for {
		msgs, arrival, err := c.pop(target, req, expr)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return &protocol.PopResult{Status: protocol.PopFound, Messages: msgs, PopTime: time.Now()}, nil
		}
		if deadline == nil {
			return &protocol.PopResult{Status: protocol.PopNoNewMessage, PopTime: time.Now()}, nil
		}

		select {
		case <-arrival:
		case <-deadline:
			return &protocol.PopResult{Status: protocol.PopPollingNotFound, PopTime: time.Now()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func popFilter(req *protocol.PopRequest) (*filter.Expression, error) {
	if req.ExpressionType == protocol.ExpressionTag {
		return filter.New(req.Expression)
	}
	return filter.NewSQL(req.Expression)
}

func (c *Cluster) pop(target string, req *protocol.PopRequest, expr *filter.Expression) ([]*message.Message, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.queueAt(target, req.Queue)
	if err != nil {
		return nil, nil, err
	}
	g := l.group(req.ConsumerGroup)
	now := time.Now()

	// An orderly pop locks the queue until every delivery is settled.
	if req.Orderly && len(g.inflight) > 0 {
		var due []*entry
		for _, e := range g.inflight {
			if !e.visibleAt.After(now) {
				due = append(due, e)
			}
		}
		if len(due) == 0 {
			return nil, c.arrival, nil
		}
		sort.Slice(due, func(i, j int) bool { return due[i].msg.QueueOffset < due[j].msg.QueueOffset })
		return c.redeliver(g, due, req, now), c.arrival, nil
	}

	var out []*message.Message
	var due []*entry
	for _, e := range g.retry {
		if len(due) == req.MaxMessages {
			break
		}
		if _, live := g.inflight[e.handle]; live && !e.visibleAt.After(now) {
			due = append(due, e)
		}
	}
	out = append(out, c.redeliver(g, due, req, now)...)
	g.retry = compactRetry(g.retry, g.inflight)

	for len(out) < req.MaxMessages && g.offset < int64(len(l.messages)) {
		stored := l.messages[g.offset]
		g.offset++
		if !expr.Matches(stored.TagList(), stored.Properties) {
			continue
		}
		e := &entry{msg: stored}
		out = append(out, c.deliver(g, e, req, now))
		g.retry = append(g.retry, e)
	}
	return out, c.arrival, nil
}

func (c *Cluster) redeliver(g *groupQueue, due []*entry, req *protocol.PopRequest, now time.Time) []*message.Message {
	out := make([]*message.Message, 0, len(due))
	for _, e := range due {
		delete(g.inflight, e.handle)
		out = append(out, c.deliver(g, e, req, now))
	}
	return out
}

// deliver issues a fresh receipt handle for e and returns the copy handed to
// the client.
func (c *Cluster) deliver(g *groupQueue, e *entry, req *protocol.PopRequest, now time.Time) *message.Message {
	e.handle = uuid.NewString()
	e.deliveryCount++
	e.visibleAt = now.Add(req.InvisibleDuration)
	g.inflight[e.handle] = e

	m := *e.msg
	m.Properties = make(map[string]string, len(e.msg.Properties))
	for k, v := range e.msg.Properties {
		m.Properties[k] = v
	}
	m.Body = append([]byte(nil), e.msg.Body...)
	m.ReceiptHandle = e.handle
	m.DeliveryCount = e.deliveryCount
	m.InvisibleUntil = e.visibleAt
	return &m
}

func compactRetry(retry []*entry, inflight map[string]*entry) []*entry {
	out := retry[:0]
	for _, e := range retry {
		if _, ok := inflight[e.handle]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *Cluster) queueAt(target string, q message.Queue) (*queueLog, error) {
	var master string
	for _, b := range c.brokers {
		if b.BrokerName == q.BrokerName {
			master, _ = b.MasterAddr()
		}
	}
	if master == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, q.BrokerName)
	}
	if target != master {
		return nil, fmt.Errorf("%w: %s is served by %s, not %s", ErrWrongTarget, q, master, target)
	}
	for _, l := range c.topics[q.Topic] {
		if l.queue == q {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, q.Topic)
}

// Ack settles a delivery.
func (c *Cluster) Ack(ctx context.Context, target string, req *protocol.AckRequest) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.queueAt(target, req.Queue)
	if err != nil {
		return err
	}
	g := l.group(req.ConsumerGroup)
	if _, ok := g.inflight[req.ReceiptHandle]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, req.ReceiptHandle)
	}
	delete(g.inflight, req.ReceiptHandle)
	return nil
}

// ChangeInvisibleDuration makes a delivery visible again after req.InvisibleDuration.
func (c *Cluster) ChangeInvisibleDuration(ctx context.Context, target string, req *protocol.ChangeInvisibleRequest) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	l, err := c.queueAt(target, req.Queue)
	if err != nil {
		return err
	}
	g := l.group(req.ConsumerGroup)
	e, ok := g.inflight[req.ReceiptHandle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, req.ReceiptHandle)
	}
	e.visibleAt = time.Now().Add(req.InvisibleDuration)
	e.msg.SetProperty(message.PropertyReconsumeTime, strconv.Itoa(e.deliveryCount))
	return nil
}

// Heartbeat registers the client under every group it carries.
func (c *Cluster) Heartbeat(ctx context.Context, target string, data *protocol.HeartbeatData) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	if data == nil || data.ClientID == "" {
		return fmt.Errorf("%w: heartbeat without client id", ErrInvalidRequest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	known := false
	for _, b := range c.brokers {
		if addr, _ := b.MasterAddr(); addr == target {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownBroker, target)
	}

	now := time.Now()
	for _, cd := range data.ConsumeDatas {
		clients, ok := c.clients[cd.GroupName]
		if !ok {
			clients = make(map[string]*clientState)
			c.clients[cd.GroupName] = clients
		}
		st, ok := clients[data.ClientID]
		if !ok {
			st = &clientState{}
			clients[data.ClientID] = st
			c.logger.Info("client joined group",
				slog.String("group", cd.GroupName),
				slog.String("client_id", data.ClientID))
		}
		st.lastHeartbeat = now
		st.subscriptions = make(map[string]protocol.SubscriptionData, len(cd.Subscriptions))
		for _, s := range cd.Subscriptions {
			st.subscriptions[s.Topic] = s
		}
	}
	return nil
}

// Clients returns the live clients of group, sorted.
func (c *Cluster) Clients(group string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveClients(group)
}

// Subscription returns the subscription clientID last reported for topic in group.
func (c *Cluster) Subscription(group, clientID, topic string) (protocol.SubscriptionData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.clients[group][clientID]
	if !ok {
		return protocol.SubscriptionData{}, false
	}
	s, ok := st.subscriptions[topic]
	return s, ok
}

// Inflight returns the number of unsettled deliveries of group on topic.
func (c *Cluster) Inflight(group, topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, l := range c.topics[topic] {
		if g, ok := l.groups[group]; ok {
			n += len(g.inflight)
		}
	}
	return n
}

// Backlog returns the number of messages of topic group has not popped yet.
func (c *Cluster) Backlog(group, topic string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, l := range c.topics[topic] {
		var offset int64
		if g, ok := l.groups[group]; ok {
			offset = g.offset
		}
		n += int64(len(l.messages)) - offset
	}
	return n
}
