// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/absmach/mqpush/cluster"
	"github.com/absmach/mqpush/config"
	"github.com/absmach/mqpush/consumer"
	"github.com/absmach/mqpush/instance"
	"github.com/absmach/mqpush/message"
	mqotel "github.com/absmach/mqpush/otel"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var simFlags struct {
	brokers   int
	queues    int
	rate      float64
	bodySize  int
	tags      string
	failEvery int64
	duration  time.Duration
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the configured consumer against an in-memory cluster",
	Long: `Run the configured consumer group against an in-memory cluster.

Every subscribed topic is created on the cluster and fed by a producer at
--rate messages per second. Without subscriptions in the configuration the
consumer subscribes to "demo" with "*".`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simFlags.brokers, "brokers", cluster.DefaultBrokers, "Number of brokers in the cluster")
	f.IntVar(&simFlags.queues, "queues", cluster.DefaultQueuesPerBroker, "Queues per broker and topic")
	f.Float64Var(&simFlags.rate, "rate", 10, "Messages produced per second and topic")
	f.IntVar(&simFlags.bodySize, "body-size", 64, "Message body size in bytes")
	f.StringVar(&simFlags.tags, "tags", "", "Comma separated tags assigned round robin to produced messages")
	f.Int64Var(&simFlags.failEvery, "fail-every", 0, "Make every Nth consumption fail (0 disables)")
	f.DurationVar(&simFlags.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Subscriptions) == 0 {
		cfg.Subscriptions = []config.SubscriptionConfig{{Topic: "demo", Expression: "*"}}
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if simFlags.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simFlags.duration)
		defer cancel()
	}

	telemetry, err := mqotel.InitProvider(ctx, cfg.Otel, mqotel.Identity{
		InstanceName: cfg.Client.InstanceName,
		Namespace:    cfg.Client.Namespace,
		Group:        cfg.Consumer.Group,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Error("OpenTelemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	metrics := telemetry.Metrics

	mem := cluster.New(cluster.Options{
		Brokers:         simFlags.brokers,
		QueuesPerBroker: simFlags.queues,
		Credentials:     instance.FromConfig(cfg).Credentials,
		Logger:          logger.With(slog.String("component", "cluster")),
	})
	for _, s := range cfg.Subscriptions {
		mem.CreateTopic(s.Topic)
	}

	manager := instance.NewManager(mem)
	inst, err := manager.GetOrCreate(instance.FromConfig(cfg).SetLogger(logger).SetMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to create client instance: %w", err)
	}

	c, err := newConsumer(cfg, inst, logger, metrics)
	if err != nil {
		return err
	}

	slog.Info("Starting simulation",
		slog.String("group", c.Group()),
		slog.String("mode", cfg.Consumer.Mode),
		slog.Int("brokers", simFlags.brokers),
		slog.Int("queues_per_broker", simFlags.queues),
		slog.Float64("rate", simFlags.rate))

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	produced := produce(ctx, mem, cfg.Subscriptions, logger)
	<-ctx.Done()

	slog.Info("Shutting down consumer")
	if err := c.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down consumer: %w", err)
	}
	manager.Remove(instance.FromConfig(cfg))

	slog.Info("Simulation finished",
		slog.Int64("produced", produced.Load()),
		slog.Int64("consumed", consumed.Load()),
		slog.Int64("failed", failed.Load()))
	return nil
}

var consumed, failed atomic.Int64

func newConsumer(cfg *config.Config, inst *instance.Instance, logger *slog.Logger, metrics *mqotel.Metrics) (*consumer.PushConsumer, error) {
	opts := consumer.FromConfig(cfg).
		SetInstance(inst).
		SetLogger(logger).
		SetMetrics(metrics)

	c, err := consumer.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	for _, s := range cfg.Subscriptions {
		expr := s.Expression
		if expr == "" {
			expr = "*"
		}
		if s.Type == config.ExpressionSQL {
			err = c.SubscribeSQL(s.Topic, expr)
		} else {
			err = c.Subscribe(s.Topic, expr)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", s.Topic, err)
		}
	}

	var seq atomic.Int64
	shouldFail := func() bool {
		return simFlags.failEvery > 0 && seq.Add(1)%simFlags.failEvery == 0
	}

	if cfg.Consumer.Mode == config.ModeOrderly {
		err = c.RegisterOrderlyListener(func(_ context.Context, msgs []*message.Message) consumer.OrderlyStatus {
			if shouldFail() {
				failed.Add(int64(len(msgs)))
				return consumer.SuspendCurrentQueue
			}
			logBatch(logger, msgs)
			return consumer.OrderlySuccess
		})
	} else {
		err = c.RegisterConcurrentListener(func(_ context.Context, msgs []*message.Message) consumer.ConsumeStatus {
			if shouldFail() {
				failed.Add(int64(len(msgs)))
				return consumer.ReconsumeLater
			}
			logBatch(logger, msgs)
			return consumer.ConsumeSuccess
		})
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func logBatch(logger *slog.Logger, msgs []*message.Message) {
	consumed.Add(int64(len(msgs)))
	for _, m := range msgs {
		logger.Debug("Message consumed",
			slog.String("msg_id", m.ID),
			slog.String("queue", m.Queue.String()),
			slog.Int64("offset", m.QueueOffset),
			slog.String("tags", m.Tags()),
			slog.Int("delivery_count", m.DeliveryCount))
	}
}

// produce feeds every subscribed topic until ctx is done.
func produce(ctx context.Context, mem *cluster.Cluster, subs []config.SubscriptionConfig, logger *slog.Logger) *atomic.Int64 {
	var produced atomic.Int64
	if simFlags.rate <= 0 {
		return &produced
	}

	var tags []string
	if simFlags.tags != "" {
		tags = strings.Split(simFlags.tags, ",")
	}
	body := make([]byte, simFlags.bodySize)
	for i := range body {
		body[i] = byte('a' + i%26)
	}

	for _, s := range subs {
		go func(topic string) {
			limiter := rate.NewLimiter(rate.Limit(simFlags.rate), 1)
			for n := 0; ; n++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				var tag string
				if len(tags) > 0 {
					tag = strings.TrimSpace(tags[n%len(tags)])
				}
				if _, err := mem.Produce(topic, tag, body, map[string]string{"seq": strconv.Itoa(n)}); err != nil {
					logger.Warn("Failed to produce message",
						slog.String("topic", topic),
						slog.String("error", err.Error()))
					continue
				}
				produced.Add(1)
			}
		}(s.Topic)
	}
	return &produced
}
