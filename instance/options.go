// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/mqpush/config"
	mqotel "github.com/absmach/mqpush/otel"
	"github.com/absmach/mqpush/protocol"
)

// Default values.
const (
	DefaultInstanceName         = "DEFAULT"
	DefaultRequestTimeout       = 3 * time.Second
	DefaultScanInterval         = 5 * time.Second
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultStatsInterval        = 60 * time.Second
	DefaultRouteRefreshInterval = 30 * time.Second
	DefaultBreakerThreshold     = 5
	DefaultBreakerResetTimeout  = 30 * time.Second
)

// Option errors.
var (
	ErrNoEndpoints  = errors.New("no endpoints configured")
	ErrNoRPC        = errors.New("rpc transport is required")
	ErrBadInterval  = errors.New("schedule intervals must be positive")
	ErrBadThreshold = errors.New("breaker failure threshold must be at least 1")
	ErrNoSecret     = errors.New("access key requires an access secret")
)

// BreakerOptions configures the per-target circuit breaker.
type BreakerOptions struct {
	Enabled          bool
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Options configures an Instance.
type Options struct {
	Endpoints            []string
	InstanceName         string
	RequestTimeout       time.Duration
	ScanInterval         time.Duration
	HeartbeatInterval    time.Duration
	StatsInterval        time.Duration
	RouteRefreshInterval time.Duration
	Breaker              BreakerOptions
	Credentials          protocol.Credentials

	Logger  *slog.Logger
	Metrics *mqotel.Metrics
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		InstanceName:         DefaultInstanceName,
		RequestTimeout:       DefaultRequestTimeout,
		ScanInterval:         DefaultScanInterval,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		StatsInterval:        DefaultStatsInterval,
		RouteRefreshInterval: DefaultRouteRefreshInterval,
		Breaker: BreakerOptions{
			Enabled:          true,
			FailureThreshold: DefaultBreakerThreshold,
			ResetTimeout:     DefaultBreakerResetTimeout,
		},
	}
}

// FromConfig builds Options from the client, schedule and breaker sections.
func FromConfig(cfg *config.Config) *Options {
	return &Options{
		Endpoints:            append([]string(nil), cfg.Client.Endpoints...),
		InstanceName:         cfg.Client.InstanceName,
		RequestTimeout:       cfg.Client.RequestTimeout,
		ScanInterval:         cfg.Schedule.ScanInterval,
		HeartbeatInterval:    cfg.Schedule.HeartbeatInterval,
		StatsInterval:        cfg.Schedule.StatsInterval,
		RouteRefreshInterval: cfg.Schedule.RouteRefreshInterval,
		Breaker: BreakerOptions{
			Enabled:          cfg.Breaker.Enabled,
			FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
		Credentials: protocol.Credentials{
			AccessKey:     cfg.Client.Credentials.AccessKey,
			AccessSecret:  cfg.Client.Credentials.AccessSecret,
			SecurityToken: cfg.Client.Credentials.SecurityToken,
		},
	}
}

// SetEndpoints sets the name server endpoints used for route queries.
func (o *Options) SetEndpoints(endpoints ...string) *Options {
	o.Endpoints = endpoints
	return o
}

// SetInstanceName sets the instance name embedded in the client id.
func (o *Options) SetInstanceName(name string) *Options {
	o.InstanceName = name
	return o
}

// SetIntervals sets the scan, heartbeat, stats and route refresh periods.
func (o *Options) SetIntervals(scan, heartbeat, stats, routeRefresh time.Duration) *Options {
	o.ScanInterval = scan
	o.HeartbeatInterval = heartbeat
	o.StatsInterval = stats
	o.RouteRefreshInterval = routeRefresh
	return o
}

// SetBreaker configures the per-target circuit breaker.
func (o *Options) SetBreaker(b BreakerOptions) *Options {
	o.Breaker = b
	return o
}

// SetCredentials sets the access credentials attached to every request.
func (o *Options) SetCredentials(c protocol.Credentials) *Options {
	o.Credentials = c
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the metric instruments.
func (o *Options) SetMetrics(m *mqotel.Metrics) *Options {
	o.Metrics = m
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if len(o.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	if o.ScanInterval <= 0 || o.HeartbeatInterval <= 0 || o.StatsInterval <= 0 || o.RouteRefreshInterval <= 0 {
		return ErrBadInterval
	}
	if o.Breaker.Enabled && o.Breaker.FailureThreshold < 1 {
		return ErrBadThreshold
	}
	if !o.Credentials.Empty() && o.Credentials.AccessSecret == "" {
		return ErrNoSecret
	}
	if o.InstanceName == "" {
		o.InstanceName = DefaultInstanceName
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Breaker.ResetTimeout <= 0 {
		o.Breaker.ResetTimeout = DefaultBreakerResetTimeout
	}
	return nil
}
