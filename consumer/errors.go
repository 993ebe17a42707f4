// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"

	"github.com/absmach/mqpush/filter"
	"github.com/absmach/mqpush/route"
)

// Consumer errors.
var (
	// Configuration errors.
	ErrEmptyGroup            = errors.New("consumer group cannot be empty")
	ErrNoInstance            = errors.New("client instance is required")
	ErrNoListener            = errors.New("no message listener registered")
	ErrMultipleListeners     = errors.New("both concurrent and orderly listeners registered")
	ErrNilListener           = errors.New("listener cannot be nil")
	ErrEmptyTopic            = errors.New("topic cannot be empty")
	ErrInvalidExpression     = filter.ErrInvalidExpression
	ErrGroupChangeAfterStart = errors.New("consumer group cannot change after start")
	ErrInvalidOption         = errors.New("invalid consumer option")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("consumer has been started before")
	ErrInvalidState   = errors.New("invalid consumer state")
	ErrDuplicateGroup = errors.New("consumer group has been registered already")
	ErrShutdownFailed = errors.New("consumer shutdown failed")

	// Runtime errors.
	ErrServiceStopped    = errors.New("consume service stopped")
	ErrNoBrokerAvailable = route.ErrNoBrokerAvailable
	ErrNoMasterBroker    = route.ErrNoMasterBroker
	ErrScanPanic         = errors.New("panic while scanning assignments")
)
