// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"sort"
	"strings"
	"sync"
)

// Manager shares client instances between consumers configured with the
// same endpoints and instance name.
type Manager struct {
	rpc RPC

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates a manager whose instances use rpc.
func NewManager(rpc RPC) *Manager {
	return &Manager{
		rpc:       rpc,
		instances: make(map[string]*Instance),
	}
}

// GetOrCreate returns the instance matching opts, creating it on first use.
func (m *Manager) GetOrCreate(opts *Options) (*Instance, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	key := instanceKey(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[key]; ok {
		return inst, nil
	}
	inst, err := New(m.rpc, opts)
	if err != nil {
		return nil, err
	}
	m.instances[key] = inst
	return inst, nil
}

// Remove forgets the instance matching opts once it has stopped. It reports
// whether an instance was removed.
func (m *Manager) Remove(opts *Options) bool {
	key := instanceKey(opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[key]
	if !ok || inst.Running() {
		return false
	}
	delete(m.instances, key)
	return true
}

// Len returns the number of managed instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

func instanceKey(opts *Options) string {
	endpoints := append([]string(nil), opts.Endpoints...)
	sort.Strings(endpoints)
	return opts.InstanceName + "@" + strings.Join(endpoints, ";")
}
