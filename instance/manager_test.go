// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSharesInstances(t *testing.T) {
	m := NewManager(newFakeRPC())

	a, err := m.GetOrCreate(testOptions())
	require.NoError(t, err)
	b, err := m.GetOrCreate(testOptions().SetEndpoints("ns2:9876", "ns1:9876"))
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := m.GetOrCreate(testOptions().SetInstanceName("other"))
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, m.Len())

	_, err = m.GetOrCreate(NewOptions())
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestManagerRemove(t *testing.T) {
	m := NewManager(newFakeRPC())
	opts := testOptions()

	inst, err := m.GetOrCreate(opts)
	require.NoError(t, err)
	require.NoError(t, inst.Start())

	assert.False(t, m.Remove(opts))
	require.NoError(t, inst.Shutdown())
	assert.True(t, m.Remove(opts))
	assert.False(t, m.Remove(opts))
	assert.Equal(t, 0, m.Len())
}
