// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTag(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		all     bool
		tags    []string
		wantErr bool
	}{
		{name: "empty subscribes all", expr: "", all: true},
		{name: "wildcard", expr: " * ", all: true},
		{name: "single tag", expr: "A", tags: []string{"A"}},
		{name: "alternatives", expr: "A || B ||C", tags: []string{"A", "B", "C"}},
		{name: "trailing separator", expr: "A||", tags: []string{"A"}},
		{name: "only separators", expr: "|| ||", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.expr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidExpression)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindTag, e.Kind())
			assert.Equal(t, tt.all, e.IsSubscribeAll())
			assert.ElementsMatch(t, tt.tags, e.Tags())
		})
	}
}

func TestMatchTags(t *testing.T) {
	all, err := New("*")
	require.NoError(t, err)
	assert.True(t, all.MatchTags())
	assert.True(t, all.MatchTags("anything"))

	ab, err := New("A||B")
	require.NoError(t, err)
	assert.True(t, ab.MatchTags("B"))
	assert.True(t, ab.MatchTags("X", "A"))
	assert.False(t, ab.MatchTags("C"))
	assert.False(t, ab.MatchTags())
	assert.True(t, ab.Matches([]string{"A"}, nil))

	sql, err := NewSQL("a = 'x'")
	require.NoError(t, err)
	assert.False(t, sql.MatchTags("A"))
}

func TestSQLValidation(t *testing.T) {
	valid := []string{
		"a = 'x'",
		"a <> 'x' AND b > 3",
		"(a = 'x' OR b IS NULL) AND NOT c IS NOT NULL",
		"region IN ('eu', 'us')",
		"amount NOT BETWEEN 1 AND 10.5",
		"vip = TRUE",
		"TRUE",
		"x >= -2 and y != 4",
		"name = 'it''s'",
	}
	for _, expr := range valid {
		_, err := NewSQL(expr)
		assert.NoError(t, err, expr)
	}

	invalid := []string{
		"",
		"a =",
		"a = 'x",
		"(a = 'x'",
		"a = 'x')",
		"a < 'x'",
		"AND a = 1",
		"a = 1 AND",
		"a IN (1, 2)",
		"a BETWEEN 1 OR 2",
		"a NOT = 1",
		"a ! 1",
		"a = 1.2.3",
		"a = 1 #",
		"a IS 1",
	}
	for _, expr := range invalid {
		_, err := NewSQL(expr)
		assert.ErrorIs(t, err, ErrInvalidExpression, expr)
	}
}

func TestSQLEvaluation(t *testing.T) {
	props := map[string]string{
		"region": "eu",
		"amount": "42",
		"vip":    "true",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"region = 'eu'", true},
		{"region <> 'eu'", false},
		{"amount > 40 AND amount <= 42", true},
		{"amount < 10 OR region = 'eu'", true},
		{"amount BETWEEN 40 AND 50", true},
		{"amount NOT BETWEEN 40 AND 50", false},
		{"region IN ('us', 'eu')", true},
		{"region NOT IN ('us', 'eu')", false},
		{"missing IS NULL", true},
		{"region IS NOT NULL", true},
		{"vip = TRUE", true},
		{"NOT region = 'us'", true},
		// Comparisons on missing properties are unknown, which never matches.
		{"missing = 'x'", false},
		{"NOT missing = 'x'", false},
		{"missing = 'x' OR region = 'eu'", true},
		{"missing = 'x' AND region = 'eu'", false},
		{"region > 1", false},
		{"FALSE OR amount = 42", true},
	}

	for _, tt := range tests {
		e, err := NewSQL(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, e.Matches(nil, props), tt.expr)
	}
}

func TestSupersede(t *testing.T) {
	first, err := New("A")
	require.NoError(t, err)
	second, err := New("B")
	require.NoError(t, err)

	replaced := second.Supersede(first)
	assert.Greater(t, replaced.Version(), first.Version())
	assert.Equal(t, "B", replaced.Expression())

	// A newer expression keeps its own version.
	newer := replaced.Supersede(first)
	assert.Equal(t, replaced.Version(), newer.Version())

	assert.Equal(t, second.Version(), second.Supersede(nil).Version())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "TAG", KindTag.String())
	assert.Equal(t, "SQL92", KindSQL92.String())
	assert.Equal(t, "UNKNOWN", Kind(9).String())

	_, err := NewWithKind("a", Kind(9))
	assert.ErrorIs(t, err, ErrInvalidExpression)
}
