// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filter provides per-topic subscription expressions.
//
// Two kinds are supported:
//   - TAG: "*" (or empty) subscribes to everything, otherwise a list of tags
//     joined with "||", e.g. "TagA || TagB".
//   - SQL92: a boolean predicate over message properties, e.g.
//     "region = 'eu' AND (amount > 10 OR vip IS NOT NULL)".
package filter

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubscribeAll is the tag expression matching every message.
const SubscribeAll = "*"

// TagSeparator separates alternatives in a tag expression.
const TagSeparator = "||"

// ErrInvalidExpression is returned for expressions failing validation.
var ErrInvalidExpression = errors.New("invalid filter expression")

// Kind is the expression language.
type Kind int

// Expression kinds.
const (
	KindTag Kind = iota
	KindSQL92
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTag:
		return "TAG"
	case KindSQL92:
		return "SQL92"
	default:
		return "UNKNOWN"
	}
}

// Expression is a validated subscription predicate for a topic.
// It is immutable once constructed.
type Expression struct {
	raw     string
	kind    Kind
	version int64
	tags    map[string]struct{} // nil means match all tags
	sql     node
}

// New parses a tag expression.
func New(expr string) (*Expression, error) {
	return NewWithKind(expr, KindTag)
}

// NewSQL parses an SQL92 expression.
func NewSQL(expr string) (*Expression, error) {
	return NewWithKind(expr, KindSQL92)
}

// NewWithKind parses expr in the given language.
func NewWithKind(expr string, kind Kind) (*Expression, error) {
	e := &Expression{
		raw:     strings.TrimSpace(expr),
		kind:    kind,
		version: time.Now().UnixMilli(),
	}

	switch kind {
	case KindTag:
		if e.raw == "" {
			e.raw = SubscribeAll
		}
		if e.raw == SubscribeAll {
			return e, nil
		}
		e.tags = make(map[string]struct{})
		for _, tag := range strings.Split(e.raw, TagSeparator) {
			if tag = strings.TrimSpace(tag); tag != "" {
				e.tags[tag] = struct{}{}
			}
		}
		if len(e.tags) == 0 {
			return nil, fmt.Errorf("%w: no tag in %q", ErrInvalidExpression, expr)
		}
	case KindSQL92:
		n, err := parseSQL(e.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		e.sql = n
	default:
		return nil, fmt.Errorf("%w: unsupported kind %d", ErrInvalidExpression, kind)
	}

	return e, nil
}

// Expression returns the normalized source text.
func (e *Expression) Expression() string {
	return e.raw
}

// Kind returns the expression language.
func (e *Expression) Kind() Kind {
	return e.kind
}

// Version returns the subscription version.
func (e *Expression) Version() int64 {
	return e.version
}

// IsSubscribeAll reports whether the expression is the tag wildcard.
func (e *Expression) IsSubscribeAll() bool {
	return e.kind == KindTag && e.tags == nil
}

// Tags returns the subscribed tags in no particular order, or nil for "*".
func (e *Expression) Tags() []string {
	if e.tags == nil {
		return nil
	}
	tags := make([]string, 0, len(e.tags))
	for t := range e.tags {
		tags = append(tags, t)
	}
	return tags
}

// Supersede returns a copy of e whose version is strictly greater than prev's.
// It is used when e replaces prev for the same topic.
func (e *Expression) Supersede(prev *Expression) *Expression {
	c := *e
	if prev != nil && c.version <= prev.version {
		c.version = prev.version + 1
	}
	return &c
}

// MatchTags reports whether any of the message tags is subscribed.
func (e *Expression) MatchTags(tags ...string) bool {
	if e.kind != KindTag {
		return false
	}
	if e.tags == nil {
		return true
	}
	for _, t := range tags {
		if _, ok := e.tags[t]; ok {
			return true
		}
	}
	return false
}

// Matches evaluates the expression against a message's tags and properties.
func (e *Expression) Matches(tags []string, props map[string]string) bool {
	switch e.kind {
	case KindTag:
		return e.MatchTags(tags...)
	case KindSQL92:
		return e.sql.eval(props) == triTrue
	default:
		return false
	}
}

func (e *Expression) String() string {
	return fmt.Sprintf("%s(%s)@%d", e.kind, e.raw, e.version)
}
