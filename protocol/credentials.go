// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "context"

// Credentials are static access credentials carried by every broker request.
type Credentials struct {
	AccessKey     string
	AccessSecret  string
	SecurityToken string
}

// Empty reports whether no access key is set.
func (c Credentials) Empty() bool {
	return c.AccessKey == ""
}

type credentialsKey struct{}

// WithCredentials returns a copy of ctx carrying c.
func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFromContext returns the credentials carried by ctx.
func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(Credentials)
	return c, ok
}
