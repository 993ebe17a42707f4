// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var (
	errLoadCerts = errors.New("failed to load client certificate")
	errLoadCA    = errors.New("failed to load CA file")
	errAppendCA  = errors.New("failed to append CA certificates")
)

// ClientTLS returns the TLS configuration for outgoing connections. It
// returns nil when TLS is disabled.
func (t TLSConfig) ClientTLS() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: t.ServerName,
	}

	if t.CertFile != "" && t.KeyFile != "" {
		certificate, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		cfg.Certificates = []tls.Certificate{certificate}
	}

	if t.CAFile != "" {
		ca, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, errors.Join(errLoadCA, err)
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(ca) {
			return nil, errAppendCA
		}
	}

	return cfg, nil
}
