// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package peerauth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig configures the daemon's optional TCP listener. Unix socket
// connections never use TLS; the kernel peer-credential check is the
// local trust anchor.
type TLSConfig struct {
	// Enabled turns the TLS listener material on. When false LoadTLS
	// returns (nil, nil).
	Enabled bool `yaml:"enabled" json:"enabled"`

	// CertFile and KeyFile are the server certificate and private key
	// in PEM format.
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`

	// CAFile, when set, is the PEM CA bundle used to verify client
	// certificates.
	CAFile string `yaml:"ca_file" json:"ca_file"`

	// RequireClientCert enforces mutual TLS.
	RequireClientCert bool `yaml:"require_client_cert" json:"require_client_cert"`

	// AllowedClientNames, when non-empty, restricts mutual-TLS clients
	// to certificates whose common name appears in this list.
	AllowedClientNames []string `yaml:"allowed_client_names" json:"allowed_client_names"`
}

// LoadTLS reads the certificate material from disk and builds the
// server-side TLS configuration. Returns (nil, nil) when TLS is
// disabled. Read or parse failures are returned as errors; the daemon
// logs them and runs without the network listener rather than
// crashing the local relay.
func LoadTLS(config TLSConfig) (*tls.Config, error) {
	if !config.Enabled {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair (%s, %s): %w", config.CertFile, config.KeyFile, err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS13,
	}

	if config.CAFile != "" {
		pem, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading TLS CA bundle %s: %w", config.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("TLS CA bundle %s contains no usable certificates", config.CAFile)
		}
		tlsConfig.ClientCAs = pool
	}

	if config.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(config.AllowedClientNames) > 0 {
		allowed := make(map[string]bool, len(config.AllowedClientNames))
		for _, name := range config.AllowedClientNames {
			allowed[name] = true
		}
		tlsConfig.VerifyConnection = func(state tls.ConnectionState) error {
			if len(state.PeerCertificates) == 0 {
				return fmt.Errorf("client presented no certificate")
			}
			commonName := state.PeerCertificates[0].Subject.CommonName
			if !allowed[commonName] {
				return fmt.Errorf("client certificate common name %q is not allowed", commonName)
			}
			return nil
		}
	}

	return tlsConfig, nil
}
