// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package peerauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestCertificate generates a self-signed certificate for
// commonName and writes the PEM-encoded certificate and key to dir.
func writeTestCertificate(t *testing.T, dir, commonName string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	certPath = filepath.Join(dir, commonName+".crt")
	keyPath = filepath.Join(dir, commonName+".key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("writing certificate: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return certPath, keyPath
}

func TestLoadTLSDisabled(t *testing.T) {
	tlsConfig, err := LoadTLS(TLSConfig{Enabled: false})
	if err != nil {
		t.Fatalf("LoadTLS: %v", err)
	}
	if tlsConfig != nil {
		t.Error("disabled TLS returned a non-nil config")
	}
}

func TestLoadTLSServerConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCertificate(t, dir, "relay")

	tlsConfig, err := LoadTLS(TLSConfig{
		Enabled:           true,
		CertFile:          certPath,
		KeyFile:           keyPath,
		CAFile:            certPath,
		RequireClientCert: true,
	})
	if err != nil {
		t.Fatalf("LoadTLS: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("len(Certificates) = %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %#x, want TLS 1.3", tlsConfig.MinVersion)
	}
	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", tlsConfig.ClientAuth)
	}
	if tlsConfig.ClientCAs == nil {
		t.Error("ClientCAs = nil, want CA pool")
	}
}

func TestLoadTLSAllowedClientNames(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCertificate(t, dir, "relay")

	tlsConfig, err := LoadTLS(TLSConfig{
		Enabled:            true,
		CertFile:           certPath,
		KeyFile:            keyPath,
		AllowedClientNames: []string{"agent-runner"},
	})
	if err != nil {
		t.Fatalf("LoadTLS: %v", err)
	}
	if tlsConfig.VerifyConnection == nil {
		t.Fatal("VerifyConnection = nil, want common-name check")
	}

	allowed := peerState(t, dir, "agent-runner")
	if err := tlsConfig.VerifyConnection(allowed); err != nil {
		t.Errorf("allowed common name rejected: %v", err)
	}
	denied := peerState(t, dir, "intruder")
	if err := tlsConfig.VerifyConnection(denied); err == nil {
		t.Error("unlisted common name was accepted")
	}
	if err := tlsConfig.VerifyConnection(tls.ConnectionState{}); err == nil {
		t.Error("missing client certificate was accepted")
	}
}

// peerState builds a ConnectionState presenting a certificate with the
// given common name.
func peerState(t *testing.T, dir, commonName string) tls.ConnectionState {
	t.Helper()
	certPath, _ := writeTestCertificate(t, dir, commonName)
	pemData, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("reading certificate: %v", err)
	}
	block, _ := pem.Decode(pemData)
	certificate, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return tls.ConnectionState{PeerCertificates: []*x509.Certificate{certificate}}
}

func TestLoadTLSMissingKeypair(t *testing.T) {
	if _, err := LoadTLS(TLSConfig{
		Enabled:  true,
		CertFile: "/nonexistent.crt",
		KeyFile:  "/nonexistent.key",
	}); err == nil {
		t.Fatal("missing keypair was accepted")
	}
}
