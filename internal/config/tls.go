package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLS names PEM files for a client or server. A zero value disables TLS.
type TLS struct {
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

func (t TLS) Enabled() bool {
	return strings.TrimSpace(t.CAFile) != "" || strings.TrimSpace(t.CertFile) != ""
}

// Load builds a tls.Config. Cert and key must be given together.
func (t TLS) Load() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if ca := strings.TrimSpace(t.CAFile); ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s holds no certificates", ca)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	certFile, keyFile := strings.TrimSpace(t.CertFile), strings.TrimSpace(t.KeyFile)
	if (certFile == "") != (keyFile == "") {
		return nil, fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if certFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// ServerConfig is Load for a listener: with a CA file set, peers must
// present a certificate signed by it.
func (t TLS) ServerConfig() (*tls.Config, error) {
	cfg, err := t.Load()
	if err != nil || cfg == nil {
		return cfg, err
	}
	if len(cfg.Certificates) == 0 {
		return nil, fmt.Errorf("tls server needs cert_file and key_file")
	}
	if cfg.ClientCAs != nil {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
