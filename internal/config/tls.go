package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// DownloadTLS builds the *tls.Config used for binary downloads from the
// CAFile field. Returns nil, nil if no extra CA is configured, in which case
// the system roots apply unchanged.
func (c *Config) DownloadTLS() (*tls.Config, error) {
	if c.CAFile == "" {
		return nil, nil
	}

	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}

	// Extend the system roots: an intercepting proxy signs some hosts,
	// others still present public certificates.
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA bundle %s", c.CAFile)
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
