// Package tlsutil builds crypto/tls configurations for the HTTP API and
// outbound webhook clients.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/T-en1991/demo111/errors"
)

// ServerConfig enables TLS on a listening server. ClientCAFiles turns on
// client certificate verification.
type ServerConfig struct {
	Enabled           bool     `json:"enabled"             yaml:"enabled"`
	CertFile          string   `json:"cert_file"           yaml:"cert_file"`
	KeyFile           string   `json:"key_file"            yaml:"key_file"`
	MinVersion        string   `json:"min_version"         yaml:"min_version"`
	ClientCAFiles     []string `json:"client_ca_files"     yaml:"client_ca_files"`
	RequireClientCert bool     `json:"require_client_cert" yaml:"require_client_cert"`
}

// ClientConfig configures an outbound client. CAFiles are trusted in
// addition to the system pool; CertFile/KeyFile present a client certificate.
type ClientConfig struct {
	CAFiles            []string `json:"ca_files"             yaml:"ca_files"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	MinVersion         string   `json:"min_version"          yaml:"min_version"`
	CertFile           string   `json:"cert_file"            yaml:"cert_file"`
	KeyFile            string   `json:"key_file"             yaml:"key_file"`
}

// IsZero reports whether c leaves every setting at its default
func (c ClientConfig) IsZero() bool {
	return len(c.CAFiles) == 0 && !c.InsecureSkipVerify && c.MinVersion == "" && c.CertFile == ""
}

// LoadServerTLSConfig returns nil when TLS is disabled
func LoadServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) > 0 {
		pool, err := appendPEMFiles(x509.NewCertPool(), cfg.ClientCAFiles)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load client CAs")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return tlsConfig, nil
}

// LoadClientTLSConfig always starts from the system CA pool
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if rootCAs, err = appendPEMFiles(rootCAs, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CAs")
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func appendPEMFiles(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", f, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", f)
		}
	}
	return pool, nil
}

// parseTLSVersion defaults to TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
