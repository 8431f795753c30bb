// Package tls terminates TLS for the gateway data listener.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrIncompleteKeyPair is returned when only one of the certificate and key
// files is configured.
var ErrIncompleteKeyPair = errors.New("tls: cert_file and key_file must be set together")

// Config contains the listener TLS settings.
type Config struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
	MinVersion   string
}

// Enabled reports whether a certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Validate checks the settings without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled() {
		if c.ClientCAFile != "" {
			return fmt.Errorf("tls: client_ca_file requires a server certificate")
		}
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return ErrIncompleteKeyPair
	}
	_, err := ParseVersion(c.MinVersion)
	return err
}

// ParseVersion maps "1.2" or "1.3" to the crypto/tls constant. Empty means 1.2.
func ParseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.TrimSpace(v), "TLS") {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tls: unsupported min_version %q", v)
	}
}

// BuildServer constructs the listener configuration. Certificates are served
// by the manager so that rotated files are picked up without a restart.
func BuildServer(cfg Config, certs *CertificateManager) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	minVersion, _ := ParseVersion(cfg.MinVersion)

	serverConfig := &tls.Config{
		GetCertificate: certs.GetCertificate,
		MinVersion:     minVersion,
		NextProtos:     []string{"h2", "http/1.1"},
	}

	if cfg.ClientCAFile != "" {
		caPool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return serverConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("tls: ca bundle path must be absolute: %q", path)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tls: no certificates found in %s", cleanPath)
	}
	return pool, nil
}
