package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrCertificateExpired is returned when the loaded leaf is outside its
// validity window.
var ErrCertificateExpired = errors.New("tls: certificate is not valid at this time")

const reloadDebounce = 200 * time.Millisecond

// CertificateManager serves a certificate loaded from files and reloads it
// when the files change. A failed reload keeps the previous certificate.
type CertificateManager struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	now      func() time.Time

	current atomic.Pointer[tls.Certificate]
}

// NewCertificateManager loads the key pair. The logger may be nil.
func NewCertificateManager(certFile, keyFile string, logger *slog.Logger) (*CertificateManager, error) {
	if certFile == "" || keyFile == "" {
		return nil, ErrIncompleteKeyPair
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &CertificateManager{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
		now:      time.Now,
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (m *CertificateManager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := m.current.Load()
	if cert == nil {
		return nil, errors.New("tls: no certificate loaded")
	}
	return cert, nil
}

// Leaf returns the parsed leaf of the served certificate.
func (m *CertificateManager) Leaf() *x509.Certificate {
	if cert := m.current.Load(); cert != nil {
		return cert.Leaf
	}
	return nil
}

// Reload reads the key pair from disk and swaps it in.
func (m *CertificateManager) Reload() error {
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return fmt.Errorf("tls: load key pair %s: %w", m.certFile, err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("tls: parse certificate %s: %w", m.certFile, err)
		}
		cert.Leaf = leaf
	}
	now := m.now()
	if now.Before(cert.Leaf.NotBefore) || now.After(cert.Leaf.NotAfter) {
		return fmt.Errorf("%w: %s valid from %s to %s", ErrCertificateExpired, m.certFile,
			cert.Leaf.NotBefore.Format(time.RFC3339), cert.Leaf.NotAfter.Format(time.RFC3339))
	}
	m.current.Store(&cert)
	m.logger.Info("TLS certificate loaded",
		"cert_file", m.certFile,
		"subject", cert.Leaf.Subject.CommonName,
		"not_after", cert.Leaf.NotAfter,
	)
	return nil
}

// Watch reloads the certificate whenever one of its files changes, until ctx
// is done.
func (m *CertificateManager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tls: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dirs := map[string]struct{}{filepath.Dir(m.certFile): {}, filepath.Dir(m.keyFile): {}}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("tls: watch %s: %w", dir, err)
		}
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if name != m.certFile && name != m.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := m.Reload(); err != nil {
					m.logger.Error("TLS certificate reload failed, keeping previous", "cert_file", m.certFile, "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("TLS certificate watcher error", "error", err)
		}
	}
}
