package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  []byte
}

func newAuthority(t *testing.T) authority {
	t.Helper()
	certPEM, keyPEM, err := GenerateCertificate(CertificateOptions{CommonName: "test-ca", IsCA: true})
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	require.True(t, ok)
	return authority{cert: leaf, key: key, pem: certPEM}
}

func (a authority) issue(t *testing.T, opts CertificateOptions) ([]byte, []byte) {
	t.Helper()
	opts.ParentCert, opts.ParentKey = a.cert, a.key
	certPEM, keyPEM, err := GenerateCertificate(opts)
	require.NoError(t, err)
	return certPEM, keyPEM
}

func writePair(t *testing.T, dir string, certPEM, keyPEM []byte) (string, string) {
	t.Helper()
	certFile, keyFile := filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key")
	require.NoError(t, WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile))
	return certFile, keyFile
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "disabled", cfg: Config{}},
		{name: "complete", cfg: Config{CertFile: "a", KeyFile: "b", MinVersion: "1.3"}},
		{name: "missing key", cfg: Config{CertFile: "a"}, wantErr: true},
		{name: "client ca without cert", cfg: Config{ClientCAFile: "/ca.pem"}, wantErr: true},
		{name: "bad version", cfg: Config{CertFile: "a", KeyFile: "b", MinVersion: "1.0"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	v, err = ParseVersion("TLS1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)
}

func TestCertificateManager_RejectsExpired(t *testing.T) {
	ca := newAuthority(t)
	certPEM, keyPEM := ca.issue(t, CertificateOptions{
		NotBefore: time.Now().Add(-48 * time.Hour),
		ValidFor:  time.Hour,
	})
	certFile, keyFile := writePair(t, t.TempDir(), certPEM, keyPEM)

	_, err := NewCertificateManager(certFile, keyFile, discard())
	assert.ErrorIs(t, err, ErrCertificateExpired)
}

func TestCertificateManager_ReloadKeepsPreviousOnFailure(t *testing.T) {
	ca := newAuthority(t)
	dir := t.TempDir()
	certPEM, keyPEM := ca.issue(t, CertificateOptions{CommonName: "first"})
	certFile, keyFile := writePair(t, dir, certPEM, keyPEM)

	m, err := NewCertificateManager(certFile, keyFile, discard())
	require.NoError(t, err)
	assert.Equal(t, "first", m.Leaf().Subject.CommonName)

	require.NoError(t, os.WriteFile(certFile, []byte("garbage"), 0o600))
	assert.Error(t, m.Reload())
	assert.Equal(t, "first", m.Leaf().Subject.CommonName)

	certPEM, keyPEM = ca.issue(t, CertificateOptions{CommonName: "second"})
	writePair(t, dir, certPEM, keyPEM)
	require.NoError(t, m.Reload())
	assert.Equal(t, "second", m.Leaf().Subject.CommonName)
}

func TestCertificateManager_Watch(t *testing.T) {
	ca := newAuthority(t)
	dir := t.TempDir()
	certPEM, keyPEM := ca.issue(t, CertificateOptions{CommonName: "before"})
	certFile, keyFile := writePair(t, dir, certPEM, keyPEM)

	m, err := NewCertificateManager(certFile, keyFile, discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	rotatedCert, rotatedKey := ca.issue(t, CertificateOptions{CommonName: "after"})
	require.Eventually(t, func() bool {
		writePair(t, dir, rotatedCert, rotatedKey)
		return m.Leaf().Subject.CommonName == "after"
	}, 5*time.Second, 300*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestBuildServer_MutualTLS(t *testing.T) {
	ca := newAuthority(t)
	dir := t.TempDir()
	certPEM, keyPEM := ca.issue(t, CertificateOptions{})
	certFile, keyFile := writePair(t, dir, certPEM, keyPEM)
	caFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caFile, ca.pem, 0o600))

	m, err := NewCertificateManager(certFile, keyFile, discard())
	require.NoError(t, err)
	cfg := Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: caFile, MinVersion: "1.3"}
	serverTLS, err := BuildServer(cfg, m)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverTLS.ClientAuth)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, r.TLS.PeerCertificates[0].Subject.CommonName)
		}),
		ReadHeaderTimeout: time.Second,
	}
	go func() { _ = srv.Serve(tls.NewListener(listener, serverTLS)) }()
	t.Cleanup(func() { _ = srv.Close() })

	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	clientCertPEM, clientKeyPEM := ca.issue(t, CertificateOptions{CommonName: "client-1", IsClientCert: true})
	clientCert, err := tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	require.NoError(t, err)

	url := "https://" + listener.Addr().String() + "/"
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:      roots,
		ServerName:   "localhost",
		Certificates: []tls.Certificate{clientCert},
		MinVersion:   tls.VersionTLS12,
	}}}
	resp, err := client.Get(url)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "client-1", string(body))

	anonymous := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:    roots,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}}}
	resp, err = anonymous.Get(url)
	if err == nil {
		_ = resp.Body.Close()
	}
	assert.Error(t, err)
}

func TestBuildServer_RelativeCABundle(t *testing.T) {
	ca := newAuthority(t)
	certPEM, keyPEM := ca.issue(t, CertificateOptions{})
	certFile, keyFile := writePair(t, t.TempDir(), certPEM, keyPEM)
	m, err := NewCertificateManager(certFile, keyFile, discard())
	require.NoError(t, err)

	_, err = BuildServer(Config{CertFile: certFile, KeyFile: keyFile, ClientCAFile: "ca.pem"}, m)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrIncompleteKeyPair))
}
