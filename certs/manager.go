// Package certs issues a locally trusted certificate for the agent's
// websocket endpoints so browser relays (WebNFC) can connect over wss.
package certs

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jittering/truststore"
	"github.com/rs/zerolog/log"
)

// Manager owns the local CA and the server certificate under a config
// directory.
type Manager struct {
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string

	// Hosts returns the names the certificate must cover. Defaults to AllHosts.
	Hosts func() ([]string, error)
}

// NewManager creates a manager rooted at configDir.
func NewManager(configDir string) *Manager {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	return &Manager{
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		Hosts:      AllHosts,
	}
}

// EnsureCertificates reuses the existing certificate unless it is missing or
// the LAN addresses changed, in which case the CA is installed (this may
// prompt for a password) and a new certificate is issued.
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	if err := os.MkdirAll(m.tlsDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := m.Hosts()
	if err != nil {
		log.Warn().Err(err).Msg("certs: failed to list LAN addresses")
		hosts = []string{"localhost", "127.0.0.1"}
	}

	switch {
	case !m.certsExist():
		log.Info().Strs("hosts", hosts).Msg("certs: generating server certificate")
	case m.hostsChanged(hosts):
		log.Info().Strs("hosts", hosts).Msg("certs: network changed, regenerating server certificate")
	default:
		log.Debug().Msg("certs: using existing certificate")
		return m.certFile, m.keyFile, nil
	}

	if err := m.generateCertificates(hosts); err != nil {
		return "", "", err
	}
	return m.certFile, m.keyFile, nil
}

// TLSConfig loads the server certificate.
func (m *Manager) TLSConfig() (*tls.Config, error) {
	certFile, keyFile, err := m.EnsureCertificates()
	if err != nil {
		return nil, err
	}
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsChanged compares hosts with the cached list, ignoring order.
func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil || len(cached) != len(hosts) {
		return true
	}

	a := append([]string(nil), cached...)
	b := append([]string(nil), hosts...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func (m *Manager) readCachedHosts() ([]string, error) {
	file, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0600)
}

func (m *Manager) generateCertificates(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	// truststore keeps its CA under CAROOT
	os.Setenv("CAROOT", m.caDir)

	ml, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}

	log.Info().Msg("certs: installing local CA in the system trust store (you may be prompted for your password)")
	if err := ml.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	cert, err := ml.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		log.Warn().Err(err).Msg("certs: failed to cache hosts")
	}

	ev := log.Info().Str("cert", m.certFile)
	if fp, err := m.CAFingerprint(); err == nil {
		ev = ev.Str("ca_sha256", fp)
	}
	ev.Msg("certs: certificate generated")
	return nil
}

// CAFingerprint returns the colon-separated SHA-256 of the CA certificate.
func (m *Manager) CAFingerprint() (string, error) {
	certPEM, err := m.ReadCACert()
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}
	return Fingerprint(certPEM)
}

// Fingerprint returns the colon-separated SHA-256 of the first PEM
// certificate in certPEM.
func Fingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// ReadCACert returns the CA certificate PEM.
func (m *Manager) ReadCACert() ([]byte, error) {
	return os.ReadFile(m.caCertFile)
}
