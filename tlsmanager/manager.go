// Package tlsmanager supplies certificates for TLS interception, either
// from files or from Let's Encrypt.
package tlsmanager

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/server"
	"github.com/retrogate/retrogate/storage"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

const letsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// ErrHostNotAllowed is returned for handshakes naming a domain outside
// the configured list.
var ErrHostNotAllowed = errors.New("host not allowed")

// Manager resolves the certificate for each intercepted handshake.
type Manager struct {
	cfg            config.TLSConfig
	minVersion     uint16
	autocertMgr    *autocert.Manager
	getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// New builds a manager for cfg. objects is only used when Let's Encrypt
// certificates are stored in S3 and may be nil otherwise.
func New(cfg config.TLSConfig, objects storage.ObjectStore) (*Manager, error) {
	minVersion, err := server.ParseTLSVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, minVersion: minVersion}

	switch cfg.Provider {
	case "", "file":
		if err := m.initFileProvider(); err != nil {
			return nil, fmt.Errorf("failed to initialize file provider: %w", err)
		}
	case "letsencrypt":
		if err := m.initLetsEncryptProvider(objects); err != nil {
			return nil, fmt.Errorf("failed to initialize Let's Encrypt provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown TLS provider: %s (must be 'file' or 'letsencrypt')", cfg.Provider)
	}

	logger.Info("TLS manager initialized", "provider", m.Provider(), "min_version", cfg.MinVersion)
	return m, nil
}

// A file provider without a global pair is valid: every TLS listener
// then brings its own cert and key.
func (m *Manager) initFileProvider() error {
	if m.cfg.CertFile == "" && m.cfg.KeyFile == "" {
		return nil
	}
	if m.cfg.CertFile == "" || m.cfg.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	get, err := server.StaticCertificate(m.cfg.CertFile, m.cfg.KeyFile)
	if err != nil {
		return err
	}
	m.getCertificate = get
	logger.Info("Loaded TLS certificate from files", "cert", m.cfg.CertFile, "key", m.cfg.KeyFile)
	return nil
}

func (m *Manager) initLetsEncryptProvider(objects storage.ObjectStore) error {
	le := m.cfg.LetsEncrypt
	if len(le.Domains) == 0 {
		return fmt.Errorf("letsencrypt.domains is required and must not be empty")
	}

	var cache autocert.Cache
	switch le.GetStorage() {
	case "dir":
		if le.CacheDir == "" {
			return fmt.Errorf("letsencrypt.cache_dir is required for storage='dir'")
		}
		cache = autocert.DirCache(le.CacheDir)
	case "s3":
		if objects == nil {
			return fmt.Errorf("letsencrypt storage='s3' requires an [s3] section")
		}
		cache = NewObjectCache(objects)
	default:
		return fmt.Errorf("unknown letsencrypt storage %q", le.Storage)
	}

	domains := make([]string, len(le.Domains))
	for i, d := range le.Domains {
		domains[i] = strings.ToLower(d)
	}

	directory := acme.LetsEncryptURL
	if le.Staging {
		directory = letsEncryptStagingURL
	}
	m.autocertMgr = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      le.Email,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      cache,
		Client:     &acme.Client{DirectoryURL: directory},
	}

	// Legacy clients often omit SNI; answer them with the first domain.
	defaultDomain := domains[0]
	m.getCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		name := strings.ToLower(hello.ServerName)
		if name == "" {
			name = defaultDomain
		}
		if err := m.autocertMgr.HostPolicy(hello.Context(), name); err != nil {
			logger.Info("TLS: rejected certificate request", "domain", name, "error", err)
			return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, name)
		}
		h := *hello
		h.ServerName = name
		return m.autocertMgr.GetCertificate(&h)
	}

	logger.Info("Let's Encrypt autocert initialized", "domains", domains, "storage", le.GetStorage(), "staging", le.Staging)
	return nil
}

func (m *Manager) Provider() string {
	if m.cfg.Provider == "" {
		return "file"
	}
	return m.cfg.Provider
}

// GetCertificate returns the global certificate callback, or nil when the
// file provider has no global pair.
func (m *Manager) GetCertificate() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.getCertificate
}

func (m *Manager) MinVersion() uint16 { return m.minVersion }

// ServerTLSConfig returns the interception config for one [[server]]
// entry, or nil when the entry does not enable TLS. A listener-level
// cert/key pair overrides the global provider.
func (m *Manager) ServerTLSConfig(sc config.ServerConfig) (*tls.Config, error) {
	if !sc.TLS {
		return nil, nil
	}
	get := m.getCertificate
	if sc.TLSCertFile != "" {
		override, err := server.StaticCertificate(sc.TLSCertFile, sc.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", sc.Name, err)
		}
		get = override
	}
	if get == nil {
		return nil, fmt.Errorf("server %s: tls enabled but no certificate configured", sc.Name)
	}
	cfg := server.InterceptionTLSConfig(get, m.minVersion)
	if m.autocertMgr != nil && sc.TLSCertFile == "" {
		cfg.NextProtos = append(cfg.NextProtos, acme.ALPNProto)
	}
	return cfg, nil
}

// HTTPHandler answers ACME http-01 challenges and passes other requests
// to fallback. With the file provider it returns fallback unchanged.
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	if m.autocertMgr == nil {
		return fallback
	}
	return m.autocertMgr.HTTPHandler(fallback)
}
