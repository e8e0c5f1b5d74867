package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultReadBufferSize = 8192
	DefaultShutdownGrace  = 10 * time.Second
	DefaultTunnelTTL      = time.Hour
	DefaultFTPTimeout     = 30 * time.Second
	DefaultBreakerTimeout = 30 * time.Second
	DefaultQueryTimeout   = 10 * time.Second
	DefaultCleanupEvery   = time.Hour
)

// Server types accepted in [[server]] entries.
const (
	ServerTypePOP3   = "pop3"
	ServerTypeTunnel = "tunnel"
	ServerTypeSOCKS  = "socks"
	ServerTypeHTTP   = "http"
)

var validServerTypes = []string{ServerTypePOP3, ServerTypeTunnel, ServerTypeSOCKS, ServerTypeHTTP}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // stderr, stdout, syslog, or a file path
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`  // debug, info, warn, error
}

// DatabaseConfig holds the Postgres connection used by the user/mail store
// and the postgres cache backend.
type DatabaseConfig struct {
	URL          string `toml:"url"`
	MaxConns     int    `toml:"max_conns"`
	MinConns     int    `toml:"min_conns"`
	QueryTimeout string `toml:"query_timeout"`
	Migrate      bool   `toml:"migrate"` // run pending migrations on startup
	Debug        bool   `toml:"debug"`
}

func (d *DatabaseConfig) IsConfigured() bool {
	return d.URL != ""
}

func (d *DatabaseConfig) GetQueryTimeout() time.Duration {
	return durationWithDefault(d.QueryTimeout, DefaultQueryTimeout)
}

// S3Config holds object storage configuration.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	DisableTLS bool   `toml:"disable_tls"`
	Trace      bool   `toml:"trace"`
}

func (s *S3Config) IsConfigured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

type TLSLetsEncryptConfig struct {
	Email    string   `toml:"email"`
	Domains  []string `toml:"domains"`
	Storage  string   `toml:"storage"` // dir (default) or s3
	CacheDir string   `toml:"cache_dir"`
	Staging  bool     `toml:"staging"`
}

func (l *TLSLetsEncryptConfig) GetStorage() string {
	if l.Storage == "" {
		return "dir"
	}
	return strings.ToLower(l.Storage)
}

// TLSConfig is the global certificate source used by listeners that set
// tls = true without their own cert/key pair.
type TLSConfig struct {
	Provider    string               `toml:"provider"` // file or letsencrypt
	CertFile    string               `toml:"cert_file"`
	KeyFile     string               `toml:"key_file"`
	MinVersion  string               `toml:"min_version"` // 1.0, 1.1, 1.2, 1.3
	LetsEncrypt TLSLetsEncryptConfig `toml:"letsencrypt"`
}

// CacheConfig selects the TTL cache backend.
type CacheConfig struct {
	Backend   string `toml:"backend"` // memory, sqlite, postgres
	Path      string `toml:"path"`    // sqlite file
	TunnelTTL string `toml:"tunnel_ttl"`
}

func (c *CacheConfig) GetBackend() string {
	if c.Backend == "" {
		return "memory"
	}
	return strings.ToLower(c.Backend)
}

func (c *CacheConfig) GetTunnelTTL() time.Duration {
	return durationWithDefault(c.TunnelTTL, DefaultTunnelTTL)
}

// CleanupConfig configures the background purge worker. It is off unless
// enabled, leaving expired cache rows in place as the cache contract
// describes.
type CleanupConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	// Messages deleted longer ago than this are purged. Empty disables.
	MessageRetention string `toml:"message_retention"`
}

func (c *CleanupConfig) GetInterval() time.Duration {
	return durationWithDefault(c.Interval, DefaultCleanupEvery)
}

func (c *CleanupConfig) GetMessageRetention() time.Duration {
	return durationWithDefault(c.MessageRetention, 0)
}

// TunnelConfig configures the handler chain of tunnel listeners.
type TunnelConfig struct {
	Handlers             []string `toml:"handlers"` // ordered: lua, mirror, ftp
	LuaScripts           string   `toml:"lua_scripts"`
	MirrorBucket         string   `toml:"mirror_bucket"`
	FTPTimeout           string   `toml:"ftp_timeout"`
	FTPAnonymousPassword string   `toml:"ftp_anonymous_password"`
	FTPMaxRetries        int      `toml:"ftp_max_retries"`
	// Consecutive failures before an FTP host is skipped. 0 means 5.
	FTPBreakerFailures int    `toml:"ftp_breaker_failures"`
	FTPBreakerTimeout  string `toml:"ftp_breaker_timeout"`
}

func (t *TunnelConfig) GetHandlers() []string {
	if len(t.Handlers) == 0 {
		return []string{"ftp"}
	}
	return t.Handlers
}

func (t *TunnelConfig) GetFTPTimeout() time.Duration {
	return durationWithDefault(t.FTPTimeout, DefaultFTPTimeout)
}

func (t *TunnelConfig) GetFTPBreakerTimeout() time.Duration {
	return durationWithDefault(t.FTPBreakerTimeout, DefaultBreakerTimeout)
}

func (t *TunnelConfig) GetFTPAnonymousPassword() string {
	if t.FTPAnonymousPassword == "" {
		return "anonymous@"
	}
	return t.FTPAnonymousPassword
}

// POP3Config holds settings shared by all pop3 listeners.
type POP3Config struct {
	Hostname string `toml:"hostname"`
}

// ServerConfig is one [[server]] entry.
type ServerConfig struct {
	Type    string `toml:"type"`
	Name    string `toml:"name"`
	Addr    string `toml:"addr"`
	Network string `toml:"network"` // tcp, tcp4, tcp6

	TLS         bool   `toml:"tls"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`

	ReadBufferSize int    `toml:"read_buffer_size"`
	IdleTimeout    string `toml:"idle_timeout"`
	MaxConnections int    `toml:"max_connections"`
	ShutdownGrace  string `toml:"shutdown_grace"`
	Debug          bool   `toml:"debug"`

	// APIKey protects /api/v1 on http servers and is required there.
	APIKey string `toml:"api_key"`
}

func (s *ServerConfig) IsEnabled() bool {
	return s.Type != "" && s.Name != "" && s.Addr != ""
}

func (s *ServerConfig) GetNetwork() string {
	if s.Network == "" {
		return "tcp"
	}
	return s.Network
}

func (s *ServerConfig) GetReadBufferSize() int {
	if s.ReadBufferSize <= 0 {
		return DefaultReadBufferSize
	}
	return s.ReadBufferSize
}

// GetIdleTimeout returns zero when no idle timeout is configured.
func (s *ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.IdleTimeout)
}

func (s *ServerConfig) GetShutdownGrace() time.Duration {
	return durationWithDefault(s.ShutdownGrace, DefaultShutdownGrace)
}

// Validate checks a single server entry.
func (s *ServerConfig) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("server type is required")
	}
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if s.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if !slices.Contains(validServerTypes, s.Type) {
		return fmt.Errorf("invalid server type '%s', must be one of: %s", s.Type, strings.Join(validServerTypes, ", "))
	}
	switch s.GetNetwork() {
	case "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("server %s: unsupported network %q", s.Name, s.Network)
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("server %s: tls_cert_file and tls_key_file must be set together", s.Name)
	}
	if s.TLS && s.Type == ServerTypeHTTP {
		return fmt.Errorf("server %s: tls interception is not available on http servers", s.Name)
	}
	if s.Type == ServerTypeHTTP && s.APIKey == "" {
		return fmt.Errorf("server %s: api_key is required for http servers", s.Name)
	}
	if _, err := s.GetIdleTimeout(); err != nil {
		return fmt.Errorf("server %s: invalid idle_timeout: %w", s.Name, err)
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("server %s: max_connections must not be negative", s.Name)
	}
	return nil
}

// Config is the root of the TOML configuration file.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	TLS      TLSConfig      `toml:"tls"`
	Cache    CacheConfig    `toml:"cache"`
	Tunnel   TunnelConfig   `toml:"tunnel"`
	Cleanup  CleanupConfig  `toml:"cleanup"`
	POP3     POP3Config     `toml:"pop3"`
	Servers  []ServerConfig `toml:"server"`
}

// NewDefaultConfig returns a configuration usable without a file: one
// tunnel listener with the in-memory cache.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Output: "stderr", Format: "console", Level: "info"},
		TLS:     TLSConfig{Provider: "file", MinVersion: "1.0"},
		Cache:   CacheConfig{Backend: "memory", Path: "retrogate-cache.db", TunnelTTL: "1h"},
		Tunnel:  TunnelConfig{Handlers: []string{"ftp"}, FTPTimeout: "30s"},
		POP3:    POP3Config{Hostname: "localhost"},
	}
}

// GetAllServers returns the enabled [[server]] entries.
func (c *Config) GetAllServers() []ServerConfig {
	var out []ServerConfig
	for _, s := range c.Servers {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks cross-section consistency after loading.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for i := range c.Servers {
		s := &c.Servers[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		names[s.Name] = true

		if s.Type == ServerTypePOP3 && !c.Database.IsConfigured() {
			return fmt.Errorf("server %s: pop3 requires [database] url", s.Name)
		}
		if s.TLS && s.TLSCertFile == "" && c.TLS.Provider != "letsencrypt" && c.TLS.CertFile == "" {
			return fmt.Errorf("server %s: tls enabled but no certificate configured", s.Name)
		}
	}

	switch c.Cache.GetBackend() {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache backend sqlite requires a path")
		}
	case "postgres":
		if !c.Database.IsConfigured() {
			return fmt.Errorf("cache backend postgres requires [database] url")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	for key, v := range map[string]string{"interval": c.Cleanup.Interval, "message_retention": c.Cleanup.MessageRetention} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid cleanup %s: %w", key, err)
		}
	}
	if c.Cache.TunnelTTL != "" {
		if _, err := time.ParseDuration(c.Cache.TunnelTTL); err != nil {
			return fmt.Errorf("invalid cache tunnel_ttl: %w", err)
		}
	}

	for _, h := range c.Tunnel.GetHandlers() {
		switch h {
		case "ftp":
		case "lua":
			if c.Tunnel.LuaScripts == "" {
				return fmt.Errorf("tunnel handler lua requires lua_scripts")
			}
		case "mirror":
			if !c.S3.IsConfigured() {
				return fmt.Errorf("tunnel handler mirror requires [s3]")
			}
		default:
			return fmt.Errorf("unknown tunnel handler %q", h)
		}
	}

	switch c.TLS.Provider {
	case "", "file":
	case "letsencrypt":
		if len(c.TLS.LetsEncrypt.Domains) == 0 {
			return fmt.Errorf("tls provider letsencrypt requires at least one domain")
		}
		switch c.TLS.LetsEncrypt.GetStorage() {
		case "dir":
			if c.TLS.LetsEncrypt.CacheDir == "" {
				return fmt.Errorf("tls letsencrypt storage dir requires cache_dir")
			}
		case "s3":
			if !c.S3.IsConfigured() {
				return fmt.Errorf("tls letsencrypt storage s3 requires [s3]")
			}
		default:
			return fmt.Errorf("unknown tls letsencrypt storage %q", c.TLS.LetsEncrypt.Storage)
		}
	default:
		return fmt.Errorf("unknown tls provider %q", c.TLS.Provider)
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file into cfg. Unknown keys are
// reported as warnings and ignored; string values are trimmed.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same section; remove the duplicate entry", err)
	case strings.Contains(msg, "expected value but found \"f\""),
		strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	case strings.Contains(msg, "expected"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, brackets and [section] / [[array]] headers", err)
	}
	return err
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				trimStringFields(f)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

func durationWithDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
