package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retrogate.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "  debug  "

[cache]
backend = "sqlite"
path = "/var/lib/retrogate/cache.db"
tunnel_ttl = "15m"

[tunnel]
handlers = ["lua", "ftp"]
lua_scripts = "/etc/retrogate/scripts"

[[server]]
type = "tunnel"
name = "ftp-gateway"
addr = ":8021"
tls = true
tls_cert_file = "/etc/retrogate/cert.pem"
tls_key_file = "/etc/retrogate/key.pem"
idle_timeout = "2m"

[[server]]
type = "socks"
name = "socks"
addr = ":1080"
max_connections = 64
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level, "strings are trimmed")
	assert.Equal(t, "sqlite", cfg.Cache.GetBackend())
	assert.Equal(t, []string{"lua", "ftp"}, cfg.Tunnel.GetHandlers())

	servers := cfg.GetAllServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "ftp-gateway", servers[0].Name)
	assert.True(t, servers[0].TLS)
	assert.Equal(t, 64, servers[1].MaxConnections)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[cache]
backend = "memory"
eviction = "lru"
`)

	cfg := NewDefaultConfig()
	assert.NoError(t, LoadConfigFromFile(path, &cfg), "unknown keys only warn")
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		cfg := NewDefaultConfig()
		err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("bad boolean gets a hint", func(t *testing.T) {
		path := writeConfig(t, "[[server]]\ntls = yes\n")
		cfg := NewDefaultConfig()
		err := LoadConfigFromFile(path, &cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HINT")
	})
}
