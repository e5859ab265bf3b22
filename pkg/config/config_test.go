package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", f.Log.Level)
	assert.Equal(t, BackendSQLite, f.Store.Backend)
	assert.Equal(t, "127.0.0.1:8088", f.API.Listen)
}

func TestLoadAndMapClient(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	path := writeFile(t, "nocksup.yaml", `
endpoint: /dns4/example.org/tcp/443/wss
device_id: laptop
root_key: `+base64.StdEncoding.EncodeToString(pub)+`
issuer: nocksup
log:
  level: debug
  format: json
store:
  backend: memory
timeouts:
  request: 5s
  pairing: 1m30s
keepalive:
  interval: 15s
  max_missed: 3
reconnect:
  enabled: false
  base_delay: 1s
  max_attempts: -1
auto_ack: false
`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", f.Log.Level)
	assert.Equal(t, "json", f.Log.Format)
	// untouched sections keep their defaults
	assert.Equal(t, "127.0.0.1:8088", f.API.Listen)

	cfg, err := f.Client()
	require.NoError(t, err)
	def := network.DefaultConfig()

	assert.Equal(t, "/dns4/example.org/tcp/443/wss", cfg.Endpoint)
	assert.Equal(t, "laptop", cfg.DeviceID)
	assert.Equal(t, pub, cfg.RootKey)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 90*time.Second, cfg.PairingTimeout)
	assert.Equal(t, 15*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, def.KeepaliveTimeout, cfg.KeepaliveTimeout)
	assert.Equal(t, 3, cfg.MaxMissedKeepalives)
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, def.ReconnectMaxDelay, cfg.ReconnectMaxDelay)
	assert.Equal(t, 0, cfg.MaxReconnectAttempts)
	assert.False(t, cfg.AutoAck)
	assert.Equal(t, def.WebSocketPath, cfg.WebSocketPath)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name string
		file File
	}{
		{"no endpoint", File{RootKey: base64.StdEncoding.EncodeToString(make([]byte, 32))}},
		{"no root key", File{Endpoint: "/ip4/127.0.0.1/tcp/5222"}},
		{"bad base64", File{Endpoint: "/ip4/127.0.0.1/tcp/5222", RootKey: "%%%"}},
		{"short key", File{Endpoint: "/ip4/127.0.0.1/tcp/5222", RootKey: base64.StdEncoding.EncodeToString([]byte("short"))}},
		{"missing pem", File{Endpoint: "/ip4/127.0.0.1/tcp/5222", RootKeyFile: "/does/not/exist.pem"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.file.Client(); err == nil {
				t.Errorf("Client() error = nil, want error")
			}
		})
	}
}

func TestRootKeyFromPEM(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemData, err := crypto.ExportPublicKeyPEM(pub)
	require.NoError(t, err)

	f := &File{RootKeyFile: writeFile(t, "root.pem", string(pemData))}
	got, err := f.LoadRootKey()
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "nocksup.yaml")
	f := Default()
	f.Endpoint = "/ip4/10.0.0.1/tcp/5222"
	f.Reconnect.MaxDelay = 2 * time.Minute
	require.NoError(t, f.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f.Endpoint, loaded.Endpoint)
	assert.Equal(t, 2*time.Minute, loaded.Reconnect.MaxDelay)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		backend string
		path    string
		wantErr bool
	}{
		{BackendMemory, "", false},
		{BackendFile, filepath.Join(dir, "files"), false},
		{BackendSQLite, filepath.Join(dir, "db", "sessions.db"), false},
		{"redis", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			f := &File{Store: Store{Backend: tt.backend, Path: tt.path}}
			st, closeStore, err := f.OpenStore()
			require.NotNil(t, closeStore)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer closeStore()

			_, err = st.Load(t.Context(), "nobody")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}
