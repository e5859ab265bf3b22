// Package config loads the YAML configuration file of the nocksup daemon
// and maps it onto the client, store, API and logging settings.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/nocksup/pkg/crypto"
	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/store"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// File is the on-disk configuration. Zero values fall back to
// network.DefaultConfig.
type File struct {
	Endpoint      string `yaml:"endpoint"`
	WebSocketPath string `yaml:"websocket_path,omitempty"`
	DeviceID      string `yaml:"device_id,omitempty"`
	RootKey       string `yaml:"root_key,omitempty"`      // Base64 Ed25519 public key
	RootKeyFile   string `yaml:"root_key_file,omitempty"` // PEM file, used when root_key is empty
	Issuer        string `yaml:"issuer,omitempty"`

	Log       Log       `yaml:"log"`
	Store     Store     `yaml:"store"`
	API       API       `yaml:"api"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Keepalive Keepalive `yaml:"keepalive"`
	Reconnect Reconnect `yaml:"reconnect"`

	AutoAck           *bool `yaml:"auto_ack,omitempty"`
	CompressThreshold int   `yaml:"compress_threshold,omitempty"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type Store struct {
	Backend    string `yaml:"backend"` // memory, file or sqlite
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

type API struct {
	Listen    string  `yaml:"listen"`
	RateLimit float64 `yaml:"rate_limit"` // Requests per second
	Burst     int     `yaml:"burst"`
	CORS      bool    `yaml:"cors"`
}

type Timeouts struct {
	Dial      time.Duration `yaml:"dial,omitempty"`
	Handshake time.Duration `yaml:"handshake,omitempty"`
	Request   time.Duration `yaml:"request,omitempty"`
	Pairing   time.Duration `yaml:"pairing,omitempty"`
}

type Keepalive struct {
	Interval  time.Duration `yaml:"interval,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	MaxMissed int           `yaml:"max_missed,omitempty"`
}

type Reconnect struct {
	Enabled     *bool         `yaml:"enabled,omitempty"`
	BaseDelay   time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
	Jitter      float64       `yaml:"jitter,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
}

// Default returns the configuration used when no file exists
func Default() *File {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &File{
		Log:   Log{Level: "info", Format: "console"},
		Store: Store{Backend: BackendSQLite, Path: filepath.Join(home, ".nocksup", "sessions.db")},
		API:   API{Listen: "127.0.0.1:8088", RateLimit: 10, Burst: 20},
	}
}

// Load reads path on top of Default. A missing file is not an error.
func Load(path string) (*File, error) {
	f := Default()
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Save writes f as YAML, readable by the owner only
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadRootKey resolves the server trust anchor
func (f *File) LoadRootKey() (ed25519.PublicKey, error) {
	if f.RootKey != "" {
		raw, err := base64.StdEncoding.DecodeString(f.RootKey)
		if err != nil {
			return nil, fmt.Errorf("root_key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("root_key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		return ed25519.PublicKey(raw), nil
	}
	if f.RootKeyFile == "" {
		return nil, errors.New("one of root_key or root_key_file is required")
	}
	pemData, err := crypto.LoadKeyFromFile(f.RootKeyFile)
	if err != nil {
		return nil, fmt.Errorf("root_key_file: %w", err)
	}
	key, err := crypto.ImportPublicKeyPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("root_key_file %s: %w", f.RootKeyFile, err)
	}
	return key, nil
}

// Client maps f onto a network.Config. Logger and Metrics are left to the caller.
func (f *File) Client() (network.Config, error) {
	if f.Endpoint == "" {
		return network.Config{}, errors.New("endpoint is required")
	}
	root, err := f.LoadRootKey()
	if err != nil {
		return network.Config{}, err
	}

	cfg := network.DefaultConfig()
	cfg.Endpoint = f.Endpoint
	cfg.DeviceID = f.DeviceID
	cfg.RootKey = root
	cfg.Issuer = f.Issuer
	if f.WebSocketPath != "" {
		cfg.WebSocketPath = f.WebSocketPath
	}

	overrideDuration(&cfg.DialTimeout, f.Timeouts.Dial)
	overrideDuration(&cfg.HandshakeTimeout, f.Timeouts.Handshake)
	overrideDuration(&cfg.RequestTimeout, f.Timeouts.Request)
	overrideDuration(&cfg.PairingTimeout, f.Timeouts.Pairing)
	overrideDuration(&cfg.KeepaliveInterval, f.Keepalive.Interval)
	overrideDuration(&cfg.KeepaliveTimeout, f.Keepalive.Timeout)
	overrideDuration(&cfg.ReconnectBaseDelay, f.Reconnect.BaseDelay)
	overrideDuration(&cfg.ReconnectMaxDelay, f.Reconnect.MaxDelay)

	if f.Keepalive.MaxMissed > 0 {
		cfg.MaxMissedKeepalives = f.Keepalive.MaxMissed
	}
	if f.Reconnect.Enabled != nil {
		cfg.AutoReconnect = *f.Reconnect.Enabled
	}
	if f.Reconnect.Jitter > 0 {
		cfg.ReconnectJitter = f.Reconnect.Jitter
	}
	if f.Reconnect.MaxAttempts != 0 {
		// negative means retry forever
		cfg.MaxReconnectAttempts = max(f.Reconnect.MaxAttempts, 0)
	}
	if f.AutoAck != nil {
		cfg.AutoAck = *f.AutoAck
	}
	if f.CompressThreshold != 0 {
		cfg.CompressThreshold = f.CompressThreshold
	}
	return cfg, nil
}

func overrideDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// OpenStore opens the configured session store. The returned close func is
// never nil.
func (f *File) OpenStore() (store.Store, func() error, error) {
	noop := func() error { return nil }
	switch f.Store.Backend {
	case "", BackendMemory:
		return store.NewMemoryStore(), noop, nil
	case BackendFile:
		fs, err := store.NewFileStore(f.Store.Path, f.Store.Passphrase)
		if err != nil {
			return nil, noop, err
		}
		return fs, noop, nil
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(f.Store.Path), 0o700); err != nil {
			return nil, noop, err
		}
		ss, err := store.NewSQLStore(f.Store.Path, f.Store.Passphrase)
		if err != nil {
			return nil, noop, err
		}
		return ss, ss.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", f.Store.Backend)
	}
}
