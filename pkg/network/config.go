package network

import (
	"crypto/ed25519"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/transport"
)

// Config holds client settings
type Config struct {
	Endpoint      string            // Multiaddr of the service
	WebSocketPath string            // Path used for /ws and /wss endpoints
	DeviceID      string            // Local device id; a random one is chosen when empty
	RootKey       ed25519.PublicKey // Trust anchor for the server certificate
	Issuer        string            // Expected certificate issuer, any if empty
	ClientVersion string
	Platform      string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration // Used when Request is called with a zero timeout

	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	MaxMissedKeepalives int

	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectJitter      float64 // Fraction of the delay, 0.2 means +/-20%
	MaxReconnectAttempts int     // 0 retries forever

	PairingTimeout    time.Duration
	AutoAck           bool
	CompressThreshold int

	Logger  *zap.Logger
	Metrics *Metrics
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		WebSocketPath:        transport.DefaultWebSocketPath,
		ClientVersion:        "2.3000.1",
		Platform:             "nocksup",
		DialTimeout:          10 * time.Second,
		HandshakeTimeout:     20 * time.Second,
		RequestTimeout:       30 * time.Second,
		KeepaliveInterval:    30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		MaxMissedKeepalives:  2,
		AutoReconnect:        true,
		ReconnectBaseDelay:   5 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		ReconnectJitter:      0.2,
		MaxReconnectAttempts: 10,
		PairingTimeout:       2 * time.Minute,
		AutoAck:              true,
		CompressThreshold:    transport.DefaultCompressThreshold,
	}
}

// withDefaults fills zero durations and limits from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WebSocketPath == "" {
		c.WebSocketPath = d.WebSocketPath
	}
	if c.ClientVersion == "" {
		c.ClientVersion = d.ClientVersion
	}
	if c.Platform == "" {
		c.Platform = d.Platform
	}
	for _, f := range []struct{ v, def *time.Duration }{
		{&c.DialTimeout, &d.DialTimeout},
		{&c.HandshakeTimeout, &d.HandshakeTimeout},
		{&c.RequestTimeout, &d.RequestTimeout},
		{&c.KeepaliveInterval, &d.KeepaliveInterval},
		{&c.KeepaliveTimeout, &d.KeepaliveTimeout},
		{&c.ReconnectBaseDelay, &d.ReconnectBaseDelay},
		{&c.ReconnectMaxDelay, &d.ReconnectMaxDelay},
		{&c.PairingTimeout, &d.PairingTimeout},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	if c.MaxMissedKeepalives <= 0 {
		c.MaxMissedKeepalives = d.MaxMissedKeepalives
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		c.ReconnectJitter = d.ReconnectJitter
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = d.CompressThreshold
	}
	return c
}
