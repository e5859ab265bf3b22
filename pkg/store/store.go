// Package store persists device sessions and per-peer ratchet state.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ZentaChain/nocksup/pkg/crypto"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrInvalidDeviceID = errors.New("invalid device id")
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted data")
)

// Session is the long-lived state of one device
type Session struct {
	DeviceID       string                  `json:"device_id"`
	JID            string                  `json:"jid,omitempty"` // Assigned by the server once paired
	NoiseKey       *crypto.KeyPair         `json:"noise_key"`
	IdentityKey    *crypto.IdentityKeyPair `json:"identity_key"`
	SignedPreKey   *crypto.SignedPreKey    `json:"signed_pre_key"`
	RegistrationID uint32                  `json:"registration_id"`
	AccountKey     []byte                  `json:"account_key,omitempty"`
	ServerStatic   []byte                  `json:"server_static,omitempty"`
	Counter        uint64                  `json:"counter"`
	PairedAt       time.Time               `json:"paired_at,omitempty"`
	LastLogin      time.Time               `json:"last_login,omitempty"`
}

// NewSession generates fresh keys for an unpaired device
func NewSession(deviceID string) (*Session, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	noise, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	spk, err := crypto.GenerateSignedPreKey(1, identity)
	if err != nil {
		return nil, err
	}
	regID, err := crypto.GenerateRegistrationID()
	if err != nil {
		return nil, err
	}
	return &Session{
		DeviceID:       deviceID,
		NoiseKey:       noise,
		IdentityKey:    identity,
		SignedPreKey:   spk,
		RegistrationID: regID,
	}, nil
}

// Paired reports whether the server has bound this device to an account
func (s *Session) Paired() bool {
	return s.JID != ""
}

// Store is the session persistence contract
type Store interface {
	Load(ctx context.Context, deviceID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, deviceID string) error
}

// RatchetStore keeps opaque per-peer ratchet blobs
type RatchetStore interface {
	SaveRatchet(ctx context.Context, deviceID, peer string, state []byte) error
	LoadRatchet(ctx context.Context, deviceID, peer string) ([]byte, error)
	DeleteRatchets(ctx context.Context, deviceID string) error
}

// StoreError describes a failed persistence operation
type StoreError struct {
	Op       string
	DeviceID string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.DeviceID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateDeviceID rejects ids that are unsafe as file names or keys
func ValidateDeviceID(id string) error {
	if !deviceIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}
