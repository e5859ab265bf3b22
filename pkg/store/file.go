package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps one JSON file per device plus a JSON file of ratchet blobs
type FileStore struct {
	storageDir string
	env        *envelope
	mu         sync.Mutex
}

// NewFileStore creates a file store rooted at dir. A non-empty passphrase
// encrypts every file at rest.
func NewFileStore(storageDir, passphrase string) (*FileStore, error) {
	if err := os.MkdirAll(storageDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &FileStore{
		storageDir: storageDir,
		env:        newEnvelope(passphrase),
	}, nil
}

func (f *FileStore) sessionPath(deviceID string) string {
	return filepath.Join(f.storageDir, deviceID+".session.json")
}

func (f *FileStore) ratchetPath(deviceID string) string {
	return filepath.Join(f.storageDir, deviceID+".ratchets.json")
}

// writeFile replaces path atomically
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the session for deviceID
func (f *FileStore) Load(ctx context.Context, deviceID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.sessionPath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	return f.env.unmarshal(data)
}

// Save writes s to disk
func (f *FileStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateDeviceID(s.DeviceID); err != nil {
		return err
	}

	data, err := f.env.marshal(s)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeFile(f.sessionPath(s.DeviceID), data); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Delete removes the session and its ratchets
func (f *FileStore) Delete(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, path := range []string{f.sessionPath(deviceID), f.ratchetPath(deviceID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// loadRatchets reads the ratchet map; callers hold f.mu
func (f *FileStore) loadRatchets(deviceID string) (map[string][]byte, error) {
	data, err := os.ReadFile(f.ratchetPath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]byte), nil
		}
		return nil, fmt.Errorf("failed to open ratchet sessions: %w", err)
	}

	raw, err := f.env.open(data)
	if err != nil {
		return nil, err
	}

	var ratchets map[string][]byte
	if err := json.Unmarshal(raw, &ratchets); err != nil {
		return nil, fmt.Errorf("failed to decode ratchet sessions: %w", err)
	}
	return ratchets, nil
}

func (f *FileStore) saveRatchets(deviceID string, ratchets map[string][]byte) error {
	raw, err := json.Marshal(ratchets)
	if err != nil {
		return fmt.Errorf("failed to encode ratchet sessions: %w", err)
	}
	data, err := f.env.seal(raw)
	if err != nil {
		return err
	}
	return writeFile(f.ratchetPath(deviceID), data)
}

// SaveRatchet stores the ratchet blob for one peer
func (f *FileStore) SaveRatchet(ctx context.Context, deviceID, peer string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ratchets, err := f.loadRatchets(deviceID)
	if err != nil {
		return err
	}
	ratchets[peer] = state
	return f.saveRatchets(deviceID, ratchets)
}

// LoadRatchet returns the ratchet blob for one peer
func (f *FileStore) LoadRatchet(ctx context.Context, deviceID, peer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ratchets, err := f.loadRatchets(deviceID)
	if err != nil {
		return nil, err
	}
	state, ok := ratchets[peer]
	if !ok {
		return nil, ErrNotFound
	}
	return state, nil
}

// DeleteRatchets drops every ratchet of deviceID
func (f *FileStore) DeleteRatchets(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.ratchetPath(deviceID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove ratchet sessions: %w", err)
	}
	return nil
}
