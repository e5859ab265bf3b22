package store

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process memory. Values are stored encoded
// so callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	env      *envelope
	sessions map[string][]byte
	ratchets map[string]map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]byte),
		ratchets: make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) Load(ctx context.Context, deviceID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.sessions[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.env.unmarshal(data)
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateDeviceID(s.DeviceID); err != nil {
		return err
	}
	data, err := m.env.marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[s.DeviceID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, deviceID)
	delete(m.ratchets, deviceID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveRatchet(ctx context.Context, deviceID, peer string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	peers, ok := m.ratchets[deviceID]
	if !ok {
		peers = make(map[string][]byte)
		m.ratchets[deviceID] = peers
	}
	peers[peer] = append([]byte(nil), state...)
	return nil
}

func (m *MemoryStore) LoadRatchet(ctx context.Context, deviceID, peer string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.ratchets[deviceID][peer]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

func (m *MemoryStore) DeleteRatchets(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.ratchets, deviceID)
	m.mu.Unlock()
	return nil
}
