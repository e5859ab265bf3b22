package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend interface {
	Store
	RatchetStore
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "files"), "")
	require.NoError(t, err)

	sealedFS, err := NewFileStore(filepath.Join(dir, "sealed"), "correct horse")
	require.NoError(t, err)
	sealedFS.env.n = 1 << 10

	sqlStore, err := NewSQLStore(filepath.Join(dir, "sessions.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	sealedSQL, err := NewSQLStore(":memory:", "battery staple")
	require.NoError(t, err)
	sealedSQL.env.n = 1 << 10
	t.Cleanup(func() { sealedSQL.Close() })

	return map[string]backend{
		"memory":        NewMemoryStore(),
		"file":          fs,
		"file sealed":   sealedFS,
		"sqlite":        sqlStore,
		"sqlite sealed": sealedSQL,
	}
}

func newTestSession(t *testing.T, id string) *Session {
	t.Helper()
	s, err := NewSession(id)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.Load(ctx, "device-1")
			assert.ErrorIs(t, err, ErrNotFound)

			s := newTestSession(t, "device-1")
			s.JID = "15551234567.0:1@s.whatsapp.net"
			s.Counter = 42
			s.PairedAt = time.Now().UTC().Truncate(time.Second)
			require.NoError(t, st.Save(ctx, s))

			loaded, err := st.Load(ctx, "device-1")
			require.NoError(t, err)
			assert.Equal(t, s.JID, loaded.JID)
			assert.Equal(t, s.Counter, loaded.Counter)
			assert.Equal(t, s.NoiseKey.Private, loaded.NoiseKey.Private)
			assert.Equal(t, s.IdentityKey.PrivateKey, loaded.IdentityKey.PrivateKey)
			assert.Equal(t, s.SignedPreKey.Signature, loaded.SignedPreKey.Signature)
			assert.True(t, s.PairedAt.Equal(loaded.PairedAt))
			assert.True(t, loaded.Paired())

			// mutating the loaded copy does not touch the stored one
			loaded.Counter = 0
			again, err := st.Load(ctx, "device-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(42), again.Counter)

			s.Counter = 43
			require.NoError(t, st.Save(ctx, s))
			again, err = st.Load(ctx, "device-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(43), again.Counter)

			require.NoError(t, st.SaveRatchet(ctx, "device-1", "peer@s.whatsapp.net", []byte{1, 2, 3}))
			state, err := st.LoadRatchet(ctx, "device-1", "peer@s.whatsapp.net")
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, state)

			_, err = st.LoadRatchet(ctx, "device-1", "nobody")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Delete(ctx, "device-1"))
			_, err = st.Load(ctx, "device-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = st.LoadRatchet(ctx, "device-1", "peer@s.whatsapp.net")
			assert.ErrorIs(t, err, ErrNotFound)

			// deleting twice is fine
			assert.NoError(t, st.Delete(ctx, "device-1"))
		})
	}
}

func TestStoreRejectsBadDeviceID(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newTestSession(t, "ok")
			s.DeviceID = "../escape"
			assert.ErrorIs(t, st.Save(context.Background(), s), ErrInvalidDeviceID)
		})
	}
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession("")
	assert.ErrorIs(t, err, ErrInvalidDeviceID)

	_, err = NewSession(strings.Repeat("a", 200))
	assert.ErrorIs(t, err, ErrInvalidDeviceID)

	s := newTestSession(t, "fresh")
	assert.False(t, s.Paired())
	assert.NotZero(t, s.RegistrationID)
}

func TestFileStoreSealedAtRest(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "secret")
	require.NoError(t, err)
	fs.env.n = 1 << 10

	s := newTestSession(t, "device-2")
	s.JID = "secret-jid@s.whatsapp.net"
	require.NoError(t, fs.Save(context.Background(), s))

	raw, err := os.ReadFile(fs.sessionPath("device-2"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-jid")

	info, err := os.Stat(fs.sessionPath("device-2"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	wrong, err := NewFileStore(dir, "not the secret")
	require.NoError(t, err)
	_, err = wrong.Load(context.Background(), "device-2")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestFileStoreRatchetsOnDisk(t *testing.T) {
	ctx := context.Background()
	blob := []byte("ratchet-state")
	encoded := base64.StdEncoding.EncodeToString(blob)

	plain, err := NewFileStore(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, plain.SaveRatchet(ctx, "device-3", "peer@s.whatsapp.net", blob))

	raw, err := os.ReadFile(plain.ratchetPath("device-3"))
	require.NoError(t, err)
	var ratchets map[string][]byte
	require.NoError(t, json.Unmarshal(raw, &ratchets))
	assert.Equal(t, blob, ratchets["peer@s.whatsapp.net"])

	dir := t.TempDir()
	sealedStore, err := NewFileStore(dir, "secret")
	require.NoError(t, err)
	sealedStore.env.n = 1 << 10
	require.NoError(t, sealedStore.SaveRatchet(ctx, "device-3", "peer@s.whatsapp.net", blob))

	raw, err = os.ReadFile(sealedStore.ratchetPath("device-3"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), encoded)

	got, err := sealedStore.LoadRatchet(ctx, "device-3", "peer@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	wrong, err := NewFileStore(dir, "not the secret")
	require.NoError(t, err)
	_, err = wrong.LoadRatchet(ctx, "device-3", "peer@s.whatsapp.net")
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Load(ctx, "device-1")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStoreError(t *testing.T) {
	err := &StoreError{Op: "save", DeviceID: "d1", Err: ErrWrongPassphrase}
	assert.ErrorIs(t, err, ErrWrongPassphrase)
	assert.Contains(t, err.Error(), "save d1")
}
