package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore keeps sessions in a SQLite database
type SQLStore struct {
	db  *sql.DB
	env *envelope
}

// NewSQLStore opens (or creates) the database at dbPath. A non-empty
// passphrase encrypts session and ratchet blobs.
func NewSQLStore(dbPath, passphrase string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLStore{db: db, env: newEnvelope(passphrase)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates database tables
func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		device_id TEXT PRIMARY KEY,
		jid TEXT,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ratchets (
		device_id TEXT NOT NULL,
		peer TEXT NOT NULL,
		state BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, peer)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_jid ON sessions(jid);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Load reads the session for deviceID
func (s *SQLStore) Load(ctx context.Context, deviceID string) (*Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE device_id = ?`, deviceID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s.env.unmarshal(data)
}

// Save inserts or replaces the session
func (s *SQLStore) Save(ctx context.Context, sess *Session) error {
	if err := ValidateDeviceID(sess.DeviceID); err != nil {
		return err
	}
	data, err := s.env.marshal(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (device_id, jid, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			jid = excluded.jid,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		sess.DeviceID, sess.JID, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session and its ratchets
func (s *SQLStore) Delete(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ratchets WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("failed to delete ratchets: %w", err)
	}
	return tx.Commit()
}

// SaveRatchet stores the ratchet blob for one peer
func (s *SQLStore) SaveRatchet(ctx context.Context, deviceID, peer string, state []byte) error {
	data, err := s.env.seal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ratchets (device_id, peer, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, peer) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		deviceID, peer, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save ratchet: %w", err)
	}
	return nil
}

// LoadRatchet returns the ratchet blob for one peer
func (s *SQLStore) LoadRatchet(ctx context.Context, deviceID, peer string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM ratchets WHERE device_id = ? AND peer = ?`, deviceID, peer,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ratchet: %w", err)
	}
	return s.env.open(data)
}

// DeleteRatchets drops every ratchet of deviceID
func (s *SQLStore) DeleteRatchets(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ratchets WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("failed to delete ratchets: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
