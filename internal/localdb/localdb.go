// Package localdb is the durable layer beneath the in-memory settings cache.
// It keeps the last-synced document per (tenant, user) so a cold start with
// no network still has usable, possibly stale, data, plus the device
// identity, the append-only sync event log, and sealed credential values.
package localdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marlowe/crmsync/internal/models"
)

// DB wraps the local SQLite database.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex // serializes writes; SQLite allows one writer
}

// Open opens (creating if needed) the local database at path and runs
// migrations. Use ":memory:" in tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}

	// WAL for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenWith wraps an existing connection. Used by tests that want a specific driver.
func OpenWith(conn *sql.DB) (*DB, error) {
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS settings_docs (
			tenant_id           TEXT NOT NULL,
			user_id             TEXT NOT NULL,
			setting_groups      JSON NOT NULL,
			updated_at          TEXT NOT NULL,
			last_synced_at      TEXT NOT NULL,
			device_sync_enabled INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (tenant_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS device_identity (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			device_id   TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sync_events (
			id               TEXT PRIMARY KEY,
			event_type       TEXT NOT NULL,
			trigger          TEXT,
			user_id          TEXT NOT NULL,
			source_device_id TEXT NOT NULL,
			entity           TEXT,
			success          INTEGER NOT NULL,
			duration_ms      INTEGER NOT NULL DEFAULT 0,
			error_message    TEXT,
			metadata         JSON,
			timestamp        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sync_events_user ON sync_events(user_id, timestamp);
		CREATE TABLE IF NOT EXISTS sealed_credentials (
			user_id    TEXT NOT NULL,
			layer      TEXT NOT NULL,
			name       TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			present    INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, layer, name)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate local db: %w", err)
	}
	return nil
}

// SaveDocument persists the last-known document for its (tenant, user).
func (db *DB) SaveDocument(doc *models.SettingsDocument) error {
	groups, err := json.Marshal(doc.SettingGroups)
	if err != nil {
		return fmt.Errorf("marshal setting groups: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(`
		INSERT OR REPLACE INTO settings_docs (tenant_id, user_id, setting_groups, updated_at, last_synced_at, device_sync_enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.TenantID, doc.UserID, string(groups),
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		doc.LastSyncedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(doc.DeviceSyncEnabled),
	)
	if err != nil {
		return fmt.Errorf("save document %s/%s: %w", doc.TenantID, doc.UserID, err)
	}
	return nil
}

// LoadDocument returns the stored document, or nil when none exists.
// Callers must treat the result as stale-tolerant fallback, never as
// authoritative while the remote store is reachable. A row that no longer
// parses is discarded so it can be regenerated from a fresh fetch.
func (db *DB) LoadDocument(tenantID, userID string) (*models.SettingsDocument, error) {
	var (
		groupsJSON, updatedAt, lastSyncedAt string
		syncEnabled                         int
	)
	err := db.conn.QueryRow(`
		SELECT setting_groups, updated_at, last_synced_at, device_sync_enabled
		FROM settings_docs WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID,
	).Scan(&groupsJSON, &updatedAt, &lastSyncedAt, &syncEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s/%s: %w", tenantID, userID, err)
	}

	doc := &models.SettingsDocument{
		TenantID:          tenantID,
		UserID:            userID,
		DeviceSyncEnabled: syncEnabled != 0,
	}
	if err := json.Unmarshal([]byte(groupsJSON), &doc.SettingGroups); err != nil {
		slog.Warn("discarding corrupt local document", "tenant", tenantID, "user", userID, "err", err)
		db.deleteDocument(tenantID, userID)
		return nil, nil
	}
	if doc.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		slog.Warn("discarding local document with bad timestamp", "tenant", tenantID, "user", userID, "err", err)
		db.deleteDocument(tenantID, userID)
		return nil, nil
	}
	if doc.LastSyncedAt, err = parseTimestamp(lastSyncedAt); err != nil {
		doc.LastSyncedAt = doc.UpdatedAt
	}
	return doc, nil
}

func (db *DB) deleteDocument(tenantID, userID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.conn.Exec(`DELETE FROM settings_docs WHERE tenant_id = ? AND user_id = ?`, tenantID, userID); err != nil {
		slog.Warn("delete corrupt document", "tenant", tenantID, "user", userID, "err", err)
	}
}

// DeviceIdentity returns the stable device id and fingerprint for this
// profile, generating and persisting them on first call.
func (db *DB) DeviceIdentity(fingerprint string) (string, error) {
	var deviceID string
	err := db.conn.QueryRow(`SELECT device_id FROM device_identity WHERE id = 1`).Scan(&deviceID)
	if err == nil {
		return deviceID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("load device identity: %w", err)
	}

	deviceID = "dev-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(`
		INSERT INTO device_identity (id, device_id, fingerprint, created_at)
		VALUES (1, ?, ?, ?)`,
		deviceID, fingerprint, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("persist device identity: %w", err)
	}
	return deviceID, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTimestamp tries the timestamp formats that reach local storage.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
