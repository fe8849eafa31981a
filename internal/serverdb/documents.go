package serverdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

// UpsertDocument stores the document and appends an entry to the change
// feed in one transaction. Returns the new change sequence number.
func (db *ServerDB) UpsertDocument(doc *models.SettingsDocument, sourceDeviceID string) (int64, error) {
	groups, err := json.Marshal(doc.SettingGroups)
	if err != nil {
		return 0, fmt.Errorf("marshal setting groups: %w", err)
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.Exec(`
		INSERT INTO settings_changes (tenant_id, user_id, source_device_id, document, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		doc.TenantID, doc.UserID, sourceDeviceID, string(docJSON), now,
	)
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("change seq: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO settings_documents (tenant_id, user_id, setting_groups, updated_at, last_synced, device_sync_enabled, change_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.TenantID, doc.UserID, string(groups),
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		doc.LastSyncedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(doc.DeviceSyncEnabled), seq,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert document %s/%s: %w", doc.TenantID, doc.UserID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return seq, nil
}

// GetDocument returns the stored document, or nil when none exists.
func (db *ServerDB) GetDocument(tenantID, userID string) (*models.SettingsDocument, error) {
	var (
		groupsJSON, updatedAt, lastSynced string
		syncEnabled                       int
	)
	err := db.conn.QueryRow(`
		SELECT setting_groups, updated_at, last_synced, device_sync_enabled
		FROM settings_documents WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID,
	).Scan(&groupsJSON, &updatedAt, &lastSynced, &syncEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", tenantID, userID, err)
	}

	doc := &models.SettingsDocument{
		TenantID:          tenantID,
		UserID:            userID,
		DeviceSyncEnabled: syncEnabled != 0,
	}
	if err := json.Unmarshal([]byte(groupsJSON), &doc.SettingGroups); err != nil {
		return nil, fmt.Errorf("unmarshal setting groups: %w", err)
	}
	if doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if doc.LastSyncedAt, err = time.Parse(time.RFC3339Nano, lastSynced); err != nil {
		return nil, fmt.Errorf("parse last_synced: %w", err)
	}
	return doc, nil
}

// ChangesAfter returns up to limit feed entries for a user with seq greater
// than afterSeq, excluding those originated by excludeDeviceID.
func (db *ServerDB) ChangesAfter(tenantID, userID string, afterSeq int64, excludeDeviceID string, limit int) ([]models.Change, error) {
	rows, err := db.conn.Query(`
		SELECT seq, source_device_id, document, occurred_at
		FROM settings_changes
		WHERE tenant_id = ? AND user_id = ? AND seq > ? AND source_device_id != ?
		ORDER BY seq
		LIMIT ?`,
		tenantID, userID, afterSeq, excludeDeviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []models.Change
	for rows.Next() {
		var (
			ch         models.Change
			docJSON    string
			occurredAt string
		)
		if err := rows.Scan(&ch.Seq, &ch.SourceDeviceID, &docJSON, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ch.TenantID = tenantID
		ch.UserID = userID
		if err := json.Unmarshal([]byte(docJSON), &ch.Document); err != nil {
			return nil, fmt.Errorf("unmarshal change document: %w", err)
		}
		if ch.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// CurrentSeq returns the newest change sequence for a user, 0 when none.
func (db *ServerDB) CurrentSeq(tenantID, userID string) (int64, error) {
	var seq sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT MAX(seq) FROM settings_changes WHERE tenant_id = ? AND user_id = ?`,
		tenantID, userID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("current seq: %w", err)
	}
	return seq.Int64, nil
}

// PruneChangesBefore deletes feed entries older than cutoff. The latest
// document itself is unaffected; only replay history is trimmed.
func (db *ServerDB) PruneChangesBefore(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM settings_changes WHERE occurred_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
