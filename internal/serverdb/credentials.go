package serverdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

// credentialScope maps a layer to the key columns it actually uses. System
// defaults are global; tenant-shared is per tenant; user overrides are per
// tenant and user.
func credentialScope(layer models.CredentialLayer, tenantID, userID string) (string, string) {
	switch layer {
	case models.LayerSystemDefault:
		return "", ""
	case models.LayerTenantShared:
		return tenantID, ""
	default:
		return tenantID, userID
	}
}

// SetCredential stores one credential layer. An empty value is an explicit
// blank; use DeleteCredential to make resolution fall through instead.
func (db *ServerDB) SetCredential(tenantID, userID string, layer models.CredentialLayer, name, value string) error {
	tid, uid := credentialScope(layer, tenantID, userID)
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO credentials (layer, tenant_id, user_id, name, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(layer), tid, uid, name, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set credential %s/%s: %w", layer, name, err)
	}
	return nil
}

// GetCredential returns one credential layer. found=false means no record
// exists at that layer.
func (db *ServerDB) GetCredential(tenantID, userID string, layer models.CredentialLayer, name string) (string, bool, error) {
	tid, uid := credentialScope(layer, tenantID, userID)
	var value string
	err := db.conn.QueryRow(`
		SELECT value FROM credentials
		WHERE layer = ? AND tenant_id = ? AND user_id = ? AND name = ?`,
		string(layer), tid, uid, name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get credential %s/%s: %w", layer, name, err)
	}
	return value, true, nil
}

// DeleteCredential removes one credential layer record entirely.
func (db *ServerDB) DeleteCredential(tenantID, userID string, layer models.CredentialLayer, name string) error {
	tid, uid := credentialScope(layer, tenantID, userID)
	_, err := db.conn.Exec(`
		DELETE FROM credentials WHERE layer = ? AND tenant_id = ? AND user_id = ? AND name = ?`,
		string(layer), tid, uid, name)
	if err != nil {
		return fmt.Errorf("delete credential %s/%s: %w", layer, name, err)
	}
	return nil
}

// InsertSecurityEvent records one security event. Implements the security
// event sink against the server database.
func (db *ServerDB) InsertSecurityEvent(action, resource string, success bool, details map[string]string) error {
	var detailsJSON any
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		detailsJSON = string(data)
	}
	_, err := db.conn.Exec(`
		INSERT INTO security_events (action, resource, success, details, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		action, resource, boolToInt(success), detailsJSON,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// PruneSecurityEventsBefore deletes security events older than cutoff.
func (db *ServerDB) PruneSecurityEventsBefore(cutoff time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM security_events WHERE timestamp < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
