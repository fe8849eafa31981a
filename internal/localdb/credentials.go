package localdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

// SaveSealedCredential stores the sealed value for one credential layer.
// present=true with an empty plaintext (sealed) records an explicit blank.
func (db *DB) SaveSealedCredential(userID string, layer models.CredentialLayer, name string, ciphertext []byte, present bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO sealed_credentials (user_id, layer, name, ciphertext, present, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, string(layer), name, ciphertext, boolToInt(present),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save sealed credential %s/%s: %w", layer, name, err)
	}
	return nil
}

// LoadSealedCredential returns the sealed value for one layer.
// found=false means no record exists at that layer (fall through).
func (db *DB) LoadSealedCredential(userID string, layer models.CredentialLayer, name string) (ciphertext []byte, present, found bool, err error) {
	var presentInt int
	err = db.conn.QueryRow(`
		SELECT ciphertext, present FROM sealed_credentials
		WHERE user_id = ? AND layer = ? AND name = ?`,
		userID, string(layer), name,
	).Scan(&ciphertext, &presentInt)
	if err == sql.ErrNoRows {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("load sealed credential %s/%s: %w", layer, name, err)
	}
	return ciphertext, presentInt != 0, true, nil
}

// DeleteSealedCredential removes one layer record entirely, so resolution
// falls through to the next layer.
func (db *DB) DeleteSealedCredential(userID string, layer models.CredentialLayer, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		DELETE FROM sealed_credentials WHERE user_id = ? AND layer = ? AND name = ?`,
		userID, string(layer), name,
	)
	if err != nil {
		return fmt.Errorf("delete sealed credential %s/%s: %w", layer, name, err)
	}
	return nil
}

// WipeSealedCredentials removes every sealed credential for a user.
// Called when the owning device is revoked.
func (db *DB) WipeSealedCredentials(userID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`DELETE FROM sealed_credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("wipe sealed credentials for %s: %w", userID, err)
	}
	return nil
}
