package serverdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marlowe/crmsync/internal/models"
)

var (
	// ErrDeviceNotFound is returned for device ids never registered.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTrustRegression is returned when a verification would lower or
	// repeat a device's trust level. Only revocation lowers trust.
	ErrTrustRegression = errors.New("trust level can only move forward")
)

// RegisterDevice creates or refreshes a device record. A new device starts
// at basic when the session is MFA-verified, otherwise untrusted.
// Re-registration refreshes last-seen and fingerprint but never changes the
// stored trust level.
func (db *ServerDB) RegisterDevice(deviceID, userID, tenantID, fingerprint, deviceType string, mfaVerified bool) (*models.DeviceRecord, error) {
	now := time.Now().UTC()

	existing, err := db.GetDevice(deviceID)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}
	if existing != nil {
		mfa := existing.MFAVerified || mfaVerified
		_, err := db.conn.Exec(`
			UPDATE devices SET fingerprint = ?, last_seen = ?, mfa_verified = ? WHERE device_id = ?`,
			fingerprint, now.Format(time.RFC3339Nano), boolToInt(mfa), deviceID)
		if err != nil {
			return nil, fmt.Errorf("refresh device %s: %w", deviceID, err)
		}
		existing.Fingerprint = fingerprint
		existing.LastSeen = now
		existing.MFAVerified = mfa
		return existing, nil
	}

	level := models.TrustUntrusted
	if mfaVerified {
		level = models.TrustBasic
	}
	_, err = db.conn.Exec(`
		INSERT INTO devices (device_id, user_id, tenant_id, fingerprint, device_type, trust_level, last_seen, mfa_verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID, userID, tenantID, fingerprint, deviceType,
		string(level), now.Format(time.RFC3339Nano), boolToInt(mfaVerified))
	if err != nil {
		return nil, fmt.Errorf("register device %s: %w", deviceID, err)
	}

	return &models.DeviceRecord{
		DeviceID:    deviceID,
		UserID:      userID,
		Fingerprint: fingerprint,
		DeviceType:  deviceType,
		TrustLevel:  level,
		LastSeen:    now,
		MFAVerified: mfaVerified,
	}, nil
}

// GetDevice returns one device record.
func (db *ServerDB) GetDevice(deviceID string) (*models.DeviceRecord, error) {
	row := db.conn.QueryRow(`
		SELECT device_id, user_id, fingerprint, device_type, trust_level, last_seen, mfa_verified
		FROM devices WHERE device_id = ?`, deviceID)
	rec, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	return rec, nil
}

// ListDevices returns all device records for a user, newest-seen first.
func (db *ServerDB) ListDevices(userID string) ([]models.DeviceRecord, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, user_id, fingerprint, device_type, trust_level, last_seen, mfa_verified
		FROM devices WHERE user_id = ? ORDER BY last_seen DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var recs []models.DeviceRecord
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// VerifyDevice raises a device's trust level. The transition must be
// strictly forward.
func (db *ServerDB) VerifyDevice(deviceID string, to models.TrustLevel) error {
	if !to.Valid() {
		return fmt.Errorf("invalid trust level %q", to)
	}
	rec, err := db.GetDevice(deviceID)
	if err != nil {
		return err
	}
	if !to.AtLeast(rec.TrustLevel) || to == rec.TrustLevel {
		return fmt.Errorf("verify %s: %s -> %s: %w", deviceID, rec.TrustLevel, to, ErrTrustRegression)
	}

	mfa := rec.MFAVerified || to == models.TrustVerified
	_, err = db.conn.Exec(`UPDATE devices SET trust_level = ?, mfa_verified = ? WHERE device_id = ?`,
		string(to), boolToInt(mfa), deviceID)
	if err != nil {
		return fmt.Errorf("verify device %s: %w", deviceID, err)
	}
	return nil
}

// RevokeDevice force-transitions a device to untrusted.
func (db *ServerDB) RevokeDevice(deviceID string) error {
	res, err := db.conn.Exec(`
		UPDATE devices SET trust_level = ?, mfa_verified = 0 WHERE device_id = ?`,
		string(models.TrustUntrusted), deviceID)
	if err != nil {
		return fmt.Errorf("revoke device %s: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.DeviceRecord, error) {
	var (
		rec      models.DeviceRecord
		level    string
		lastSeen string
		mfa      int
	)
	err := row.Scan(&rec.DeviceID, &rec.UserID, &rec.Fingerprint, &rec.DeviceType, &level, &lastSeen, &mfa)
	if err != nil {
		return nil, err
	}
	rec.TrustLevel = models.TrustLevel(level)
	rec.MFAVerified = mfa != 0
	if rec.LastSeen, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	return &rec, nil
}
