// Package trust tracks per-device trust levels and gates operations on them.
//
// Trust moves forward only (untrusted -> basic -> trusted -> verified)
// through explicit verification events; time alone never changes it. An
// explicit revoke forces a device straight to untrusted and invalidates any
// cached secrets tied to it.
package trust

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marlowe/crmsync/internal/audit"
	"github.com/marlowe/crmsync/internal/models"
)

var (
	// ErrInsufficientTrust is returned when an operation requires a higher
	// trust level than the device holds.
	ErrInsufficientTrust = errors.New("insufficient trust")

	// ErrUnknownDevice is returned for devices never registered.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrTrustRegression is returned when a verification event would lower
	// the trust level. Only Revoke lowers trust.
	ErrTrustRegression = errors.New("trust level can only move forward")
)

// Registry owns the per-user device records for the lifetime of a process.
type Registry struct {
	mu      sync.Mutex
	devices map[string]map[string]*models.DeviceRecord // userID -> deviceID -> record
	sink    audit.Sink

	// onRevoke is invoked after a device is revoked so cached secrets tied
	// to it can be discarded.
	onRevoke func(userID, deviceID string)

	now func() time.Time
}

// NewRegistry creates an empty registry reporting to sink.
func NewRegistry(sink audit.Sink) *Registry {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Registry{
		devices: make(map[string]map[string]*models.DeviceRecord),
		sink:    sink,
		now:     time.Now,
	}
}

// OnRevoke registers a callback run whenever a device is revoked.
func (r *Registry) OnRevoke(fn func(userID, deviceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRevoke = fn
}

// Register creates or refreshes the record for a device. A new device starts
// at basic when the session is already MFA-verified, otherwise untrusted.
// Re-registering an existing device refreshes last-seen and fingerprint but
// never changes its trust level.
func (r *Registry) Register(userID, deviceID, fingerprint, deviceType string, mfaVerified bool) *models.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDevice, ok := r.devices[userID]
	if !ok {
		byDevice = make(map[string]*models.DeviceRecord)
		r.devices[userID] = byDevice
	}

	if rec, ok := byDevice[deviceID]; ok {
		rec.LastSeen = r.now()
		rec.Fingerprint = fingerprint
		rec.MFAVerified = rec.MFAVerified || mfaVerified
		return cloneRecord(rec)
	}

	level := models.TrustUntrusted
	if mfaVerified {
		level = models.TrustBasic
	}
	rec := &models.DeviceRecord{
		DeviceID:    deviceID,
		UserID:      userID,
		Fingerprint: fingerprint,
		DeviceType:  deviceType,
		TrustLevel:  level,
		LastSeen:    r.now(),
		MFAVerified: mfaVerified,
	}
	byDevice[deviceID] = rec

	r.sink.LogSecurityEvent("device_registered", deviceID, true, map[string]string{
		"user_id":     userID,
		"trust_level": string(level),
	})
	return cloneRecord(rec)
}

// Verify raises a device's trust level. The transition must be strictly
// forward; anything else is rejected.
func (r *Registry) Verify(userID, deviceID string, to models.TrustLevel) error {
	if !to.Valid() {
		return fmt.Errorf("invalid trust level %q", to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[userID][deviceID]
	if !ok {
		return fmt.Errorf("verify %s: %w", deviceID, ErrUnknownDevice)
	}
	if !to.AtLeast(rec.TrustLevel) || to == rec.TrustLevel {
		r.sink.LogSecurityEvent("trust_verify", deviceID, false, map[string]string{
			"user_id": userID,
			"from":    string(rec.TrustLevel),
			"to":      string(to),
		})
		return fmt.Errorf("verify %s: %s -> %s: %w", deviceID, rec.TrustLevel, to, ErrTrustRegression)
	}

	rec.TrustLevel = to
	if to == models.TrustVerified {
		rec.MFAVerified = true
	}
	r.sink.LogSecurityEvent("trust_verify", deviceID, true, map[string]string{
		"user_id": userID,
		"to":      string(to),
	})
	return nil
}

// Revoke force-transitions a device to untrusted and fires the revoke
// callback so cached secrets are invalidated immediately.
func (r *Registry) Revoke(userID, deviceID string) error {
	r.mu.Lock()
	rec, ok := r.devices[userID][deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("revoke %s: %w", deviceID, ErrUnknownDevice)
	}
	rec.TrustLevel = models.TrustUntrusted
	rec.MFAVerified = false
	fn := r.onRevoke
	r.mu.Unlock()

	r.sink.LogSecurityEvent("device_revoked", deviceID, true, map[string]string{
		"user_id": userID,
	})
	if fn != nil {
		fn(userID, deviceID)
	}
	return nil
}

// Get returns a copy of the record for a device.
func (r *Registry) Get(userID, deviceID string) (*models.DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[userID][deviceID]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// List returns copies of all records for a user.
func (r *Registry) List(userID string) []*models.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.DeviceRecord, 0, len(r.devices[userID]))
	for _, rec := range r.devices[userID] {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Require rejects the operation unless the device holds at least min trust.
// Settings sync requires basic; credential sync requires trusted.
func (r *Registry) Require(userID, deviceID string, min models.TrustLevel) error {
	r.mu.Lock()
	rec, ok := r.devices[userID][deviceID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, ErrUnknownDevice)
	}
	if !rec.TrustLevel.AtLeast(min) {
		r.sink.LogSecurityEvent("trust_check", deviceID, false, map[string]string{
			"user_id":  userID,
			"held":     string(rec.TrustLevel),
			"required": string(min),
		})
		return fmt.Errorf("device %s holds %s, needs %s: %w", deviceID, rec.TrustLevel, min, ErrInsufficientTrust)
	}
	return nil
}

// Touch updates a device's last-seen timestamp.
func (r *Registry) Touch(userID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.devices[userID][deviceID]; ok {
		rec.LastSeen = r.now()
	}
}

// Cleanup drops all records for a user. Called on logout so device state
// does not leak across user switches on a shared profile.
func (r *Registry) Cleanup(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, userID)
}

func cloneRecord(rec *models.DeviceRecord) *models.DeviceRecord {
	cp := *rec
	return &cp
}
